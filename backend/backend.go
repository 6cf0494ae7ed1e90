// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package backend

import "github.com/TheThingsNetwork/telemetry-gateway/types"

// Publisher backends talk to brokers that are up the chain.
//
// Publish must not block on the network; the outcome of a publish is reported
// on the Events channel. The Events channel is closed by Disconnect.
type Publisher interface {
	Connect() error
	Disconnect() error
	Publish(message *types.Message) error
	Events() <-chan types.Event
}
