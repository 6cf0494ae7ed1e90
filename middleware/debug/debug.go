// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package debug

import (
	"github.com/TheThingsNetwork/telemetry-gateway/middleware"
	"github.com/TheThingsNetwork/telemetry-gateway/types"
	"github.com/apex/log"
)

// New returns a middleware that debugs traffic
func New(ctx log.Interface) *Debug {
	return &Debug{ctx: ctx.WithField("Middleware", "Debug")}
}

// Debug middleware
type Debug struct {
	ctx log.Interface
}

// HandleRecord debugs records
func (d *Debug) HandleRecord(_ middleware.Context, record *types.Record) error {
	d.ctx.WithField("Keys", record.Len()).Debugf("Record %s", record)
	return nil
}

// HandlePublish debugs outgoing messages
func (d *Debug) HandlePublish(_ middleware.Context, msg *types.Message) error {
	d.ctx.WithField("Topic", msg.Topic).WithField("Size", len(msg.Payload)).Debug("Publish")
	return nil
}
