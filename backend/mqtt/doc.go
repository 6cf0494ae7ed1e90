// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

// Package mqtt publishes telemetry to an MQTT broker.
//
// Messages are published with the QoS of the message (1 for telemetry) and
// are never retained. Publish does not wait for the broker; the
// acknowledgement (with the MQTT message identifier) or the failure is sent
// as a types.Event on the channel returned by Events, as are connects and
// lost connections. Reconnection after a lost connection is left to the
// paho client.
//
// The connection is secured with TLS when a TLSConfig is given. NewTLSConfig
// verifies the broker certificate unless InsecureSkipVerify is set.
package mqtt
