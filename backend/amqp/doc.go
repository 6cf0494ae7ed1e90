// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

// Package amqp mirrors published telemetry to an AMQP topic exchange.
//
// Every message is published to the exchange (by default "amq.topic") with a
// routing key derived from its MQTT topic by replacing "/" with "."; the
// "data/lights" topic becomes the "data.lights" routing key. Messages are
// persistent and carry the "application/json" content type.
//
// Publish only queues the message; a single goroutine per connection
// publishes the queue and reports the outcome as a types.Event.
package amqp
