// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package exchange

import "github.com/TheThingsNetwork/telemetry-gateway/types"

// TelemetryQoS is the MQTT QoS of telemetry messages (at least once)
const TelemetryQoS byte = 0x01

// Route publishes records that have Key to Topic
type Route struct {
	Key   string
	Topic string
}

// Topics for lights and temperature records
const (
	LightsTopic      = "data/lights"
	TemperatureTopic = "data/temperature"
)

// DefaultRoutes of the gateway. A record can match both routes.
var DefaultRoutes = []Route{
	{Key: "lights", Topic: LightsTopic},
	{Key: "temp", Topic: TemperatureTopic},
}

// topics returns the topics of all routes that match the record, in route order
func topics(routes []Route, record *types.Record) (topics []string) {
	for _, route := range routes {
		if record.Has(route.Key) {
			topics = append(topics, route.Topic)
		}
	}
	return
}
