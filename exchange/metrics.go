// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package exchange

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

var linesRead = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "ttn",
		Subsystem: "gateway",
		Name:      "lines_read_total",
		Help:      "Total number of lines read from the end-device.",
	},
)

var linesDropped = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "ttn",
		Subsystem: "gateway",
		Name:      "lines_dropped_total",
		Help:      "Total number of lines that were skipped.",
	}, []string{"reason"},
)

var messagesPublished = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "ttn",
		Subsystem: "gateway",
		Name:      "messages_published_total",
		Help:      "Total number of messages acknowledged by a backend.",
	}, []string{"backend", "topic"},
)

var publishErrors = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "ttn",
		Subsystem: "gateway",
		Name:      "publish_errors_total",
		Help:      "Total number of messages a backend could not publish.",
	}, []string{"backend"},
)

var brokerConnected = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "ttn",
		Subsystem: "gateway",
		Name:      "broker_connected",
		Help:      "Whether the backend is connected to its broker.",
	}, []string{"backend"},
)

func dropReason(err error) string {
	switch {
	case errors.Is(err, ErrEmptyLine):
		return "empty"
	case errors.Is(err, ErrInvalidUTF8):
		return "invalid_utf8"
	case errors.Is(err, ErrMalformed):
		return "malformed"
	case errors.Is(err, ErrNotAnObject):
		return "not_an_object"
	}
	return "other"
}

func init() {
	prometheus.MustRegister(linesRead)
	prometheus.MustRegister(linesDropped)
	prometheus.MustRegister(messagesPublished)
	prometheus.MustRegister(publishErrors)
	prometheus.MustRegister(brokerConnected)
}
