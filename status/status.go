// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

// Package status keeps rates of the traffic through the gateway and serves them as JSON.
package status

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/rcrowley/go-metrics"
)

var global = newStatusServer()

func newStatusServer() *statusServer {
	return &statusServer{
		started:   time.Now(),
		lines:     metrics.NewMeter(),
		published: metrics.NewMeter(),
		dropped:   metrics.NewMeter(),
		failed:    metrics.NewMeter(),
	}
}

type statusServer struct {
	started time.Time

	lines     metrics.Meter
	published metrics.Meter
	dropped   metrics.Meter
	failed    metrics.Meter
}

// Rates of a meter
type Rates struct {
	Count  int64   `json:"count"`
	Rate1  float64 `json:"rate_1"`
	Rate5  float64 `json:"rate_5"`
	Rate15 float64 `json:"rate_15"`
}

// Response of the status endpoint
type Response struct {
	Uptime    string `json:"uptime"`
	Lines     Rates  `json:"lines"`
	Published Rates  `json:"published"`
	Dropped   Rates  `json:"dropped"`
	Failed    Rates  `json:"failed"`
}

func rates(meter metrics.Meter) Rates {
	snapshot := meter.Snapshot()
	return Rates{
		Count:  snapshot.Count(),
		Rate1:  snapshot.Rate1(),
		Rate5:  snapshot.Rate5(),
		Rate15: snapshot.Rate15(),
	}
}

func (s *statusServer) getStatus() *Response {
	return &Response{
		Uptime:    time.Since(s.started).Truncate(time.Second).String(),
		Lines:     rates(s.lines),
		Published: rates(s.published),
		Dropped:   rates(s.dropped),
		Failed:    rates(s.failed),
	}
}

func (s *statusServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.getStatus())
}

// Line registers a line read from the end-device
func Line() {
	global.lines.Mark(1)
}

// Published registers a message acknowledged by a backend
func Published() {
	global.published.Mark(1)
}

// Dropped registers a line that was skipped
func Dropped() {
	global.dropped.Mark(1)
}

// Failed registers a message that a backend could not publish
func Failed() {
	global.failed.Mark(1)
}

// Get the status of the default status server
func Get() *Response {
	return global.getStatus()
}

// Handler returns the HTTP handler of the default status server
func Handler() http.Handler {
	return global
}
