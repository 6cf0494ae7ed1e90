// Copyright © 2016 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/TheThingsNetwork/telemetry-gateway/backend"
	"github.com/TheThingsNetwork/telemetry-gateway/middleware"
	"github.com/TheThingsNetwork/telemetry-gateway/middleware/inject"
	"github.com/TheThingsNetwork/telemetry-gateway/status"
	"github.com/TheThingsNetwork/telemetry-gateway/types"
	"github.com/apex/log"
)

// Errors for lines that are skipped
var (
	ErrEmptyLine   = errors.New("exchange: empty line")
	ErrInvalidUTF8 = errors.New("exchange: line is not valid UTF-8")
	ErrMalformed   = errors.New("exchange: line is not valid JSON")
	ErrNotAnObject = errors.New("exchange: line is not a JSON object")
)

// Source of telemetry lines
type Source interface {
	ReadLine() (string, error)
}

// Exchange forwards telemetry lines from the end-device to the publisher backends.
//
// Every line is decoded as a JSON object, passed through the middleware (which
// adds the location), encoded again and published once for every route whose
// key is in the record. Records that match no route are dropped.
type Exchange struct {
	ctx log.Interface
	mu  sync.Mutex

	middleware middleware.Chain
	routes     []Route
	publishers []backend.Publisher

	watchers sync.WaitGroup
}

// New initializes a new Exchange with the location middleware and the default routes
func New(ctx log.Interface) *Exchange {
	return &Exchange{
		ctx:        ctx,
		middleware: middleware.Chain{inject.NewInject(inject.Fields{})},
		routes:     DefaultRoutes,
	}
}

// SetMiddleware replaces the middleware chain
func (b *Exchange) SetMiddleware(chain middleware.Chain) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.middleware = chain
}

// AddPublisher adds a new publisher backend
func (b *Exchange) AddPublisher(publisher ...backend.Publisher) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.publishers = append(b.publishers, publisher...)
}

// Connect all publishers and start handling their events.
// The first publisher that fails to connect aborts with its error.
func (b *Exchange) Connect() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, publisher := range b.publishers {
		b.watchers.Add(1)
		go b.watchEvents(publisher.Events())
		if err := publisher.Connect(); err != nil {
			return fmt.Errorf("could not connect %T: %w", publisher, err)
		}
	}
	return nil
}

// Disconnect all publishers and wait until their events are handled
func (b *Exchange) Disconnect() {
	b.mu.Lock()
	for _, publisher := range b.publishers {
		if err := publisher.Disconnect(); err != nil {
			b.ctx.WithError(err).Warnf("Could not disconnect %T", publisher)
		}
	}
	b.mu.Unlock()
	b.watchers.Wait()
}

func (b *Exchange) watchEvents(events <-chan types.Event) {
	defer b.watchers.Done()
	for event := range events {
		ctx := b.ctx.WithField("Backend", event.Backend)
		switch event.Type {
		case types.Connected:
			brokerConnected.WithLabelValues(event.Backend).Set(1)
			ctx.Info("Connected to broker")
		case types.ConnectionLost:
			brokerConnected.WithLabelValues(event.Backend).Set(0)
			ctx.WithError(event.Err).Warn("Lost connection to broker")
		case types.Published:
			messagesPublished.WithLabelValues(event.Backend, event.Topic).Inc()
			status.Published()
			ctx.WithField("Topic", event.Topic).WithField("MessageID", event.MessageID).Info("Published message")
		case types.PublishFailed:
			publishErrors.WithLabelValues(event.Backend).Inc()
			status.Failed()
			ctx.WithField("Topic", event.Topic).WithError(event.Err).Warn("Could not publish message")
		}
	}
}

// Decode a line into a record
func Decode(line string) (*types.Record, error) {
	if strings.TrimSpace(line) == "" {
		return nil, ErrEmptyLine
	}
	if !utf8.ValidString(line) {
		return nil, ErrInvalidUTF8
	}
	decoder := json.NewDecoder(strings.NewReader(line))
	var value json.RawMessage
	if err := decoder.Decode(&value); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformed, err)
	}
	if _, err := decoder.Token(); err != io.EOF {
		return nil, fmt.Errorf("%w: trailing data after JSON value", ErrMalformed)
	}
	if value = bytes.TrimSpace(value); len(value) == 0 || value[0] != '{' {
		return nil, ErrNotAnObject
	}
	record := new(types.Record)
	if err := record.UnmarshalJSON(value); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformed, err)
	}
	return record, nil
}

// Encode a record into a compact JSON payload with the keys in record order
func Encode(record *types.Record) ([]byte, error) {
	return record.MarshalJSON()
}

// HandleLine forwards a single line and returns the messages it published
func (b *Exchange) HandleLine(line string) ([]*types.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	record, err := Decode(line)
	if err != nil {
		return nil, err
	}
	mwCtx := middleware.NewContext()
	if err := b.middleware.Execute(mwCtx, record); err != nil {
		return nil, err
	}
	payload, err := Encode(record)
	if err != nil {
		return nil, err
	}

	var messages []*types.Message
	for _, topic := range topics(b.routes, record) {
		message := &types.Message{
			Topic:   topic,
			Payload: payload,
			QoS:     TelemetryQoS,
			Record:  record,
		}
		if err := b.middleware.Execute(mwCtx, message); err != nil {
			b.ctx.WithField("Topic", topic).WithError(err).Warn("Not publishing message")
			continue
		}
		for _, publisher := range b.publishers {
			if err := publisher.Publish(message); err != nil {
				b.ctx.WithFields(log.Fields{
					"Backend": fmt.Sprintf("%T", publisher),
					"Topic":   topic,
				}).WithError(err).Warn("Could not publish message")
			}
		}
		messages = append(messages, message)
	}
	if len(messages) == 0 {
		b.ctx.WithField("Keys", record.Len()).Debug("Record matches no route")
	}
	return messages, nil
}

// Run reads lines from the source and forwards them until the context is
// done or reading fails. Lines that can not be decoded are skipped.
// Reading errors after the context is done are not returned.
func (b *Exchange) Run(ctx context.Context, source Source) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		line, err := source.ReadLine()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		linesRead.Inc()
		status.Line()
		if _, err := b.HandleLine(line); err != nil {
			linesDropped.WithLabelValues(dropReason(err)).Inc()
			status.Dropped()
			lineCtx := b.ctx.WithField("Line", line).WithError(err)
			if errors.Is(err, ErrEmptyLine) {
				lineCtx.Debug("Skipping line")
			} else {
				lineCtx.Warn("Skipping line")
			}
		}
	}
}
