// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package dummy

import (
	"sync"

	"github.com/TheThingsNetwork/telemetry-gateway/types"
	"github.com/apex/log"
)

// BufferSize indicates the maximum number of dummy events that should be buffered
var BufferSize = 10

// Dummy backend that keeps published messages in memory
type Dummy struct {
	mu        sync.Mutex
	ctx       log.Interface
	events    chan types.Event
	messages  []*types.Message
	messageID uint16
	err       error
}

// New returns a new Dummy backend
func New(ctx log.Interface) *Dummy {
	return &Dummy{
		ctx:    ctx.WithField("Connector", "Dummy"),
		events: make(chan types.Event, BufferSize),
	}
}

func (d *Dummy) emit(event types.Event) {
	event.Backend = "Dummy"
	if d.events == nil {
		return
	}
	select {
	case d.events <- event:
	default:
		d.ctx.WithField("Event", event.Type).Debug("Did not emit event [buffer full]")
	}
}

// Connect implements backend interfaces
func (d *Dummy) Connect() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.emit(types.Event{Type: types.Connected})
	d.ctx.Debug("Connected")
	return nil
}

// Disconnect implements backend interfaces
func (d *Dummy) Disconnect() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.events != nil {
		close(d.events)
		d.events = nil
	}
	d.ctx.Debug("Disconnected")
	return nil
}

// SetPublishError makes subsequent publishes fail with err (nil to succeed again)
func (d *Dummy) SetPublishError(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.err = err
}

// Publish implements backend interfaces
func (d *Dummy) Publish(message *types.Message) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	ctx := d.ctx.WithField("Topic", message.Topic)
	if d.err != nil {
		d.emit(types.Event{Type: types.PublishFailed, Topic: message.Topic, Err: d.err})
		ctx.WithError(d.err).Debug("Did not publish message")
		return nil
	}
	d.messageID++
	d.messages = append(d.messages, message)
	d.emit(types.Event{Type: types.Published, Topic: message.Topic, MessageID: d.messageID})
	ctx.WithField("Payload", string(message.Payload)).Debug("Published message")
	return nil
}

// Events implements backend interfaces
func (d *Dummy) Events() <-chan types.Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.events
}

// Messages returns the messages published so far
func (d *Dummy) Messages() []*types.Message {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*types.Message(nil), d.messages...)
}

// Reset forgets the published messages
func (d *Dummy) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.messages = nil
}
