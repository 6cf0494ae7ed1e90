// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package amqp

import (
	"crypto/tls"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/TheThingsNetwork/telemetry-gateway/types"
	"github.com/apex/log"
	"github.com/streadway/amqp"
)

// BufferSize indicates the maximum number of AMQP messages that should be buffered
var BufferSize = 32

// ErrDisconnected is returned when publishing on a disconnected AMQP
var ErrDisconnected = errors.New("amqp: not connected")

// Config contains configuration for AMQP
type Config struct {
	Address      string
	Username     string
	Password     string
	VHost        string
	ExchangeName string
	TLSConfig    *tls.Config
}

func (c Config) url() (url string) {
	if c.TLSConfig != nil {
		url += "amqps://"
	} else {
		url += "amqp://"
	}
	if c.Username != "" {
		url += c.Username
		if c.Password != "" {
			url += ":" + c.Password
		}
		url += "@"
	}
	url += c.Address
	if c.VHost != "" {
		url += "/" + c.VHost
	}
	return
}

// RoutingKey returns the routing key for an MQTT-style topic ("data/lights" becomes "data.lights")
func RoutingKey(topic string) string {
	return strings.Replace(topic, "/", ".", -1)
}

type publishMessage struct {
	topic   string
	message []byte
}

// AMQP mirror of the MQTT publisher
type AMQP struct {
	config     Config
	ctx        log.Interface
	mu         sync.RWMutex
	connection *amqp.Connection
	channel    *amqp.Channel
	publish    chan publishMessage
	events     chan types.Event
	done       sync.WaitGroup
}

// New returns a new AMQP
func New(config Config, ctx log.Interface) (*AMQP, error) {
	if config.Address == "" {
		return nil, errors.New("amqp: no address configured")
	}
	if config.ExchangeName == "" {
		config.ExchangeName = "amq.topic"
	}
	return &AMQP{
		config: config,
		ctx:    ctx.WithField("Connector", "AMQP"),
		events: make(chan types.Event, BufferSize),
	}, nil
}

func (c *AMQP) emit(event types.Event) {
	event.Backend = "AMQP"
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.events == nil {
		return
	}
	select {
	case c.events <- event:
	default:
		c.ctx.WithField("Event", event.Type).Debug("Dropped event: buffer full")
	}
}

func (c *AMQP) setup() error {
	ch, err := c.connection.Channel()
	if err != nil {
		return err
	}
	if err := ch.ExchangeDeclarePassive(c.config.ExchangeName, "topic", true, false, false, false, nil); err != nil {
		c.ctx.WithError(err).Warnf("Exchange %s does not exist, trying to create...", c.config.ExchangeName)
		// A failed passive declare closes the channel
		ch, err = c.connection.Channel()
		if err != nil {
			return err
		}
		if err := ch.ExchangeDeclare(c.config.ExchangeName, "topic", true, false, false, false, nil); err != nil {
			return err
		}
	}
	c.channel = ch
	return nil
}

// Connect to AMQP
func (c *AMQP) Connect() (err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connection != nil {
		return nil
	}
	if c.config.TLSConfig != nil {
		c.connection, err = amqp.DialTLS(c.config.url(), c.config.TLSConfig)
	} else {
		c.connection, err = amqp.Dial(c.config.url())
	}
	if err != nil {
		c.connection = nil
		return err
	}
	if err := c.setup(); err != nil {
		c.connection.Close()
		c.connection = nil
		return err
	}

	closed := c.connection.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		if err, hasErr := <-closed; hasErr && err != nil {
			c.ctx.WithError(err).Warn("Connection closed")
			c.emit(types.Event{Type: types.ConnectionLost, Err: err})
		}
	}()

	c.publish = make(chan publishMessage, BufferSize)
	c.done.Add(1)
	go c.handlePublish(c.channel, c.publish)

	c.ctx.Info("Connected")
	select {
	case c.events <- types.Event{Backend: "AMQP", Type: types.Connected}:
	default:
	}
	return nil
}

func (c *AMQP) handlePublish(channel *amqp.Channel, messages <-chan publishMessage) {
	defer c.done.Done()
	for msg := range messages {
		ctx := c.ctx.WithField("RoutingKey", RoutingKey(msg.topic))
		err := channel.Publish(c.config.ExchangeName, RoutingKey(msg.topic), false, false, amqp.Publishing{
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
			ContentType:  "application/json",
			Body:         msg.message,
		})
		if err != nil {
			ctx.WithError(err).Warn("Error during publish")
			c.emit(types.Event{Type: types.PublishFailed, Topic: msg.topic, Err: err})
			continue
		}
		ctx.Debug("Published message")
		c.emit(types.Event{Type: types.Published, Topic: msg.topic})
	}
}

// Publish a message to the routing key derived from its topic
func (c *AMQP) Publish(message *types.Message) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.publish == nil {
		return ErrDisconnected
	}
	select {
	case c.publish <- publishMessage{topic: message.Topic, message: message.Payload}:
	default:
		c.ctx.Warn("Not publishing message [buffer full]")
		select {
		case c.events <- types.Event{Backend: "AMQP", Type: types.PublishFailed, Topic: message.Topic, Err: errors.New("amqp: buffer full")}:
		default:
		}
	}
	return nil
}

// Events returns the channel on which connection and publish events are sent
func (c *AMQP) Events() <-chan types.Event {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.events
}

// Disconnect from AMQP
func (c *AMQP) Disconnect() (err error) {
	c.mu.Lock()
	publish := c.publish
	c.publish = nil
	c.mu.Unlock()

	if publish != nil {
		close(publish)
		c.done.Wait()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.channel != nil {
		c.channel.Close()
		c.channel = nil
	}
	if c.connection != nil {
		err = c.connection.Close()
		c.connection = nil
	}
	if c.events != nil {
		close(c.events)
		c.events = nil
	}
	return err
}
