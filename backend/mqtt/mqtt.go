// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package mqtt

import (
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/TheThingsNetwork/telemetry-gateway/types"
	"github.com/TheThingsNetwork/ttn/utils/random"
	"github.com/apex/log"
	paho "github.com/eclipse/paho.mqtt.golang"
)

// ConnectTimeout is the time after which a slow connection attempt is reported
var ConnectTimeout = time.Second

// AckTimeout is the maximum time to wait for the broker to acknowledge a publish
var AckTimeout = 10 * time.Second

// BufferSize indicates the maximum number of events that should be buffered
var BufferSize = 32

// ErrDisconnected is returned when publishing on a disconnected client
var ErrDisconnected = errors.New("mqtt: client disconnected")

// Config contains configuration for MQTT
type Config struct {
	Brokers   []string
	Username  string
	Password  string
	ClientID  string
	TLSConfig *tls.Config
}

// MQTT side of the gateway
type MQTT struct {
	ctx     log.Interface
	client  paho.Client
	mu      sync.RWMutex
	events  chan types.Event
	closed  bool
	pending sync.WaitGroup
}

// New returns a new MQTT
func New(config Config, ctx log.Interface) (*MQTT, error) {
	if len(config.Brokers) == 0 {
		return nil, errors.New("mqtt: no brokers configured")
	}

	mqtt := new(MQTT)
	mqtt.ctx = ctx.WithField("Connector", "MQTT")
	mqtt.events = make(chan types.Event, BufferSize)

	mqttOpts := paho.NewClientOptions()
	for _, broker := range config.Brokers {
		mqttOpts.AddBroker(broker)
	}
	if config.TLSConfig != nil {
		mqttOpts.SetTLSConfig(config.TLSConfig)
	}
	clientID := config.ClientID
	if clientID == "" {
		clientID = fmt.Sprintf("gateway-%s", random.String(16))
	}
	mqttOpts.SetClientID(clientID)
	mqttOpts.SetUsername(config.Username)
	mqttOpts.SetPassword(config.Password)
	mqttOpts.SetKeepAlive(30 * time.Second)
	mqttOpts.SetPingTimeout(10 * time.Second)
	mqttOpts.SetCleanSession(true)
	mqttOpts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		mqtt.ctx.Warnf("Disconnected (%s). Reconnecting...", err.Error())
		mqtt.emit(types.Event{Type: types.ConnectionLost, Err: err})
	})
	mqttOpts.SetOnConnectHandler(func(_ paho.Client) {
		mqtt.emit(types.Event{Type: types.Connected})
	})

	mqtt.client = paho.NewClient(mqttOpts)

	return mqtt, nil
}

func (c *MQTT) emit(event types.Event) {
	event.Backend = "MQTT"
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

// Connect to MQTT. There is exactly one attempt.
func (c *MQTT) Connect() error {
	token := c.client.Connect()
	finished := token.WaitTimeout(ConnectTimeout)
	if !finished {
		c.ctx.Warn("MQTT connection took longer than expected...")
		token.Wait()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("could not connect to MQTT: %w", err)
	}
	return nil
}

// IsConnected returns whether the client currently has a broker connection
func (c *MQTT) IsConnected() bool {
	return c.client.IsConnected()
}

// Disconnect from MQTT. Outstanding publishes are awaited before the events
// channel is closed.
func (c *MQTT) Disconnect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.client.Disconnect(100)
	c.pending.Wait()

	c.mu.Lock()
	close(c.events)
	c.events = nil
	c.mu.Unlock()
	c.ctx.Debug("Disconnected")
	return nil
}

// Events returns the channel on which connection and publish events are sent
func (c *MQTT) Events() <-chan types.Event {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.events
}

// Publish a message. It returns once the message is handed to the client; the
// acknowledgement is reported as a Published or PublishFailed event.
func (c *MQTT) Publish(message *types.Message) error {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return ErrDisconnected
	}
	c.pending.Add(1)
	c.mu.RUnlock()

	token := c.client.Publish(message.Topic, message.QoS, false, message.Payload)
	go func() {
		defer c.pending.Done()
		ctx := c.ctx.WithField("Topic", message.Topic)
		if !token.WaitTimeout(AckTimeout) {
			err := fmt.Errorf("mqtt: no acknowledgement after %s", AckTimeout)
			c.emit(types.Event{Type: types.PublishFailed, Topic: message.Topic, Err: err})
			return
		}
		if err := token.Error(); err != nil {
			c.emit(types.Event{Type: types.PublishFailed, Topic: message.Topic, Err: err})
			return
		}
		var messageID uint16
		if publishToken, ok := token.(*paho.PublishToken); ok {
			messageID = publishToken.MessageID()
		}
		ctx.WithField("Size", len(message.Payload)).Debug("Published message")
		c.emit(types.Event{Type: types.Published, Topic: message.Topic, MessageID: messageID})
	}()
	return nil
}
