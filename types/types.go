// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package types

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Record is a single telemetry reading received from the end-device.
// There is no fixed schema; the presence of keys decides routing.
//
// A Record keeps its keys in the order they were first set and its values as
// compact JSON, so that encoding it again reproduces the input order and the
// numbers as they were written.
type Record struct {
	keys   []string
	values map[string]json.RawMessage
}

// Has returns whether the record contains the key, regardless of its value
func (r *Record) Has(key string) bool {
	_, ok := r.values[key]
	return ok
}

// Get returns the JSON value of the key
func (r *Record) Get(key string) (json.RawMessage, bool) {
	value, ok := r.values[key]
	return value, ok
}

// Keys returns the keys in order
func (r *Record) Keys() []string {
	return append([]string(nil), r.keys...)
}

// Len returns the number of keys
func (r *Record) Len() int {
	return len(r.keys)
}

// SetRaw sets the key to a JSON value. An existing key keeps its position, a
// new key is added at the end.
func (r *Record) SetRaw(key string, value json.RawMessage) {
	if r.values == nil {
		r.values = make(map[string]json.RawMessage)
	}
	if _, ok := r.values[key]; !ok {
		r.keys = append(r.keys, key)
	}
	r.values[key] = value
}

// Set the key to value, encoded as JSON
func (r *Record) Set(key string, value interface{}) error {
	data, err := marshal(value)
	if err != nil {
		return err
	}
	r.SetRaw(key, data)
	return nil
}

// MarshalJSON encodes the record as a compact JSON object in key order
func (r *Record) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, key := range r.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		name, err := marshal(key)
		if err != nil {
			return nil, err
		}
		buf.Write(name)
		buf.WriteByte(':')
		buf.Write(r.values[key])
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a JSON object, keeping the order of its keys. For
// duplicate keys the last value wins at the position of the first.
func (r *Record) UnmarshalJSON(data []byte) error {
	decoder := json.NewDecoder(bytes.NewReader(data))
	token, err := decoder.Token()
	if err != nil {
		return err
	}
	if delim, ok := token.(json.Delim); !ok || delim != '{' {
		return errors.New("types: record is not a JSON object")
	}
	r.keys, r.values = nil, nil
	for decoder.More() {
		token, err := decoder.Token()
		if err != nil {
			return err
		}
		key, ok := token.(string)
		if !ok {
			return fmt.Errorf("types: unexpected %v in record", token)
		}
		var value json.RawMessage
		if err := decoder.Decode(&value); err != nil {
			return err
		}
		var compact bytes.Buffer
		if err := json.Compact(&compact, value); err != nil {
			return err
		}
		r.SetRaw(key, compact.Bytes())
	}
	if _, err := decoder.Token(); err != nil {
		return err
	}
	if r.values == nil {
		r.values = make(map[string]json.RawMessage)
	}
	return nil
}

func (r *Record) String() string {
	data, _ := r.MarshalJSON()
	return string(data)
}

// marshal encodes v without escaping HTML characters
func marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// Message is used internally
type Message struct {
	Topic   string
	Payload []byte
	QoS     byte
	Record  *Record
}

// EventType indicates what happened on a backend
type EventType int

// Event types
const (
	Connected EventType = iota
	ConnectionLost
	Published
	PublishFailed
)

func (t EventType) String() string {
	switch t {
	case Connected:
		return "Connected"
	case ConnectionLost:
		return "ConnectionLost"
	case Published:
		return "Published"
	case PublishFailed:
		return "PublishFailed"
	}
	return fmt.Sprintf("EventType(%d)", int(t))
}

// Event is emitted by backends instead of invoking log callbacks
type Event struct {
	Backend   string
	Type      EventType
	Topic     string
	MessageID uint16
	Err       error
}
