// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package middleware

import (
	"github.com/TheThingsNetwork/telemetry-gateway/types"
)

// Context for middleware
type Context interface {
	Set(k, v interface{})
	Get(k interface{}) interface{}
}

// NewContext returns a new middleware context
func NewContext() Context {
	return &context{
		data: make(map[interface{}]interface{}),
	}
}

type context struct {
	data map[interface{}]interface{}
}

func (c *context) Set(k, v interface{}) {
	c.data[k] = v
}

func (c *context) Get(k interface{}) interface{} {
	if v, ok := c.data[k]; ok {
		return v
	}
	return nil
}

// Chain of middleware
type Chain []interface{}

// Execute the chain
func (c Chain) Execute(ctx Context, msg interface{}) error {
	switch msg := msg.(type) {
	case *types.Record:
		return c.filterRecord().Execute(ctx, msg)
	case *types.Message:
		return c.filterPublish().Execute(ctx, msg)
	}
	return nil
}

// Record middleware runs on every decoded record before it is serialized
type Record interface {
	HandleRecord(Context, *types.Record) error
}

type recordChain []Record

func (c recordChain) Execute(ctx Context, record *types.Record) error {
	for _, middleware := range c {
		err := middleware.HandleRecord(ctx, record)
		if err != nil {
			return err
		}
	}
	return nil
}

func (c Chain) filterRecord() (filtered recordChain) {
	for _, middleware := range c {
		if c, ok := middleware.(Record); ok {
			filtered = append(filtered, c)
		}
	}
	return
}

// Publish middleware runs on every outgoing message before it is handed to the backends
type Publish interface {
	HandlePublish(Context, *types.Message) error
}

type publishChain []Publish

func (c publishChain) Execute(ctx Context, msg *types.Message) error {
	for _, middleware := range c {
		err := middleware.HandlePublish(ctx, msg)
		if err != nil {
			return err
		}
	}
	return nil
}

func (c Chain) filterPublish() (filtered publishChain) {
	for _, middleware := range c {
		if c, ok := middleware.(Publish); ok {
			filtered = append(filtered, c)
		}
	}
	return
}
