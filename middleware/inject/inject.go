// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package inject

import (
	"github.com/TheThingsNetwork/telemetry-gateway/middleware"
	"github.com/TheThingsNetwork/telemetry-gateway/types"
)

// LocationKey is the record key that carries the location
const LocationKey = "location"

// DefaultLocation of the end-device
const DefaultLocation = "bedroom"

// Fields to inject
type Fields struct {
	Location string
}

// NewInject returns a middleware that injects fields into all records
func NewInject(fields Fields) *Inject {
	if fields.Location == "" {
		fields.Location = DefaultLocation
	}
	return &Inject{
		fields: fields,
	}
}

// Inject fields into all records
type Inject struct {
	fields Fields
}

// HandleRecord sets the location of the record. An existing location is
// overwritten in place, otherwise the location is added as the last key.
func (i *Inject) HandleRecord(_ middleware.Context, record *types.Record) error {
	return record.Set(LocationKey, i.fields.Location)
}
