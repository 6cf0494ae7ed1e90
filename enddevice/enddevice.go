// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

// Package enddevice reads newline-delimited telemetry from an end-device on a serial port.
package enddevice

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"unicode"

	"github.com/apex/log"
	"go.bug.st/serial"
)

// BaudRate of the end-device
const BaudRate = 115200

// ErrClosed is returned by ReadLine after Close
var ErrClosed = errors.New("enddevice: closed")

// Config contains configuration for the end-device
type Config struct {
	Port string
}

// Port is the part of a serial port the end-device uses
type Port interface {
	io.ReadCloser
	ResetInputBuffer() error
}

var openPort = func(name string, mode *serial.Mode) (Port, error) {
	port, err := serial.Open(name, mode)
	if err != nil {
		return nil, err
	}
	return port, nil
}

// EndDevice is an open serial connection to the end-device
type EndDevice struct {
	ctx    log.Interface
	port   Port
	reader *bufio.Reader

	mu     sync.Mutex
	closed bool
}

// Open the serial port of the end-device and discard anything it already buffered
func Open(config Config, ctx log.Interface) (*EndDevice, error) {
	if config.Port == "" {
		return nil, errors.New("enddevice: no port configured")
	}
	port, err := openPort(config.Port, &serial.Mode{
		BaudRate: BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("could not open %s: %w", config.Port, err)
	}
	if err := port.ResetInputBuffer(); err != nil {
		port.Close()
		return nil, fmt.Errorf("could not flush %s: %w", config.Port, err)
	}
	d := New(port, ctx.WithField("Device", config.Port))
	d.ctx.WithField("BaudRate", BaudRate).Info("Opened end-device")
	return d, nil
}

// New returns an EndDevice that reads from an already opened port
func New(port Port, ctx log.Interface) *EndDevice {
	return &EndDevice{
		ctx:    ctx,
		port:   port,
		reader: bufio.NewReader(port),
	}
}

func (d *EndDevice) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// ReadLine blocks until a full line is available and returns it without
// trailing whitespace. A last line that is not newline-terminated is returned
// before io.EOF. After Close, ReadLine returns ErrClosed.
func (d *EndDevice) ReadLine() (string, error) {
	line, err := d.reader.ReadString('\n')
	if err != nil {
		if d.isClosed() {
			return "", ErrClosed
		}
		if err == io.EOF && line != "" {
			return strings.TrimRightFunc(line, unicode.IsSpace), nil
		}
		return "", err
	}
	return strings.TrimRightFunc(line, unicode.IsSpace), nil
}

// Close the serial port. A pending ReadLine returns ErrClosed.
func (d *EndDevice) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()
	d.ctx.Info("Closing end-device")
	return d.port.Close()
}
