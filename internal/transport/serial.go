// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/goburrow/serial"
)

// Opener opens a serial port. Tests substitute in-memory pipes.
type Opener func(cfg *serial.Config) (io.ReadWriteCloser, error)

// OpenSerial opens a real serial port.
func OpenSerial(cfg *serial.Config) (io.ReadWriteCloser, error) {
	port, err := serial.Open(cfg)
	if err != nil {
		return nil, err
	}
	return port, nil
}

// SerialConfig builds the port configuration for a device. Zero values
// select 9600 8N1. Reads time out after IdlePoll so the framer can notice
// silence and shutdown.
func SerialConfig(device string, baud, dataBits, stopBits int, parity string) *serial.Config {
	if baud <= 0 {
		baud = 9600
	}
	if dataBits == 0 {
		dataBits = 8
	}
	if stopBits == 0 {
		stopBits = 1
	}
	if parity == "" {
		parity = "N"
	}
	return &serial.Config{
		Address:  device,
		BaudRate: baud,
		DataBits: dataBits,
		StopBits: stopBits,
		Parity:   parity,
		Timeout:  IdlePoll,
	}
}

// SerialTransport exchanges RTU frames with a slave on a serial line.
type SerialTransport struct {
	cfg  *serial.Config
	open Opener

	mu     sync.Mutex
	port   io.ReadWriteCloser
	framer *RTUFramer
}

// NewSerialTransport creates a serial transport. A nil opener uses
// OpenSerial.
func NewSerialTransport(cfg *serial.Config, open Opener) *SerialTransport {
	if open == nil {
		open = OpenSerial
	}
	return &SerialTransport{cfg: cfg, open: open}
}

// Connect opens the port. It is a no-op when open.
func (t *SerialTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.port != nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	port, err := t.open(t.cfg)
	if err != nil {
		return fmt.Errorf("serial open %s: %w", t.cfg.Address, err)
	}
	t.port = port
	t.framer = NewRTUFramer(port, t.cfg.BaudRate)
	return nil
}

// Close closes the port.
func (t *SerialTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closeLocked()
}

func (t *SerialTransport) closeLocked() error {
	if t.port == nil {
		return nil
	}
	t.framer.Close()
	err := t.port.Close()
	t.port = nil
	t.framer = nil
	return err
}

// IsConnected returns true if the port is open.
func (t *SerialTransport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.port != nil
}

// Exchange discards stale input, writes frame and waits for the response.
// expected is the response size when known, or zero. A silent line yields
// ErrTimeout and leaves the port open; a failed port is closed.
func (t *SerialTransport) Exchange(ctx context.Context, frame []byte, expected int) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.port == nil {
		return nil, ErrNotConnected
	}

	t.framer.Drain(DrainWindow)

	if _, err := t.port.Write(frame); err != nil {
		t.closeLocked()
		return nil, fmt.Errorf("write: %w", err)
	}

	resp, err := t.framer.Next(ctx, expected)
	switch {
	case err == nil:
		return resp, nil
	case errors.Is(err, context.DeadlineExceeded):
		if len(resp) == 0 {
			return nil, fmt.Errorf("read: %w", ErrTimeout)
		}
		// Partial frame; the CRC check decides.
		return resp, nil
	case errors.Is(err, context.Canceled):
		return nil, err
	default:
		t.closeLocked()
		return nil, fmt.Errorf("read: %w", err)
	}
}
