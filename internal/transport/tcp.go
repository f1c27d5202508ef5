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
	"net"
	"os"
	"sync"
	"time"
)

const (
	mbapHeaderSize = 7
	maxMBAPLength  = 254
)

// TCPTransport exchanges MBAP framed frames with a Modbus TCP slave.
type TCPTransport struct {
	addr    string
	timeout time.Duration

	mu   sync.Mutex
	conn net.Conn
}

// NewTCPTransport creates a new TCP transport. timeout bounds the dial and
// each exchange that carries no context deadline.
func NewTCPTransport(addr string, timeout time.Duration) *TCPTransport {
	return &TCPTransport{
		addr:    addr,
		timeout: timeout,
	}
}

// Connect establishes the TCP connection. It is a no-op when connected.
func (t *TCPTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn != nil {
		return nil
	}

	dialer := &net.Dialer{
		Timeout:   t.timeout,
		KeepAlive: 30 * time.Second,
	}

	conn, err := dialer.DialContext(ctx, "tcp", t.addr)
	if err != nil {
		return fmt.Errorf("tcp connect %s: %w", t.addr, err)
	}

	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetKeepAlive(true)
		tcpConn.SetKeepAlivePeriod(30 * time.Second)
		tcpConn.SetNoDelay(true)
	}

	t.conn = conn
	return nil
}

// Close closes the TCP connection.
func (t *TCPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil {
		return nil
	}

	err := t.conn.Close()
	t.conn = nil
	return err
}

// IsConnected returns true if the transport is connected.
func (t *TCPTransport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil
}

// Exchange writes frame and reads back one complete MBAP frame. Any failure
// closes the connection; the next exchange needs a new Connect.
func (t *TCPTransport) Exchange(ctx context.Context, frame []byte) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil {
		return nil, ErrNotConnected
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(t.timeout)
	}

	if err := t.conn.SetDeadline(deadline); err != nil {
		t.closeConnLocked()
		return nil, fmt.Errorf("set deadline: %w", err)
	}

	// Abort blocked reads as soon as ctx is cancelled.
	conn := t.conn
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Now())
	})
	defer stop()

	if _, err := t.conn.Write(frame); err != nil {
		t.closeConnLocked()
		return nil, mapNetError("write", err)
	}

	header := make([]byte, mbapHeaderSize)
	if _, err := io.ReadFull(t.conn, header); err != nil {
		t.closeConnLocked()
		return nil, mapNetError("read header", err)
	}

	// Validate protocol ID (bytes 2-3 must be 0x0000)
	protocolID := int(header[2])<<8 | int(header[3])
	if protocolID != 0 {
		t.closeConnLocked()
		return nil, fmt.Errorf("%w: invalid protocol ID %d", ErrProtocol, protocolID)
	}

	length := int(header[4])<<8 | int(header[5])
	if length < 1 || length > maxMBAPLength {
		t.closeConnLocked()
		return nil, fmt.Errorf("%w: invalid length %d", ErrProtocol, length)
	}

	// The unit id is already part of the header.
	response := make([]byte, mbapHeaderSize+length-1)
	copy(response, header)
	if length > 1 {
		if _, err := io.ReadFull(t.conn, response[mbapHeaderSize:]); err != nil {
			t.closeConnLocked()
			return nil, mapNetError("read pdu", err)
		}
	}

	return response, nil
}

// closeConnLocked closes the connection. Must be called with mu held.
func (t *TCPTransport) closeConnLocked() {
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
	}
}

// mapNetError turns deadline expiry into ErrTimeout.
func mapNetError(op string, err error) error {
	var netErr net.Error
	if errors.Is(err, os.ErrDeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%s: %w", op, ErrTimeout)
	}
	return fmt.Errorf("%s: %w", op, err)
}
