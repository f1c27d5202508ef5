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

package modbus

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

var timeNow = time.Now

// RequestHandler handles one request frame received from a master and
// returns the reply frame, or nil to send nothing.
type RequestHandler func(ctx context.Context, frame []byte, s *ClientSession) []byte

// Listener accepts frames from Modbus masters and relays the handler's
// replies back to them.
type Listener interface {
	// SetRequestHandler registers the handler. It must be called before Start.
	SetRequestHandler(h RequestHandler)

	// Start opens the listening socket or serial port and returns once
	// frames can be received. Cancelling ctx stops the listener.
	Start(ctx context.Context) error

	// Stop closes the listener and all sessions and waits for them to end.
	Stop() error

	ClientCount() int
	IsRunning() bool
	Stats() ListenerStats
}

// NewListener creates the listener for an upstream endpoint.
func NewListener(cfg EndpointConfig, opts ...ListenerOption) (Listener, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.FrameType {
	case FrameTCP:
		return NewTCPListener(cfg.Address, opts...), nil
	case FrameRTU:
		return NewRTUListener(cfg, opts...), nil
	default:
		return nil, fmt.Errorf("%w: unknown frame type %d", ErrConfig, cfg.FrameType)
	}
}

// ClientSession is one upstream conversation: an accepted TCP connection,
// or the serial port of an RTU listener.
type ClientSession struct {
	ID          string
	PeerAddress string
	ConnectedAt time.Time

	conn      io.ReadWriteCloser
	writeMu   sync.Mutex
	connected atomic.Bool
}

func newClientSession(conn io.ReadWriteCloser, peer string) *ClientSession {
	s := &ClientSession{
		ID:          uuid.NewString(),
		PeerAddress: peer,
		ConnectedAt: timeNow(),
		conn:        conn,
	}
	s.connected.Store(true)
	return s
}

// Connected reports whether the session can still send.
func (s *ClientSession) Connected() bool {
	return s.connected.Load()
}

// Send writes a reply frame to the master. A failed write closes the session.
func (s *ClientSession) Send(frame []byte) error {
	if !s.Connected() {
		return ErrClosed
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.conn.Write(frame); err != nil {
		s.Close()
		return fmt.Errorf("%w: send to %s: %v", ErrConnection, s.PeerAddress, err)
	}
	return nil
}

// Close closes the session. It is safe to call more than once.
func (s *ClientSession) Close() error {
	if !s.connected.CompareAndSwap(true, false) {
		return nil
	}
	return s.conn.Close()
}
