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
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

// maxMBAPLength is the largest length field a valid MBAP header can carry
// (unit id + MaxPDUSize).
const maxMBAPLength = 1 + MaxPDUSize

// TCPListener accepts Modbus TCP masters. Each connection runs its own
// session; frames of one session are handled strictly in arrival order.
type TCPListener struct {
	addr    string
	opts    *listenerOptions
	logger  *slog.Logger
	metrics ListenerMetrics

	mu       sync.Mutex
	handler  RequestHandler
	listener net.Listener
	sessions map[*ClientSession]net.Conn
	cancel   context.CancelFunc
	stopCtx  func() bool

	running atomic.Bool
	wg      sync.WaitGroup
}

// NewTCPListener creates a listener for addr (host:port).
func NewTCPListener(addr string, opts ...ListenerOption) *TCPListener {
	options := defaultListenerOptions()
	for _, opt := range opts {
		opt(options)
	}
	return &TCPListener{
		addr:     addr,
		opts:     options,
		logger:   options.logger,
		sessions: make(map[*ClientSession]net.Conn),
	}
}

// SetRequestHandler registers the handler for incoming frames.
func (l *TCPListener) SetRequestHandler(h RequestHandler) {
	l.mu.Lock()
	l.handler = h
	l.mu.Unlock()
}

// Start listens on the configured address and accepts sessions in the
// background.
func (l *TCPListener) Start(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return ErrListenerRunning
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", l.addr)
	if err != nil {
		l.running.Store(false)
		return fmt.Errorf("%w: listen %s: %v", ErrConnection, l.addr, err)
	}

	sctx, cancel := context.WithCancel(ctx)
	l.mu.Lock()
	l.listener = ln
	l.cancel = cancel
	l.stopCtx = context.AfterFunc(ctx, func() { l.Stop() })
	l.mu.Unlock()

	l.logger.Info("listener started",
		slog.String("mode", FrameTCP.String()),
		slog.String("addr", ln.Addr().String()))

	l.wg.Add(1)
	go l.serve(sctx, ln)
	return nil
}

// Stop closes the listening socket and every session, then waits for the
// session goroutines to return. Exchanges in flight are abandoned.
func (l *TCPListener) Stop() error {
	if !l.running.CompareAndSwap(true, false) {
		return nil
	}

	l.mu.Lock()
	var err error
	if l.listener != nil {
		err = l.listener.Close()
	}
	if l.cancel != nil {
		l.cancel()
	}
	if l.stopCtx != nil {
		l.stopCtx()
	}
	for s := range l.sessions {
		s.Close()
	}
	l.mu.Unlock()

	l.wg.Wait()

	l.mu.Lock()
	l.listener = nil
	l.mu.Unlock()

	l.logger.Info("listener stopped", slog.String("mode", FrameTCP.String()))
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	return err
}

// Addr returns the listening address, or nil when stopped.
func (l *TCPListener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.listener != nil {
		return l.listener.Addr()
	}
	return nil
}

// ClientCount returns the number of connected masters.
func (l *TCPListener) ClientCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sessions)
}

// IsRunning reports whether the listener accepts connections.
func (l *TCPListener) IsRunning() bool {
	return l.running.Load()
}

// Stats returns a snapshot of the listener metrics.
func (l *TCPListener) Stats() ListenerStats {
	stats := l.metrics.snapshot()
	stats.Mode = FrameTCP.String()
	stats.Address = l.addr
	if addr := l.Addr(); addr != nil {
		stats.Address = addr.String()
	}
	stats.Running = l.IsRunning()
	stats.Clients = l.ClientCount()
	return stats
}

func (l *TCPListener) serve(ctx context.Context, ln net.Listener) {
	defer l.wg.Done()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if !l.running.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			l.logger.Error("accept error", slog.String("error", err.Error()))
			continue
		}

		l.accept(ctx, conn)
	}
}

// accept registers conn as a session and starts serving it. A connection
// that arrives while the listener is stopping is closed instead.
func (l *TCPListener) accept(ctx context.Context, conn net.Conn) bool {
	l.mu.Lock()
	if !l.running.Load() {
		l.mu.Unlock()
		conn.Close()
		return false
	}
	if l.opts.maxConns > 0 && len(l.sessions) >= l.opts.maxConns {
		l.mu.Unlock()
		l.metrics.RejectedConns.Add(1)
		l.logger.Warn("max connections reached, rejecting",
			slog.String("remote", conn.RemoteAddr().String()))
		conn.Close()
		return false
	}
	s := newClientSession(conn, conn.RemoteAddr().String())
	l.sessions[s] = conn
	l.metrics.ActiveConns.Add(1)
	l.metrics.TotalConns.Add(1)
	l.wg.Add(1)
	l.mu.Unlock()

	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetKeepAlive(true)
		tcpConn.SetKeepAlivePeriod(30 * time.Second)
		tcpConn.SetNoDelay(true)
	}

	go l.handleSession(ctx, s, conn)
	return true
}

func (l *TCPListener) handleSession(ctx context.Context, s *ClientSession, conn net.Conn) {
	defer l.wg.Done()
	defer func() {
		// Recover from panic to keep the listener alive
		if r := recover(); r != nil {
			l.logger.Error("panic in session",
				slog.String("remote", s.PeerAddress),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
		}

		s.Close()
		l.mu.Lock()
		delete(l.sessions, s)
		l.metrics.ActiveConns.Add(-1)
		l.mu.Unlock()

		l.logger.Debug("session closed",
			slog.String("session", s.ID),
			slog.String("remote", s.PeerAddress))
	}()

	l.logger.Debug("session accepted",
		slog.String("session", s.ID),
		slog.String("remote", s.PeerAddress))

	buf := make([]byte, 0, 2*(mbapPrefixSize+maxMBAPLength))
	chunk := make([]byte, 512)

	for {
		if l.opts.sessionTimeout > 0 {
			conn.SetReadDeadline(timeNow().Add(l.opts.sessionTimeout))
		}

		n, readErr := conn.Read(chunk)
		buf = append(buf, chunk[:n]...)

		for {
			frame, size, err := nextMBAPFrame(buf)
			if err != nil {
				l.metrics.ProtocolErrors.Add(1)
				l.logger.Warn("protocol violation, closing session",
					slog.String("remote", s.PeerAddress),
					slog.String("error", err.Error()))
				return
			}
			if frame == nil {
				break
			}
			buf = buf[:copy(buf, buf[size:])]

			l.metrics.FramesReceived.Add(1)
			if !l.dispatch(ctx, s, conn, frame) {
				return
			}
		}

		if readErr != nil {
			if readErr != io.EOF && s.Connected() {
				// Idle timeouts are expected for silent masters
				var netErr net.Error
				if !errors.As(readErr, &netErr) || !netErr.Timeout() {
					l.logger.Debug("read error",
						slog.String("remote", s.PeerAddress),
						slog.String("error", readErr.Error()))
				} else {
					l.logger.Debug("session idle timeout", slog.String("remote", s.PeerAddress))
				}
			}
			return
		}
	}
}

// dispatch runs the handler on one frame and sends the reply. It returns
// false when the session must end.
func (l *TCPListener) dispatch(ctx context.Context, s *ClientSession, conn net.Conn, frame []byte) bool {
	l.mu.Lock()
	h := l.handler
	l.mu.Unlock()
	if h == nil {
		l.logger.Warn("no request handler, dropping frame", slog.String("remote", s.PeerAddress))
		return true
	}

	reply := h(ctx, frame, s)
	if reply == nil {
		return true
	}

	if l.opts.sessionTimeout > 0 {
		conn.SetWriteDeadline(timeNow().Add(l.opts.sessionTimeout))
	}
	if err := s.Send(reply); err != nil {
		l.logger.Debug("write error",
			slog.String("remote", s.PeerAddress),
			slog.String("error", err.Error()))
		return false
	}
	l.metrics.RepliesSent.Add(1)
	return true
}

// nextMBAPFrame returns a copy of the first complete frame in buf and its
// size, or a nil frame when more bytes are needed.
func nextMBAPFrame(buf []byte) ([]byte, int, error) {
	if len(buf) < MBAPHeaderSize {
		return nil, 0, nil
	}
	if pid := binary.BigEndian.Uint16(buf[2:4]); pid != ProtocolID {
		return nil, 0, fmt.Errorf("%w: invalid protocol ID %d", ErrInvalidFrame, pid)
	}
	length := int(binary.BigEndian.Uint16(buf[4:6]))
	if length < 1 || length > maxMBAPLength {
		return nil, 0, fmt.Errorf("%w: invalid length field %d", ErrInvalidFrame, length)
	}
	size := mbapPrefixSize + length
	if len(buf) < size {
		return nil, 0, nil
	}
	return cloneBytes(buf[:size]), size, nil
}
