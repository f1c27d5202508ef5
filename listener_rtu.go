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
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/edgeo-scada/modbus-bridge/internal/transport"
)

// RTUListener serves Modbus RTU masters on a serial line. The port is a
// single session; frames are delimited by inter-character silence.
type RTUListener struct {
	cfg     EndpointConfig
	opts    *listenerOptions
	logger  *slog.Logger
	metrics ListenerMetrics

	mu      sync.Mutex
	handler RequestHandler
	session *ClientSession
	framer  *transport.RTUFramer
	cancel  context.CancelFunc
	stopCtx func() bool

	running atomic.Bool
	wg      sync.WaitGroup
}

// NewRTUListener creates a listener for the serial endpoint cfg.
func NewRTUListener(cfg EndpointConfig, opts ...ListenerOption) *RTUListener {
	options := defaultListenerOptions()
	for _, opt := range opts {
		opt(options)
	}
	return &RTUListener{
		cfg:    cfg.withDefaults(),
		opts:   options,
		logger: options.logger,
	}
}

// SetRequestHandler registers the handler for incoming frames.
func (l *RTUListener) SetRequestHandler(h RequestHandler) {
	l.mu.Lock()
	l.handler = h
	l.mu.Unlock()
}

// Start opens the serial port and starts reading frames.
func (l *RTUListener) Start(ctx context.Context) error {
	if l.cfg.Device == "" {
		return fmt.Errorf("%w: rtu listener requires a serial device path", ErrConfig)
	}
	if !l.running.CompareAndSwap(false, true) {
		return ErrListenerRunning
	}

	open := transport.OpenSerial
	if l.opts.opener != nil {
		open = l.opts.opener
	}
	port, err := open(transport.SerialConfig(l.cfg.Device, l.cfg.BaudRate, l.cfg.DataBits, l.cfg.StopBits, l.cfg.Parity))
	if err != nil {
		l.running.Store(false)
		return fmt.Errorf("%w: open %s: %v", ErrConnection, l.cfg.Device, err)
	}

	sctx, cancel := context.WithCancel(ctx)
	s := newClientSession(port, l.cfg.Device)
	framer := transport.NewRTUFramer(port, l.cfg.BaudRate)

	l.mu.Lock()
	l.session = s
	l.framer = framer
	l.cancel = cancel
	l.stopCtx = context.AfterFunc(ctx, func() { l.Stop() })
	l.mu.Unlock()
	l.metrics.ActiveConns.Add(1)
	l.metrics.TotalConns.Add(1)

	l.logger.Info("listener started",
		slog.String("mode", FrameRTU.String()),
		slog.String("device", l.cfg.Device),
		slog.Int("baud", l.cfg.BaudRate),
		slog.Duration("gap", framer.Gap()))

	l.wg.Add(1)
	go l.serve(sctx, s, framer)
	return nil
}

// Stop closes the serial port and waits for the read loop to return.
func (l *RTUListener) Stop() error {
	if !l.running.CompareAndSwap(true, false) {
		return nil
	}

	l.mu.Lock()
	if l.cancel != nil {
		l.cancel()
	}
	if l.stopCtx != nil {
		l.stopCtx()
	}
	var err error
	if l.framer != nil {
		l.framer.Close()
	}
	if l.session != nil {
		err = l.session.Close()
	}
	l.mu.Unlock()

	l.wg.Wait()
	l.logger.Info("listener stopped", slog.String("mode", FrameRTU.String()))
	return err
}

// ClientCount returns 1 while the port is open.
func (l *RTUListener) ClientCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.session != nil && l.session.Connected() {
		return 1
	}
	return 0
}

// IsRunning reports whether the port is being served.
func (l *RTUListener) IsRunning() bool {
	return l.running.Load()
}

// Stats returns a snapshot of the listener metrics.
func (l *RTUListener) Stats() ListenerStats {
	stats := l.metrics.snapshot()
	stats.Mode = FrameRTU.String()
	stats.Address = l.cfg.String()
	stats.Running = l.IsRunning()
	stats.Clients = l.ClientCount()
	return stats
}

func (l *RTUListener) serve(ctx context.Context, s *ClientSession, framer *transport.RTUFramer) {
	defer l.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("panic in serial loop",
				slog.String("device", s.PeerAddress),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
		}
		framer.Close()
		s.Close()
		l.metrics.ActiveConns.Add(-1)
	}()

	for {
		frame, err := framer.Next(ctx, 0)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, transport.ErrClosed) && s.Connected() {
				l.logger.Error("serial read failed",
					slog.String("device", s.PeerAddress),
					slog.String("error", err.Error()))
			}
			return
		}
		if len(frame) == 0 {
			continue
		}
		l.metrics.FramesReceived.Add(1)

		l.mu.Lock()
		h := l.handler
		l.mu.Unlock()
		if h == nil {
			l.logger.Warn("no request handler, dropping frame", slog.String("device", s.PeerAddress))
			continue
		}

		reply := h(ctx, frame, s)
		if reply == nil {
			continue
		}
		if err := s.Send(reply); err != nil {
			l.logger.Error("serial write failed",
				slog.String("device", s.PeerAddress),
				slog.String("error", err.Error()))
			return
		}
		l.metrics.RepliesSent.Add(1)
	}
}
