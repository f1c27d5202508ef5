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
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/edgeo-scada/modbus-bridge/internal/transport"
)

// DownstreamTransport is the physical link to the slave side.
type DownstreamTransport interface {
	Connect(ctx context.Context) error
	Close() error
	IsConnected() bool

	// Exchange writes frame and returns the response frame. expected is the
	// response size in bytes when known, or zero.
	Exchange(ctx context.Context, frame []byte, expected int) ([]byte, error)
}

// tcpLink adapts the TCP transport, which delimits frames by the MBAP
// length field and has no use for a size hint.
type tcpLink struct {
	*transport.TCPTransport
}

func (l tcpLink) Exchange(ctx context.Context, frame []byte, _ int) ([]byte, error) {
	return l.TCPTransport.Exchange(ctx, frame)
}

// DownstreamClient owns the single link to the slave side. Exchanges are
// serialized: callers queue in FIFO order and each holds the link for a
// full write and read round trip.
type DownstreamClient struct {
	cfg     EndpointConfig
	opts    *downstreamOptions
	logger  *slog.Logger
	metrics *DownstreamMetrics
	link    DownstreamTransport

	// sem is the downstream lock. semaphore.Weighted grants waiters in
	// arrival order.
	sem *semaphore.Weighted

	mu            sync.Mutex
	state         ConnectionState
	connectedOnce bool
}

// NewDownstreamClient creates a client for the downstream endpoint cfg. It
// does not connect.
func NewDownstreamClient(cfg EndpointConfig, opts ...DownstreamOption) (*DownstreamClient, error) {
	options := defaultDownstreamOptions()
	for _, opt := range opts {
		opt(options)
	}

	cfg = cfg.withDefaults()
	link := options.transport
	if link == nil {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		switch cfg.FrameType {
		case FrameTCP:
			link = tcpLink{transport.NewTCPTransport(cfg.Address, options.timeout)}
		case FrameRTU:
			var open transport.Opener
			if options.opener != nil {
				open = transport.Opener(options.opener)
			}
			link = transport.NewSerialTransport(
				transport.SerialConfig(cfg.Device, cfg.BaudRate, cfg.DataBits, cfg.StopBits, cfg.Parity), open)
		}
	}

	return &DownstreamClient{
		cfg:     cfg,
		opts:    options,
		logger:  options.logger,
		metrics: NewDownstreamMetrics(),
		link:    link,
		sem:     semaphore.NewWeighted(1),
		state:   StateDisconnected,
	}, nil
}

// Connect opens the link. It is a no-op when connected.
func (c *DownstreamClient) Connect(ctx context.Context) error {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer c.sem.Release(1)
	return c.connectLocked(ctx)
}

// Disconnect closes the link. It is a no-op when disconnected.
func (c *DownstreamClient) Disconnect() error {
	c.mu.Lock()
	wasConnected := c.state == StateConnected
	c.state = StateDisconnected
	c.mu.Unlock()

	err := c.link.Close()
	if wasConnected {
		c.logger.Info("disconnected", slog.String("endpoint", c.cfg.String()))
	}
	return err
}

// State returns the current connection state.
func (c *DownstreamClient) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected returns true if the link is up.
func (c *DownstreamClient) IsConnected() bool {
	return c.State() == StateConnected
}

// Metrics returns the client metrics.
func (c *DownstreamClient) Metrics() *DownstreamMetrics {
	return c.metrics
}

// Endpoint returns the downstream endpoint configuration.
func (c *DownstreamClient) Endpoint() EndpointConfig {
	return c.cfg
}

// SendRequest sends a downstream encoded request frame and returns the raw
// response frame. The link is connected on demand. Failures are returned
// as ErrConnection, ErrTimeout or ErrCRCMismatch; a failed TCP link is
// closed and reopened by the next request.
func (c *DownstreamClient) SendRequest(ctx context.Context, frame []byte) ([]byte, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer c.sem.Release(1)

	if err := c.connectLocked(ctx); err != nil {
		c.metrics.RequestsErrors.Add(1)
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.timeout)
	defer cancel()

	start := time.Now()
	c.metrics.RequestsTotal.Add(1)

	expected := c.expectedLength(frame)
	resp, err := c.link.Exchange(ctx, frame, expected)
	if err != nil {
		return nil, c.handleError(err)
	}

	if c.cfg.FrameType == FrameRTU && !VerifyCRC(resp) {
		c.metrics.RequestsErrors.Add(1)
		c.logger.Warn("invalid response crc",
			slog.String("endpoint", c.cfg.String()),
			slog.Int("len", len(resp)))
		return nil, fmt.Errorf("%w: %d byte response from %s", ErrCRCMismatch, len(resp), c.cfg)
	}

	duration := time.Since(start)
	c.metrics.RequestsSuccess.Add(1)
	c.metrics.Latency.Observe(duration)

	c.logger.Debug("exchange complete",
		slog.Int("request_len", len(frame)),
		slog.Int("response_len", len(resp)),
		slog.Duration("duration", duration))

	return resp, nil
}

// Stats returns a snapshot of the link state and metrics.
func (c *DownstreamClient) Stats() DownstreamStats {
	state := c.State()
	m := c.metrics
	return DownstreamStats{
		Endpoint:      c.cfg.String(),
		State:         state.String(),
		Connected:     state == StateConnected,
		Requests:      m.RequestsTotal.Value(),
		Success:       m.RequestsSuccess.Value(),
		Errors:        m.RequestsErrors.Value(),
		Timeouts:      m.Timeouts.Value(),
		Reconnections: m.Reconnections.Value(),
		Latency:       m.Latency.Stats(),
	}
}

// connectLocked opens the link. Must be called with sem held.
func (c *DownstreamClient) connectLocked(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateConnected && c.link.IsConnected() {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	reconnect := c.connectedOnce
	c.mu.Unlock()

	c.logger.Debug("connecting", slog.String("endpoint", c.cfg.String()))

	if err := c.link.Connect(ctx); err != nil {
		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()
		c.logger.Warn("connect failed",
			slog.String("endpoint", c.cfg.String()),
			slog.String("error", err.Error()))
		return fmt.Errorf("%w: %v", ErrConnection, err)
	}

	c.mu.Lock()
	c.state = StateConnected
	c.connectedOnce = true
	c.mu.Unlock()

	if reconnect {
		c.metrics.Reconnections.Add(1)
	}
	c.logger.Info("connected", slog.String("endpoint", c.cfg.String()))

	if c.opts.onConnect != nil {
		c.opts.onConnect()
	}
	return nil
}

// handleError maps a transport failure onto the error taxonomy and drops
// the link when it can no longer be trusted.
func (c *DownstreamClient) handleError(err error) error {
	c.metrics.RequestsErrors.Add(1)

	switch {
	case errors.Is(err, transport.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		c.metrics.Timeouts.Add(1)
		c.logger.Warn("response timeout",
			slog.String("endpoint", c.cfg.String()),
			slog.Duration("timeout", c.opts.timeout))
		// A silent serial slave says nothing about the port itself.
		if c.cfg.FrameType == FrameTCP {
			c.markDisconnected(err)
		}
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	case errors.Is(err, context.Canceled):
		c.markDisconnected(err)
		return err
	default:
		c.logger.Warn("exchange failed",
			slog.String("endpoint", c.cfg.String()),
			slog.String("error", err.Error()))
		c.markDisconnected(err)
		return fmt.Errorf("%w: %v", ErrConnection, err)
	}
}

func (c *DownstreamClient) markDisconnected(err error) {
	c.mu.Lock()
	wasConnected := c.state == StateConnected
	c.state = StateDisconnected
	c.mu.Unlock()

	c.link.Close()

	if wasConnected {
		c.logger.Warn("disconnected", slog.String("error", err.Error()))
		if c.opts.onDisconnect != nil {
			c.opts.onDisconnect(err)
		}
	}
}

// expectedLength estimates the response size of a downstream frame.
func (c *DownstreamClient) expectedLength(frame []byte) int {
	_, pdu, _, err := ParseFrame(c.cfg.FrameType, frame)
	if err != nil {
		return 0
	}
	n, ok := ExpectedResponseLength(pdu, c.cfg.FrameType)
	if !ok {
		return 0
	}
	return n
}
