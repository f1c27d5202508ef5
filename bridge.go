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
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// Bridge relays requests from upstream masters to a downstream slave
// link, converting frames between the configured encodings and running
// them through the hook pipeline.
type Bridge struct {
	cfg        Config
	logger     *slog.Logger
	hc         *HookContext
	pipeline   *Pipeline
	listener   Listener
	downstream *DownstreamClient

	// exchange serializes whole request/response round trips so the
	// pending request recorded by the pipeline always belongs to the
	// response being processed. Waiters are served in arrival order.
	exchange *semaphore.Weighted

	// cfgErr is the configuration error found by NewBridge, returned by Start.
	cfgErr error

	running   atomic.Bool
	startedAt atomic.Int64
}

// NewBridge builds the pipeline, listener and downstream client for cfg.
// Nothing is opened until Start. An invalid configuration is reported by
// Start; until then the bridge only accepts hooks.
func NewBridge(cfg Config, opts ...BridgeOption) *Bridge {
	options := defaultBridgeOptions()
	for _, opt := range opts {
		opt(options)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	cfg.Upstream = cfg.Upstream.withDefaults()
	cfg.Downstream = cfg.Downstream.withDefaults()

	logger := options.logger
	hc := NewHookContext(cfg.Upstream.FrameType, cfg.Downstream.FrameType)

	pipelineOpts := append([]PipelineOption{WithPipelineLogger(logger)}, options.pipelineOpts...)
	b := &Bridge{
		cfg:      cfg,
		logger:   logger,
		hc:       hc,
		pipeline: NewPipeline(hc, pipelineOpts...),
		exchange: semaphore.NewWeighted(1),
	}
	if err := cfg.Validate(); err != nil {
		b.cfgErr = err
		return b
	}

	downstreamOpts := append([]DownstreamOption{
		WithDownstreamLogger(logger),
		WithTimeout(cfg.Timeout),
	}, options.downstreamOpts...)
	downstream, err := NewDownstreamClient(cfg.Downstream, downstreamOpts...)
	if err != nil {
		b.cfgErr = fmt.Errorf("downstream: %w", err)
		return b
	}

	listenerOpts := append([]ListenerOption{WithListenerLogger(logger)}, options.listenerOpts...)
	listener, err := NewListener(cfg.Upstream, listenerOpts...)
	if err != nil {
		b.cfgErr = fmt.Errorf("upstream: %w", err)
		return b
	}

	b.downstream = downstream
	b.listener = listener
	listener.SetRequestHandler(b.handleRequest)
	return b
}

// Start connects downstream, then starts accepting requests. A downstream
// that cannot be reached yet is not fatal: the connection is retried by
// the first request. Configuration errors and listener failures are.
func (b *Bridge) Start(ctx context.Context) error {
	if b.cfgErr != nil {
		return b.cfgErr
	}
	if b.running.Load() {
		return ErrListenerRunning
	}

	if err := b.downstream.Connect(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b.logger.Warn("downstream not reachable, will retry on first request",
			slog.String("endpoint", b.cfg.Downstream.String()),
			slog.String("error", err.Error()))
	}

	if err := b.listener.Start(ctx); err != nil {
		b.downstream.Disconnect()
		return err
	}

	b.running.Store(true)
	b.startedAt.Store(timeNow().UnixNano())
	b.logger.Info("bridge started",
		slog.String("upstream", b.cfg.Upstream.String()),
		slog.String("downstream", b.cfg.Downstream.String()),
		slog.Duration("timeout", b.cfg.Timeout))
	return nil
}

// Stop stops accepting requests, then closes the downstream link.
func (b *Bridge) Stop() error {
	if !b.running.CompareAndSwap(true, false) {
		return nil
	}
	err := errors.Join(b.listener.Stop(), b.downstream.Disconnect())
	b.logger.Info("bridge stopped")
	return err
}

// IsRunning reports whether the bridge has been started and not stopped.
func (b *Bridge) IsRunning() bool {
	return b.running.Load()
}

// Context returns the hook context shared by all hooks of this bridge.
func (b *Bridge) Context() *HookContext {
	return b.hc
}

// Pipeline returns the hook pipeline.
func (b *Bridge) Pipeline() *Pipeline {
	return b.pipeline
}

// Listener returns the upstream listener, or nil when the configuration
// is invalid.
func (b *Bridge) Listener() Listener {
	return b.listener
}

// Downstream returns the downstream client, or nil when the configuration
// is invalid.
func (b *Bridge) Downstream() *DownstreamClient {
	return b.downstream
}

// AddIngressHook appends a hook to the ingress stage.
func (b *Bridge) AddIngressHook(h Hook) { b.pipeline.AddIngressHook(h) }

// AddTransformHook appends a hook to the transform stage.
func (b *Bridge) AddTransformHook(h Hook) { b.pipeline.AddTransformHook(h) }

// AddEgressHook appends a hook to the egress stage.
func (b *Bridge) AddEgressHook(h Hook) { b.pipeline.AddEgressHook(h) }

// AddResponseHook appends a response hook.
func (b *Bridge) AddResponseHook(h ResponseHook) { b.pipeline.AddResponseHook(h) }

// SetFrameObserver sets the observer notified of every forwarded frame.
func (b *Bridge) SetFrameObserver(o FrameObserver) { b.pipeline.SetFrameObserver(o) }

// Stats aggregates listener, downstream and pipeline statistics.
func (b *Bridge) Stats() BridgeStats {
	stats := BridgeStats{
		Running:  b.IsRunning(),
		Pipeline: b.pipeline.Stats(),
	}
	if b.cfgErr == nil {
		stats.Listener = b.listener.Stats()
		stats.Downstream = b.downstream.Stats()
	}
	if started := b.startedAt.Load(); started > 0 && stats.Running {
		stats.Uptime = timeNow().Sub(time.Unix(0, started))
	}
	return stats
}

// handleRequest is the listener's request handler. It returns nil whenever
// the exchange is dropped, which the master observes as a timeout.
func (b *Bridge) handleRequest(ctx context.Context, raw []byte, s *ClientSession) []byte {
	if err := b.exchange.Acquire(ctx, 1); err != nil {
		return nil
	}
	defer b.exchange.Release(1)

	reqFrame, err := b.pipeline.ProcessRequest(ctx, raw)
	if IsDropped(err) {
		return nil
	}
	var reply *ExceptionReply
	if errors.As(err, &reply) {
		return reply.Frame
	}

	respFrame, err := b.downstream.SendRequest(ctx, reqFrame)
	if err != nil {
		b.logger.Debug("exchange dropped",
			slog.String("session", s.ID),
			slog.String("error", err.Error()))
		return nil
	}

	upFrame, err := b.pipeline.ProcessResponse(ctx, respFrame)
	if err != nil {
		return nil
	}
	return upFrame
}
