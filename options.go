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
	"io"
	"log/slog"
	"time"

	"github.com/goburrow/serial"
)

// SerialOpener opens a serial port from its configuration.
type SerialOpener func(cfg *serial.Config) (io.ReadWriteCloser, error)

// DownstreamOption is a functional option for configuring the downstream client.
type DownstreamOption func(*downstreamOptions)

type downstreamOptions struct {
	timeout time.Duration

	// transport replaces the link built from the endpoint configuration.
	transport DownstreamTransport
	opener    SerialOpener

	// Callbacks
	onConnect    func()
	onDisconnect func(error)

	logger *slog.Logger
}

func defaultDownstreamOptions() *downstreamOptions {
	return &downstreamOptions{
		timeout: DefaultTimeout,
		logger:  slog.Default(),
	}
}

// WithTimeout sets the timeout of each downstream exchange.
func WithTimeout(d time.Duration) DownstreamOption {
	return func(o *downstreamOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithDownstreamTransport replaces the TCP or serial link of the client.
func WithDownstreamTransport(t DownstreamTransport) DownstreamOption {
	return func(o *downstreamOptions) {
		o.transport = t
	}
}

// WithDownstreamSerialOpener sets how the downstream serial port is opened.
func WithDownstreamSerialOpener(open SerialOpener) DownstreamOption {
	return func(o *downstreamOptions) {
		o.opener = open
	}
}

// WithOnConnect sets a callback to be called when the link is established.
func WithOnConnect(fn func()) DownstreamOption {
	return func(o *downstreamOptions) {
		o.onConnect = fn
	}
}

// WithOnDisconnect sets a callback to be called when the link is lost.
func WithOnDisconnect(fn func(error)) DownstreamOption {
	return func(o *downstreamOptions) {
		o.onDisconnect = fn
	}
}

// WithDownstreamLogger sets the logger for the downstream client.
func WithDownstreamLogger(logger *slog.Logger) DownstreamOption {
	return func(o *downstreamOptions) {
		o.logger = logger
	}
}

// ListenerOption is a functional option for configuring an upstream listener.
type ListenerOption func(*listenerOptions)

type listenerOptions struct {
	logger         *slog.Logger
	maxConns       int
	sessionTimeout time.Duration
	opener         SerialOpener
}

func defaultListenerOptions() *listenerOptions {
	return &listenerOptions{
		logger:         slog.Default(),
		maxConns:       100,
		sessionTimeout: DefaultSessionTimeout,
	}
}

// WithListenerLogger sets the logger for the listener.
func WithListenerLogger(logger *slog.Logger) ListenerOption {
	return func(o *listenerOptions) {
		o.logger = logger
	}
}

// WithMaxConnections sets the maximum number of concurrent TCP sessions.
func WithMaxConnections(n int) ListenerOption {
	return func(o *listenerOptions) {
		o.maxConns = n
	}
}

// WithSessionTimeout sets the idle read timeout of TCP sessions.
func WithSessionTimeout(d time.Duration) ListenerOption {
	return func(o *listenerOptions) {
		o.sessionTimeout = d
	}
}

// WithSerialOpener sets how the upstream serial port is opened.
func WithSerialOpener(open SerialOpener) ListenerOption {
	return func(o *listenerOptions) {
		o.opener = open
	}
}

// PipelineOption is a functional option for configuring the hook pipeline.
type PipelineOption func(*pipelineOptions)

type pipelineOptions struct {
	logger   *slog.Logger
	observer FrameObserver
}

func defaultPipelineOptions() *pipelineOptions {
	return &pipelineOptions{
		logger: slog.Default(),
	}
}

// WithPipelineLogger sets the logger for the pipeline.
func WithPipelineLogger(logger *slog.Logger) PipelineOption {
	return func(o *pipelineOptions) {
		o.logger = logger
	}
}

// WithFrameObserver sets the observer notified of every forwarded frame.
func WithFrameObserver(obs FrameObserver) PipelineOption {
	return func(o *pipelineOptions) {
		o.observer = obs
	}
}

// BridgeOption is a functional option for configuring the bridge.
type BridgeOption func(*bridgeOptions)

type bridgeOptions struct {
	logger         *slog.Logger
	listenerOpts   []ListenerOption
	downstreamOpts []DownstreamOption
	pipelineOpts   []PipelineOption
}

func defaultBridgeOptions() *bridgeOptions {
	return &bridgeOptions{
		logger: slog.Default(),
	}
}

// WithBridgeLogger sets the logger of the bridge and, unless overridden by
// component options, of its listener, downstream client and pipeline.
func WithBridgeLogger(logger *slog.Logger) BridgeOption {
	return func(o *bridgeOptions) {
		o.logger = logger
	}
}

// WithListenerOptions passes options to the upstream listener.
func WithListenerOptions(opts ...ListenerOption) BridgeOption {
	return func(o *bridgeOptions) {
		o.listenerOpts = append(o.listenerOpts, opts...)
	}
}

// WithDownstreamOptions passes options to the downstream client.
func WithDownstreamOptions(opts ...DownstreamOption) BridgeOption {
	return func(o *bridgeOptions) {
		o.downstreamOpts = append(o.downstreamOpts, opts...)
	}
}

// WithPipelineOptions passes options to the hook pipeline.
func WithPipelineOptions(opts ...PipelineOption) BridgeOption {
	return func(o *bridgeOptions) {
		o.pipelineOpts = append(o.pipelineOpts, opts...)
	}
}
