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
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

// Direction tells whether a frame travels from the master or back to it.
type Direction int

const (
	DirectionInbound Direction = iota
	DirectionOutbound
)

// String returns the direction name.
func (d Direction) String() string {
	if d == DirectionOutbound {
		return "outbound"
	}
	return "inbound"
}

// FrameEvent describes a frame that went through the pipeline successfully.
// Inbound events carry the request as received from the master, outbound
// events the response as returned to it. Data must not be modified.
type FrameEvent struct {
	Direction     Direction
	FrameType     FrameType
	Data          []byte
	UnitID        UnitID
	FunctionCode  FunctionCode
	TransactionID uint16
	Timestamp     time.Time
}

// FrameObserver receives every frame that passes through the pipeline.
// Observers cannot affect the exchange.
type FrameObserver interface {
	ObserveFrame(ev FrameEvent)
}

// FrameObserverFunc adapts an ordinary function to the FrameObserver interface.
type FrameObserverFunc func(ev FrameEvent)

// ObserveFrame calls f(ev).
func (f FrameObserverFunc) ObserveFrame(ev FrameEvent) { f(ev) }

// Pipeline runs request and response frames through the registered hooks
// and re-encodes them for the other side of the bridge.
type Pipeline struct {
	hc      *HookContext
	opts    *pipelineOptions
	logger  *slog.Logger
	metrics *PipelineMetrics

	mu        sync.RWMutex
	ingress   []Hook
	transform []Hook
	egress    []Hook
	response  []ResponseHook
	observer  FrameObserver
}

// NewPipeline creates a pipeline bound to hc.
func NewPipeline(hc *HookContext, opts ...PipelineOption) *Pipeline {
	options := defaultPipelineOptions()
	for _, opt := range opts {
		opt(options)
	}
	return &Pipeline{
		hc:       hc,
		opts:     options,
		logger:   options.logger,
		metrics:  &PipelineMetrics{},
		observer: options.observer,
	}
}

// Context returns the hook context shared by all hooks.
func (p *Pipeline) Context() *HookContext {
	return p.hc
}

// Metrics returns the pipeline counters.
func (p *Pipeline) Metrics() *PipelineMetrics {
	return p.metrics
}

// AddHook appends h to the given request stage.
func (p *Pipeline) AddHook(stage Stage, h Hook) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch stage {
	case StageIngress:
		p.ingress = append(p.ingress, h)
	case StageTransform:
		p.transform = append(p.transform, h)
	case StageEgress:
		p.egress = append(p.egress, h)
	}
}

// AddIngressHook appends a hook to the ingress stage.
func (p *Pipeline) AddIngressHook(h Hook) { p.AddHook(StageIngress, h) }

// AddTransformHook appends a hook to the transform stage.
func (p *Pipeline) AddTransformHook(h Hook) { p.AddHook(StageTransform, h) }

// AddEgressHook appends a hook to the egress stage.
func (p *Pipeline) AddEgressHook(h Hook) { p.AddHook(StageEgress, h) }

// AddResponseHook appends a response hook.
func (p *Pipeline) AddResponseHook(h ResponseHook) {
	p.mu.Lock()
	p.response = append(p.response, h)
	p.mu.Unlock()
}

// SetFrameObserver replaces the frame observer. A nil observer disables it.
func (p *Pipeline) SetFrameObserver(o FrameObserver) {
	p.mu.Lock()
	p.observer = o
	p.mu.Unlock()
}

// ProcessRequest parses a frame received from the master, runs the request
// hooks and returns the frame to send downstream. It returns ErrHookBlocked
// when a hook blocked the request and an *ExceptionReply when a hook
// answered it; any other error means the frame could not be handled.
func (p *Pipeline) ProcessRequest(ctx context.Context, raw []byte) ([]byte, error) {
	up, down := p.hc.UpstreamFrameType, p.hc.DownstreamFrameType

	unitID, pdu, txID, err := ParseFrame(up, raw)
	if err != nil {
		return nil, p.fail("parse request", err)
	}

	req := &Request{
		UnitID:          unitID,
		PDU:             pdu,
		SourceFrameType: up,
		RawFrame:        cloneBytes(raw),
		TransactionID:   txID,
		Timestamp:       timeNow(),
		Metadata:        make(map[string]any),
	}
	fm := p.metrics.ForFunction(pdu.FunctionCode)
	fm.Requests.Add(1)

	p.mu.RLock()
	stages := [...][]Hook{p.ingress, p.transform, p.egress}
	p.mu.RUnlock()

	for i, hooks := range stages {
		stage := Stage(i)
		for _, h := range hooks {
			out, err := p.applyHook(ctx, stage, h, req)
			if err != nil {
				return nil, p.fail("request hook", err)
			}
			switch {
			case out.IsBlocked():
				p.metrics.RequestsBlocked.Add(1)
				fm.Blocked.Add(1)
				p.logger.Debug("request blocked",
					slog.String("stage", stage.String()),
					slog.Uint64("unit_id", uint64(req.UnitID)),
					slog.String("func", req.PDU.FunctionCode.String()))
				return nil, ErrHookBlocked
			case out.IsException():
				return nil, p.exceptionReply(unitID, pdu.FunctionCode, txID, out.ExceptionCode(), stage, fm)
			case out.Request() != nil:
				req = out.Request()
			}
		}
	}

	frame, err := BuildFrame(down, req.UnitID, req.PDU, req.TransactionID)
	if err != nil {
		return nil, p.fail("build request", err)
	}

	p.hc.SetLastRequest(req)
	p.metrics.RequestsProcessed.Add(1)
	p.notify(FrameEvent{
		Direction:     DirectionInbound,
		FrameType:     up,
		Data:          req.RawFrame,
		UnitID:        unitID,
		FunctionCode:  pdu.FunctionCode,
		TransactionID: txID,
		Timestamp:     req.Timestamp,
	})

	p.logger.Debug("request processed",
		slog.Uint64("tx_id", uint64(req.TransactionID)),
		slog.Uint64("unit_id", uint64(req.UnitID)),
		slog.String("func", req.PDU.FunctionCode.String()))

	return frame, nil
}

// ProcessResponse parses a frame received from the slave, correlates it
// with the pending request, runs the response hooks and returns the frame
// to relay to the master.
func (p *Pipeline) ProcessResponse(ctx context.Context, raw []byte) ([]byte, error) {
	up, down := p.hc.UpstreamFrameType, p.hc.DownstreamFrameType

	unitID, pdu, txID, err := ParseFrame(down, raw)
	if err != nil {
		return nil, p.fail("parse response", err)
	}

	resp := &Response{
		UnitID:          unitID,
		PDU:             pdu,
		SourceFrameType: down,
		RawFrame:        cloneBytes(raw),
		TransactionID:   txID,
		Timestamp:       timeNow(),
		Metadata:        make(map[string]any),
		Request:         p.hc.LastRequest(),
	}

	p.mu.RLock()
	hooks := p.response
	p.mu.RUnlock()

	for _, h := range hooks {
		out, err := p.applyResponseHook(ctx, h, resp)
		if err != nil {
			return nil, p.fail("response hook", err)
		}
		if out.IsBlocked() {
			p.metrics.ResponsesBlocked.Add(1)
			p.logger.Debug("response blocked",
				slog.Uint64("unit_id", uint64(resp.UnitID)),
				slog.String("func", resp.PDU.FunctionCode.String()))
			return nil, ErrHookBlocked
		}
		if out.Response() != nil {
			resp = out.Response()
		}
	}

	var upTxID uint16
	if resp.Request != nil {
		upTxID = resp.Request.TransactionID
	}

	frame, err := BuildFrame(up, resp.UnitID, resp.PDU, upTxID)
	if err != nil {
		return nil, p.fail("build response", err)
	}

	p.metrics.ResponsesProcessed.Add(1)
	p.notify(FrameEvent{
		Direction:     DirectionOutbound,
		FrameType:     up,
		Data:          frame,
		UnitID:        resp.UnitID,
		FunctionCode:  resp.PDU.FunctionCode,
		TransactionID: upTxID,
		Timestamp:     resp.Timestamp,
	})

	return frame, nil
}

// Stats returns a snapshot of the pipeline counters.
func (p *Pipeline) Stats() PipelineStats {
	p.mu.RLock()
	stats := PipelineStats{
		IngressHooks:   len(p.ingress),
		TransformHooks: len(p.transform),
		EgressHooks:    len(p.egress),
		ResponseHooks:  len(p.response),
	}
	p.mu.RUnlock()

	m := p.metrics
	stats.RequestsProcessed = m.RequestsProcessed.Value()
	stats.RequestsBlocked = m.RequestsBlocked.Value()
	stats.RequestsException = m.RequestsException.Value()
	stats.ResponsesProcessed = m.ResponsesProcessed.Value()
	stats.ResponsesBlocked = m.ResponsesBlocked.Value()
	stats.Errors = m.Errors.Value()

	m.funcMetrics.Range(func(key, value interface{}) bool {
		if stats.Functions == nil {
			stats.Functions = make(map[string]int64)
		}
		stats.Functions[key.(FunctionCode).String()] = value.(*FunctionMetrics).Requests.Value()
		return true
	})
	return stats
}

func (p *Pipeline) exceptionReply(unitID UnitID, fc FunctionCode, txID uint16, code ExceptionCode, stage Stage, fm *FunctionMetrics) error {
	frame, err := BuildFrame(p.hc.UpstreamFrameType, unitID, BuildExceptionPDU(fc, code), txID)
	if err != nil {
		return p.fail("build exception", err)
	}
	p.metrics.RequestsException.Add(1)
	fm.Exceptions.Add(1)
	p.logger.Debug("request answered with exception",
		slog.String("stage", stage.String()),
		slog.Uint64("unit_id", uint64(unitID)),
		slog.String("func", fc.String()),
		slog.String("exception", code.String()))
	return &ExceptionReply{Code: code, Frame: frame}
}

func (p *Pipeline) applyHook(ctx context.Context, stage Stage, h Hook, req *Request) (out Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("panic in hook",
				slog.String("stage", stage.String()),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			err = fmt.Errorf("hook panicked: %v", r)
		}
	}()
	return h.Apply(ctx, req, p.hc), nil
}

func (p *Pipeline) applyResponseHook(ctx context.Context, h ResponseHook, resp *Response) (out ResponseOutcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("panic in response hook",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			err = fmt.Errorf("response hook panicked: %v", r)
		}
	}()
	return h.ApplyResponse(ctx, resp, p.hc), nil
}

// fail counts and logs a failed exchange and wraps err with op.
func (p *Pipeline) fail(op string, err error) error {
	p.metrics.Errors.Add(1)
	if IsCodecError(err) {
		p.logger.Warn(op+" failed", slog.String("error", err.Error()))
	} else {
		p.logger.Error(op+" failed", slog.String("error", err.Error()))
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (p *Pipeline) notify(ev FrameEvent) {
	p.mu.RLock()
	o := p.observer
	p.mu.RUnlock()
	if o == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("panic in frame observer", slog.Any("panic", r))
		}
	}()
	o.ObserveFrame(ev)
}
