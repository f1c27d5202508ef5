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
	"maps"
	"time"
)

// Request is a parsed upstream request travelling through the pipeline.
// Hooks never modify a Request in place; they return a modified copy.
type Request struct {
	UnitID          UnitID
	PDU             PDU
	SourceFrameType FrameType
	RawFrame        []byte
	TransactionID   uint16
	Timestamp       time.Time
	Metadata        map[string]any
}

// Clone returns a deep copy of the request.
func (r *Request) Clone() *Request {
	c := *r
	c.PDU = NewPDU(r.PDU.FunctionCode, r.PDU.Data)
	c.RawFrame = cloneBytes(r.RawFrame)
	c.Metadata = maps.Clone(r.Metadata)
	return &c
}

// WithPDU returns a copy of the request carrying pdu.
func (r *Request) WithPDU(pdu PDU) *Request {
	c := r.Clone()
	c.PDU = pdu
	return c
}

// WithUnitID returns a copy of the request addressed to unitID.
func (r *Request) WithUnitID(unitID UnitID) *Request {
	c := r.Clone()
	c.UnitID = unitID
	return c
}

// WithMetadata returns a copy of the request with key set to value.
func (r *Request) WithMetadata(key string, value any) *Request {
	c := r.Clone()
	if c.Metadata == nil {
		c.Metadata = make(map[string]any)
	}
	c.Metadata[key] = value
	return c
}

// Response is a parsed downstream response. Request points at the request
// it answers, or is nil when no request was pending.
type Response struct {
	UnitID          UnitID
	PDU             PDU
	SourceFrameType FrameType
	RawFrame        []byte
	TransactionID   uint16
	Timestamp       time.Time
	Metadata        map[string]any
	Request         *Request
}

// IsException reports whether the response carries a Modbus exception.
func (r *Response) IsException() bool {
	return r.PDU.IsException()
}

// Clone returns a copy of the response. The correlated request is shared.
func (r *Response) Clone() *Response {
	c := *r
	c.PDU = NewPDU(r.PDU.FunctionCode, r.PDU.Data)
	c.RawFrame = cloneBytes(r.RawFrame)
	c.Metadata = maps.Clone(r.Metadata)
	return &c
}

// WithPDU returns a copy of the response carrying pdu.
func (r *Response) WithPDU(pdu PDU) *Response {
	c := r.Clone()
	c.PDU = pdu
	return c
}

// WithUnitID returns a copy of the response from unitID.
func (r *Response) WithUnitID(unitID UnitID) *Response {
	c := r.Clone()
	c.UnitID = unitID
	return c
}

type outcomeKind uint8

const (
	outcomeContinue outcomeKind = iota
	outcomeBlock
	outcomeException
)

// Outcome is the result of a request hook: continue with a (possibly
// modified) request, block the exchange, or answer with an exception.
type Outcome struct {
	kind    outcomeKind
	request *Request
	code    ExceptionCode
}

// Continue passes req to the next hook. A nil req keeps the current request.
func Continue(req *Request) Outcome {
	return Outcome{kind: outcomeContinue, request: req}
}

// Block drops the exchange silently.
func Block() Outcome {
	return Outcome{kind: outcomeBlock}
}

// Exception answers the master with a Modbus exception without contacting
// the slave.
func Exception(code ExceptionCode) Outcome {
	return Outcome{kind: outcomeException, code: code}
}

// IsBlocked reports whether the outcome blocks the exchange.
func (o Outcome) IsBlocked() bool { return o.kind == outcomeBlock }

// IsException reports whether the outcome answers with an exception.
func (o Outcome) IsException() bool { return o.kind == outcomeException }

// Request returns the request carried by a Continue outcome.
func (o Outcome) Request() *Request { return o.request }

// ExceptionCode returns the code carried by an Exception outcome.
func (o Outcome) ExceptionCode() ExceptionCode { return o.code }

// ResponseOutcome is the result of a response hook.
type ResponseOutcome struct {
	blocked  bool
	response *Response
}

// ContinueResponse passes resp to the next hook. A nil resp keeps the current
// response.
func ContinueResponse(resp *Response) ResponseOutcome {
	return ResponseOutcome{response: resp}
}

// BlockResponse drops the response; the master receives nothing.
func BlockResponse() ResponseOutcome {
	return ResponseOutcome{blocked: true}
}

// IsBlocked reports whether the outcome blocks the response.
func (o ResponseOutcome) IsBlocked() bool { return o.blocked }

// Response returns the response carried by a ContinueResponse outcome.
func (o ResponseOutcome) Response() *Response { return o.response }

// Hook inspects a request at one pipeline stage.
type Hook interface {
	Apply(ctx context.Context, req *Request, hc *HookContext) Outcome
}

// HookFunc adapts an ordinary function to the Hook interface.
type HookFunc func(ctx context.Context, req *Request, hc *HookContext) Outcome

// Apply calls f(ctx, req, hc).
func (f HookFunc) Apply(ctx context.Context, req *Request, hc *HookContext) Outcome {
	return f(ctx, req, hc)
}

// ResponseHook inspects a response before it is returned upstream.
type ResponseHook interface {
	ApplyResponse(ctx context.Context, resp *Response, hc *HookContext) ResponseOutcome
}

// ResponseHookFunc adapts an ordinary function to the ResponseHook interface.
type ResponseHookFunc func(ctx context.Context, resp *Response, hc *HookContext) ResponseOutcome

// ApplyResponse calls f(ctx, resp, hc).
func (f ResponseHookFunc) ApplyResponse(ctx context.Context, resp *Response, hc *HookContext) ResponseOutcome {
	return f(ctx, resp, hc)
}

// Stage names a request hook stage.
type Stage int

const (
	StageIngress Stage = iota
	StageTransform
	StageEgress
)

// String returns the stage name.
func (s Stage) String() string {
	switch s {
	case StageIngress:
		return "ingress"
	case StageTransform:
		return "transform"
	case StageEgress:
		return "egress"
	default:
		return "unknown"
	}
}
