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

package rules

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	modbus "github.com/edgeo-scada/modbus-bridge"
)

const sampleRules = `
rules:
  - name: read-only-plc
    phase: Ingress
    match:
      unit_ids: [5]
      function_codes: [5, 6, 15, 16]
    action: exception
    exception: 1
  - name: renumber
    phase: transform
    match:
      unit_ids: [1]
    action: rewrite_unit
    unit_id: 17
  - name: hide-setpoints
    match:
      address: {from: 100, to: 199}
    action: block
  - name: drop-exceptions
    phase: response
    match:
      exception: true
    action: block
  - action: log
`

func TestParse(t *testing.T) {
	f, err := Parse([]byte(sampleRules))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(f.Rules) != 5 {
		t.Fatalf("got %d rules, want 5", len(f.Rules))
	}
	if f.Rules[0].Phase != PhaseIngress {
		t.Errorf("phase = %q, want normalized %q", f.Rules[0].Phase, PhaseIngress)
	}
	if f.Rules[2].Phase != PhaseIngress {
		t.Errorf("missing phase should default to ingress, got %q", f.Rules[2].Phase)
	}
	if f.Rules[4].Name != "rule-5" {
		t.Errorf("unnamed rule got name %q, want rule-5", f.Rules[4].Name)
	}
	if got := f.Rules[1].UnitID; got == nil || *got != 17 {
		t.Errorf("unit_id = %v, want 17", got)
	}
}

func TestParseInvalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown phase", "rules: [{name: a, phase: sideways, action: block}]"},
		{"unknown action", "rules: [{name: a, action: explode}]"},
		{"exception without code", "rules: [{name: a, action: exception}]"},
		{"exception on response", "rules: [{name: a, phase: response, action: exception, exception: 2}]"},
		{"rewrite without unit", "rules: [{name: a, action: rewrite_unit}]"},
		{"metadata without key", "rules: [{name: a, action: set_metadata}]"},
		{"reversed range", "rules: [{name: a, action: block, match: {address: {from: 10, to: 1}}}]"},
		{"exception match on request", "rules: [{name: a, action: block, match: {exception: true}}]"},
		{"duplicate names", "rules: [{name: a, action: block}, {name: a, action: log}]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if !errors.Is(err, ErrInvalidRule) {
				t.Errorf("Parse error = %v, want ErrInvalidRule", err)
			}
		})
	}

	if _, err := Parse([]byte("rules: [")); err == nil {
		t.Error("expected a YAML syntax error")
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	if err := os.WriteFile(path, []byte(sampleRules), 0o644); err != nil {
		t.Fatal(err)
	}
	f, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(f.Rules) != 5 {
		t.Errorf("got %d rules, want 5", len(f.Rules))
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected an error for a missing file")
	}
}

func newPipeline(t *testing.T) *modbus.Pipeline {
	t.Helper()
	f, err := Parse([]byte(sampleRules))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	p := modbus.NewPipeline(modbus.NewHookContext(modbus.FrameTCP, modbus.FrameRTU))
	if n := Install(p, f, nil); n != 5 {
		t.Fatalf("Install returned %d, want 5", n)
	}
	return p
}

func tcpRequest(t *testing.T, unit modbus.UnitID, pdu modbus.PDU) []byte {
	t.Helper()
	frame, err := modbus.BuildFrame(modbus.FrameTCP, unit, pdu, 0x0042)
	if err != nil {
		t.Fatalf("BuildFrame failed: %v", err)
	}
	return frame
}

func TestInstallExceptionRule(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()

	write := modbus.NewPDU(modbus.FuncWriteSingleRegister, []byte{0x00, 0x01, 0x00, 0x07})
	_, err := p.ProcessRequest(ctx, tcpRequest(t, 5, write))

	var reply *modbus.ExceptionReply
	if !errors.As(err, &reply) {
		t.Fatalf("expected *ExceptionReply, got %v", err)
	}
	if reply.Code != modbus.ExceptionIllegalFunction {
		t.Errorf("exception code = %v, want IllegalFunction", reply.Code)
	}
	want, _ := modbus.BuildFrame(modbus.FrameTCP, 5, modbus.BuildExceptionPDU(modbus.FuncWriteSingleRegister, modbus.ExceptionIllegalFunction), 0x0042)
	if string(reply.Frame) != string(want) {
		t.Errorf("exception frame % X, want % X", reply.Frame, want)
	}

	hits, _ := modbus.StateValue[int64](p.Context().State, HitsKey("read-only-plc"))
	if hits != 1 {
		t.Errorf("hits = %d, want 1", hits)
	}

	read := modbus.NewPDU(modbus.FuncReadHoldingRegisters, []byte{0x00, 0x01, 0x00, 0x01})
	if _, err := p.ProcessRequest(ctx, tcpRequest(t, 5, read)); err != nil {
		t.Errorf("read from unit 5 should pass, got %v", err)
	}
}

func TestInstallRewriteUnit(t *testing.T) {
	p := newPipeline(t)

	read := modbus.NewPDU(modbus.FuncReadHoldingRegisters, []byte{0x00, 0x01, 0x00, 0x01})
	frame, err := p.ProcessRequest(context.Background(), tcpRequest(t, 1, read))
	if err != nil {
		t.Fatalf("ProcessRequest failed: %v", err)
	}
	if frame[0] != 17 {
		t.Errorf("downstream unit = %d, want 17", frame[0])
	}
	if !modbus.VerifyCRC(frame) {
		t.Error("rewritten RTU frame has a bad CRC")
	}
}

func TestInstallAddressBlock(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()

	inRange := modbus.NewPDU(modbus.FuncReadHoldingRegisters, []byte{0x00, 0x96, 0x00, 0x01}) // 150
	if _, err := p.ProcessRequest(ctx, tcpRequest(t, 2, inRange)); !errors.Is(err, modbus.ErrHookBlocked) {
		t.Errorf("address 150: expected ErrHookBlocked, got %v", err)
	}

	outOfRange := modbus.NewPDU(modbus.FuncReadHoldingRegisters, []byte{0x00, 0xC8, 0x00, 0x01}) // 200
	if _, err := p.ProcessRequest(ctx, tcpRequest(t, 2, outOfRange)); err != nil {
		t.Errorf("address 200: expected pass, got %v", err)
	}

	noAddress := modbus.NewPDU(modbus.FuncReportServerID, nil)
	if _, err := p.ProcessRequest(ctx, tcpRequest(t, 2, noAddress)); err != nil {
		t.Errorf("function without address: expected pass, got %v", err)
	}
}

func TestInstallResponseRule(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()

	read := modbus.NewPDU(modbus.FuncReadHoldingRegisters, []byte{0x00, 0x01, 0x00, 0x01})
	if _, err := p.ProcessRequest(ctx, tcpRequest(t, 2, read)); err != nil {
		t.Fatalf("ProcessRequest failed: %v", err)
	}

	exc, _ := modbus.BuildFrame(modbus.FrameRTU, 2, modbus.BuildExceptionPDU(modbus.FuncReadHoldingRegisters, modbus.ExceptionIllegalDataAddress), 0)
	if _, err := p.ProcessResponse(ctx, exc); !errors.Is(err, modbus.ErrHookBlocked) {
		t.Errorf("exception response: expected ErrHookBlocked, got %v", err)
	}

	ok, _ := modbus.BuildFrame(modbus.FrameRTU, 2, modbus.NewPDU(modbus.FuncReadHoldingRegisters, []byte{0x02, 0x00, 0x2A}), 0)
	frame, err := p.ProcessResponse(ctx, ok)
	if err != nil {
		t.Fatalf("normal response: %v", err)
	}
	if frame[0] != 0x00 || frame[1] != 0x42 {
		t.Errorf("response txid % X, want 00 42", frame[0:2])
	}
}

func TestInstallAddressOverlap(t *testing.T) {
	f, err := Parse([]byte(`rules: [{name: guard, match: {function_codes: [16], address: {from: 100, to: 110}}, action: block}]`))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	p := modbus.NewPipeline(modbus.NewHookContext(modbus.FrameTCP, modbus.FrameRTU))
	Install(p, f, nil)
	ctx := context.Background()

	writeRegs := func(addr, qty uint16) modbus.PDU {
		data := []byte{byte(addr >> 8), byte(addr), byte(qty >> 8), byte(qty), byte(qty * 2)}
		data = append(data, make([]byte, qty*2)...)
		return modbus.NewPDU(modbus.FuncWriteMultipleRegisters, data)
	}

	tests := []struct {
		addr, qty uint16
		blocked   bool
	}{
		{99, 5, true},    // 99..103 reaches into the range
		{95, 5, false},   // 95..99 ends just below
		{110, 3, true},   // starts on the last address
		{111, 10, false}, // starts just above
		{90, 30, true},   // covers the whole range
	}
	for _, tt := range tests {
		_, err := p.ProcessRequest(ctx, tcpRequest(t, 1, writeRegs(tt.addr, tt.qty)))
		if got := errors.Is(err, modbus.ErrHookBlocked); got != tt.blocked {
			t.Errorf("write %d x%d: blocked = %v, want %v (err %v)", tt.addr, tt.qty, got, tt.blocked, err)
		}
	}
}

func TestRequestAddress(t *testing.T) {
	if _, _, ok := requestAddress(modbus.NewPDU(modbus.FuncReadCoils, []byte{0x01})); ok {
		t.Error("short PDU should have no address")
	}
	if _, _, ok := requestAddress(modbus.NewPDU(modbus.FuncReportServerID, []byte{0x00, 0x01})); ok {
		t.Error("report server id should have no address")
	}

	tests := []struct {
		name        string
		pdu         modbus.PDU
		first, last uint16
	}{
		{"write multiple registers", modbus.NewPDU(modbus.FuncWriteMultipleRegisters, []byte{0x12, 0x34, 0x00, 0x01, 0x02, 0x00, 0x00}), 0x1234, 0x1234},
		{"read holding registers", modbus.NewPDU(modbus.FuncReadHoldingRegisters, []byte{0x00, 0x0A, 0x00, 0x0A}), 10, 19},
		{"write multiple coils", modbus.NewPDU(modbus.FuncWriteMultipleCoils, []byte{0x00, 0x10, 0x00, 0x09, 0x02, 0xFF, 0x01}), 16, 24},
		{"write single coil", modbus.NewPDU(modbus.FuncWriteSingleCoil, []byte{0x00, 0x05, 0xFF, 0x00}), 5, 5},
		{"write single register", modbus.NewPDU(modbus.FuncWriteSingleRegister, []byte{0x00, 0x32, 0x00, 0x01}), 50, 50},
		{"clamped at top", modbus.NewPDU(modbus.FuncReadCoils, []byte{0xFF, 0xF0, 0x00, 0x20}), 0xFFF0, 0xFFFF},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			first, last, ok := requestAddress(tt.pdu)
			if !ok || first != tt.first || last != tt.last {
				t.Errorf("requestAddress = %d..%d, %v; want %d..%d, true", first, last, ok, tt.first, tt.last)
			}
		})
	}
}
