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
	"encoding/binary"
	"log/slog"
	"slices"

	modbus "github.com/edgeo-scada/modbus-bridge"
)

// Registrar accepts hooks; *modbus.Bridge and *modbus.Pipeline implement it.
type Registrar interface {
	AddIngressHook(h modbus.Hook)
	AddTransformHook(h modbus.Hook)
	AddEgressHook(h modbus.Hook)
	AddResponseHook(h modbus.ResponseHook)
}

// HitsKey returns the state key counting the matches of a rule.
func HitsKey(name string) string {
	return "rules." + name + ".hits"
}

// Install registers every rule of f on r in file order and returns the
// number of hooks installed.
func Install(r Registrar, f *File, logger *slog.Logger) int {
	if logger == nil {
		logger = slog.Default()
	}
	for _, rule := range f.Rules {
		switch rule.Phase {
		case PhaseIngress:
			r.AddIngressHook(RequestHook(rule, logger))
		case PhaseTransform:
			r.AddTransformHook(RequestHook(rule, logger))
		case PhaseEgress:
			r.AddEgressHook(RequestHook(rule, logger))
		case PhaseResponse:
			r.AddResponseHook(ResponseHook(rule, logger))
		}
	}
	return len(f.Rules)
}

// RequestHook compiles rule into a request hook.
func RequestHook(rule Rule, logger *slog.Logger) modbus.Hook {
	return modbus.HookFunc(func(ctx context.Context, req *modbus.Request, hc *modbus.HookContext) modbus.Outcome {
		if !rule.Match.matchRequest(req) {
			return modbus.Continue(nil)
		}
		hc.State.Add(HitsKey(rule.Name), 1)

		switch rule.Action {
		case ActionBlock:
			return modbus.Block()
		case ActionException:
			return modbus.Exception(modbus.ExceptionCode(rule.Exception))
		case ActionRewriteUnit:
			return modbus.Continue(req.WithUnitID(modbus.UnitID(*rule.UnitID)))
		case ActionSetMetadata:
			return modbus.Continue(req.WithMetadata(rule.Key, rule.Value))
		case ActionLog:
			logger.Info("rule matched",
				slog.String("rule", rule.Name),
				slog.String("phase", string(rule.Phase)),
				slog.Uint64("unit_id", uint64(req.UnitID)),
				slog.String("func", req.PDU.FunctionCode.String()),
				slog.Uint64("tx_id", uint64(req.TransactionID)))
		}
		return modbus.Continue(nil)
	})
}

// ResponseHook compiles rule into a response hook.
func ResponseHook(rule Rule, logger *slog.Logger) modbus.ResponseHook {
	return modbus.ResponseHookFunc(func(ctx context.Context, resp *modbus.Response, hc *modbus.HookContext) modbus.ResponseOutcome {
		if !rule.Match.matchResponse(resp) {
			return modbus.ContinueResponse(nil)
		}
		hc.State.Add(HitsKey(rule.Name), 1)

		switch rule.Action {
		case ActionBlock:
			return modbus.BlockResponse()
		case ActionRewriteUnit:
			return modbus.ContinueResponse(resp.WithUnitID(modbus.UnitID(*rule.UnitID)))
		case ActionSetMetadata:
			c := resp.Clone()
			if c.Metadata == nil {
				c.Metadata = make(map[string]any)
			}
			c.Metadata[rule.Key] = rule.Value
			return modbus.ContinueResponse(c)
		case ActionLog:
			attrs := []any{
				slog.String("rule", rule.Name),
				slog.Uint64("unit_id", uint64(resp.UnitID)),
				slog.String("func", resp.PDU.FunctionCode.String()),
			}
			if resp.IsException() {
				attrs = append(attrs, slog.String("exception", resp.PDU.ExceptionCode().String()))
			}
			logger.Info("rule matched", attrs...)
		}
		return modbus.ContinueResponse(nil)
	})
}

func (m Match) matchCommon(unit modbus.UnitID, fc modbus.FunctionCode) bool {
	if len(m.UnitIDs) > 0 && !slices.Contains(m.UnitIDs, uint8(unit)) {
		return false
	}
	if len(m.FunctionCodes) > 0 && !slices.Contains(m.FunctionCodes, uint8(fc.Base())) {
		return false
	}
	return true
}

func (m Match) matchRequest(req *modbus.Request) bool {
	if !m.matchCommon(req.UnitID, req.PDU.FunctionCode) {
		return false
	}
	if m.Address != nil {
		first, last, ok := requestAddress(req.PDU)
		if !ok || last < m.Address.From || first > m.Address.To {
			return false
		}
	}
	return true
}

func (m Match) matchResponse(resp *modbus.Response) bool {
	if !m.matchCommon(resp.UnitID, resp.PDU.FunctionCode) {
		return false
	}
	if m.Exception != nil && *m.Exception != resp.IsException() {
		return false
	}
	return true
}

// requestAddress returns the first and last address touched by the data
// access function codes.
func requestAddress(pdu modbus.PDU) (first, last uint16, ok bool) {
	if len(pdu.Data) < 2 {
		return 0, 0, false
	}
	first = binary.BigEndian.Uint16(pdu.Data[0:2])

	qty := uint16(1)
	switch pdu.FunctionCode {
	case modbus.FuncReadCoils, modbus.FuncReadDiscreteInputs,
		modbus.FuncReadHoldingRegisters, modbus.FuncReadInputRegisters,
		modbus.FuncWriteMultipleCoils, modbus.FuncWriteMultipleRegisters:
		if len(pdu.Data) < 4 {
			return 0, 0, false
		}
		qty = binary.BigEndian.Uint16(pdu.Data[2:4])
		if qty == 0 {
			qty = 1
		}
	case modbus.FuncWriteSingleCoil, modbus.FuncWriteSingleRegister:
	default:
		return 0, 0, false
	}

	end := uint32(first) + uint32(qty) - 1
	if end > 0xFFFF {
		end = 0xFFFF
	}
	return first, uint16(end), true
}
