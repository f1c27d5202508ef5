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

// Package rules compiles YAML rule files into bridge hooks.
//
// A rule file looks like:
//
//	rules:
//	  - name: read-only-plc
//	    phase: ingress
//	    match:
//	      unit_ids: [5]
//	      function_codes: [5, 6, 15, 16]
//	    action: exception
//	    exception: 1
//	  - name: renumber
//	    phase: transform
//	    match:
//	      unit_ids: [1]
//	    action: rewrite_unit
//	    unit_id: 17
package rules

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Phase names a pipeline stage.
type Phase string

const (
	PhaseIngress   Phase = "ingress"
	PhaseTransform Phase = "transform"
	PhaseEgress    Phase = "egress"
	PhaseResponse  Phase = "response"
)

// Action names what a matching rule does.
type Action string

const (
	ActionBlock       Action = "block"
	ActionException   Action = "exception"
	ActionRewriteUnit Action = "rewrite_unit"
	ActionSetMetadata Action = "set_metadata"
	ActionLog         Action = "log"
)

// ErrInvalidRule indicates a rule that cannot be compiled.
var ErrInvalidRule = errors.New("rules: invalid rule")

// AddressRange is an inclusive register or coil address range.
type AddressRange struct {
	From uint16 `yaml:"from"`
	To   uint16 `yaml:"to"`
}

// Match selects the frames a rule applies to. Empty lists match anything.
type Match struct {
	UnitIDs       []uint8       `yaml:"unit_ids,omitempty"`
	FunctionCodes []uint8       `yaml:"function_codes,omitempty"`
	Address       *AddressRange `yaml:"address,omitempty"`   // requests only
	Exception     *bool         `yaml:"exception,omitempty"` // responses only
}

// Rule is one entry of a rule file.
type Rule struct {
	Name      string `yaml:"name"`
	Phase     Phase  `yaml:"phase"`
	Match     Match  `yaml:"match"`
	Action    Action `yaml:"action"`
	Exception uint8  `yaml:"exception,omitempty"` // exception code for ActionException
	UnitID    *uint8 `yaml:"unit_id,omitempty"`   // target for ActionRewriteUnit
	Key       string `yaml:"key,omitempty"`       // metadata key for ActionSetMetadata
	Value     string `yaml:"value,omitempty"`
}

// File is a parsed rule file.
type File struct {
	Rules []Rule `yaml:"rules"`
}

// Load reads and validates a rule file.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules: %w", err)
	}
	f, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

// Parse decodes and validates rule file contents.
func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse rules: %w", err)
	}
	for i := range f.Rules {
		f.Rules[i].normalize(i)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Validate checks every rule.
func (f *File) Validate() error {
	seen := make(map[string]bool, len(f.Rules))
	for _, r := range f.Rules {
		if err := r.Validate(); err != nil {
			return err
		}
		if seen[r.Name] {
			return fmt.Errorf("%w: duplicate rule name %q", ErrInvalidRule, r.Name)
		}
		seen[r.Name] = true
	}
	return nil
}

func (r *Rule) normalize(index int) {
	r.Phase = Phase(strings.ToLower(strings.TrimSpace(string(r.Phase))))
	r.Action = Action(strings.ToLower(strings.TrimSpace(string(r.Action))))
	if r.Phase == "" {
		r.Phase = PhaseIngress
	}
	if r.Name == "" {
		r.Name = fmt.Sprintf("rule-%d", index+1)
	}
}

// Validate checks that the rule's phase, action and parameters fit together.
func (r Rule) Validate() error {
	switch r.Phase {
	case PhaseIngress, PhaseTransform, PhaseEgress, PhaseResponse:
	default:
		return fmt.Errorf("%w: %s: unknown phase %q", ErrInvalidRule, r.Name, r.Phase)
	}

	switch r.Action {
	case ActionBlock, ActionLog:
	case ActionException:
		if r.Phase == PhaseResponse {
			return fmt.Errorf("%w: %s: exception action is not available for responses", ErrInvalidRule, r.Name)
		}
		if r.Exception == 0 {
			return fmt.Errorf("%w: %s: exception action requires an exception code", ErrInvalidRule, r.Name)
		}
	case ActionRewriteUnit:
		if r.UnitID == nil {
			return fmt.Errorf("%w: %s: rewrite_unit requires unit_id", ErrInvalidRule, r.Name)
		}
	case ActionSetMetadata:
		if r.Key == "" {
			return fmt.Errorf("%w: %s: set_metadata requires key", ErrInvalidRule, r.Name)
		}
	default:
		return fmt.Errorf("%w: %s: unknown action %q", ErrInvalidRule, r.Name, r.Action)
	}

	if a := r.Match.Address; a != nil {
		if r.Phase == PhaseResponse {
			return fmt.Errorf("%w: %s: address match is not available for responses", ErrInvalidRule, r.Name)
		}
		if a.From > a.To {
			return fmt.Errorf("%w: %s: address range %d-%d is reversed", ErrInvalidRule, r.Name, a.From, a.To)
		}
	}
	if r.Match.Exception != nil && r.Phase != PhaseResponse {
		return fmt.Errorf("%w: %s: exception match is only available for responses", ErrInvalidRule, r.Name)
	}
	return nil
}
