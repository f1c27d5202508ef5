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
	"maps"
	"sync"
	"time"
)

// StateKeyLastRequest is the state key under which the pending request is
// mirrored for hooks.
const StateKeyLastRequest = "last_request"

// State is a string keyed store shared by all hooks of a bridge.
// It is safe for concurrent use.
type State struct {
	mu     sync.RWMutex
	values map[string]any
}

// NewState creates an empty state store.
func NewState() *State {
	return &State{values: make(map[string]any)}
}

// Get returns the value stored under key.
func (s *State) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

// Set stores value under key.
func (s *State) Set(key string, value any) {
	s.mu.Lock()
	s.values[key] = value
	s.mu.Unlock()
}

// Delete removes key.
func (s *State) Delete(key string) {
	s.mu.Lock()
	delete(s.values, key)
	s.mu.Unlock()
}

// Add increments the int64 stored under key by delta and returns the new
// value. Missing or non integer values count as zero.
func (s *State) Add(key string, delta int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, _ := s.values[key].(int64)
	n += delta
	s.values[key] = n
	return n
}

// Len returns the number of keys.
func (s *State) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.values)
}

// Snapshot returns a shallow copy of the store.
func (s *State) Snapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.values)
}

// StateValue returns the value under key if it holds a T.
func StateValue[T any](s *State, key string) (T, bool) {
	var zero T
	v, ok := s.Get(key)
	if !ok {
		return zero, false
	}
	t, ok := v.(T)
	if !ok {
		return zero, false
	}
	return t, true
}

// HookContext is the per bridge context handed to every hook.
type HookContext struct {
	State               *State
	UpstreamFrameType   FrameType
	DownstreamFrameType FrameType
	StartTime           time.Time

	mu          sync.Mutex
	lastRequest *Request
}

// NewHookContext creates a hook context for a bridge converting upstream
// frames to downstream frames.
func NewHookContext(upstream, downstream FrameType) *HookContext {
	return &HookContext{
		State:               NewState(),
		UpstreamFrameType:   upstream,
		DownstreamFrameType: downstream,
		StartTime:           timeNow(),
	}
}

// LastRequest returns the request currently awaiting its response.
func (hc *HookContext) LastRequest() *Request {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	return hc.lastRequest
}

// SetLastRequest records the pending request.
func (hc *HookContext) SetLastRequest(req *Request) {
	hc.mu.Lock()
	hc.lastRequest = req
	hc.mu.Unlock()
	if req == nil {
		hc.State.Delete(StateKeyLastRequest)
		return
	}
	hc.State.Set(StateKeyLastRequest, req)
}
