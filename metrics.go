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
	"sync"
	"sync/atomic"
	"time"
)

// Counter is a simple atomic counter.
type Counter struct {
	value int64
}

// Add adds delta to the counter.
func (c *Counter) Add(delta int64) {
	atomic.AddInt64(&c.value, delta)
}

// Value returns the current counter value.
func (c *Counter) Value() int64 {
	return atomic.LoadInt64(&c.value)
}

// Reset resets the counter to zero.
func (c *Counter) Reset() {
	atomic.StoreInt64(&c.value, 0)
}

var latencyLabels = []string{"1ms", "5ms", "10ms", "25ms", "50ms", "100ms", "250ms", "500ms", "1s", "5s+"}

// LatencyHistogram tracks latency distribution.
type LatencyHistogram struct {
	mu      sync.Mutex
	buckets []int64   // count per bucket
	bounds  []float64 // upper bounds in ms
	sum     float64
	count   int64
	min     float64
	max     float64
}

// NewLatencyHistogram creates a new latency histogram with default buckets.
func NewLatencyHistogram() *LatencyHistogram {
	return &LatencyHistogram{
		buckets: make([]int64, len(latencyLabels)),
		bounds:  []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000}, // ms
		min:     -1,
		max:     -1,
	}
}

// Observe records a latency observation.
func (h *LatencyHistogram) Observe(d time.Duration) {
	ms := float64(d.Microseconds()) / 1000.0

	h.mu.Lock()
	defer h.mu.Unlock()

	h.sum += ms
	h.count++

	if h.min < 0 || ms < h.min {
		h.min = ms
	}
	if ms > h.max {
		h.max = ms
	}

	for i, bound := range h.bounds {
		if ms <= bound {
			h.buckets[i]++
			return
		}
	}
	// Greater than all bounds
	h.buckets[len(h.buckets)-1]++
}

// Stats returns histogram statistics.
func (h *LatencyHistogram) Stats() LatencyStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	stats := LatencyStats{
		Count:   h.count,
		Sum:     h.sum,
		Buckets: make(map[string]int64, len(h.buckets)),
	}

	if h.count > 0 {
		stats.Avg = h.sum / float64(h.count)
		stats.Min = h.min
		stats.Max = h.max
	}

	for i, count := range h.buckets {
		stats.Buckets[latencyLabels[i]] = count
	}

	return stats
}

// Reset resets the histogram.
func (h *LatencyHistogram) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for i := range h.buckets {
		h.buckets[i] = 0
	}
	h.sum = 0
	h.count = 0
	h.min = -1
	h.max = -1
}

// LatencyStats holds latency statistics in milliseconds.
type LatencyStats struct {
	Count   int64            `json:"count"`
	Sum     float64          `json:"sum_ms"`
	Avg     float64          `json:"avg_ms"`
	Min     float64          `json:"min_ms"`
	Max     float64          `json:"max_ms"`
	Buckets map[string]int64 `json:"buckets,omitempty"`
}

// PipelineMetrics holds hook pipeline counters.
type PipelineMetrics struct {
	RequestsProcessed  Counter
	RequestsBlocked    Counter
	RequestsException  Counter
	ResponsesProcessed Counter
	ResponsesBlocked   Counter
	Errors             Counter

	funcMetrics sync.Map // FunctionCode -> *FunctionMetrics
}

// FunctionMetrics holds request counters for one function code.
type FunctionMetrics struct {
	Requests   Counter
	Blocked    Counter
	Exceptions Counter
}

// ForFunction returns the counters of a function code.
func (m *PipelineMetrics) ForFunction(fc FunctionCode) *FunctionMetrics {
	if val, ok := m.funcMetrics.Load(fc); ok {
		return val.(*FunctionMetrics)
	}
	actual, _ := m.funcMetrics.LoadOrStore(fc, &FunctionMetrics{})
	return actual.(*FunctionMetrics)
}

// Collect returns all counters as a map (compatible with expvar).
func (m *PipelineMetrics) Collect() map[string]interface{} {
	result := map[string]interface{}{
		"requests_processed":  m.RequestsProcessed.Value(),
		"requests_blocked":    m.RequestsBlocked.Value(),
		"requests_exception":  m.RequestsException.Value(),
		"responses_processed": m.ResponsesProcessed.Value(),
		"responses_blocked":   m.ResponsesBlocked.Value(),
		"errors":              m.Errors.Value(),
	}

	funcStats := make(map[string]interface{})
	m.funcMetrics.Range(func(key, value interface{}) bool {
		fc := key.(FunctionCode)
		fm := value.(*FunctionMetrics)
		funcStats[fc.String()] = map[string]interface{}{
			"requests":   fm.Requests.Value(),
			"blocked":    fm.Blocked.Value(),
			"exceptions": fm.Exceptions.Value(),
		}
		return true
	})
	if len(funcStats) > 0 {
		result["functions"] = funcStats
	}

	return result
}

// DownstreamMetrics holds downstream link metrics.
type DownstreamMetrics struct {
	RequestsTotal   Counter
	RequestsSuccess Counter
	RequestsErrors  Counter
	Timeouts        Counter
	Reconnections   Counter
	Latency         *LatencyHistogram
}

// NewDownstreamMetrics creates a new DownstreamMetrics instance.
func NewDownstreamMetrics() *DownstreamMetrics {
	return &DownstreamMetrics{
		Latency: NewLatencyHistogram(),
	}
}

// ListenerMetrics holds upstream listener metrics.
type ListenerMetrics struct {
	FramesReceived Counter
	RepliesSent    Counter
	ActiveConns    Counter
	TotalConns     Counter
	RejectedConns  Counter
	ProtocolErrors Counter
}

// ListenerStats is a snapshot of listener state.
type ListenerStats struct {
	Mode             string `json:"mode"`
	Address          string `json:"address"`
	Running          bool   `json:"running"`
	Clients          int    `json:"clients"`
	TotalConnections int64  `json:"total_connections"`
	Rejected         int64  `json:"rejected_connections"`
	FramesReceived   int64  `json:"frames_received"`
	RepliesSent      int64  `json:"replies_sent"`
	ProtocolErrors   int64  `json:"protocol_errors"`
}

func (m *ListenerMetrics) snapshot() ListenerStats {
	return ListenerStats{
		TotalConnections: m.TotalConns.Value(),
		Rejected:         m.RejectedConns.Value(),
		FramesReceived:   m.FramesReceived.Value(),
		RepliesSent:      m.RepliesSent.Value(),
		ProtocolErrors:   m.ProtocolErrors.Value(),
	}
}

// DownstreamStats is a snapshot of downstream link state.
type DownstreamStats struct {
	Endpoint      string       `json:"endpoint"`
	State         string       `json:"state"`
	Connected     bool         `json:"connected"`
	Requests      int64        `json:"requests"`
	Success       int64        `json:"success"`
	Errors        int64        `json:"errors"`
	Timeouts      int64        `json:"timeouts"`
	Reconnections int64        `json:"reconnections"`
	Latency       LatencyStats `json:"latency"`
}

// PipelineStats is a snapshot of pipeline counters.
type PipelineStats struct {
	RequestsProcessed  int64            `json:"requests_processed"`
	RequestsBlocked    int64            `json:"requests_blocked"`
	RequestsException  int64            `json:"requests_exception"`
	ResponsesProcessed int64            `json:"responses_processed"`
	ResponsesBlocked   int64            `json:"responses_blocked"`
	Errors             int64            `json:"errors"`
	Functions          map[string]int64 `json:"functions,omitempty"`
	IngressHooks       int              `json:"ingress_hooks"`
	TransformHooks     int              `json:"transform_hooks"`
	EgressHooks        int              `json:"egress_hooks"`
	ResponseHooks      int              `json:"response_hooks"`
}

// BridgeStats aggregates the statistics of all bridge components.
type BridgeStats struct {
	Running    bool            `json:"running"`
	Uptime     time.Duration   `json:"uptime"`
	Listener   ListenerStats   `json:"listener"`
	Downstream DownstreamStats `json:"downstream"`
	Pipeline   PipelineStats   `json:"pipeline"`
}
