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

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/viper"

	modbus "github.com/edgeo-scada/modbus-bridge"
)

// Color codes
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
)

func color(c, s string) string {
	if noColor {
		return s
	}
	return c + s + colorReset
}

func outputSuccess(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	fmt.Println(color(colorGreen, "OK") + " " + msg)
}

func outputError(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, color(colorRed, "ERROR")+" "+msg)
}

func outputJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func jsonOutput() bool {
	return viper.GetString("output") == "json"
}

func outputStats(s modbus.BridgeStats) error {
	if jsonOutput() {
		return outputJSON(s)
	}

	fmt.Printf("\n%s (uptime %s)\n", color(colorBold, "Bridge statistics"), s.Uptime.Round(1e6))
	fmt.Println(strings.Repeat("-", 50))

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "UPSTREAM\t")
	fmt.Fprintf(w, "  endpoint\t%s://%s\n", s.Listener.Mode, s.Listener.Address)
	fmt.Fprintf(w, "  sessions\t%d (total %d, rejected %d)\n", s.Listener.Clients, s.Listener.TotalConnections, s.Listener.Rejected)
	fmt.Fprintf(w, "  frames received\t%d\n", s.Listener.FramesReceived)
	fmt.Fprintf(w, "  replies sent\t%d\n", s.Listener.RepliesSent)
	fmt.Fprintf(w, "  protocol errors\t%d\n", s.Listener.ProtocolErrors)

	fmt.Fprintln(w, "PIPELINE\t")
	fmt.Fprintf(w, "  requests\t%d\n", s.Pipeline.RequestsProcessed)
	fmt.Fprintf(w, "  blocked\t%d\n", s.Pipeline.RequestsBlocked)
	fmt.Fprintf(w, "  exceptions\t%d\n", s.Pipeline.RequestsException)
	fmt.Fprintf(w, "  responses\t%d (blocked %d)\n", s.Pipeline.ResponsesProcessed, s.Pipeline.ResponsesBlocked)
	fmt.Fprintf(w, "  errors\t%d\n", s.Pipeline.Errors)
	fmt.Fprintf(w, "  hooks\t%d ingress, %d transform, %d egress, %d response\n",
		s.Pipeline.IngressHooks, s.Pipeline.TransformHooks, s.Pipeline.EgressHooks, s.Pipeline.ResponseHooks)

	names := make([]string, 0, len(s.Pipeline.Functions))
	for name := range s.Pipeline.Functions {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "    %s\t%d\n", name, s.Pipeline.Functions[name])
	}

	state := color(colorRed, s.Downstream.State)
	if s.Downstream.Connected {
		state = color(colorGreen, s.Downstream.State)
	}
	fmt.Fprintln(w, "DOWNSTREAM\t")
	fmt.Fprintf(w, "  endpoint\t%s (%s)\n", s.Downstream.Endpoint, state)
	fmt.Fprintf(w, "  requests\t%d (ok %d, errors %d)\n", s.Downstream.Requests, s.Downstream.Success, s.Downstream.Errors)
	timeouts := fmt.Sprintf("%d", s.Downstream.Timeouts)
	if s.Downstream.Timeouts > 0 {
		timeouts = color(colorYellow, timeouts)
	}
	fmt.Fprintf(w, "  timeouts\t%s\n", timeouts)
	fmt.Fprintf(w, "  reconnections\t%d\n", s.Downstream.Reconnections)
	if l := s.Downstream.Latency; l.Count > 0 {
		fmt.Fprintf(w, "  latency\tavg %.2fms, min %.2fms, max %.2fms\n", l.Avg, l.Min, l.Max)
	}
	return w.Flush()
}

// formatHex renders b as space separated hex bytes.
func formatHex(b []byte) string {
	parts := make([]string, len(b))
	for i, v := range b {
		parts[i] = fmt.Sprintf("%02X", v)
	}
	return strings.Join(parts, " ")
}

func outputInfo(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	fmt.Println(color(colorCyan, "INFO") + " " + msg)
}
