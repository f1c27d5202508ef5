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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	modbus "github.com/edgeo-scada/modbus-bridge"
	"github.com/edgeo-scada/modbus-bridge/internal/capture"
	"github.com/edgeo-scada/modbus-bridge/internal/rules"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the bridge",
	Long: `Run the bridge until interrupted.

The upstream side faces the masters: a TCP listen address or a serial
port. The downstream side is the single link to the slaves: a TCP device
or a serial bus. Every request is converted, passed through the rules and
forwarded; the response travels back the same way.`,
	Example: `  modbus-bridge run --listen :5020 --downstream rtu --device /dev/ttyUSB0 --baud 19200
  modbus-bridge run --upstream rtu --upstream-device /dev/ttyS1 --downstream tcp --target 10.0.0.5:502
  modbus-bridge run --listen :502 --target 10.0.0.5:502 --rules rules.yaml --pcap bridge.pcap`,
	RunE: runBridge,
}

func init() {
	f := runCmd.Flags()

	// Upstream
	f.String("upstream", "tcp", "Upstream encoding: tcp, rtu")
	f.StringP("listen", "l", ":502", "Upstream TCP listen address")
	f.String("upstream-device", "", "Upstream serial device")
	f.Int("upstream-baud", modbus.DefaultBaudRate, "Upstream serial baud rate")
	f.Int("max-connections", 100, "Maximum concurrent upstream TCP sessions")
	f.Duration("session-timeout", modbus.DefaultSessionTimeout, "Idle timeout of upstream TCP sessions")

	// Downstream
	f.String("downstream", "rtu", "Downstream encoding: tcp, rtu")
	f.String("target", "", "Downstream TCP address (host:port)")
	f.StringP("device", "d", "", "Downstream serial device")
	f.IntP("baud", "b", modbus.DefaultBaudRate, "Downstream serial baud rate")
	f.DurationP("timeout", "t", modbus.DefaultTimeout, "Downstream response timeout")

	// Serial line, both sides
	f.Int("data-bits", 8, "Serial data bits")
	f.Int("stop-bits", 1, "Serial stop bits")
	f.String("parity", "N", "Serial parity: N, E, O")

	// Extras
	f.String("rules", "", "YAML rule file")
	f.String("pcap", "", "Write forwarded frames to a pcap file")
	f.Duration("stats-interval", 0, "Log statistics at this interval (0 disables)")

	viper.BindPFlags(f)
}

func bridgeConfig() (modbus.Config, error) {
	up, err := modbus.ParseFrameType(viper.GetString("upstream"))
	if err != nil {
		return modbus.Config{}, fmt.Errorf("--upstream: %w", err)
	}
	down, err := modbus.ParseFrameType(viper.GetString("downstream"))
	if err != nil {
		return modbus.Config{}, fmt.Errorf("--downstream: %w", err)
	}

	dataBits := viper.GetInt("data-bits")
	stopBits := viper.GetInt("stop-bits")
	parity := viper.GetString("parity")

	return modbus.Config{
		Upstream: modbus.EndpointConfig{
			FrameType: up,
			Address:   viper.GetString("listen"),
			Device:    viper.GetString("upstream-device"),
			BaudRate:  viper.GetInt("upstream-baud"),
			DataBits:  dataBits,
			StopBits:  stopBits,
			Parity:    parity,
		},
		Downstream: modbus.EndpointConfig{
			FrameType: down,
			Address:   viper.GetString("target"),
			Device:    viper.GetString("device"),
			BaudRate:  viper.GetInt("baud"),
			DataBits:  dataBits,
			StopBits:  stopBits,
			Parity:    parity,
		},
		Timeout: viper.GetDuration("timeout"),
	}, nil
}

func runBridge(cmd *cobra.Command, args []string) error {
	cfg, err := bridgeConfig()
	if err != nil {
		return err
	}
	b := modbus.NewBridge(cfg,
		modbus.WithBridgeLogger(logger),
		modbus.WithListenerOptions(
			modbus.WithMaxConnections(viper.GetInt("max-connections")),
			modbus.WithSessionTimeout(viper.GetDuration("session-timeout")),
		),
	)

	if path := viper.GetString("rules"); path != "" {
		rf, err := rules.Load(path)
		if err != nil {
			return err
		}
		n := rules.Install(b, rf, logger)
		logger.Info("rules loaded", slog.String("file", path), slog.Int("rules", n))
	}

	if path := viper.GetString("pcap"); path != "" {
		w, err := capture.Create(path, logger)
		if err != nil {
			return err
		}
		defer func() {
			w.Close()
			logger.Info("capture closed", slog.String("file", path), slog.Int("packets", w.Packets()))
		}()
		b.SetFrameObserver(w)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := b.Start(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	if interval := viper.GetDuration("stats-interval"); interval > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
					logStats(b)
				}
			}
		})
	}

	var final modbus.BridgeStats
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		final = b.Stats()
		return b.Stop()
	})

	err = g.Wait()
	if statsErr := outputStats(final); statsErr != nil && err == nil {
		err = statsErr
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func logStats(b *modbus.Bridge) {
	s := b.Stats()
	logger.Info("stats",
		slog.Int("clients", s.Listener.Clients),
		slog.Any("pipeline", b.Pipeline().Metrics().Collect()),
		slog.Int64("downstream_timeouts", s.Downstream.Timeouts),
		slog.Bool("downstream_connected", s.Downstream.Connected),
		slog.Float64("avg_latency_ms", s.Downstream.Latency.Avg))
}
