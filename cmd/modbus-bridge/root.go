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
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string

	// Global flags
	outputFmt string
	logFormat string
	verbose   bool
	noColor   bool

	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "modbus-bridge",
	Short: "A Modbus TCP / RTU gateway",
	Long: `modbus-bridge relays Modbus requests between a TCP and an RTU network,
converting frames in both directions.

Features:
  - TCP to RTU, RTU to TCP, TCP to TCP and RTU to RTU bridging
  - YAML rules to block, answer or rewrite requests
  - pcap capture of every forwarded frame
  - Periodic statistics
  - Frame conversion and CRC utilities

Examples:
  # Expose a serial RS-485 bus on TCP port 5020
  modbus-bridge run --listen :5020 --downstream rtu --device /dev/ttyUSB0 --baud 19200

  # Serve RTU masters from a Modbus TCP device
  modbus-bridge run --upstream rtu --upstream-device /dev/ttyS1 --downstream tcp --target 10.0.0.5:502

  # Convert a TCP frame to RTU
  modbus-bridge frame convert "00 01 00 00 00 06 01 06 00 32 00 01"`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// Setup logger
		level := slog.LevelInfo
		if verbose || viper.GetBool("verbose") {
			level = slog.LevelDebug
		}
		opts := &slog.HandlerOptions{Level: level}
		if strings.EqualFold(viper.GetString("log-format"), "json") {
			logger = slog.New(slog.NewJSONHandler(os.Stderr, opts))
		} else {
			logger = slog.New(slog.NewTextHandler(os.Stderr, opts))
		}
		slog.SetDefault(logger)
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	// Configuration file
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./.modbus-bridge.yaml or $HOME/.modbus-bridge.yaml)")

	// Output flags
	rootCmd.PersistentFlags().StringVarP(&outputFmt, "output", "o", "table", "Output format: table, json")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "Log format: text, json")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable color output")

	// Bind to viper
	viper.BindPFlag("output", rootCmd.PersistentFlags().Lookup("output"))
	viper.BindPFlag("log-format", rootCmd.PersistentFlags().Lookup("log-format"))
	viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))

	// Add commands
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(frameCmd)
	rootCmd.AddCommand(versionCmd)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(home)
		}
		viper.SetConfigName(".modbus-bridge")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("MODBUS_BRIDGE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		if verbose {
			fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
		}
	}
}
