// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"

	"github.com/Thermoquad/bmsrelay/internal/config"
	"github.com/Thermoquad/bmsrelay/internal/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var (
	configPath string
	logLevel   string

	// Source connection flags
	portName      string
	baudRate      int
	wsURL         string
	wsUsername    string
	wsNoSSLVerify bool

	// cfg is the loaded configuration with flag overrides applied
	cfg = config.Default()
)

var rootCmd = &cobra.Command{
	Use:   "bmsrelay",
	Short: "Transparent BMS serial protocol relay",
	Long: `bmsrelay - An inline relay for the BMS serial protocol.

Sits between a battery management system and a motor controller, framing the
BMS byte stream into packets. Packets can be observed, logged and captured on
the way through; anything the relay does not recognize is passed through
unchanged. When the BMS goes quiet, the last good packet of each type is
replayed so the controller keeps seeing its heartbeats.

Connection modes:
  Serial:    --port /dev/ttyUSB0 [--baud 115200]
  WebSocket: --url ws://host/path [--username user]

The --port/--url flags select the BMS side. The run command also needs the
controller side: --sink-port or --sink-url.

Settings can also come from a YAML file (--config). Flags override the file.

For WebSocket authentication, the password is read from the BMSRELAY_PASSWORD
environment variable, or prompted interactively if not set. The --password
flag is intentionally not provided to avoid leaking credentials in shell history.`,
	Version:           "1.0.0",
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (default: $"+logging.LogLevelEnvVar+" or silent)")

	// Source connection flags
	rootCmd.PersistentFlags().StringVarP(&portName, "port", "p", "", "Serial port device")
	rootCmd.PersistentFlags().IntVarP(&baudRate, "baud", "b", config.DefaultBaud, "Baud rate (serial only)")
	rootCmd.PersistentFlags().StringVarP(&wsURL, "url", "u", "", "WebSocket URL (ws:// or wss://)")
	rootCmd.PersistentFlags().StringVar(&wsUsername, "username", "", "Username for HTTP Basic auth")
	rootCmd.PersistentFlags().BoolVar(&wsNoSSLVerify, "no-ssl-verify", false, "Skip TLS certificate verification (wss:// only)")

	// Sink connection flags
	rootCmd.PersistentFlags().String("sink-port", "", "Controller side serial port device")
	rootCmd.PersistentFlags().Int("sink-baud", config.DefaultBaud, "Controller side baud rate")
	rootCmd.PersistentFlags().String("sink-url", "", "Controller side WebSocket URL")
	rootCmd.PersistentFlags().String("sink-username", "", "Controller side HTTP Basic auth username")
	rootCmd.PersistentFlags().Bool("sink-no-ssl-verify", false, "Skip TLS verification on the controller side")
}

// loadConfig reads --config, applies explicitly set flags and starts logging
func loadConfig(cmd *cobra.Command, args []string) error {
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("failed to load config %s: %w", configPath, err)
		}
		cfg = loaded
	}

	flags := cmd.Flags()
	applyEndpointFlags(flags, "", &cfg.Source)
	applyEndpointFlags(flags, "sink-", &cfg.Sink)
	if flags.Changed("log-level") {
		cfg.Log.Level = logLevel
	}

	if err := cfg.Validate(); err != nil {
		return err
	}
	return logging.Initialize(cfg.Log.Level)
}

// applyEndpointFlags overrides e with the prefixed flags the user set.
// Setting a port clears a configured URL and the other way round.
func applyEndpointFlags(flags *pflag.FlagSet, prefix string, e *config.Endpoint) {
	if flags.Changed(prefix + "port") {
		e.Port, _ = flags.GetString(prefix + "port")
		e.URL = ""
	}
	if flags.Changed(prefix + "baud") {
		e.Baud, _ = flags.GetInt(prefix + "baud")
	}
	if flags.Changed(prefix + "url") {
		e.URL, _ = flags.GetString(prefix + "url")
		e.Port = ""
	}
	if flags.Changed(prefix + "username") {
		e.Username, _ = flags.GetString(prefix + "username")
	}
	if flags.Changed(prefix + "no-ssl-verify") {
		e.NoSSLVerify, _ = flags.GetBool(prefix + "no-ssl-verify")
	}
}

// Execute runs the root command
func Execute() error {
	defer logging.Sync()
	return rootCmd.Execute()
}
