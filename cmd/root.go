// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/manikinos/pkg/config"
	"github.com/Thermoquad/manikinos/pkg/diag"
)

var (
	// Serial connection flags
	portName string
	baudRate int

	// WebSocket connection flags
	wsURL         string
	wsUsername    string
	wsNoSSLVerify bool

	// Fleet flags
	configPath string
	moduleName string
	verbose    string
)

var rootCmd = &cobra.Command{
	Use:   "manikinos",
	Short: "ManikinOS time-slot scheduler",
	Long: `ManikinOS - A cooperative time-slot scheduler for a fleet of medical
training manikin controllers.

Every module runs a fixed table of task slots. The master module gathers
the fleet, distributes the global time and starts all schedules together.
Slot admission, heartbeats and checkpoint recovery keep each module inside
its timing contract.

Connection modes (run, ping, raw_log, error_detection):
  Serial:    --port /dev/ttyUSB0 [--baud 115200]
  WebSocket: --url ws://host/path [--username user]

For WebSocket authentication, the password is read from the MANIKIN_PASSWORD
environment variable, or prompted interactively if not set. The --password
flag is intentionally not provided to avoid leaking credentials in shell history.`,
	Version:      "1.0.0",
	SilenceUsage: true,
}

func init() {
	// Serial connection flags
	rootCmd.PersistentFlags().StringVarP(&portName, "port", "p", "", "Serial port device")
	rootCmd.PersistentFlags().IntVarP(&baudRate, "baud", "b", 115200, "Baud rate (serial only)")

	// WebSocket connection flags
	rootCmd.PersistentFlags().StringVarP(&wsURL, "url", "u", "", "WebSocket URL (ws:// or wss://)")
	rootCmd.PersistentFlags().StringVar(&wsUsername, "username", "", "Username for HTTP Basic auth")
	rootCmd.PersistentFlags().BoolVar(&wsNoSSLVerify, "no-ssl-verify", false, "Skip TLS certificate verification (wss:// only)")

	// Fleet flags
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "configs/manikin.yaml", "Fleet configuration file")
	rootCmd.PersistentFlags().StringVarP(&moduleName, "module", "m", "", "Module name tag")
	rootCmd.PersistentFlags().StringVarP(&verbose, "verbose", "v", "", "Extra diagnostic channels (debug,job,monitor,time,slots,all)")
}

// loadConfig reads the fleet configuration and applies --verbose
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if verbose != "" {
		v, err := diag.ParseChannels(cfg.Verbosity, verbose)
		if err != nil {
			return nil, err
		}
		cfg.Verbosity = v
	}
	return cfg, nil
}

// selectedModule returns the module named by --module
func selectedModule(cfg *config.Config) (*config.ModuleConfig, error) {
	if moduleName == "" {
		return nil, fmt.Errorf("--module is required")
	}
	mc, ok := cfg.Module(moduleName)
	if !ok {
		return nil, fmt.Errorf("unknown module %q", moduleName)
	}
	return mc, nil
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}
