// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/manikinos/pkg/node"
)

var runSpeed float64

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one module of the fleet on a serial or WebSocket bus",
	Long: `Run the scheduler of one module against a real bus.

The module identity and its time-slot table come from --config and --module.
The master module invites the others, starts the schedule and distributes
the global time. Any other module joins when invited.

Diagnostics go to stdout. Use --verbose to enable more channels.`,
	Example: `  manikinos run --module m --port /dev/ttyUSB0
  manikinos run --module c --url ws://localhost:8080/bus -v job,time`,
	RunE: runModule,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().Float64Var(&runSpeed, "speed", 1, "Clock speed factor (test benches only)")
}

func runModule(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if _, err := selectedModule(cfg); err != nil {
		return err
	}

	sc, err := node.NewSchedulerContext(cfg, moduleName)
	if err != nil {
		return err
	}

	port, connInfo, err := openPort(sc.Self.Address, false, sc.Guards.Bus)
	if err != nil {
		return err
	}
	defer port.Close()

	n, err := node.New(sc, port, node.Options{
		Output: os.Stdout,
		Speed:  runSpeed,
	})
	if err != nil {
		return err
	}

	role := "peripheral"
	if sc.IsMaster() {
		role = "master"
	}
	fmt.Printf("ManikinOS - Module %s (%s)\n", moduleName, role)
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Address: 0x%02X, %d slots of %d ms\n", sc.Self.Address, sc.Table.Len(), sc.SlotMs())
	fmt.Printf("Press Ctrl+C to exit\n\n")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := n.Run(ctx); err != nil {
		if perr := port.Err(); perr != nil {
			return fmt.Errorf("%w: %v", err, perr)
		}
		return err
	}
	return nil
}
