// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Thermoquad/manikinos/pkg/node"
)

var (
	simOverrun   []string
	simDrop      []string
	simDropAfter time.Duration
	simDropFor   time.Duration
	simSpeed     float64
	simInterval  time.Duration
	simTUI       bool
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run the whole fleet on an in-process bus",
	Long: `Run every module of --config concurrently on a loopback bus.

Faults can be injected to watch detection and recovery:
  --overrun c:compute_result   the task never yields its slot
  --drop u                     module u is cut from the bus after --drop-after

Text mode prints module diagnostics and a status line per module every
--interval. The TUI shows a live table of every module instead.`,
	Example: `  manikinos simulate --speed 4
  manikinos simulate --overrun c:compute_result -v job
  manikinos simulate --drop u --drop-after 5s --drop-for 10s --tui`,
	RunE: runSimulate,
}

func init() {
	rootCmd.AddCommand(simulateCmd)
	simulateCmd.Flags().StringSliceVar(&simOverrun, "overrun", nil, "Inject a slot overrun (module:task, repeatable)")
	simulateCmd.Flags().StringSliceVar(&simDrop, "drop", nil, "Cut a module from the bus (repeatable)")
	simulateCmd.Flags().DurationVar(&simDropAfter, "drop-after", 5*time.Second, "Delay before --drop takes effect")
	simulateCmd.Flags().DurationVar(&simDropFor, "drop-for", 0, "Reconnect dropped modules after this long (0 never)")
	simulateCmd.Flags().Float64Var(&simSpeed, "speed", 1, "Clock speed factor")
	simulateCmd.Flags().DurationVar(&simInterval, "interval", 2*time.Second, "Status interval (text mode)")
	simulateCmd.Flags().BoolVar(&simTUI, "tui", false, "Use terminal UI")
}

func runSimulate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if simInterval <= 0 {
		return fmt.Errorf("--interval must be positive")
	}
	for _, name := range simDrop {
		if _, ok := cfg.Module(name); !ok {
			return fmt.Errorf("--drop: unknown module %q", name)
		}
	}

	var out io.Writer = os.Stdout
	var logs *lineBuffer
	if simTUI {
		logs = newLineBuffer(200)
		out = logs
	}

	fleet, err := node.NewFleet(cfg, node.FleetOptions{
		Output:  out,
		Speed:   simSpeed,
		Overrun: simOverrun,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return fleet.Run(gctx) })
	g.Go(func() error { return scheduleDrops(gctx, fleet) })

	if simTUI {
		g.Go(func() error {
			defer cancel()
			p := tea.NewProgram(newSimModel(gctx, fleet, logs, configPath), tea.WithAltScreen())
			if _, err := p.Run(); err != nil {
				return fmt.Errorf("TUI error: %v", err)
			}
			return nil
		})
	} else {
		fmt.Printf("ManikinOS - Fleet Simulation\n")
		fmt.Printf("Config: %s, %d modules, speed x%g\n", configPath, len(fleet.Nodes()), simSpeed)
		fmt.Printf("Press Ctrl+C to exit\n\n")
		g.Go(func() error { return printStatuses(gctx, fleet) })
	}

	return g.Wait()
}

// scheduleDrops applies --drop after --drop-after, and undoes it after
// --drop-for when set
func scheduleDrops(ctx context.Context, fleet *node.Fleet) error {
	if len(simDrop) == 0 {
		return nil
	}
	if !sleepCtx(ctx, simDropAfter) {
		return nil
	}
	for _, name := range simDrop {
		if err := fleet.Drop(name, true); err != nil {
			return err
		}
	}
	if simDropFor <= 0 || !sleepCtx(ctx, simDropFor) {
		return nil
	}
	for _, name := range simDrop {
		if err := fleet.Drop(name, false); err != nil {
			return err
		}
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// printStatuses prints one line per module every --interval
func printStatuses(ctx context.Context, fleet *node.Fleet) error {
	t := time.NewTicker(simInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
		qctx, cancel := context.WithTimeout(ctx, time.Second)
		sts, err := fleet.Statuses(qctx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			fmt.Printf("[STATUS] unavailable: %v\n", err)
			continue
		}
		fmt.Println()
		for _, st := range sts {
			fmt.Println(formatStatusLine(st, fleet.Bus.IsCut(fleet.AddressOf(st.Module))))
		}
		fmt.Println()
	}
}

// formatStatusLine summarizes one module in a line
func formatStatusLine(st node.Status, cut bool) string {
	var sb strings.Builder
	role := " "
	if st.Master {
		role = "*"
	}
	sb.WriteString(fmt.Sprintf("[%c%s] %-16s %s", st.Module, role, st.State, st.Time))
	sb.WriteString(fmt.Sprintf(" slot %d/%d %s", st.Cursor.Index, len(st.Table), st.Current))
	sb.WriteString(fmt.Sprintf(" cycle=%d ckpt=%d", st.Cursor.Cycle, st.Checkpoints))
	if st.FailSafe {
		sb.WriteString(" \033[1;31mFAIL-SAFE\033[0m")
		if st.Cause != nil {
			sb.WriteString(" (" + st.Cause.Kind.String() + ")")
		}
	} else if st.Recoveries > 0 {
		sb.WriteString(fmt.Sprintf(" recoveries=%d", st.Recoveries))
	}
	if cut {
		sb.WriteString(" \033[1;33mDROPPED\033[0m")
	}
	for _, p := range st.Peers {
		if p.Missing {
			sb.WriteString(fmt.Sprintf(" \033[1;33mmissing:%d\033[0m", p.Index))
		}
	}
	return sb.String()
}
