// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/manikinos/pkg/config"
	"github.com/Thermoquad/manikinos/pkg/node"
	"github.com/Thermoquad/manikinos/pkg/task"
)

var scheduleDump bool

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Validate the fleet configuration and print the time-slot tables",
	Long: `Load and validate --config, then print each module's time-slot table
with the derived timing: schedule duration, slot share per task and tasks
whose nominal work does not fit their slot.

Use --module to print a single module, or --dump to print the normalized
configuration as YAML.`,
	RunE: runSchedule,
}

func init() {
	rootCmd.AddCommand(scheduleCmd)
	scheduleCmd.Flags().BoolVar(&scheduleDump, "dump", false, "Print the normalized configuration as YAML")
}

func runSchedule(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if scheduleDump {
		data, err := config.Marshal(cfg)
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(data)
		return err
	}

	s := cfg.Schedule
	fmt.Printf("ManikinOS - Schedule\n")
	fmt.Printf("Config: %s\n", configPath)
	fmt.Printf("Geometry: %d rows x %d columns, %d ms slots, %d ms per cycle\n",
		s.Rows, s.Columns, s.SlotDurationMs, s.ScheduleDurationMs())
	fmt.Printf("Master: %s\n\n", cfg.Master)

	modules := cfg.Modules
	if moduleName != "" {
		mc, err := selectedModule(cfg)
		if err != nil {
			return err
		}
		modules = []config.ModuleConfig{*mc}
	}

	for _, mc := range modules {
		sc, err := node.NewSchedulerContext(cfg, mc.Name)
		if err != nil {
			return err
		}
		fmt.Printf("Module %s (address 0x%02X, index %d)\n", mc.Name, mc.Address, mc.Index)
		fmt.Print(sc.Table.Format(sc.Arena))
		printTaskTiming(sc)
		fmt.Println()
	}
	return nil
}

// printTaskTiming prints the slot share of every task in the table
func printTaskTiming(sc *node.SchedulerContext) {
	slotMs := sc.SlotMs()
	cycleMs := sc.Geometry.ScheduleDurationMs()
	for _, d := range sc.Arena.All() {
		slots := sc.Table.Occurrences(d.ID)
		if slots == 0 {
			if d.Kind != task.Periodic {
				fmt.Printf("  %-22s %-9s triggered\n", d.Name, d.Kind)
			}
			continue
		}
		share := float64(uint64(slots)*slotMs) * 100 / float64(cycleMs)
		line := fmt.Sprintf("  %-22s %-9s %2d slots, %5.1f%% of cycle", d.Name, d.Kind, slots, share)
		if d.WorkMs > 0 {
			line += fmt.Sprintf(", work %d ms", d.WorkMs)
			if uint64(d.WorkMs) > slotMs {
				line += " \033[1;31m(exceeds slot)\033[0m"
			}
		}
		fmt.Println(line)
	}
}
