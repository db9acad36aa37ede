// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/Thermoquad/manikinos/pkg/bus"
	"github.com/Thermoquad/manikinos/pkg/busproto"
)

var (
	showAll       bool
	statsInterval int
	useTUI        bool
)

var errorDetectionCmd = &cobra.Command{
	Use:   "error_detection",
	Short: "Detect and analyze malformed frames and protocol errors",
	Long: `Track frame errors, malformed payloads and protocol anomalies with statistics.

This command validates each frame and detects:
  - CRC errors and decode failures
  - Missing payload fields and unknown message types
  - Module indexes out of range and invalid schedule geometry
  - Statistics and trends (frame rate, error rate, success rate)

By default, only errors are displayed. Use --show-all to display valid frames too.
Heartbeats flagged fail-safe and fault reports are always shown.`,
	RunE: runErrorDetection,
}

func init() {
	rootCmd.AddCommand(errorDetectionCmd)
	errorDetectionCmd.Flags().BoolVar(&showAll, "show-all", false, "Show all frames (not just errors)")
	errorDetectionCmd.Flags().IntVar(&statsInterval, "stats-interval", 10, "Statistics update interval (seconds)")
	errorDetectionCmd.Flags().BoolVar(&useTUI, "tui", true, "Use terminal UI (false for text mode)")
}

func runErrorDetection(cmd *cobra.Command, args []string) error {
	if statsInterval <= 0 {
		return fmt.Errorf("--stats-interval must be positive")
	}
	port, connInfo, err := openPort(busproto.AddressBroadcast, true, nil)
	if err != nil {
		return err
	}
	defer port.Close()

	if useTUI {
		return runTUIMode(port, connInfo)
	}
	return runTextMode(port, connInfo)
}

// syncTracker ignores decode errors until the first valid frame
type syncTracker struct {
	synchronized bool
	skipped      int
}

// observe returns true once the stream is in sync and the frame counts
func (s *syncTracker) observe(f bus.Frame) (counted, justSynced bool) {
	if f.Err != nil {
		if !s.synchronized {
			s.skipped += len(f.Raw)
			return false, false
		}
		return true, false
	}
	if !s.synchronized {
		s.synchronized = true
		return true, true
	}
	return true, false
}

// printDecodeError prints a decode error in highlighted format
func printDecodeError(err error) {
	timestamp := time.Now().Format("15:04:05.000")
	fmt.Printf("[%s] \033[1;31mDECODE ERROR:\033[0m %v\n", timestamp, err)
	fmt.Printf("  >>> DECODE FAILED <<<\n\n")
}

// printValidationErrors prints validation errors for a frame
func printValidationErrors(packet *busproto.Packet, errors []busproto.ValidationError) {
	timestamp := packet.Timestamp().Format("15:04:05.000")
	msgType := busproto.FormatMessageType(packet.Type())

	fmt.Printf("[%s] \033[1;33mVALIDATION ERROR:\033[0m %s (0x%02X) src=0x%02X\n",
		timestamp, msgType, packet.Type(), packet.Source())
	fmt.Printf("  CRC: \033[1;32mOK\033[0m\n")

	for i, err := range errors {
		switch err.Type {
		case busproto.AnomalyParseError, busproto.AnomalyUnknownType:
			fmt.Printf("  Issue %d: \033[1;31m%s\033[0m\n", i+1, err.Message)
		case busproto.AnomalyInvalidGeometry:
			fmt.Printf("  Issue %d: \033[1;31m%s\033[0m\n", i+1, err.Message)
			if slot, ok := err.Details["slot_ms"].(uint64); ok {
				fmt.Printf("    slot=%d ms rows=%v columns=%v\n", slot, err.Details["rows"], err.Details["columns"])
			}
		default:
			fmt.Printf("  Issue %d: \033[1;33m%s\033[0m\n", i+1, err.Message)
		}
	}

	fmt.Printf("  >>> FRAME REJECTED <<<\n\n")
}

// printNotable prints heartbeats in fail-safe and fault reports
func printNotable(packet *busproto.Packet) bool {
	timestamp := packet.Timestamp().Format("15:04:05.000")
	switch packet.Type() {
	case busproto.MsgHeartbeat:
		hb, err := busproto.ParseHeartbeat(packet)
		if err != nil || !hb.FailSafe {
			return false
		}
		fmt.Printf("[%s] \033[1;31mFAIL-SAFE:\033[0m module %d (0x%02X) heartbeat seq=%d\n\n",
			timestamp, hb.Index, packet.Source(), hb.Seq)
		return true
	case busproto.MsgFaultReport:
		r, err := busproto.ParseFaultReport(packet)
		if err != nil {
			return false
		}
		fmt.Printf("[%s] \033[1;31mFAULT_REPORT:\033[0m module %d kind=%d slot=%d\n\n",
			timestamp, r.Index, r.Kind, r.Slot)
		return true
	case busproto.MsgPingResponse:
		uptime, err := busproto.ParsePingResponse(packet)
		if err != nil {
			return false
		}
		fmt.Printf("[%s] \033[1;32mPING_RESPONSE:\033[0m 0x%02X uptime: %s\n\n",
			timestamp, packet.Source(), formatUptime(uptime))
		return true
	}
	return false
}

// runTUIMode runs error detection in TUI mode
func runTUIMode(port *bus.StreamPort, connInfo string) error {
	p := tea.NewProgram(initialModel(connInfo, statsInterval, showAll))

	go func() {
		var sync syncTracker
		for frame := range port.Frames() {
			counted, justSynced := sync.observe(frame)
			if justSynced {
				p.Send(syncMsg{invalidBytes: sync.skipped})
			}
			if !counted {
				continue
			}
			msg := serialDataMsg{packet: frame.Packet, decodeErr: frame.Err}
			if frame.Packet != nil {
				msg.validationErrors = busproto.ValidatePacket(frame.Packet)
			}
			p.Send(msg)
		}
		p.Send(closedMsg{err: port.Err()})
	}()

	if _, err := p.Run(); err != nil {
		return fmt.Errorf("TUI error: %v", err)
	}
	return nil
}

// runTextMode runs error detection in plain text mode
func runTextMode(port *bus.StreamPort, connInfo string) error {
	fmt.Printf("ManikinOS - Error Detection Mode\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Statistics interval: %d seconds\n", statsInterval)
	if showAll {
		fmt.Printf("Mode: All frames\n")
	} else {
		fmt.Printf("Mode: Errors only\n")
	}
	fmt.Printf("Press Ctrl+C to exit\n\n")

	stats := busproto.NewStatistics()
	var sync syncTracker

	statsTicker := time.NewTicker(time.Duration(statsInterval) * time.Second)
	defer statsTicker.Stop()

	frames := port.Frames()
	for {
		select {
		case frame, ok := <-frames:
			if !ok {
				fmt.Println()
				fmt.Print(stats.String())
				return port.Err()
			}
			counted, justSynced := sync.observe(frame)
			if justSynced {
				if sync.skipped > 0 {
					fmt.Printf("[SYNC] Synchronized after skipping %d invalid bytes\n\n", sync.skipped)
				} else {
					fmt.Printf("[SYNC] Synchronized\n\n")
				}
			}
			if !counted {
				continue
			}

			if frame.Err != nil {
				stats.Update(nil, frame.Err, nil)
				printDecodeError(frame.Err)
				continue
			}

			validationErrors := busproto.ValidatePacket(frame.Packet)
			stats.Update(frame.Packet, nil, validationErrors)

			if len(validationErrors) > 0 {
				printValidationErrors(frame.Packet, validationErrors)
			} else if !printNotable(frame.Packet) && showAll {
				fmt.Print(busproto.FormatPacket(frame.Packet))
			}

		case <-statsTicker.C:
			fmt.Println()
			fmt.Print(stats.String())
			fmt.Println()
		}
	}
}
