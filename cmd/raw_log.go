// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"log"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/manikinos/pkg/bus"
	"github.com/Thermoquad/manikinos/pkg/busproto"
)

var (
	rawLogTypes []string
	rawLogHex   bool
)

var rawLogCmd = &cobra.Command{
	Use:   "raw_log",
	Short: "Display raw bus traffic in human-readable format",
	Long: `Decode and print every bus frame as it arrives.

Frames are printed with timestamp, message type, addresses and the decoded
CBOR payload. --type limits output to the named message types, for example
--type HEARTBEAT,FAULT_REPORT. Decode errors are always printed.`,
	RunE: runRawLog,
}

func init() {
	rootCmd.AddCommand(rawLogCmd)
	rawLogCmd.Flags().StringSliceVar(&rawLogTypes, "type", nil, "Only show these message types")
	rawLogCmd.Flags().BoolVar(&rawLogHex, "hex", false, "Also dump the wire bytes of each frame")
}

// parseMessageTypes maps message type names to their codes
func parseMessageTypes(names []string) (map[uint8]bool, error) {
	if len(names) == 0 {
		return nil, nil
	}
	byName := make(map[string]uint8)
	for t := 0; t < 256; t++ {
		if name := busproto.FormatMessageType(uint8(t)); name != "UNKNOWN" {
			byName[name] = uint8(t)
		}
	}
	want := make(map[uint8]bool, len(names))
	for _, name := range names {
		t, ok := byName[strings.ToUpper(strings.TrimSpace(name))]
		if !ok {
			return nil, fmt.Errorf("unknown message type %q", name)
		}
		want[t] = true
	}
	return want, nil
}

func runRawLog(cmd *cobra.Command, args []string) error {
	only, err := parseMessageTypes(rawLogTypes)
	if err != nil {
		return err
	}
	port, connInfo, err := openPort(busproto.AddressBroadcast, true, nil)
	if err != nil {
		return err
	}
	defer port.Close()

	fmt.Printf("ManikinOS - Raw Bus Log\nConnection: %s\nPress Ctrl+C to exit\n\n", connInfo)

	for frame := range port.Frames() {
		printRawFrame(frame, only)
	}
	if err := port.Err(); err != nil {
		log.Printf("Read error: %v", err)
		return err
	}
	log.Printf("Connection closed")
	return nil
}

func printRawFrame(frame bus.Frame, only map[uint8]bool) {
	switch {
	case frame.Err != nil:
		fmt.Printf("[ERROR] %v\n", frame.Err)
	case only != nil && !only[frame.Packet.Type()]:
		return
	default:
		fmt.Print(busproto.FormatPacket(frame.Packet))
	}
	if rawLogHex && len(frame.Raw) > 0 {
		fmt.Printf("  wire: % X\n", frame.Raw)
	}
}
