// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/manikinos/pkg/busproto"
)

var packetTestTimeout int

var packetTestCmd = &cobra.Command{
	Use:   "packet_test",
	Short: "Test connection by waiting for a valid bus frame",
	Long: `Wait for a valid bus frame on the connection until timeout.

Invalid bytes are skipped until a complete frame passes the CRC check and
carries a well-formed payload.

Exit codes:
  0 - Frame received before timeout
  1 - Timeout reached without receiving a valid frame
  2 - Connection error

Useful for testing connectivity to a module or the WebSocket relay.`,
	RunE: runPacketTest,
}

func init() {
	rootCmd.AddCommand(packetTestCmd)
	packetTestCmd.Flags().IntVar(&packetTestTimeout, "timeout", 10, "Timeout in seconds to wait for a frame")
}

func runPacketTest(cmd *cobra.Command, args []string) error {
	port, connInfo, err := openPort(busproto.AddressBroadcast, true, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}
	defer port.Close()

	fmt.Printf("ManikinOS - Packet Test\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Timeout: %d seconds\n", packetTestTimeout)
	fmt.Printf("Waiting for valid frame...\n\n")

	timeout := time.After(time.Duration(packetTestTimeout) * time.Second)
	invalid := 0
	for {
		select {
		case frame, ok := <-port.Frames():
			if !ok {
				fmt.Fprintf(os.Stderr, "Read error: %v\n", port.Err())
				os.Exit(2)
			}
			if frame.Err != nil || len(busproto.ValidatePacket(frame.Packet)) > 0 {
				invalid++
				continue
			}
			if invalid > 0 {
				fmt.Printf("(skipped %d invalid frames before sync)\n", invalid)
			}
			p := frame.Packet
			fmt.Printf("SUCCESS: Received valid frame\n")
			fmt.Printf("  Type: %s (0x%02X)\n", busproto.FormatMessageType(p.Type()), p.Type())
			fmt.Printf("  Source: 0x%02X\n", p.Source())
			fmt.Printf("  Destination: 0x%02X\n", p.Destination())
			fmt.Printf("  Length: %d bytes\n", p.Length())
			fmt.Printf("  CRC: 0x%04X\n", p.CRC())
			return nil

		case <-timeout:
			fmt.Fprintf(os.Stderr, "TIMEOUT: No valid frame received within %d seconds\n", packetTestTimeout)
			os.Exit(1)
		}
	}
}
