// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/manikinos/pkg/bus"
	"github.com/Thermoquad/manikinos/pkg/busproto"
)

var (
	pingTimeout int
	pingCount   int
	pingAddress uint8
)

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Send PING_REQUEST to a module and wait for PING_RESPONSE",
	Long: `Send PING_REQUEST frames to a module and wait for PING_RESPONSE.

The target is the module named by --module (resolved through --config), or
the raw bus address given by --address. The module answers from its event
loop with its uptime, so a reply also shows the scheduler is alive.

Exit codes:
  0 - All pings successful
  1 - One or more pings failed/timed out
  2 - Connection error`,
	RunE: runPing,
}

func init() {
	rootCmd.AddCommand(pingCmd)
	pingCmd.Flags().IntVar(&pingTimeout, "timeout", 5, "Timeout in seconds for each ping")
	pingCmd.Flags().IntVar(&pingCount, "count", 3, "Number of pings to send")
	pingCmd.Flags().Uint8Var(&pingAddress, "address", 0, "Target bus address (overrides --module)")
}

// pingTarget resolves the destination address
func pingTarget() (uint8, string, error) {
	if pingAddress != 0 {
		return pingAddress, fmt.Sprintf("0x%02X", pingAddress), nil
	}
	cfg, err := loadConfig()
	if err != nil {
		return 0, "", err
	}
	mc, err := selectedModule(cfg)
	if err != nil {
		return 0, "", fmt.Errorf("%w (or give --address)", err)
	}
	return mc.Address, fmt.Sprintf("module %s (0x%02X)", mc.Name, mc.Address), nil
}

func runPing(cmd *cobra.Command, args []string) error {
	if pingCount <= 0 {
		return fmt.Errorf("--count must be positive")
	}
	target, targetInfo, err := pingTarget()
	if err != nil {
		return err
	}

	port, connInfo, err := openPort(busproto.AddressTool, false, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}
	defer port.Close()

	fmt.Printf("ManikinOS - Ping\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Target: %s\n", targetInfo)
	fmt.Printf("Timeout: %d seconds per ping\n", pingTimeout)
	fmt.Printf("Count: %d pings\n\n", pingCount)

	successCount := 0
	failCount := 0
	timeout := time.Duration(pingTimeout) * time.Second

	for i := 1; i <= pingCount; i++ {
		fmt.Printf("Ping %d/%d: ", i, pingCount)

		startTime := time.Now()
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		err := port.Send(ctx, busproto.NewPingRequest(target, busproto.AddressTool))
		if err != nil {
			cancel()
			fmt.Printf("SEND FAILED: %v\n", err)
			failCount++
			continue
		}

		uptime, err := awaitPong(ctx, port, target)
		cancel()
		switch {
		case err == nil:
			rtt := time.Since(startTime)
			fmt.Printf("PONG from 0x%02X, uptime=%s, rtt=%v\n", target, formatUptime(uptime), rtt.Round(time.Millisecond))
			successCount++
		case err == context.DeadlineExceeded:
			fmt.Printf("TIMEOUT (no response in %ds)\n", pingTimeout)
			failCount++
		default:
			fmt.Printf("READ FAILED: %v\n", err)
			failCount++
		}

		if i < pingCount {
			time.Sleep(100 * time.Millisecond)
		}
	}

	fmt.Printf("\n--- Ping statistics ---\n")
	fmt.Printf("%d pings sent, %d responses received, %.0f%% packet loss\n",
		pingCount, successCount, float64(failCount)/float64(pingCount)*100)

	if failCount > 0 {
		os.Exit(1)
	}
	return nil
}

// awaitPong waits for a PING_RESPONSE from target, ignoring other traffic
func awaitPong(ctx context.Context, port *bus.StreamPort, target uint8) (uint64, error) {
	for {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case frame, ok := <-port.Frames():
			if !ok {
				if err := port.Err(); err != nil {
					return 0, err
				}
				return 0, ErrConnectionClosed
			}
			if frame.Err != nil || frame.Packet.Type() != busproto.MsgPingResponse || frame.Packet.Source() != target {
				continue
			}
			return busproto.ParsePingResponse(frame.Packet)
		}
	}
}
