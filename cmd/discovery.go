// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/manikinos/pkg/busproto"
)

var discoveryTimeout int

var discoveryCmd = &cobra.Command{
	Use:   "discovery",
	Short: "Discover modules on the bus",
	Long: `Broadcast PING_REQUEST and list every module that answers or is heard.

Modules answer the broadcast ping with their uptime. Modules that are busy
starting up are still found through their SYNC_INVITE, JOIN_REQUEST or
HEARTBEAT traffic while discovery listens.

Exit codes:
  0 - Discovery successful (at least one module found)
  1 - Discovery failed (no modules or timeout)
  2 - Connection error`,
	RunE: runDiscovery,
}

func init() {
	rootCmd.AddCommand(discoveryCmd)
	discoveryCmd.Flags().IntVar(&discoveryTimeout, "timeout", 3, "Listening time in seconds")
}

// discoveredModule is what discovery learned about one bus address
type discoveredModule struct {
	address  uint8
	index    uint8
	uptime   uint64
	answered bool
	failSafe bool
	seenAs   string
}

func runDiscovery(cmd *cobra.Command, args []string) error {
	port, connInfo, err := openPort(busproto.AddressTool, true, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}
	defer port.Close()

	fmt.Printf("ManikinOS - Module Discovery\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Timeout: %d seconds\n\n", discoveryTimeout)

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(discoveryTimeout)*time.Second)
	defer cancel()

	fmt.Printf("Sending PING_REQUEST (broadcast)...\n")
	if err := port.Send(ctx, busproto.NewPingRequest(busproto.AddressBroadcast, busproto.AddressTool)); err != nil {
		fmt.Printf("SEND FAILED: %v\n", err)
		os.Exit(2)
	}

	modules := make(map[uint8]*discoveredModule)
	found := func(p *busproto.Packet) *discoveredModule {
		m, ok := modules[p.Source()]
		if !ok {
			m = &discoveredModule{address: p.Source(), seenAs: busproto.FormatMessageType(p.Type())}
			modules[p.Source()] = m
			fmt.Printf("  found 0x%02X (%s)\n", m.address, m.seenAs)
		}
		return m
	}

listen:
	for {
		select {
		case <-ctx.Done():
			break listen
		case frame, ok := <-port.Frames():
			if !ok {
				if err := port.Err(); err != nil {
					fmt.Printf("READ FAILED: %v\n", err)
					os.Exit(2)
				}
				break listen
			}
			p := frame.Packet
			if frame.Err != nil || p.Source() == busproto.AddressTool || p.Source() == busproto.AddressBroadcast {
				continue
			}
			switch p.Type() {
			case busproto.MsgPingResponse:
				if uptime, err := busproto.ParsePingResponse(p); err == nil {
					m := found(p)
					m.uptime, m.answered = uptime, true
				}
			case busproto.MsgHeartbeat:
				if hb, err := busproto.ParseHeartbeat(p); err == nil {
					m := found(p)
					m.index, m.failSafe = hb.Index, hb.FailSafe
				}
			case busproto.MsgJoinRequest:
				if req, err := busproto.ParseJoinRequest(p); err == nil {
					found(p).index = req.Index
				}
			case busproto.MsgSyncInvite:
				found(p)
			}
		}
	}

	addrs := make([]int, 0, len(modules))
	for addr := range modules {
		addrs = append(addrs, int(addr))
	}
	sort.Ints(addrs)

	fmt.Printf("\n--- Discovery summary ---\n")
	fmt.Printf("Modules found: %d\n", len(modules))
	for _, addr := range addrs {
		m := modules[uint8(addr)]
		line := fmt.Sprintf("  0x%02X", m.address)
		if m.index != 0 {
			line += fmt.Sprintf(" index %d", m.index)
		}
		if m.answered {
			line += ", uptime " + formatUptime(m.uptime)
		} else {
			line += ", no ping answer"
		}
		if m.failSafe {
			line += ", FAIL-SAFE"
		}
		fmt.Println(line)
	}

	if len(modules) == 0 {
		fmt.Printf("No modules discovered. Check connection and module power.\n")
		os.Exit(1)
	}
	return nil
}
