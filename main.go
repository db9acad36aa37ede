// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad
//
// ManikinOS - Time-slot scheduler for manikin controller fleets
//
// Runs one module against a serial or WebSocket bus, or a whole fleet on
// an in-process bus, and inspects bus traffic.

package main

import (
	"os"

	"github.com/Thermoquad/manikinos/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
