// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad
//
// bmsrelay - Transparent BMS Serial Protocol Relay
//
// Sits inline between a battery management system and a motor controller,
// forwarding the BMS stream and replaying stale packets.

package main

import (
	"os"

	"github.com/Thermoquad/bmsrelay/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
