// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package bms

import "strings"

// Status is the BMS status byte. Its flags are independent of each other.
type Status uint8

// IsCharging reports whether the pack is being charged
func (s Status) IsCharging() bool {
	return s&StatusCharging != 0
}

// IsBatteryEmpty reports whether the pack hit its low voltage cutoff
func (s Status) IsBatteryEmpty() bool {
	return s&StatusBatteryEmpty != 0
}

// IsBatteryTempOutOfRange reports either temperature fault. The BMS raises
// one bit for too hot and another for too cold; both mean the same to the
// controller.
func (s Status) IsBatteryTempOutOfRange() bool {
	return s&statusTempMask != 0
}

// IsBatteryOvercharged reports whether the pack is above its charge limit
func (s Status) IsBatteryOvercharged() bool {
	return s&StatusBatteryOvercharge != 0
}

// String lists the set flags, or "OK" when none are set.
func (s Status) String() string {
	var flags []string
	if s.IsCharging() {
		flags = append(flags, "CHARGING")
	}
	if s.IsBatteryEmpty() {
		flags = append(flags, "EMPTY")
	}
	if s.IsBatteryTempOutOfRange() {
		flags = append(flags, "TEMP_OUT_OF_RANGE")
	}
	if s.IsBatteryOvercharged() {
		flags = append(flags, "OVERCHARGED")
	}
	if len(flags) == 0 {
		return "OK"
	}
	return strings.Join(flags, "|")
}

// StatusFromPacket extracts the status byte from a STATUS packet.
func StatusFromPacket(p *Packet) (Status, bool) {
	if p.Type() != TypeStatus {
		return 0, false
	}
	payload := p.Payload()
	if len(payload) == 0 {
		return 0, false
	}
	return Status(payload[0]), true
}
