// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package bms

import (
	"fmt"
	"strings"
	"time"
)

// FormatPacket formats a packet into a human-readable string
func FormatPacket(p *Packet, at time.Time) string {
	timestamp := at.Format("15:04:05.000")
	msgType := FormatMessageType(p.Type())

	crc := "OK"
	if !p.ChecksumValid() {
		crc = "BAD"
	}

	result := fmt.Sprintf("[%s] %s (0x%02X) len=%d crc=0x%04X %s\n",
		timestamp, msgType, p.Type(), p.Len(), p.Checksum(), crc)

	if status, ok := StatusFromPacket(p); ok {
		result += fmt.Sprintf("  Status: %s (0x%02X)\n", status, uint8(status))
		return result
	}

	return result + FormatHex("  Payload: ", p.Payload())
}

// FormatMessageType returns the human-readable name for a packet type
func FormatMessageType(msgType uint8) string {
	switch msgType {
	case TypeStatus:
		return "STATUS"
	case TypeCellVoltages:
		return "CELL_VOLTAGES"
	case TypeTemperatures:
		return "TEMPERATURES"
	case TypeStateOfCharge:
		return "STATE_OF_CHARGE"
	case TypeCurrent:
		return "CURRENT"
	case TypeTotalVoltage:
		return "TOTAL_VOLTAGE"
	case TypeCellBalance:
		return "CELL_BALANCE"
	case TypeFaults:
		return "FAULTS"
	case TypeSerialNumber:
		return "SERIAL_NUMBER"
	case TypeChargeCycles:
		return "CHARGE_CYCLES"
	case TypeTemperatureExtremes:
		return "TEMPERATURE_EXTREMES"
	case TypeRegenLimit:
		return "REGEN_LIMIT"
	case TypeFirmwareRevision:
		return "FIRMWARE_REVISION"
	case TypeLifetimeCharge:
		return "LIFETIME_CHARGE"
	default:
		return "UNKNOWN"
	}
}

// FormatHex renders data as rows of 16 hex bytes, the first row prefixed by label.
func FormatHex(label string, data []byte) string {
	if len(data) == 0 {
		return label + "(empty)\n"
	}

	var s strings.Builder
	s.WriteString(label)
	indent := strings.Repeat(" ", len(label))
	for i, b := range data {
		if i > 0 && i%16 == 0 {
			s.WriteString("\n")
			s.WriteString(indent)
		}
		fmt.Fprintf(&s, "%02X ", b)
	}
	s.WriteString("\n")
	return s.String()
}
