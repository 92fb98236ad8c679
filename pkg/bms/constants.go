// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package bms describes the serial protocol spoken by the battery management
// system to the motor controller.
//
// Every frame starts with a fixed three byte preamble followed by a type byte.
// The type alone determines the total frame length, and the last two bytes of
// a frame carry a 16-bit sum of everything before them. There is no escaping,
// no length field and no addressing.
package bms

// Preamble marks the start of every frame.
var Preamble = [PreambleSize]byte{0xFF, 0x55, 0xAA}

// Frame layout
const (
	PreambleSize = 3
	TypeOffset   = 3
	HeaderSize   = 4 // preamble + type
	ChecksumSize = 2

	MinFrameLen = HeaderSize + ChecksumSize
	MaxFrameLen = 255
)

// Packet types
const (
	TypeStatus              = 0x00
	TypeCellVoltages        = 0x02
	TypeTemperatures        = 0x03
	TypeStateOfCharge       = 0x04
	TypeCurrent             = 0x05
	TypeTotalVoltage        = 0x06
	TypeCellBalance         = 0x07
	TypeFaults              = 0x08
	TypeSerialNumber        = 0x0B // sent once at power on
	TypeChargeCycles        = 0x0C
	TypeTemperatureExtremes = 0x0D
	TypeRegenLimit          = 0x0E
	TypeFirmwareRevision    = 0x0F
	TypeLifetimeCharge      = 0x10
)

// Status byte bits, carried in the first payload byte of a STATUS frame.
const (
	StatusBatteryTempHigh   = 0x01
	StatusBatteryTempLow    = 0x02
	StatusBatteryEmpty      = 0x04
	StatusBatteryOvercharge = 0x08
	StatusCharging          = 0x20

	statusTempMask = StatusBatteryTempHigh | StatusBatteryTempLow
)

// StatusOffset is the frame offset of the status byte in a STATUS frame.
const StatusOffset = HeaderSize

// frameLengths is the protocol's type to total frame length table.
var frameLengths = map[uint8]int{
	TypeStatus:              7,
	TypeCellVoltages:        38,
	TypeTemperatures:        13,
	TypeStateOfCharge:       7,
	TypeCurrent:             8,
	TypeTotalVoltage:        8,
	TypeCellBalance:         10,
	TypeFaults:              7,
	TypeSerialNumber:        10,
	TypeChargeCycles:        8,
	TypeTemperatureExtremes: 9,
	TypeRegenLimit:          8,
	TypeFirmwareRevision:    10,
	TypeLifetimeCharge:      10,
}
