// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package bms

import (
	"errors"
	"fmt"
)

// ErrFrameTooLong is returned when a frame length does not fit the protocol.
var ErrFrameTooLong = errors.New("frame length out of range")

// FrameTable maps a packet type to its total frame length.
// The zero value recognizes no types. Tables are values and never change once built.
type FrameTable struct {
	lengths [256]uint8 // 0 = not a recognized type
}

// NewFrameTable builds a table from type to total frame length (preamble,
// type, payload and checksum inclusive).
func NewFrameTable(lengths map[uint8]int) (FrameTable, error) {
	var t FrameTable
	for typ, n := range lengths {
		if n < MinFrameLen || n > MaxFrameLen {
			return FrameTable{}, fmt.Errorf("type 0x%02X length %d (valid %d-%d): %w",
				typ, n, MinFrameLen, MaxFrameLen, ErrFrameTooLong)
		}
		t.lengths[typ] = uint8(n)
	}
	return t, nil
}

var defaultFrameTable = mustFrameTable(frameLengths)

func mustFrameTable(lengths map[uint8]int) FrameTable {
	t, err := NewFrameTable(lengths)
	if err != nil {
		panic(fmt.Sprintf("bms: invalid built-in frame table: %v", err))
	}
	return t
}

// DefaultFrameTable returns the BMS protocol frame table.
func DefaultFrameTable() FrameTable {
	return defaultFrameTable
}

// Length returns the total frame length for typ, or false if typ is not a
// recognized packet type.
func (t FrameTable) Length(typ uint8) (int, bool) {
	n := t.lengths[typ]
	if n == 0 {
		return 0, false
	}
	return int(n), true
}

// Types returns the recognized types in ascending order.
func (t FrameTable) Types() []uint8 {
	types := make([]uint8, 0, len(frameLengths))
	for typ, n := range t.lengths {
		if n != 0 {
			types = append(types, uint8(typ))
		}
	}
	return types
}
