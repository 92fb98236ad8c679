// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package bms

import "fmt"

// Encoder builds wire frames for a frame table.
type Encoder struct {
	table FrameTable
}

// NewEncoder creates an encoder for the given table
func NewEncoder(table FrameTable) *Encoder {
	return &Encoder{table: table}
}

// Encode builds a complete frame: preamble, type, payload and checksum.
// The payload must fill the frame exactly as the table defines it.
func (e *Encoder) Encode(msgType uint8, payload []byte) ([]byte, error) {
	n, ok := e.table.Length(msgType)
	if !ok {
		return nil, fmt.Errorf("unknown packet type 0x%02X", msgType)
	}
	if want := n - MinFrameLen; len(payload) != want {
		return nil, fmt.Errorf("%s payload is %d bytes (expected %d)",
			FormatMessageType(msgType), len(payload), want)
	}

	frame := make([]byte, 0, n)
	frame = append(frame, Preamble[:]...)
	frame = append(frame, msgType)
	frame = append(frame, payload...)
	frame = append(frame, 0, 0)
	Seal(frame)
	return frame, nil
}

// Seal overwrites the checksum trailer of frame to match its contents.
func Seal(frame []byte) {
	if len(frame) < MinFrameLen {
		return
	}
	n := len(frame)
	sum := CalculateChecksum(frame[:n-ChecksumSize])
	frame[n-2] = byte(sum >> 8)
	frame[n-1] = byte(sum)
}
