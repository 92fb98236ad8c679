// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package bms

import "fmt"

// Packet is a view over the bytes of one complete frame.
//
// A Packet does not own its bytes: it aliases the slice it was created from,
// so a Packet handed to an observer is only valid for the duration of that
// call. Use Clone to keep one around.
type Packet struct {
	data     []byte
	msgType  uint8
	frameLen int // table length for msgType, 0 if unknown

	valid      bool
	edited     bool
	sealed     bool // checksum held when the first edit was made
	suppressed bool
}

// NewPacket wraps data as a packet, resolving its shape against table.
func NewPacket(table FrameTable, data []byte) *Packet {
	p := &Packet{data: data}
	if len(data) > TypeOffset {
		p.msgType = data[TypeOffset]
		p.frameLen, _ = table.Length(p.msgType)
	}
	p.valid = p.shapeIntact() && p.checksumMatches()
	return p
}

// Type returns the type byte the frame was framed with
func (p *Packet) Type() uint8 {
	return p.msgType
}

// Len returns the frame length in bytes
func (p *Packet) Len() int {
	return len(p.data)
}

// Bytes returns the frame bytes. Writing through this slice is not an edit:
// the checksum is left alone and the packet will fail validation.
func (p *Packet) Bytes() []byte {
	return p.data
}

// Payload returns the bytes between the type byte and the checksum
func (p *Packet) Payload() []byte {
	if len(p.data) < MinFrameLen {
		return nil
	}
	return p.data[HeaderSize : len(p.data)-ChecksumSize]
}

// Checksum returns the checksum trailer as currently stored
func (p *Packet) Checksum() uint16 {
	if len(p.data) < MinFrameLen {
		return 0
	}
	n := len(p.data)
	return uint16(p.data[n-2])<<8 | uint16(p.data[n-1])
}

// ChecksumValid reports whether the checksum matched when last derived.
func (p *Packet) ChecksumValid() bool {
	return p.valid
}

// SetPayloadByte changes one payload byte. If the checksum held before the
// first edit, the next RecalculateChecksum re-seals the frame.
func (p *Packet) SetPayloadByte(i int, v byte) error {
	payload := p.Payload()
	if i < 0 || i >= len(payload) {
		return fmt.Errorf("payload index %d out of range [0,%d)", i, len(payload))
	}
	if !p.edited {
		p.sealed = p.shapeIntact() && p.checksumMatches()
		p.edited = true
	}
	payload[i] = v
	return nil
}

// RecalculateChecksum rewrites the trailer for pending edits and re-derives
// checksum validity from the current bytes. A frame whose preamble, type or
// length no longer match the table is left untouched and marked invalid.
func (p *Packet) RecalculateChecksum() {
	if !p.shapeIntact() {
		p.valid = false
		return
	}
	if p.edited && p.sealed {
		Seal(p.data)
	}
	p.edited = false
	p.sealed = false
	p.valid = p.checksumMatches()
}

// Suppress marks the packet as not to be forwarded
func (p *Packet) Suppress() {
	p.suppressed = true
}

// Suppressed reports whether an observer vetoed the packet
func (p *Packet) Suppressed() bool {
	return p.suppressed
}

// ShouldForward reports whether the packet may be sent downstream.
func (p *Packet) ShouldForward() bool {
	return p.valid && !p.suppressed
}

// Clone returns a packet backed by its own copy of the bytes
func (p *Packet) Clone() *Packet {
	c := *p
	c.data = append([]byte(nil), p.data...)
	return &c
}

func (p *Packet) shapeIntact() bool {
	if p.frameLen == 0 || len(p.data) != p.frameLen {
		return false
	}
	for i, b := range Preamble {
		if p.data[i] != b {
			return false
		}
	}
	return p.data[TypeOffset] == p.msgType
}

func (p *Packet) checksumMatches() bool {
	if len(p.data) < MinFrameLen {
		return false
	}
	return CalculateChecksum(p.data[:len(p.data)-ChecksumSize]) == p.Checksum()
}
