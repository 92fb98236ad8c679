// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package relay

import "github.com/Thermoquad/bmsrelay/pkg/bms"

// FrameHandler receives the framer's decisions. Slices passed to either
// method alias the framer's buffer and are only valid during the call.
type FrameHandler interface {
	// HandleFrame is called with exactly one complete frame.
	HandleFrame(frame []byte)
	// HandleUnknown is called with bytes that are not part of a frame.
	HandleUnknown(data []byte)
}

// Framer splits a byte stream into frames one byte at a time.
//
// It never drops a byte: everything pushed either ends up in a frame handed
// to HandleFrame or is given back through HandleUnknown. A partial frame
// stays pending until more bytes arrive.
type Framer struct {
	table   bms.FrameTable
	handler FrameHandler
	buffer  []byte
}

// NewFramer creates a framer for table that reports to h
func NewFramer(table bms.FrameTable, h FrameHandler) *Framer {
	return &Framer{
		table:   table,
		handler: h,
		buffer:  make([]byte, 0, bms.MaxFrameLen),
	}
}

// Push processes one byte from the stream
func (f *Framer) Push(b byte) {
	f.buffer = append(f.buffer, b)

	// Anything that doesn't start with the preamble goes through unchanged.
	for i := 0; i < min(bms.PreambleSize, len(f.buffer)); i++ {
		if f.buffer[i] != bms.Preamble[i] {
			f.purge()
			return
		}
	}

	if len(f.buffer) < bms.HeaderSize {
		return
	}

	frameLen, ok := f.table.Length(f.buffer[bms.TypeOffset])
	if !ok {
		f.purge()
		return
	}
	if len(f.buffer) < frameLen {
		return
	}

	f.handler.HandleFrame(f.buffer[:frameLen])
	f.buffer = f.buffer[:0]
}

// Flush hands any pending partial frame to HandleUnknown.
func (f *Framer) Flush() {
	if len(f.buffer) > 0 {
		f.purge()
	}
}

// Pending returns the number of buffered bytes
func (f *Framer) Pending() int {
	return len(f.buffer)
}

// PendingBytes returns a copy of the buffered bytes
func (f *Framer) PendingBytes() []byte {
	return append([]byte(nil), f.buffer...)
}

func (f *Framer) purge() {
	f.handler.HandleUnknown(f.buffer)
	f.buffer = f.buffer[:0]
}
