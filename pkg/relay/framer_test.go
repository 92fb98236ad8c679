// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package relay

import (
	"bytes"
	"testing"

	"github.com/Thermoquad/bmsrelay/pkg/bms"
)

// framerEvents records handler calls in order. Slices are copied since the
// framer reuses its buffer.
type framerEvents struct {
	frames  [][]byte
	unknown []byte
	order   []string
}

func (e *framerEvents) HandleFrame(frame []byte) {
	e.frames = append(e.frames, append([]byte(nil), frame...))
	e.order = append(e.order, "frame")
}

func (e *framerEvents) HandleUnknown(data []byte) {
	e.unknown = append(e.unknown, data...)
	e.order = append(e.order, "unknown")
}

func pushAll(f *Framer, data []byte) {
	for _, b := range data {
		f.Push(b)
	}
}

func TestFramer(t *testing.T) {
	status := []byte{0xFF, 0x55, 0xAA, 0x00, 0x20, 0x02, 0x1E}

	tests := []struct {
		name        string
		input       []byte
		wantFrames  int
		wantUnknown []byte
		wantPending int
	}{
		{
			name:       "single frame",
			input:      status,
			wantFrames: 1,
		},
		{
			name:        "garbage only",
			input:       []byte{0x01, 0x02, 0x03},
			wantUnknown: []byte{0x01, 0x02, 0x03},
		},
		{
			name:        "partial preamble",
			input:       []byte{0xFF, 0x55},
			wantPending: 2,
		},
		{
			name:        "header waiting for body",
			input:       status[:5],
			wantPending: 5,
		},
		{
			name:        "invalid type",
			input:       []byte{0xFF, 0x55, 0xAA, 0x01},
			wantUnknown: []byte{0xFF, 0x55, 0xAA, 0x01},
		},
		{
			name:        "restart inside preamble is not resynchronized",
			input:       append([]byte{0xFF, 0xFF, 0x55, 0xAA}, status[3:]...),
			wantUnknown: append([]byte{0xFF, 0xFF, 0x55, 0xAA}, status[3:]...),
		},
		{
			name:        "garbage then frame",
			input:       append([]byte{0x00, 0xAA}, status...),
			wantFrames:  1,
			wantUnknown: []byte{0x00, 0xAA},
		},
		{
			name:        "frame then partial",
			input:       append(append([]byte(nil), status...), 0xFF, 0x55, 0xAA),
			wantFrames:  1,
			wantPending: 3,
		},
		{
			// A bad checksum is not the framer's concern.
			name:       "bad checksum still framed",
			input:      []byte{0xFF, 0x55, 0xAA, 0x00, 0x20, 0x00, 0x00},
			wantFrames: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events := &framerEvents{}
			f := NewFramer(bms.DefaultFrameTable(), events)
			pushAll(f, tt.input)

			if len(events.frames) != tt.wantFrames {
				t.Errorf("frames = %d, want %d", len(events.frames), tt.wantFrames)
			}
			if !bytes.Equal(events.unknown, tt.wantUnknown) {
				t.Errorf("unknown = % X, want % X", events.unknown, tt.wantUnknown)
			}
			if f.Pending() != tt.wantPending {
				t.Errorf("Pending() = %d, want %d", f.Pending(), tt.wantPending)
			}

			framed := 0
			for _, fr := range events.frames {
				framed += len(fr)
			}
			if framed+len(events.unknown)+f.Pending() != len(tt.input) {
				t.Error("framer lost or duplicated bytes")
			}
		})
	}
}

func TestFramer_FrameBoundaries(t *testing.T) {
	enc := bms.NewEncoder(bms.DefaultFrameTable())
	var input [][]byte
	for _, typ := range bms.DefaultFrameTable().Types() {
		n, _ := bms.DefaultFrameTable().Length(typ)
		frame, err := enc.Encode(typ, bytes.Repeat([]byte{typ}, n-bms.MinFrameLen))
		if err != nil {
			t.Fatal(err)
		}
		input = append(input, frame)
	}

	events := &framerEvents{}
	f := NewFramer(bms.DefaultFrameTable(), events)
	for _, frame := range input {
		pushAll(f, frame)
	}

	if len(events.frames) != len(input) {
		t.Fatalf("frames = %d, want %d", len(events.frames), len(input))
	}
	for i := range input {
		if !bytes.Equal(events.frames[i], input[i]) {
			t.Errorf("frame %d = % X, want % X", i, events.frames[i], input[i])
		}
	}
}

func TestFramer_UnknownBeforeFrameInOrder(t *testing.T) {
	events := &framerEvents{}
	f := NewFramer(bms.DefaultFrameTable(), events)
	pushAll(f, []byte{0x42, 0xFF, 0x55, 0xAA, 0x00, 0x00, 0x01, 0xFE})

	want := []string{"unknown", "frame"}
	if len(events.order) != len(want) || events.order[0] != want[0] || events.order[1] != want[1] {
		t.Errorf("order = %v, want %v", events.order, want)
	}
}

func TestFramer_Flush(t *testing.T) {
	events := &framerEvents{}
	f := NewFramer(bms.DefaultFrameTable(), events)
	pushAll(f, []byte{0xFF, 0x55, 0xAA, 0x02, 0x01})

	if got := f.PendingBytes(); !bytes.Equal(got, []byte{0xFF, 0x55, 0xAA, 0x02, 0x01}) {
		t.Errorf("PendingBytes() = % X", got)
	}

	f.Flush()
	if !bytes.Equal(events.unknown, []byte{0xFF, 0x55, 0xAA, 0x02, 0x01}) {
		t.Errorf("unknown = % X after Flush", events.unknown)
	}
	if f.Pending() != 0 {
		t.Errorf("Pending() = %d after Flush", f.Pending())
	}

	f.Flush()
	if len(events.order) != 1 {
		t.Error("Flush on an empty framer should not call the handler")
	}
}

func TestFramer_CustomTable(t *testing.T) {
	table, err := bms.NewFrameTable(map[uint8]int{0x42: 6})
	if err != nil {
		t.Fatal(err)
	}
	events := &framerEvents{}
	f := NewFramer(table, events)

	pushAll(f, []byte{0xFF, 0x55, 0xAA, 0x42, 0x02, 0x40})
	pushAll(f, []byte{0xFF, 0x55, 0xAA, 0x00})

	if len(events.frames) != 1 {
		t.Errorf("frames = %d, want 1", len(events.frames))
	}
	if !bytes.Equal(events.unknown, []byte{0xFF, 0x55, 0xAA, 0x00}) {
		t.Errorf("type 0x00 should be invalid in a custom table, unknown = % X", events.unknown)
	}
}
