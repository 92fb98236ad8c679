// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package relay

import "github.com/Thermoquad/bmsrelay/pkg/bms"

// Replay deadlines
const (
	HeartbeatDeadline Millis = 500
	DefaultDeadline   Millis = 3000
)

// ReplayPolicy assigns a replay deadline to every packet type.
type ReplayPolicy struct {
	fallback Deadline
	byType   map[uint8]Deadline
}

// NewReplayPolicy creates a policy with per-type overrides on top of fallback.
// The overrides map is copied.
func NewReplayPolicy(fallback Deadline, overrides map[uint8]Deadline) ReplayPolicy {
	byType := make(map[uint8]Deadline, len(overrides))
	for typ, d := range overrides {
		byType[typ] = d
	}
	return ReplayPolicy{fallback: fallback, byType: byType}
}

// DefaultReplayPolicy returns the deadlines the motor controller expects:
// the STATUS and CURRENT heartbeats every 500 ms, the power-on SERIAL_NUMBER
// announcement never, and everything else every 3 s.
func DefaultReplayPolicy() ReplayPolicy {
	return NewReplayPolicy(After(DefaultDeadline), map[uint8]Deadline{
		bms.TypeStatus:       After(HeartbeatDeadline),
		bms.TypeCurrent:      After(HeartbeatDeadline),
		bms.TypeSerialNumber: Never(),
	})
}

// Deadline returns the replay deadline for typ
func (p ReplayPolicy) Deadline(typ uint8) Deadline {
	if d, ok := p.byType[typ]; ok {
		return d
	}
	return p.fallback
}

// With returns a copy of p with the deadline for typ replaced
func (p ReplayPolicy) With(typ uint8, d Deadline) ReplayPolicy {
	out := NewReplayPolicy(p.fallback, p.byType)
	out.byType[typ] = d
	return out
}
