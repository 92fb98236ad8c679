// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package relay

import "sort"

// Entry is the replay state kept for one packet type.
type Entry struct {
	Type     uint8
	LastSeen Millis
	Frame    []byte
	Seen     uint64 // fresh frames recorded
	Replayed uint64
}

// Tracker remembers the last good frame of every packet type and when it was
// last refreshed. Entries are created on first sighting and never expire.
type Tracker struct {
	entries [256]*Entry
	types   []uint8 // ascending
}

// NewTracker creates an empty tracker
func NewTracker() *Tracker {
	return &Tracker{}
}

// Record stores a copy of frame as the latest frame of typ, seen at now.
func (t *Tracker) Record(typ uint8, frame []byte, now Millis) {
	e := t.entries[typ]
	if e == nil {
		e = &Entry{Type: typ}
		t.entries[typ] = e
		i := sort.Search(len(t.types), func(i int) bool { return t.types[i] >= typ })
		t.types = append(t.types, 0)
		copy(t.types[i+1:], t.types[i:])
		t.types[i] = typ
	}
	e.Frame = append(e.Frame[:0], frame...)
	e.LastSeen = now
	e.Seen++
}

// Due returns the types whose deadline under policy has passed at now, in
// ascending order.
func (t *Tracker) Due(now Millis, policy ReplayPolicy) []uint8 {
	var due []uint8
	for _, typ := range t.types {
		if policy.Deadline(typ).Expired(now.Since(t.entries[typ].LastSeen)) {
			due = append(due, typ)
		}
	}
	return due
}

// MarkReplayed restarts the deadline of typ at now and returns the frame to
// send. The frame is owned by the tracker and only valid until the next Record.
func (t *Tracker) MarkReplayed(typ uint8, now Millis) ([]byte, bool) {
	e := t.entries[typ]
	if e == nil {
		return nil, false
	}
	e.LastSeen = now
	e.Replayed++
	return e.Frame, true
}

// Entry returns a copy of the entry for typ
func (t *Tracker) Entry(typ uint8) (Entry, bool) {
	e := t.entries[typ]
	if e == nil {
		return Entry{}, false
	}
	return e.snapshot(), true
}

// Entries returns copies of all entries ordered by type
func (t *Tracker) Entries() []Entry {
	out := make([]Entry, 0, len(t.types))
	for _, typ := range t.types {
		out = append(out, t.entries[typ].snapshot())
	}
	return out
}

// Len returns the number of tracked types
func (t *Tracker) Len() int {
	return len(t.types)
}

func (e *Entry) snapshot() Entry {
	c := *e
	c.Frame = append([]byte(nil), e.Frame...)
	return c
}
