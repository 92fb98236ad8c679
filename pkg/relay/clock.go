// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package relay

import (
	"fmt"
	"time"
)

// Millis is a wrapping millisecond tick count. Only differences between two
// readings are meaningful.
type Millis uint32

// Since returns the time elapsed from earlier to m. Unsigned subtraction keeps
// the result correct across a counter wrap.
func (m Millis) Since(earlier Millis) Millis {
	return m - earlier
}

// Clock supplies the current tick count
type Clock interface {
	Millis() Millis
}

// ClockFunc adapts a function to a Clock.
type ClockFunc func() Millis

// Millis calls f
func (f ClockFunc) Millis() Millis {
	return f()
}

// SystemClock counts milliseconds since it was created, using the monotonic clock.
type SystemClock struct {
	start time.Time
}

// NewSystemClock starts a clock at zero
func NewSystemClock() *SystemClock {
	return &SystemClock{start: time.Now()}
}

// Millis implements Clock
func (c *SystemClock) Millis() Millis {
	return Millis(uint32(time.Since(c.start).Milliseconds()))
}

// Deadline is how long a packet type may stay silent before it is replayed.
// The zero value is a zero-length deadline; use Never for types that must
// not be replayed.
type Deadline struct {
	after Millis
	never bool
}

// After returns a deadline that expires once ms have elapsed
func After(ms Millis) Deadline {
	return Deadline{after: ms}
}

// AfterDuration is After for a time.Duration, truncated to milliseconds.
func AfterDuration(d time.Duration) Deadline {
	return Deadline{after: Millis(d / time.Millisecond)}
}

// Never returns a deadline that never expires
func Never() Deadline {
	return Deadline{never: true}
}

// Expired reports whether a packet last seen age ago is due for replay.
func (d Deadline) Expired(age Millis) bool {
	return !d.never && age >= d.after
}

// Unbounded reports whether the deadline never expires
func (d Deadline) Unbounded() bool {
	return d.never
}

func (d Deadline) String() string {
	if d.never {
		return "never"
	}
	return fmt.Sprintf("%dms", d.after)
}
