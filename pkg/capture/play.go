// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package capture

import (
	"errors"
	"fmt"
	"time"
)

// Sleeper waits between records during Play
type Sleeper interface {
	Sleep(d time.Duration)
}

type realSleeper struct{}

func (realSleeper) Sleep(d time.Duration) { time.Sleep(d) }

// Inbound reports whether a record holds bytes that came from the BMS, as
// opposed to bytes the relay produced.
func (r Record) Inbound() bool {
	return r.Kind == KindReceived || r.Kind == KindUnknown
}

// Play calls cb for every record accepted by filter, waiting between records
// according to their captured timing. A nil filter accepts everything.
//
// speed: 1.0 = real time, 2.0 = twice as fast.
func Play(records []Record, speed float64, sleeper Sleeper, filter func(Record) bool, cb func(Record) error) error {
	if speed <= 0 {
		return fmt.Errorf("speed must be > 0, got %v", speed)
	}
	if cb == nil {
		return errors.New("callback is nil")
	}
	if sleeper == nil {
		sleeper = realSleeper{}
	}

	var last uint32
	haveLast := false
	for _, r := range records {
		if filter != nil && !filter(r) {
			continue
		}
		if haveLast {
			// Unsigned difference; the relay tick wraps.
			wait := time.Duration(r.AtMillis-last) * time.Millisecond
			wait = time.Duration(float64(wait) / speed)
			if wait > 0 {
				sleeper.Sleep(wait)
			}
		}
		if err := cb(r); err != nil {
			return err
		}
		last = r.AtMillis
		haveLast = true
	}
	return nil
}
