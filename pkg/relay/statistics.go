// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package relay

import (
	"fmt"
	"time"
)

// Statistics counts what the relay did with the stream
type Statistics struct {
	StartTime time.Time

	// Bytes
	BytesIn     uint64
	BytesOut    uint64
	BytesPurged uint64

	// Packets
	PacketsFramed     uint64
	PacketsForwarded  uint64
	PacketsDropped    uint64 // failed checksum
	PacketsSuppressed uint64 // vetoed by an observer
	Replays           uint64
}

// NewStatistics creates a new statistics tracker
func NewStatistics() Statistics {
	return Statistics{StartTime: time.Now()}
}

// Reset zeroes all counters and restarts the clock
func (s *Statistics) Reset() {
	*s = NewStatistics()
}

// PacketRate returns framed packets per second since StartTime
func (s Statistics) PacketRate() float64 {
	elapsed := time.Since(s.StartTime).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(s.PacketsFramed) / elapsed
}

// String returns a formatted statistics summary
func (s Statistics) String() string {
	var forwardedPercent, droppedPercent float64
	if s.PacketsFramed > 0 {
		forwardedPercent = float64(s.PacketsForwarded) * 100.0 / float64(s.PacketsFramed)
		droppedPercent = float64(s.PacketsDropped) * 100.0 / float64(s.PacketsFramed)
	}

	elapsed := time.Since(s.StartTime)

	result := fmt.Sprintf("=== Statistics (%.0f seconds) ===\n", elapsed.Seconds())
	result += fmt.Sprintf("Bytes In:        %8d\n", s.BytesIn)
	result += fmt.Sprintf("Bytes Out:       %8d\n", s.BytesOut)
	result += fmt.Sprintf("Packets Framed:  %8d\n", s.PacketsFramed)
	result += fmt.Sprintf("Forwarded:       %8d (%.1f%%)\n", s.PacketsForwarded, forwardedPercent)

	if s.PacketsDropped > 0 {
		result += fmt.Sprintf("Bad Checksum:    %8d (%.1f%%)\n", s.PacketsDropped, droppedPercent)
	}
	if s.PacketsSuppressed > 0 {
		result += fmt.Sprintf("Suppressed:      %8d\n", s.PacketsSuppressed)
	}
	if s.BytesPurged > 0 {
		result += fmt.Sprintf("Passed Through:  %8d bytes\n", s.BytesPurged)
	}
	if s.Replays > 0 {
		result += fmt.Sprintf("Replays:         %8d\n", s.Replays)
	}

	result += fmt.Sprintf("Packet Rate:     %8.1f pkts/sec\n", s.PacketRate())
	result += "================================\n"

	return result
}
