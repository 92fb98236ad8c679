// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package relay sits between the BMS and the motor controller, re-framing the
// byte stream so observers can look at and rewrite packets before they are
// forwarded.
//
// The relay is single threaded and never blocks. The host calls Loop
// repeatedly; each call drains the Source, and when the Source runs dry it
// gives the replay scheduler a chance to re-send stale packets. Anything the
// relay does not recognize is passed through unchanged, so at worst it
// behaves like a wire.
package relay

import (
	"encoding/hex"
	"errors"

	"github.com/Thermoquad/bmsrelay/pkg/bms"
	"go.uber.org/zap"
)

// ErrRegistrationInFlight is returned when an observer is registered from
// inside another observer callback.
var ErrRegistrationInFlight = errors.New("observer registration during packet dispatch")

// Source is polled for the next byte from the BMS. It must not block; ok is
// false when no byte is available right now.
type Source interface {
	Poll() (b byte, ok bool)
}

// SourceFunc adapts a function to a Source.
type SourceFunc func() (byte, bool)

// Poll calls f
func (f SourceFunc) Poll() (byte, bool) {
	return f()
}

// Sink receives bytes for the motor controller, in order. It must not block.
type Sink interface {
	Send(b byte)
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(b byte)

// Send calls f
func (f SinkFunc) Send(b byte) {
	f(b)
}

// PacketObserver is notified of packets. Observers run inline on the relay's
// loop and must be fast. The packet is only valid during the call.
type PacketObserver interface {
	OnPacket(r *Relay, p *bms.Packet)
}

// PacketObserverFunc adapts a function to a PacketObserver.
type PacketObserverFunc func(r *Relay, p *bms.Packet)

// OnPacket calls f
func (f PacketObserverFunc) OnPacket(r *Relay, p *bms.Packet) {
	f(r, p)
}

// ByteObserver is notified of every byte passed through as unknown data.
type ByteObserver interface {
	OnUnknownByte(b byte)
}

// ByteObserverFunc adapts a function to a ByteObserver.
type ByteObserverFunc func(b byte)

// OnUnknownByte calls f
func (f ByteObserverFunc) OnUnknownByte(b byte) {
	f(b)
}

// Config holds the protocol tables the relay runs with.
type Config struct {
	// FrameTable maps packet types to frame lengths.
	// Default: bms.DefaultFrameTable()
	FrameTable bms.FrameTable

	// ReplayPolicy holds per-type replay deadlines.
	// Default: DefaultReplayPolicy()
	ReplayPolicy ReplayPolicy

	// ReplayEnabled turns the replay scheduler on.
	// Default: true
	ReplayEnabled bool
}

// DefaultConfig returns a Config for the BMS protocol.
func DefaultConfig() Config {
	return Config{
		FrameTable:    bms.DefaultFrameTable(),
		ReplayPolicy:  DefaultReplayPolicy(),
		ReplayEnabled: true,
	}
}

// Relay is the inline packet relay. It is not safe for concurrent use.
type Relay struct {
	source Source
	sink   Sink
	clock  Clock
	config Config
	logger *zap.Logger

	framer  *Framer
	tracker *Tracker
	stats   Statistics

	receivedObservers  []PacketObserver
	forwardedObservers []PacketObserver
	replayedObservers  []PacketObserver
	droppedObservers   []PacketObserver
	unknownObserver    ByteObserver
	dispatching        bool

	lastStatus bms.Status
	now        Millis
}

// New creates a relay reading from source and writing to sink.
func New(source Source, sink Sink, clock Clock, config Config, logger *zap.Logger) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Relay{
		source:  source,
		sink:    sink,
		clock:   clock,
		config:  config,
		logger:  logger,
		tracker: NewTracker(),
		stats:   NewStatistics(),
	}
	r.framer = NewFramer(config.FrameTable, frameHandler{r})
	return r
}

// OnReceived registers an observer for every framed packet, before the
// forwarding decision. Observers run in registration order.
func (r *Relay) OnReceived(o PacketObserver) error {
	if r.dispatching {
		return ErrRegistrationInFlight
	}
	r.receivedObservers = append(r.receivedObservers, o)
	return nil
}

// OnForwarded registers an observer for packets that passed validation after
// the received observers ran. It is called before the packet is sent.
func (r *Relay) OnForwarded(o PacketObserver) error {
	if r.dispatching {
		return ErrRegistrationInFlight
	}
	r.forwardedObservers = append(r.forwardedObservers, o)
	return nil
}

// OnReplayed registers an observer for packets re-sent by the replay
// scheduler. The packet is a copy; changing it has no effect on the wire.
func (r *Relay) OnReplayed(o PacketObserver) error {
	if r.dispatching {
		return ErrRegistrationInFlight
	}
	r.replayedObservers = append(r.replayedObservers, o)
	return nil
}

// OnDropped registers an observer for packets that were framed but not sent,
// either on a bad checksum or because an observer suppressed them. It runs
// after the pipeline has finished with the packet.
func (r *Relay) OnDropped(o PacketObserver) error {
	if r.dispatching {
		return ErrRegistrationInFlight
	}
	r.droppedObservers = append(r.droppedObservers, o)
	return nil
}

// SetUnknownDataObserver sets the observer for passed-through bytes,
// replacing any previous one. A nil observer clears it.
func (r *Relay) SetUnknownDataObserver(o ByteObserver) error {
	if r.dispatching {
		return ErrRegistrationInFlight
	}
	r.unknownObserver = o
	return nil
}

// Loop drains the source, then runs the replay scheduler and returns.
// Must be called continuously by the host. Called from inside an observer it
// does nothing; the outer Loop keeps draining.
func (r *Relay) Loop() {
	if r.dispatching {
		return
	}
	r.now = r.clock.Millis()
	for {
		b, ok := r.source.Poll()
		if !ok {
			r.maybeReplayPackets()
			return
		}
		r.stats.BytesIn++
		r.framer.Push(b)
	}
}

// Flush passes any pending partial frame through as unknown data. Hosts call
// it on shutdown so no byte is held back. Called from inside an observer it
// does nothing, as the buffer still holds the packet being dispatched.
func (r *Relay) Flush() {
	if r.dispatching {
		return
	}
	r.framer.Flush()
}

// Status returns the last status byte seen in a STATUS packet
func (r *Relay) Status() bms.Status {
	return r.lastStatus
}

// IsCharging reports the charging flag of the last status byte
func (r *Relay) IsCharging() bool { return r.lastStatus.IsCharging() }

// IsBatteryEmpty reports the empty flag of the last status byte
func (r *Relay) IsBatteryEmpty() bool { return r.lastStatus.IsBatteryEmpty() }

// IsBatteryTempOutOfRange reports either temperature flag of the last status byte
func (r *Relay) IsBatteryTempOutOfRange() bool { return r.lastStatus.IsBatteryTempOutOfRange() }

// IsBatteryOvercharged reports the overcharge flag of the last status byte
func (r *Relay) IsBatteryOvercharged() bool { return r.lastStatus.IsBatteryOvercharged() }

// Tracker returns the replay tracker. Callers must treat it as read-only.
func (r *Relay) Tracker() *Tracker {
	return r.tracker
}

// Stats returns a copy of the relay counters
func (r *Relay) Stats() Statistics {
	return r.stats
}

// ResetStats zeroes the relay counters
func (r *Relay) ResetStats() {
	r.stats.Reset()
}

// Pending returns the number of bytes buffered towards the next frame
func (r *Relay) Pending() int {
	return r.framer.Pending()
}

// Now returns the tick sampled at the start of the current or last Loop
func (r *Relay) Now() Millis {
	return r.now
}

func (r *Relay) ingestPacket(p *bms.Packet) {
	r.stats.PacketsFramed++

	r.dispatch(r.receivedObservers, p)

	// Recalculate the checksum so forwarded observers see a consistent frame.
	p.RecalculateChecksum()
	if p.ShouldForward() {
		r.dispatch(r.forwardedObservers, p)
	}
	p.RecalculateChecksum()

	if p.ChecksumValid() {
		r.tracker.Record(p.Type(), p.Bytes(), r.now)
		if status, ok := bms.StatusFromPacket(p); ok {
			r.lastStatus = status
		}
	}

	if !p.ShouldForward() {
		if p.ChecksumValid() {
			r.stats.PacketsSuppressed++
			r.logger.Debug("Packet suppressed",
				zap.String("type", bms.FormatMessageType(p.Type())))
		} else {
			r.stats.PacketsDropped++
			if ce := r.logger.Check(zap.DebugLevel, "Packet dropped on bad checksum"); ce != nil {
				ce.Write(
					zap.String("type", bms.FormatMessageType(p.Type())),
					zap.String("hex", hex.EncodeToString(p.Bytes())),
				)
			}
		}
		r.dispatch(r.droppedObservers, p)
		return
	}

	r.send(p.Bytes())
	r.stats.PacketsForwarded++
}

func (r *Relay) purgeUnknownData(data []byte) {
	r.send(data)
	r.stats.BytesPurged += uint64(len(data))
	if ce := r.logger.Check(zap.DebugLevel, "Passing through unknown data"); ce != nil {
		ce.Write(zap.String("hex", hex.EncodeToString(data)))
	}

	if r.unknownObserver == nil {
		return
	}
	r.dispatching = true
	defer func() { r.dispatching = false }()
	for _, b := range data {
		r.unknownObserver.OnUnknownByte(b)
	}
}

func (r *Relay) maybeReplayPackets() {
	if !r.config.ReplayEnabled {
		return
	}
	for _, typ := range r.tracker.Due(r.now, r.config.ReplayPolicy) {
		frame, ok := r.tracker.MarkReplayed(typ, r.now)
		if !ok {
			continue
		}
		r.send(frame)
		r.stats.Replays++
		r.logger.Debug("Replaying stale packet",
			zap.String("type", bms.FormatMessageType(typ)),
			zap.Stringer("deadline", r.config.ReplayPolicy.Deadline(typ)))

		if len(r.replayedObservers) > 0 {
			p := bms.NewPacket(r.config.FrameTable, append([]byte(nil), frame...))
			r.dispatch(r.replayedObservers, p)
		}
	}
}

func (r *Relay) dispatch(observers []PacketObserver, p *bms.Packet) {
	if len(observers) == 0 {
		return
	}
	r.dispatching = true
	defer func() { r.dispatching = false }()
	for _, o := range observers {
		o.OnPacket(r, p)
	}
}

func (r *Relay) send(data []byte) {
	for _, b := range data {
		r.sink.Send(b)
	}
	r.stats.BytesOut += uint64(len(data))
}

// frameHandler connects the framer to the relay without exporting the
// handler methods on Relay.
type frameHandler struct {
	r *Relay
}

func (h frameHandler) HandleFrame(frame []byte) {
	h.r.ingestPacket(bms.NewPacket(h.r.config.FrameTable, frame))
}

func (h frameHandler) HandleUnknown(data []byte) {
	h.r.purgeUnknownData(data)
}
