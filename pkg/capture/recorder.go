// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package capture

import (
	"github.com/Thermoquad/bmsrelay/pkg/bms"
	"github.com/Thermoquad/bmsrelay/pkg/relay"
	"go.uber.org/zap"
)

// Recorder writes relay events to a capture as they happen.
//
// Unknown bytes arrive one at a time; a run of them is written as a single
// record when the next packet event arrives or on Flush.
type Recorder struct {
	w      *Writer
	logger *zap.Logger
	relay  *relay.Relay

	unknown   []byte
	unknownAt relay.Millis
	err       error
}

// NewRecorder creates a recorder writing to w
func NewRecorder(w *Writer, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{w: w, logger: logger}
}

// Attach registers the recorder's observers on r. It replaces any unknown
// data observer already set.
func (rec *Recorder) Attach(r *relay.Relay) error {
	rec.relay = r
	if err := r.OnReceived(rec.observer(KindReceived)); err != nil {
		return err
	}
	if err := r.OnForwarded(rec.observer(KindForwarded)); err != nil {
		return err
	}
	if err := r.OnDropped(rec.observer(KindDropped)); err != nil {
		return err
	}
	if err := r.OnReplayed(rec.observer(KindReplayed)); err != nil {
		return err
	}
	return r.SetUnknownDataObserver(relay.ByteObserverFunc(rec.onUnknownByte))
}

func (rec *Recorder) observer(kind Kind) relay.PacketObserver {
	return relay.PacketObserverFunc(func(r *relay.Relay, p *bms.Packet) {
		rec.flushUnknown()
		rec.write(Record{
			AtMillis: uint32(r.Now()),
			Kind:     kind,
			Type:     p.Type(),
			Frame:    p.Bytes(),
		})
	})
}

func (rec *Recorder) onUnknownByte(b byte) {
	if len(rec.unknown) == 0 && rec.relay != nil {
		rec.unknownAt = rec.relay.Now()
	}
	rec.unknown = append(rec.unknown, b)
}

func (rec *Recorder) flushUnknown() {
	if len(rec.unknown) == 0 {
		return
	}
	rec.write(Record{
		AtMillis: uint32(rec.unknownAt),
		Kind:     KindUnknown,
		Frame:    rec.unknown,
	})
	rec.unknown = rec.unknown[:0]
}

func (rec *Recorder) write(r Record) {
	if rec.err != nil {
		return
	}
	if err := rec.w.WriteRecord(r); err != nil {
		rec.err = err
		rec.logger.Warn("Capture write failed, recording stopped", zap.Error(err))
	}
}

// Flush writes out any pending unknown bytes and flushes the capture.
func (rec *Recorder) Flush() error {
	rec.flushUnknown()
	if rec.err != nil {
		return rec.err
	}
	return rec.w.Flush()
}

// Err returns the first write error
func (rec *Recorder) Err() error {
	return rec.err
}
