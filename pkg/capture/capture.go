// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package capture records relay traffic to disk and reads it back.
//
// A capture file is a sequence of CBOR items. The first is a Header; every
// item after it is a Record. Records carry the relay's millisecond tick, so
// the original timing can be reproduced with Play.
package capture

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// File identification
const (
	Magic   = "bmsrelay-capture"
	Version = 1
)

// ErrBadHeader is returned when a stream does not start with a capture header.
var ErrBadHeader = errors.New("not a bmsrelay capture")

// ErrClosed is returned when writing to a closed Writer.
var ErrClosed = errors.New("capture writer is closed")

// Kind says what the relay did with the bytes in a record.
type Kind string

// Record kinds
const (
	KindReceived  Kind = "received"
	KindForwarded Kind = "forwarded"
	KindDropped   Kind = "dropped"
	KindReplayed  Kind = "replayed"
	KindUnknown   Kind = "unknown"
)

// Header is the first item of every capture
type Header struct {
	Magic   string `cbor:"magic"`
	Version int    `cbor:"version"`
	Started int64  `cbor:"started"` // unix seconds
}

// Record is one captured event. Type is meaningless for KindUnknown.
type Record struct {
	AtMillis uint32 `cbor:"at_ms"`
	Kind     Kind   `cbor:"kind"`
	Type     uint8  `cbor:"type"`
	Frame    []byte `cbor:"frame"`
}

// Writer appends records to a capture stream.
type Writer struct {
	closer io.Closer
	w      *bufio.Writer
	enc    *cbor.Encoder
	closed bool
}

// Create creates a capture file at path, truncating any existing file.
func Create(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create capture: %w", err)
	}
	w, err := NewWriter(f, time.Now())
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	w.closer = f
	return w, nil
}

// NewWriter writes a capture header to w and returns a Writer for records.
// Closing the Writer flushes but does not close w.
func NewWriter(w io.Writer, started time.Time) (*Writer, error) {
	bw := bufio.NewWriterSize(w, 64*1024)
	cw := &Writer{w: bw, enc: cbor.NewEncoder(bw)}
	header := Header{Magic: Magic, Version: Version, Started: started.Unix()}
	if err := cw.enc.Encode(header); err != nil {
		return nil, fmt.Errorf("failed to write capture header: %w", err)
	}
	return cw, nil
}

// WriteRecord appends rec to the capture
func (cw *Writer) WriteRecord(rec Record) error {
	if cw.closed {
		return ErrClosed
	}
	if err := cw.enc.Encode(rec); err != nil {
		return fmt.Errorf("failed to write capture record: %w", err)
	}
	return nil
}

// Flush writes buffered records to the underlying writer
func (cw *Writer) Flush() error {
	if cw.closed {
		return nil
	}
	return cw.w.Flush()
}

// Close flushes the capture and closes the file if the Writer opened it.
func (cw *Writer) Close() error {
	if cw.closed {
		return nil
	}
	cw.closed = true
	err := cw.w.Flush()
	if cw.closer != nil {
		if cerr := cw.closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// Reader reads records from a capture stream.
type Reader struct {
	dec    *cbor.Decoder
	header Header
}

// NewReader reads and checks the capture header.
func NewReader(r io.Reader) (*Reader, error) {
	dec := cbor.NewDecoder(bufio.NewReader(r))
	var header Header
	if err := dec.Decode(&header); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadHeader, err)
	}
	if header.Magic != Magic {
		return nil, fmt.Errorf("%w: magic %q", ErrBadHeader, header.Magic)
	}
	if header.Version != Version {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrBadHeader, header.Version)
	}
	return &Reader{dec: dec, header: header}, nil
}

// Header returns the capture header
func (cr *Reader) Header() Header {
	return cr.header
}

// Next returns the next record, or io.EOF at the end of the capture.
func (cr *Reader) Next() (Record, error) {
	var rec Record
	if err := cr.dec.Decode(&rec); err != nil {
		if errors.Is(err, io.EOF) {
			return Record{}, io.EOF
		}
		return Record{}, fmt.Errorf("failed to read capture record: %w", err)
	}
	return rec, nil
}

// ReadAll returns every remaining record
func (cr *Reader) ReadAll() ([]Record, error) {
	recs := make([]Record, 0, 1024)
	for {
		rec, err := cr.Next()
		if err == io.EOF {
			return recs, nil
		}
		if err != nil {
			return recs, err
		}
		recs = append(recs, rec)
	}
}

// Open opens a capture file for reading. The caller closes the returned file.
func Open(path string) (*Reader, *os.File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open capture: %w", err)
	}
	r, err := NewReader(f)
	if err != nil {
		_ = f.Close()
		return nil, nil, err
	}
	return r, f, nil
}
