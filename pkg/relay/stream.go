// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package relay

import (
	"bufio"
	"errors"
	"io"
	"sync"

	"go.uber.org/zap"
)

// ErrSourceClosed is reported by Err after Close stopped the reader.
var ErrSourceClosed = errors.New("stream source closed")

// StreamSource turns a blocking io.Reader (serial port, websocket) into a
// non-blocking Source. A background goroutine reads into a channel and Poll
// only ever does a non-blocking receive.
//
// The goroutine runs until the reader fails or Close is called. Close cannot
// interrupt a Read in progress; close the underlying reader as well.
type StreamSource struct {
	chunks   chan []byte
	current  []byte
	done     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	err      error
	logger   *zap.Logger
}

// NewStreamSource starts reading from r
func NewStreamSource(r io.Reader, logger *zap.Logger) *StreamSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &StreamSource{
		chunks: make(chan []byte, 64),
		done:   make(chan struct{}),
		stop:   make(chan struct{}),
		logger: logger,
	}
	go s.run(r)
	return s
}

func (s *StreamSource) run(r io.Reader) {
	defer close(s.chunks)
	buf := make([]byte, 256)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			select {
			case s.chunks <- data:
			case <-s.stop:
				s.finish(ErrSourceClosed)
				return
			}
		}
		select {
		case <-s.stop:
			s.finish(ErrSourceClosed)
			return
		default:
		}
		if err != nil {
			s.finish(err)
			if err != io.EOF {
				s.logger.Warn("Source read failed", zap.Error(err))
			}
			return
		}
	}
}

func (s *StreamSource) finish(err error) {
	s.err = err
	close(s.done)
}

// Poll implements Source
func (s *StreamSource) Poll() (byte, bool) {
	if len(s.current) == 0 {
		select {
		case chunk, ok := <-s.chunks:
			if !ok {
				return 0, false
			}
			s.current = chunk
		default:
			return 0, false
		}
	}
	b := s.current[0]
	s.current = s.current[1:]
	return b, true
}

// Done is closed once the underlying reader has failed or hit EOF. Bytes
// read before that are still returned by Poll.
func (s *StreamSource) Done() <-chan struct{} {
	return s.done
}

// Close stops the reader goroutine, even when nobody is polling. Bytes
// already queued can still be polled.
func (s *StreamSource) Close() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// Err returns the error that stopped the reader, or nil while it is running
func (s *StreamSource) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// StreamSink buffers bytes for an io.Writer. Send never fails; the first
// write error is logged and kept for Err.
type StreamSink struct {
	w      *bufio.Writer
	err    error
	logger *zap.Logger
}

// NewStreamSink creates a sink writing to w
func NewStreamSink(w io.Writer, logger *zap.Logger) *StreamSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StreamSink{
		w:      bufio.NewWriterSize(w, 512),
		logger: logger,
	}
}

// Send implements Sink
func (s *StreamSink) Send(b byte) {
	if err := s.w.WriteByte(b); err != nil {
		s.fail(err)
	}
}

// Flush writes out buffered bytes
func (s *StreamSink) Flush() error {
	if err := s.w.Flush(); err != nil {
		s.fail(err)
		return err
	}
	return nil
}

// Err returns the first write error, if any
func (s *StreamSink) Err() error {
	return s.err
}

func (s *StreamSink) fail(err error) {
	if s.err == nil {
		s.err = err
		s.logger.Warn("Sink write failed", zap.Error(err))
	}
}

var (
	_ Source = (*StreamSource)(nil)
	_ Sink   = (*StreamSink)(nil)
	_ Clock  = (*SystemClock)(nil)
)
