// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package relay forwards bytes to a peer without blocking the reader that
// produced them.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	perrors "github.com/absmach/transit/pkg/errors"
)

// DefaultLimit is the default ceiling on bytes queued for one peer.
const DefaultLimit = 16 << 20

var (
	// ErrBufferLimit is returned when a peer does not drain fast enough.
	ErrBufferLimit = fmt.Errorf("send buffer limit exceeded: %w", perrors.ErrResourceExhausted)

	// ErrClosed is returned by writes after Close.
	ErrClosed = fmt.Errorf("sink closed: %w", perrors.ErrConnectionClosed)
)

// Direction is the way bytes travel through the proxy.
type Direction int

const (
	// Upstream is client to backend.
	Upstream Direction = iota
	// Downstream is backend to client.
	Downstream
)

func (d Direction) String() string {
	if d == Upstream {
		return "upstream"
	}
	return "downstream"
}

// Options configure a Sink.
type Options struct {
	// Limit caps pending plus in-flight bytes. Zero means DefaultLimit.
	Limit int
	// OnError is called once with the first write or limit error.
	OnError func(error)
	// OnWrite is called with the byte count of every completed write.
	OnWrite func(n int)
}

// Sink queues bytes for w and writes them from its own goroutine. Bytes
// queued while a write is in progress are coalesced into the next write, so
// a slow peer costs memory rather than stalling the caller. Exceeding the
// limit fails the sink.
type Sink struct {
	w    io.Writer
	dir  Direction
	opts Options

	mu       sync.Mutex
	pending  []byte
	spare    []byte
	inflight int
	draining bool
	closed   bool
	err      error

	wake chan struct{}
	quit chan struct{}
	done chan struct{}
	once sync.Once
}

// NewSink starts a sink writing to w.
func NewSink(w io.Writer, dir Direction, opts Options) *Sink {
	if opts.Limit <= 0 {
		opts.Limit = DefaultLimit
	}
	s := &Sink{
		w:    w,
		dir:  dir,
		opts: opts,
		wake: make(chan struct{}, 1),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	go s.flush()
	return s
}

// Direction returns the direction the sink writes in.
func (s *Sink) Direction() Direction {
	return s.dir
}

// Write queues a copy of b. It never blocks on the peer.
func (s *Sink) Write(b []byte) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}

	s.mu.Lock()
	if s.closed || s.draining {
		err := s.err
		s.mu.Unlock()
		if err == nil {
			err = ErrClosed
		}
		return 0, err
	}
	if len(s.pending)+s.inflight+len(b) > s.opts.Limit {
		s.mu.Unlock()
		err := fmt.Errorf("%s: %w", s.dir, ErrBufferLimit)
		s.fail(err)
		return 0, err
	}
	s.pending = append(s.pending, b...)
	s.mu.Unlock()

	s.signal()
	return len(b), nil
}

// Buffered returns the bytes queued or being written.
func (s *Sink) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending) + s.inflight
}

// Err returns the error that failed the sink, if any.
func (s *Sink) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Drain stops accepting writes and waits until queued bytes are written or
// ctx is done.
func (s *Sink) Drain(ctx context.Context) error {
	s.mu.Lock()
	s.draining = true
	s.mu.Unlock()
	s.signal()

	select {
	case <-s.done:
		return s.Err()
	case <-ctx.Done():
		s.Close()
		return ctx.Err()
	}
}

// Close discards queued bytes and stops the writer goroutine. It does not
// close the underlying writer.
func (s *Sink) Close() {
	s.mu.Lock()
	s.closed = true
	s.pending = nil
	s.mu.Unlock()
	s.once.Do(func() { close(s.quit) })
}

func (s *Sink) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Sink) fail(err error) {
	s.mu.Lock()
	if s.err != nil {
		s.mu.Unlock()
		return
	}
	s.err = err
	s.closed = true
	s.pending = nil
	s.mu.Unlock()

	s.once.Do(func() { close(s.quit) })
	if s.opts.OnError != nil {
		s.opts.OnError(err)
	}
}

func (s *Sink) flush() {
	defer close(s.done)
	for {
		select {
		case <-s.wake:
		case <-s.quit:
			return
		}

		for {
			s.mu.Lock()
			if s.closed {
				s.mu.Unlock()
				return
			}
			if len(s.pending) == 0 {
				draining := s.draining
				s.mu.Unlock()
				if draining {
					return
				}
				break
			}
			buf := s.pending
			s.pending = s.spare[:0]
			s.inflight = len(buf)
			s.mu.Unlock()

			n, err := s.w.Write(buf)

			s.mu.Lock()
			s.inflight = 0
			s.spare = buf[:0]
			s.mu.Unlock()

			if n > 0 && s.opts.OnWrite != nil {
				s.opts.OnWrite(n)
			}
			if err == nil && n < len(buf) {
				err = io.ErrShortWrite
			}
			if err != nil {
				if !errors.Is(err, perrors.ErrConnectionClosed) {
					err = fmt.Errorf("%s write failed: %w", s.dir, err)
				}
				s.fail(err)
				return
			}
		}
	}
}
