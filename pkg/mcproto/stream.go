// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package mcproto

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	perrors "github.com/absmach/transit/pkg/errors"
	"github.com/klauspost/compress/zlib"
)

const (
	// MaxFrameSize is the largest frame payload accepted, not counting the
	// length prefix.
	MaxFrameSize = 1<<21 - 1

	// MaxUncompressedSize bounds a decompressed packet.
	MaxUncompressedSize = 1 << 23

	// CompressionDisabled turns off the compressed frame format.
	CompressionDisabled = -1
)

var (
	// ErrFrameTooLarge is returned when a frame announces more than MaxFrameSize bytes.
	ErrFrameTooLarge = fmt.Errorf("frame exceeds %d bytes: %w", MaxFrameSize, perrors.ErrProtocolViolation)

	// ErrBadCompression is returned for a compressed body that does not inflate to its declared size.
	ErrBadCompression = fmt.Errorf("invalid compressed packet: %w", perrors.ErrProtocolViolation)
)

// Packet is a decoded frame payload.
type Packet struct {
	ID   int32
	Data []byte
}

// ParsePacket splits a decoded payload into packet ID and data.
func ParsePacket(payload []byte) (*Packet, error) {
	id, n, err := DecodeVarInt(payload)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, fmt.Errorf("missing packet id: %w", perrors.ErrProtocolViolation)
	}
	return &Packet{ID: id, Data: payload[n:]}, nil
}

// Reader returns a Reader over the packet data.
func (p *Packet) Reader() *Reader {
	return NewReader(p.Data)
}

// Marshal returns the packet ID followed by the packet data.
func (p *Packet) Marshal() []byte {
	b := make([]byte, 0, VarIntSize(p.ID)+len(p.Data))
	b = AppendVarInt(b, p.ID)
	return append(b, p.Data...)
}

// Encode frames p. A negative threshold writes the uncompressed frame format.
// Otherwise bodies of at least threshold bytes are zlib compressed and smaller
// ones are stored with an uncompressed length of 0.
func Encode(p *Packet, threshold int) ([]byte, error) {
	body := p.Marshal()

	var payload []byte
	switch {
	case threshold < 0:
		payload = body
	case len(body) < threshold:
		payload = AppendVarInt(make([]byte, 0, 1+len(body)), 0)
		payload = append(payload, body...)
	default:
		var buf bytes.Buffer
		zw := zlib.NewWriter(&buf)
		if _, err := zw.Write(body); err != nil {
			return nil, fmt.Errorf("failed to compress packet: %w", err)
		}
		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("failed to compress packet: %w", err)
		}
		payload = AppendVarInt(make([]byte, 0, MaxVarIntLen+buf.Len()), int32(len(body)))
		payload = append(payload, buf.Bytes()...)
	}

	if len(payload) > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	frame := make([]byte, 0, VarIntSize(int32(len(payload)))+len(payload))
	frame = AppendVarInt(frame, int32(len(payload)))
	return append(frame, payload...), nil
}

// Stream reassembles Minecraft frames from a byte stream. Push is called by
// the socket reader; Next is called by a single consumer.
type Stream struct {
	mu        sync.Mutex
	buf       []byte
	queue     []*Packet
	threshold int
	ready     chan struct{}
}

// NewStream returns a Stream with compression disabled.
func NewStream() *Stream {
	return &Stream{
		threshold: CompressionDisabled,
		ready:     make(chan struct{}, 1),
	}
}

// SetCompression switches the frame format. A negative threshold disables
// compression.
func (s *Stream) SetCompression(threshold int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.threshold = threshold
}

// Push appends chunk and queues every complete frame. Any error leaves the
// stream unusable and the caller must close the connection.
func (s *Stream) Push(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.buf = append(s.buf, chunk...)

	queued := len(s.queue)
	off := 0
	var err error
	for {
		length, n, derr := DecodeVarInt(s.buf[off:])
		if derr != nil {
			err = derr
			break
		}
		if n == 0 {
			break
		}
		if length < 0 || length > MaxFrameSize {
			err = ErrFrameTooLarge
			break
		}
		end := off + n + int(length)
		if end > len(s.buf) {
			break
		}

		var p *Packet
		p, err = s.decode(s.buf[off+n : end])
		if err != nil {
			break
		}
		s.queue = append(s.queue, p)
		off = end
	}

	// What is left is one incomplete frame whose announced length was
	// accepted, so it never exceeds MaxVarIntLen+MaxFrameSize bytes.
	if off > 0 {
		s.buf = append(s.buf[:0], s.buf[off:]...)
	}

	if len(s.queue) > queued {
		select {
		case s.ready <- struct{}{}:
		default:
		}
	}

	return err
}

func (s *Stream) decode(frame []byte) (*Packet, error) {
	if s.threshold < 0 {
		return ParsePacket(bytes.Clone(frame))
	}

	size, n, err := DecodeVarInt(frame)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, ErrShortPacket
	}
	body := frame[n:]
	if size == 0 {
		return ParsePacket(bytes.Clone(body))
	}
	if size < 0 || size > MaxUncompressedSize {
		return nil, ErrBadCompression
	}

	zr, err := zlib.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadCompression, err)
	}
	defer zr.Close()

	out := make([]byte, 0, size)
	buf := bytes.NewBuffer(out)
	if _, err := io.Copy(buf, io.LimitReader(zr, int64(size)+1)); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadCompression, err)
	}
	if buf.Len() != int(size) {
		return nil, ErrBadCompression
	}
	return ParsePacket(buf.Bytes())
}

// HavePacket reports whether a frame is queued.
func (s *Stream) HavePacket() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue) > 0
}

// Next dequeues the oldest frame, blocking until one is available or ctx is
// done.
func (s *Stream) Next(ctx context.Context) (*Packet, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			p := s.queue[0]
			s.queue[0] = nil
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return p, nil
		}
		s.mu.Unlock()

		select {
		case <-s.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Pending returns a copy of the bytes of the incomplete frame.
func (s *Stream) Pending() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return bytes.Clone(s.buf)
}

// Queued returns the number of decoded frames not yet consumed.
func (s *Stream) Queued() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}
