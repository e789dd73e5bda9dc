// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package mcproto

import (
	"encoding/binary"
	"fmt"
	"unicode/utf8"

	perrors "github.com/absmach/transit/pkg/errors"
)

// MaxVarIntLen is the maximum encoded size of a 32-bit VarInt.
const MaxVarIntLen = 5

var (
	// ErrVarIntTooLong is returned when a VarInt does not terminate within MaxVarIntLen bytes.
	ErrVarIntTooLong = fmt.Errorf("varint longer than %d bytes: %w", MaxVarIntLen, perrors.ErrProtocolViolation)

	// ErrShortPacket is returned when a field runs past the end of the packet.
	ErrShortPacket = fmt.Errorf("unexpected end of packet: %w", perrors.ErrProtocolViolation)
)

// DecodeVarInt decodes a VarInt from the start of b. It returns n == 0 with a
// nil error when b ends before the VarInt does.
func DecodeVarInt(b []byte) (value int32, n int, err error) {
	var v uint32
	for i := 0; i < MaxVarIntLen; i++ {
		if i >= len(b) {
			return 0, 0, nil
		}
		c := b[i]
		v |= uint32(c&0x7f) << (7 * i)
		if c&0x80 == 0 {
			return int32(v), i + 1, nil
		}
	}
	return 0, 0, ErrVarIntTooLong
}

// AppendVarInt appends the VarInt encoding of v to b.
func AppendVarInt(b []byte, v int32) []byte {
	u := uint32(v)
	for u >= 0x80 {
		b = append(b, byte(u)|0x80)
		u >>= 7
	}
	return append(b, byte(u))
}

// VarIntSize returns the encoded size of v.
func VarIntSize(v int32) int {
	u := uint32(v)
	n := 1
	for u >= 0x80 {
		u >>= 7
		n++
	}
	return n
}

// AppendString appends a VarInt length-prefixed UTF-8 string.
func AppendString(b []byte, s string) []byte {
	b = AppendVarInt(b, int32(len(s)))
	return append(b, s...)
}

// AppendUint16 appends a big-endian unsigned short.
func AppendUint16(b []byte, v uint16) []byte {
	return binary.BigEndian.AppendUint16(b, v)
}

// Reader reads protocol fields from a packet body.
type Reader struct {
	b   []byte
	off int
}

// NewReader returns a Reader over b.
func NewReader(b []byte) *Reader {
	return &Reader{b: b}
}

// ReadVarInt reads a VarInt.
func (r *Reader) ReadVarInt() (int32, error) {
	v, n, err := DecodeVarInt(r.b[r.off:])
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, ErrShortPacket
	}
	r.off += n
	return v, nil
}

// ReadString reads a length-prefixed string of at most maxChars characters.
func (r *Reader) ReadString(maxChars int) (string, error) {
	size, err := r.ReadVarInt()
	if err != nil {
		return "", err
	}
	if size < 0 || int(size) > maxChars*utf8.UTFMax {
		return "", fmt.Errorf("string length %d out of range: %w", size, perrors.ErrProtocolViolation)
	}
	if r.Len() < int(size) {
		return "", ErrShortPacket
	}
	raw := r.b[r.off : r.off+int(size)]
	if !utf8.Valid(raw) {
		return "", fmt.Errorf("string is not valid UTF-8: %w", perrors.ErrProtocolViolation)
	}
	if utf8.RuneCount(raw) > maxChars {
		return "", fmt.Errorf("string longer than %d characters: %w", maxChars, perrors.ErrProtocolViolation)
	}
	r.off += int(size)
	return string(raw), nil
}

// ReadUint16 reads a big-endian unsigned short.
func (r *Reader) ReadUint16() (uint16, error) {
	if r.Len() < 2 {
		return 0, ErrShortPacket
	}
	v := binary.BigEndian.Uint16(r.b[r.off:])
	r.off += 2
	return v, nil
}

// Len returns the number of unread bytes.
func (r *Reader) Len() int {
	return len(r.b) - r.off
}

// Rest returns the unread bytes without consuming them.
func (r *Reader) Rest() []byte {
	return r.b[r.off:]
}
