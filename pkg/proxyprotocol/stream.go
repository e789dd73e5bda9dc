// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package proxyprotocol classifies the start of an inbound stream as a PROXY
// protocol v2 header and extracts the origin address from it.
//
// Bytes are pushed as they arrive. The 12-byte signature is compared byte by
// byte, so a plain Minecraft stream is recognised as soon as its first
// diverging byte is seen. Header parsing is done by go-proxyproto once the
// whole header is buffered; the bytes after the header are returned by Rest
// and belong to the Minecraft stream.
package proxyprotocol

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"

	perrors "github.com/absmach/transit/pkg/errors"
	proxyproto "github.com/pires/go-proxyproto"
)

// DefaultLimit bounds the raw bytes buffered before a header is complete.
const DefaultLimit = 576

const (
	sigLen    = 12
	headerLen = 16
)

var (
	// ErrNotProxyProtocol is returned when the stream does not start with the v2 signature.
	ErrNotProxyProtocol = fmt.Errorf("missing proxy protocol v2 signature: %w", perrors.ErrDecodeFailure)

	// ErrUnsupportedVersion is returned for proxy protocol v1 headers.
	ErrUnsupportedVersion = fmt.Errorf("proxy protocol v1 is not supported: %w", perrors.ErrDecodeFailure)

	// ErrHeaderTooLarge is returned when no complete header fits within the limit.
	ErrHeaderTooLarge = fmt.Errorf("proxy protocol header exceeds limit: %w", perrors.ErrDecodeFailure)

	// ErrUnsupportedFamily is returned for UNIX and UNSPEC address families.
	ErrUnsupportedFamily = fmt.Errorf("unsupported proxy protocol address family: %w", perrors.ErrDecodeFailure)

	// ErrIncomplete is returned by Decode before a header has been confirmed.
	ErrIncomplete = fmt.Errorf("proxy protocol header incomplete: %w", perrors.ErrDecodeFailure)
)

// Stream buffers the start of a connection until a v2 header is complete.
// It is not safe for concurrent use.
type Stream struct {
	limit  int
	buf    []byte
	header *proxyproto.Header
	rest   []byte
	err    error
}

// NewStream returns a Stream that gives up after limit bytes. A non-positive
// limit selects DefaultLimit.
func NewStream(limit int) *Stream {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Stream{limit: limit}
}

// Push appends chunk. Errors are sticky: once Push fails every later call
// returns the same error.
func (s *Stream) Push(chunk []byte) error {
	if s.err != nil {
		return s.err
	}
	if s.header != nil {
		s.rest = append(s.rest, chunk...)
		return nil
	}

	s.buf = append(s.buf, chunk...)

	if n := min(len(s.buf), len(proxyproto.SIGV1)); bytes.Equal(s.buf[:n], proxyproto.SIGV1[:n]) {
		if n == len(proxyproto.SIGV1) {
			return s.fail(ErrUnsupportedVersion)
		}
		return nil
	}
	n := min(len(s.buf), sigLen)
	if !bytes.Equal(s.buf[:n], proxyproto.SIGV2[:n]) {
		return s.fail(ErrNotProxyProtocol)
	}
	if len(s.buf) > sigLen && s.buf[sigLen]>>4 != 2 {
		return s.fail(ErrUnsupportedVersion)
	}
	if len(s.buf) > sigLen+1 {
		switch s.buf[sigLen+1] >> 4 {
		case 0x0, 0x3:
			return s.fail(ErrUnsupportedFamily)
		}
	}
	if len(s.buf) < headerLen {
		return s.checkLimit()
	}

	total := headerLen + int(binary.BigEndian.Uint16(s.buf[14:16]))
	if total > s.limit {
		return s.fail(ErrHeaderTooLarge)
	}
	if len(s.buf) < total {
		return s.checkLimit()
	}

	header, err := proxyproto.Read(bufio.NewReader(bytes.NewReader(s.buf[:total])))
	if err != nil {
		return s.fail(fmt.Errorf("%w: %w", perrors.ErrDecodeFailure, err))
	}
	if header.Version != 2 {
		return s.fail(ErrUnsupportedVersion)
	}
	if header.TransportProtocol.IsUnix() || header.TransportProtocol.IsUnspec() {
		return s.fail(ErrUnsupportedFamily)
	}

	s.header = header
	s.rest = append(s.rest, s.buf[total:]...)
	s.buf = nil
	return nil
}

func (s *Stream) checkLimit() error {
	if len(s.buf) > s.limit {
		return s.fail(ErrHeaderTooLarge)
	}
	return nil
}

func (s *Stream) fail(err error) error {
	s.err = err
	return err
}

// Valid reports whether a complete and acceptable header has been parsed.
func (s *Stream) Valid() bool {
	return s.header != nil
}

// Decode returns the origin address carried by the header. ok is false for a
// LOCAL header, in which case the socket address stays authoritative.
func (s *Stream) Decode() (addr netip.Addr, ok bool, err error) {
	if s.header == nil {
		if s.err != nil {
			return netip.Addr{}, false, s.err
		}
		return netip.Addr{}, false, ErrIncomplete
	}
	if s.header.Command.IsLocal() {
		return netip.Addr{}, false, nil
	}

	var ip net.IP
	switch src := s.header.SourceAddr.(type) {
	case *net.TCPAddr:
		ip = src.IP
	case *net.UDPAddr:
		ip = src.IP
	default:
		return netip.Addr{}, false, ErrUnsupportedFamily
	}
	addr, ok = netip.AddrFromSlice(ip)
	if !ok {
		return netip.Addr{}, false, ErrUnsupportedFamily
	}
	return addr.Unmap(), true, nil
}

// Buffered returns every byte pushed so far that was not consumed as a
// header. Callers replaying a rejected stream as plain Minecraft use it.
func (s *Stream) Buffered() []byte {
	if s.header != nil {
		return s.rest
	}
	return s.buf
}

// Rest returns the bytes that followed the header.
func (s *Stream) Rest() []byte {
	return s.rest
}

// LocalHeader encodes a v2 LOCAL header carrying origin as the source
// address, written ahead of the handshake to backends that expect one.
func LocalHeader(origin netip.Addr) ([]byte, error) {
	origin = origin.Unmap()
	var (
		family proxyproto.AddressFamilyAndProtocol
		dst    net.IP
	)
	switch {
	case origin.Is4():
		family = proxyproto.TCPv4
		dst = net.IPv4zero
	case origin.Is6():
		family = proxyproto.TCPv6
		dst = net.IPv6zero
	default:
		return nil, ErrUnsupportedFamily
	}

	header := &proxyproto.Header{
		Version:           2,
		Command:           proxyproto.LOCAL,
		TransportProtocol: family,
		SourceAddr:        &net.TCPAddr{IP: net.IP(origin.AsSlice())},
		DestinationAddr:   &net.TCPAddr{IP: dst},
	}
	return header.Format()
}
