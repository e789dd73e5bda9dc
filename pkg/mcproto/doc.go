// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package mcproto implements the subset of the Minecraft Java Edition wire
// protocol that Transit inspects before a connection switches to opaque
// relaying.
//
// # Framing
//
// Every packet on the wire is a frame:
//
//	VarInt length | payload
//
// Once compression is negotiated the payload itself starts with a VarInt
// holding the uncompressed length. Zero means the body follows raw, any other
// value means the body is zlib compressed:
//
//	VarInt length | VarInt uncompressed length | body
//
// The decoded payload is always a VarInt packet ID followed by packet data.
//
// # Stream
//
// Stream reassembles frames from arbitrarily segmented input. Bytes are
// pushed as they arrive from the socket and complete frames are queued in
// arrival order:
//
//	s := mcproto.NewStream()
//	if err := s.Push(chunk); err != nil {
//		// protocol violation, close the connection
//	}
//	p, err := s.Next(ctx) // blocks until a frame is queued
//
// Partial frames, including a length prefix split across reads, are kept
// byte-for-byte until the rest arrives. A length above MaxFrameSize is
// rejected as soon as its prefix is read, so the unresolved buffer never
// holds more than one frame of at most that size.
//
// # Packets
//
// Only the packets exchanged before the Play state are modelled:
//
//	Handshake     0x00  VarInt protocol, String address, UInt16 port, VarInt next state
//	Login Start   0x00  String username (trailing fields are kept verbatim)
//	Status        0x00  JSON status object
//	Disconnect    0x00  JSON chat component
//
// Modded Forge clients append a marker to the handshake address. SplitForgeMarker
// detects and strips it so routing sees the plain host name, and Forge.Marker
// returns the sentinel to re-append when forwarding.
package mcproto
