// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package mcproto

import (
	"fmt"
	"strings"

	perrors "github.com/absmach/transit/pkg/errors"
)

const (
	// MaxAddressLength bounds the handshake server address, Forge marker included.
	MaxAddressLength = 512

	// MaxUsernameLength is the longest username accepted in Login Start.
	MaxUsernameLength = 16

	// DefaultPort is the default Minecraft server port.
	DefaultPort = 25565
)

// NextState is the state requested by a handshake.
type NextState int32

const (
	NextStateStatus NextState = 1
	NextStateLogin  NextState = 2
)

func (s NextState) String() string {
	switch s {
	case NextStateStatus:
		return "status"
	case NextStateLogin:
		return "login"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// Handshake is the first packet sent by a client.
type Handshake struct {
	ProtocolVersion int32
	ServerAddress   string
	ServerPort      uint16
	NextState       NextState
}

// ParseHandshake decodes a handshake packet. The next state is not checked;
// callers decide which states they serve.
func ParseHandshake(p *Packet) (Handshake, error) {
	var h Handshake
	if p.ID != 0x00 {
		return h, fmt.Errorf("expected handshake packet, got id 0x%02x: %w", p.ID, perrors.ErrProtocolViolation)
	}

	r := p.Reader()
	var err error
	if h.ProtocolVersion, err = r.ReadVarInt(); err != nil {
		return h, err
	}
	if h.ServerAddress, err = r.ReadString(MaxAddressLength); err != nil {
		return h, err
	}
	if h.ServerPort, err = r.ReadUint16(); err != nil {
		return h, err
	}
	next, err := r.ReadVarInt()
	if err != nil {
		return h, err
	}
	h.NextState = NextState(next)

	return h, nil
}

// Packet encodes the handshake.
func (h Handshake) Packet() *Packet {
	data := make([]byte, 0, 2*MaxVarIntLen+len(h.ServerAddress)+MaxVarIntLen+2)
	data = AppendVarInt(data, h.ProtocolVersion)
	data = AppendString(data, h.ServerAddress)
	data = AppendUint16(data, h.ServerPort)
	data = AppendVarInt(data, int32(h.NextState))
	return &Packet{ID: 0x00, Data: data}
}

// LoginStart is the first packet of the login phase. Fields after the
// username differ across protocol versions and are carried verbatim.
type LoginStart struct {
	Username string
	Trailer  []byte
}

// ParseLoginStart decodes a Login Start packet.
func ParseLoginStart(p *Packet) (LoginStart, error) {
	var l LoginStart
	if p.ID != 0x00 {
		return l, fmt.Errorf("expected login start packet, got id 0x%02x: %w", p.ID, perrors.ErrProtocolViolation)
	}

	r := p.Reader()
	name, err := r.ReadString(MaxUsernameLength)
	if err != nil {
		return l, err
	}
	if name == "" {
		return l, fmt.Errorf("empty username: %w", perrors.ErrProtocolViolation)
	}
	l.Username = name
	l.Trailer = r.Rest()

	return l, nil
}

// Packet encodes the Login Start packet.
func (l LoginStart) Packet() *Packet {
	data := make([]byte, 0, MaxVarIntLen+len(l.Username)+len(l.Trailer))
	data = AppendString(data, l.Username)
	data = append(data, l.Trailer...)
	return &Packet{ID: 0x00, Data: data}
}

// Forge identifies the Forge Mod Loader marker found in a handshake address.
type Forge int

const (
	ForgeNone Forge = iota
	ForgeFML1
	ForgeFML2
)

const (
	markerFML1 = "\x00FML\x00"
	markerFML2 = "\x00FML2\x00"
)

// SplitForgeMarker removes a Forge marker from a handshake address and
// reports which one was present.
func SplitForgeMarker(address string) (string, Forge) {
	switch {
	case strings.Contains(address, markerFML2):
		return strings.ReplaceAll(address, markerFML2, ""), ForgeFML2
	case strings.Contains(address, markerFML1):
		return strings.ReplaceAll(address, markerFML1, ""), ForgeFML1
	default:
		return address, ForgeNone
	}
}

// Marker returns the sentinel appended to the address by this Forge version.
func (f Forge) Marker() string {
	switch f {
	case ForgeFML1:
		return markerFML1
	case ForgeFML2:
		return markerFML2
	default:
		return ""
	}
}

func (f Forge) String() string {
	switch f {
	case ForgeFML1:
		return "fml1"
	case ForgeFML2:
		return "fml2"
	default:
		return "none"
	}
}
