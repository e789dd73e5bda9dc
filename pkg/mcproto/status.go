// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package mcproto

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	perrors "github.com/absmach/transit/pkg/errors"
)

const faviconPrefix = "data:image/png;base64,"

var hexColor = regexp.MustCompile(`^#[0-9a-fA-F]{6}$`)

var namedColors = map[string]struct{}{
	"black": {}, "dark_blue": {}, "dark_green": {}, "dark_aqua": {},
	"dark_red": {}, "dark_purple": {}, "gold": {}, "gray": {},
	"dark_gray": {}, "blue": {}, "green": {}, "aqua": {},
	"red": {}, "light_purple": {}, "yellow": {}, "white": {},
}

// Component is a JSON chat component, used for MOTD descriptions and kick
// reasons.
type Component struct {
	Text          string      `json:"text" yaml:"text"`
	Translate     string      `json:"translate,omitempty" yaml:"translate,omitempty"`
	Color         string      `json:"color,omitempty" yaml:"color,omitempty"`
	Bold          *bool       `json:"bold,omitempty" yaml:"bold,omitempty"`
	Italic        *bool       `json:"italic,omitempty" yaml:"italic,omitempty"`
	Underlined    *bool       `json:"underlined,omitempty" yaml:"underlined,omitempty"`
	Strikethrough *bool       `json:"strikethrough,omitempty" yaml:"strikethrough,omitempty"`
	Obfuscated    *bool       `json:"obfuscated,omitempty" yaml:"obfuscated,omitempty"`
	Extra         []Component `json:"extra,omitempty" yaml:"extra,omitempty"`
}

// Text returns a plain text component.
func Text(s string) Component {
	return Component{Text: s}
}

// Validate checks that the component renders something and uses known colors.
func (c Component) Validate() error {
	if c.Text == "" && c.Translate == "" && len(c.Extra) == 0 {
		return fmt.Errorf("empty chat component: %w", perrors.ErrInvalidInput)
	}
	if c.Color != "" {
		if _, ok := namedColors[c.Color]; !ok && !hexColor.MatchString(c.Color) {
			return fmt.Errorf("unknown color %q: %w", c.Color, perrors.ErrInvalidInput)
		}
	}
	for _, e := range c.Extra {
		if err := e.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Version is the version block of a status response.
type Version struct {
	Name     string `json:"name" yaml:"name"`
	Protocol int32  `json:"protocol" yaml:"protocol"`
}

// Sample is one entry of the hover player list.
type Sample struct {
	Name string `json:"name" yaml:"name"`
	ID   string `json:"id" yaml:"id"`
}

// Players is the player block of a status response.
type Players struct {
	Max    int      `json:"max" yaml:"max"`
	Online int      `json:"online" yaml:"online"`
	Sample []Sample `json:"sample,omitempty" yaml:"sample,omitempty"`
}

// Status is the server list response shown to clients, the MOTD.
type Status struct {
	Version     *Version  `json:"version,omitempty" yaml:"version,omitempty"`
	Players     *Players  `json:"players,omitempty" yaml:"players,omitempty"`
	Description Component `json:"description" yaml:"description"`
	Favicon     string    `json:"favicon,omitempty" yaml:"favicon,omitempty"`
}

// Validate checks the status payload.
func (s *Status) Validate() error {
	if s == nil {
		return fmt.Errorf("missing status: %w", perrors.ErrInvalidInput)
	}
	if err := s.Description.Validate(); err != nil {
		return fmt.Errorf("invalid description: %w", err)
	}
	if s.Players != nil && (s.Players.Max < 0 || s.Players.Online < 0) {
		return fmt.Errorf("negative player count: %w", perrors.ErrInvalidInput)
	}
	if s.Favicon != "" && !strings.HasPrefix(s.Favicon, faviconPrefix) {
		return fmt.Errorf("favicon must be a PNG data URI: %w", perrors.ErrInvalidInput)
	}
	return nil
}

// Resolve returns a copy of s with the version and player blocks filled in.
// A missing or zero protocol echoes the client's protocol so the entry is
// shown as compatible.
func (s Status) Resolve(protocol int32, online int) Status {
	v := Version{Name: "Transit", Protocol: protocol}
	if s.Version != nil {
		v = *s.Version
		if v.Name == "" {
			v.Name = "Transit"
		}
		if v.Protocol == 0 {
			v.Protocol = protocol
		}
	}
	s.Version = &v

	p := Players{Max: 20, Online: online}
	if s.Players != nil {
		p = *s.Players
	}
	s.Players = &p

	return s
}

// StatusPacket encodes a status response.
func StatusPacket(s Status) (*Packet, error) {
	return jsonPacket(s)
}

// DisconnectPacket encodes a login disconnect carrying reason.
func DisconnectPacket(reason Component) (*Packet, error) {
	return jsonPacket(reason)
}

func jsonPacket(v any) (*Packet, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode json payload: %w", err)
	}
	data := make([]byte, 0, MaxVarIntLen+len(b))
	data = AppendVarInt(data, int32(len(b)))
	data = append(data, b...)
	return &Packet{ID: 0x00, Data: data}, nil
}
