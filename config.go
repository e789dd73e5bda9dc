// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package transit holds the configuration of the Transit Minecraft proxy:
// process settings read from the environment and the routing document read
// from a YAML file that is reloaded while the proxy runs.
package transit

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"

	perrors "github.com/absmach/transit/pkg/errors"
	"github.com/absmach/transit/pkg/logger"
	"github.com/absmach/transit/pkg/mcproto"
	"gopkg.in/yaml.v3"
)

// DefaultBind is the default listen address.
const DefaultBind = "0.0.0.0:25565"

// LoggerConfig holds the log level applied on load and on every reload.
type LoggerConfig struct {
	Level string `yaml:"level,omitempty"`
}

// Inbound describes the listener.
type Inbound struct {
	Bind                  string `yaml:"bind"`
	ProxyProtocol         bool   `yaml:"proxyProtocol"`
	ProxyProtocolOptional bool   `yaml:"proxyProtocolOptional,omitempty"`
}

// Outbound is a routing decision: where to send a player and how to rewrite
// the handshake on the way.
type Outbound struct {
	Destination        string `yaml:"destination"`
	RewriteHost        bool   `yaml:"rewriteHost,omitempty"`
	ProxyProtocol      bool   `yaml:"proxyProtocol,omitempty"`
	RemoveFMLSignature bool   `yaml:"removeFMLSignature,omitempty"`
	SRV                bool   `yaml:"srv,omitempty"`
}

// Validate checks the destination format. An empty destination is valid and
// means the player is rejected.
func (o Outbound) Validate() error {
	if o.Destination == "" {
		return nil
	}
	host, _, _, err := o.Address()
	if err != nil {
		return err
	}
	if host == "" {
		return fmt.Errorf("destination %q has no host: %w", o.Destination, perrors.ErrInvalidInput)
	}
	return nil
}

// Address splits the destination into host and port. explicit is false when
// the destination carries no port and DefaultPort was used.
func (o Outbound) Address() (host string, port uint16, explicit bool, err error) {
	d := strings.TrimSpace(o.Destination)
	h, p, serr := net.SplitHostPort(d)
	if serr != nil {
		// No port, possibly a bare IPv6 address.
		return strings.Trim(d, "[]"), mcproto.DefaultPort, false, nil
	}
	n, perr := strconv.ParseUint(p, 10, 16)
	if perr != nil || n == 0 {
		return "", 0, false, fmt.Errorf("invalid port in destination %q: %w", o.Destination, perrors.ErrInvalidInput)
	}
	return h, uint16(n), true, nil
}

// Route maps a host glob to an outbound.
type Route struct {
	Host     string `yaml:"host"`
	Outbound `yaml:",inline"`
}

// Config is the routing document. Values are shared between connections and
// must be treated as read-only.
type Config struct {
	Logger  LoggerConfig         `yaml:"logger"`
	Inbound Inbound              `yaml:"inbound"`
	Routes  []Route              `yaml:"routes"`
	MOTD    *mcproto.Status      `yaml:"motd,omitempty"`
	Plugins map[string]yaml.Node `yaml:"plugins,omitempty"`
}

// Default returns the document written when no configuration file exists.
func Default() *Config {
	return &Config{
		Logger:  LoggerConfig{Level: "info"},
		Inbound: Inbound{Bind: DefaultBind},
		Routes: []Route{
			{Host: "*", Outbound: Outbound{Destination: "mc.hypixel.net", RewriteHost: true}},
		},
	}
}

// Parse decodes and validates a YAML document. Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.Inbound.Bind == "" {
		cfg.Inbound.Bind = DefaultBind
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every section of the document.
func (c *Config) Validate() error {
	if _, err := logger.ParseLevel(c.Logger.Level); err != nil {
		return fmt.Errorf("logger: %w: %w", perrors.ErrInvalidInput, err)
	}
	if _, _, err := net.SplitHostPort(c.Inbound.Bind); err != nil {
		return fmt.Errorf("inbound.bind %q: %w: %w", c.Inbound.Bind, perrors.ErrInvalidInput, err)
	}
	for i, r := range c.Routes {
		if r.Host == "" {
			return fmt.Errorf("routes[%d]: empty host pattern: %w", i, perrors.ErrInvalidInput)
		}
		if r.Destination == "" {
			return fmt.Errorf("routes[%d]: empty destination: %w", i, perrors.ErrInvalidInput)
		}
		if err := r.Outbound.Validate(); err != nil {
			return fmt.Errorf("routes[%d]: %w", i, err)
		}
	}
	if c.MOTD != nil {
		if err := c.MOTD.Validate(); err != nil {
			return fmt.Errorf("motd: %w", err)
		}
	}
	return nil
}

// Marshal encodes the document as YAML.
func (c *Config) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
