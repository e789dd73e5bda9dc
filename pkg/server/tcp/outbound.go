// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tcp

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/absmach/transit"
	"github.com/absmach/transit/pkg/breaker"
	perrors "github.com/absmach/transit/pkg/errors"
	"github.com/absmach/transit/pkg/metrics"
)

// DefaultDialTimeout bounds a backend dial.
const DefaultDialTimeout = 10 * time.Second

// Resolver looks up SRV records. *net.Resolver implements it.
type Resolver interface {
	LookupSRV(ctx context.Context, service, proto, name string) (string, []*net.SRV, error)
}

// Target is a resolved backend address.
type Target struct {
	Host string
	Port uint16
}

// String returns host:port.
func (t Target) String() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(int(t.Port)))
}

// ConnectorConfig configures a Connector.
type ConnectorConfig struct {
	Timeout  time.Duration
	Breakers *breaker.Group
	Resolver Resolver
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

// Connector opens backend connections.
type Connector struct {
	config ConnectorConfig
	dial   func(ctx context.Context, network, address string) (net.Conn, error)
}

// NewConnector creates a connector. Missing options get defaults; a nil
// Breakers disables circuit breaking.
func NewConnector(cfg ConnectorConfig) *Connector {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultDialTimeout
	}
	if cfg.Resolver == nil {
		cfg.Resolver = net.DefaultResolver
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	d := &net.Dialer{Timeout: cfg.Timeout}
	return &Connector{config: cfg, dial: d.DialContext}
}

// Resolve turns an outbound into a backend address. A destination without a
// port is looked up as _minecraft._tcp.<host> when SRV is enabled, falling
// back to the default port.
func (c *Connector) Resolve(ctx context.Context, out transit.Outbound) (Target, error) {
	host, port, explicit, err := out.Address()
	if err != nil {
		return Target{}, err
	}
	t := Target{Host: host, Port: port}
	if explicit || !out.SRV || net.ParseIP(host) != nil {
		return t, nil
	}

	_, addrs, err := c.config.Resolver.LookupSRV(ctx, "minecraft", "tcp", host)
	if err != nil || len(addrs) == 0 {
		c.config.Logger.Debug("no SRV record, using default port", slog.String("host", host))
		return t, nil
	}
	return Target{Host: strings.TrimSuffix(addrs[0].Target, "."), Port: addrs[0].Port}, nil
}

// Dial connects to t through the breaker of its address.
func (c *Connector) Dial(ctx context.Context, t Target) (net.Conn, error) {
	addr := t.String()
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	var conn net.Conn
	dial := func() error {
		var err error
		conn, err = c.dial(ctx, "tcp", addr)
		return err
	}
	if c.config.Metrics != nil {
		observed := dial
		dial = func() error { return c.config.Metrics.ObserveDial(addr, observed) }
	}

	var err error
	if c.config.Breakers != nil {
		err = c.config.Breakers.Get(addr).Call(dial)
	} else {
		err = dial()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dial backend %s: %w: %w", addr, perrors.ErrBackendUnavailable, err)
	}
	return conn, nil
}
