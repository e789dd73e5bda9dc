// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/transit"
	"github.com/absmach/transit/pkg/metrics"
	"github.com/absmach/transit/pkg/plugin"
	"github.com/absmach/transit/pkg/proxyprotocol"
	"github.com/absmach/transit/pkg/relay"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/semaphore"
)

var (
	// ErrShutdownTimeout is returned when graceful shutdown exceeds the configured timeout.
	ErrShutdownTimeout = errors.New("shutdown timeout exceeded")
)

// Config holds the Minecraft listener configuration.
type Config struct {
	// Address is the listen address (host:port).
	Address string

	// HandshakeTimeout bounds the wait for the handshake packet.
	HandshakeTimeout time.Duration

	// LoginTimeout bounds the wait for Login Start and the backend handoff.
	// Status connections are closed after the same period.
	LoginTimeout time.Duration

	// ShutdownTimeout is the maximum time to wait for active connections to drain
	// during graceful shutdown. After this timeout, remaining connections are
	// forcefully closed.
	ShutdownTimeout time.Duration

	// SendBufferLimit caps the bytes queued per direction of one connection.
	SendBufferLimit int

	// ProxyHeaderLimit caps the bytes buffered while waiting for an inbound
	// proxy protocol header.
	ProxyHeaderLimit int

	// MaxConnections caps concurrently served clients. Zero means no limit.
	MaxConnections int

	// Metrics receives connection metrics. Nil registers on a private registry.
	Metrics *metrics.Metrics

	// Logger for server events
	Logger *slog.Logger
}

// ConfigSource supplies the routing configuration snapshot for new
// connections.
type ConfigSource interface {
	Current() *transit.Config
}

// PipelineSource supplies the plugin pipeline for new connections.
type PipelineSource interface {
	Pipeline() *plugin.Pipeline
}

// Server accepts Minecraft clients and drives each through handshake and
// login before relaying it to the backend chosen by the plugin pipeline.
type Server struct {
	config    Config
	configs   ConfigSource
	pipelines PipelineSource
	connector *Connector
	tracker   *Tracker
	metrics   *metrics.Metrics
	slots     *semaphore.Weighted

	addr atomic.Pointer[net.TCPAddr]
	wg   sync.WaitGroup
}

// New creates a server. A nil connector dials with defaults and no circuit
// breaking.
func New(cfg Config, configs ConfigSource, pipelines PipelineSource, connector *Connector) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = 15 * time.Second
	}
	if cfg.LoginTimeout == 0 {
		cfg.LoginTimeout = 15 * time.Second
	}
	if cfg.SendBufferLimit == 0 {
		cfg.SendBufferLimit = relay.DefaultLimit
	}
	if cfg.ProxyHeaderLimit == 0 {
		cfg.ProxyHeaderLimit = proxyprotocol.DefaultLimit
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New(metrics.DefaultNamespace, prometheus.NewRegistry())
	}
	if connector == nil {
		connector = NewConnector(ConnectorConfig{Logger: cfg.Logger})
	}

	s := &Server{
		config:    cfg,
		configs:   configs,
		pipelines: pipelines,
		connector: connector,
		tracker:   NewTracker(),
		metrics:   cfg.Metrics,
	}
	if cfg.MaxConnections > 0 {
		s.slots = semaphore.NewWeighted(int64(cfg.MaxConnections))
	}
	return s
}

// Tracker returns the shared connection state of this server.
func (s *Server) Tracker() *Tracker {
	return s.tracker
}

// Addr returns the bound address while the server is listening.
func (s *Server) Addr() net.Addr {
	if a := s.addr.Load(); a != nil {
		return a
	}
	return nil
}

// Listen binds the configured address and serves until the context is
// cancelled.
func (s *Server) Listen(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
	}
	return s.Serve(ctx, listener)
}

// Serve accepts connections on listener until the context is cancelled. It
// implements graceful shutdown with connection draining and closes listener
// on return.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	if a, ok := listener.Addr().(*net.TCPAddr); ok {
		s.addr.Store(a)
		defer s.addr.Store(nil)
	}
	s.config.Logger.Info("Minecraft listener started", slog.String("address", listener.Addr().String()))

	// Connections get their own context so shutdown can let them drain
	// before forcing them closed.
	connCtx, connCancel := context.WithCancel(context.Background())
	defer connCancel()

	acceptDone := make(chan struct{})
	go func() {
		defer close(acceptDone)
		for {
			conn, err := listener.Accept()
			if err != nil {
				select {
				case <-ctx.Done():
					return
				default:
				}
				if errors.Is(err, net.ErrClosed) {
					return
				}
				s.config.Logger.Error("failed to accept connection", slog.String("error", err.Error()))
				continue
			}

			if s.slots != nil && !s.slots.TryAcquire(1) {
				s.config.Logger.Warn("connection limit reached, dropping client",
					slog.String("remote", conn.RemoteAddr().String()),
					slog.Int("limit", s.config.MaxConnections))
				conn.Close()
				continue
			}

			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				if s.slots != nil {
					defer s.slots.Release(1)
				}
				newConn(connCtx, s, conn).serve()
			}()
		}
	}()

	<-ctx.Done()
	s.config.Logger.Info("shutdown signal received, closing listener")

	if err := listener.Close(); err != nil {
		s.config.Logger.Error("error closing listener", slog.String("error", err.Error()))
	}
	<-acceptDone

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.config.Logger.Info("all connections closed gracefully")
		return nil
	case <-time.After(s.config.ShutdownTimeout):
		s.config.Logger.Warn("shutdown timeout exceeded, forcing connection closure")
		connCancel()
		select {
		case <-done:
		case <-time.After(time.Second):
		}
		return ErrShutdownTimeout
	}
}
