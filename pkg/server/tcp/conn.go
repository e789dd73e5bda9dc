// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/transit"
	perrors "github.com/absmach/transit/pkg/errors"
	"github.com/absmach/transit/pkg/logger"
	"github.com/absmach/transit/pkg/mcproto"
	"github.com/absmach/transit/pkg/plugin"
	"github.com/absmach/transit/pkg/proxyprotocol"
	"github.com/absmach/transit/pkg/relay"
	"github.com/google/uuid"
)

const (
	readBufferSize = 32 << 10

	// drainTimeout bounds how long a final message to the client may take
	// before the socket is closed anyway.
	drainTimeout = 5 * time.Second
)

// State is the protocol phase of a client connection. It only moves forward.
type State int32

const (
	StateHandshake State = iota
	StateStatus
	StateLogin
	StatePlay
)

func (s State) String() string {
	switch s {
	case StateHandshake:
		return "handshake"
	case StateStatus:
		return "status"
	case StateLogin:
		return "login"
	case StatePlay:
		return "play"
	default:
		return "unknown"
	}
}

// conn drives one client from handshake to play. The client reader feeds
// the decoders; run consumes decoded frames on the serve goroutine. Once the
// backend is open, the reader writes client bytes straight to the upstream
// sink and the decoders are never used again.
type conn struct {
	id       string
	srv      *Server
	client   net.Conn
	log      *slog.Logger
	config   *transit.Config
	pipeline *plugin.Pipeline
	started  time.Time

	ctx    context.Context
	cancel context.CancelFunc
	state  atomic.Int32

	// mu serialises feed against the play handoff.
	mu       sync.Mutex
	pp       *proxyprotocol.Stream
	packets  *mcproto.Stream
	origin   netip.Addr
	upstream *relay.Sink

	downstream *relay.Sink

	peerMu  sync.Mutex
	backend net.Conn

	timersMu sync.Mutex
	timers   []*time.Timer

	closeOnce sync.Once
	closeErr  error

	// Owned by the serve goroutine.
	handshook bool
	protocol  int32
	host      string
	forge     mcproto.Forge
	username  string
}

func newConn(ctx context.Context, s *Server, client net.Conn) *conn {
	ctx, cancel := context.WithCancel(ctx)
	c := &conn{
		id:       uuid.NewString(),
		srv:      s,
		client:   client,
		config:   s.configs.Current(),
		pipeline: s.pipelines.Pipeline(),
		started:  time.Now(),
		ctx:      ctx,
		cancel:   cancel,
		packets:  mcproto.NewStream(),
	}
	c.log = s.config.Logger.With(
		slog.String("session", c.id),
		slog.String("client", client.RemoteAddr().String()))

	if ap, err := netip.ParseAddrPort(client.RemoteAddr().String()); err == nil {
		c.origin = ap.Addr().Unmap()
	}
	if c.config.Inbound.ProxyProtocol {
		c.pp = proxyprotocol.NewStream(s.config.ProxyHeaderLimit)
	}
	c.downstream = c.newSink(client, relay.Downstream)
	return c
}

func (c *conn) newSink(w io.Writer, dir relay.Direction) *relay.Sink {
	relayed := c.srv.metrics.RelayedBytes.WithLabelValues(dir.String())
	return relay.NewSink(w, dir, relay.Options{
		Limit: c.srv.config.SendBufferLimit,
		OnError: func(err error) {
			if errors.Is(err, relay.ErrBufferLimit) {
				c.srv.metrics.BufferLimit.WithLabelValues(dir.String()).Inc()
			}
			c.close(err)
		},
		OnWrite: func(n int) { relayed.Add(float64(n)) },
	})
}

// State returns the current protocol phase.
func (c *conn) State() State {
	return State(c.state.Load())
}

func (c *conn) setState(s State) {
	old := State(c.state.Swap(int32(s)))
	c.srv.metrics.ActiveConnections.WithLabelValues(old.String()).Dec()
	c.srv.metrics.ActiveConnections.WithLabelValues(s.String()).Inc()
	c.log.Log(c.ctx, logger.LevelTrace, "state changed",
		slog.String("from", old.String()),
		slog.String("to", s.String()))
}

func (c *conn) serve() {
	c.srv.metrics.ActiveConnections.WithLabelValues(StateHandshake.String()).Inc()
	c.log.Debug("connection established")

	c.deadline(c.srv.config.HandshakeTimeout, StateHandshake)
	go c.readClient()

	if err := c.run(); err != nil {
		c.close(perrors.New("serve", c.State().String(), c.id, c.client.RemoteAddr().String(), err))
	}
	<-c.ctx.Done()
	c.close(nil)
	c.finish()
}

// deadline closes the connection if it is still at or before gate when d
// elapses.
func (c *conn) deadline(d time.Duration, gate State) {
	t := time.AfterFunc(d, func() {
		if s := c.State(); s <= gate {
			c.close(fmt.Errorf("%s not completed within %s: %w", s, d, perrors.ErrTimeout))
		}
	})
	c.timersMu.Lock()
	c.timers = append(c.timers, t)
	c.timersMu.Unlock()
	if c.ctx.Err() != nil {
		t.Stop()
	}
}

func (c *conn) readClient() {
	buf := make([]byte, readBufferSize)
	for {
		n, err := c.client.Read(buf)
		if n > 0 {
			if ferr := c.feed(buf[:n]); ferr != nil {
				c.close(ferr)
				return
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				c.close(nil)
			} else {
				c.close(fmt.Errorf("client read failed: %w: %w", perrors.ErrConnectionClosed, err))
			}
			return
		}
	}
}

func (c *conn) feed(chunk []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	logger.Packet(c.ctx, c.log, "C2S", chunk)
	if c.upstream != nil {
		_, err := c.upstream.Write(chunk)
		return err
	}

	if c.pp != nil {
		err := c.pp.Push(chunk)
		switch {
		case errors.Is(err, proxyprotocol.ErrNotProxyProtocol) && c.config.Inbound.ProxyProtocolOptional:
			c.log.Debug("no proxy protocol header, reading plain stream")
			chunk = c.pp.Buffered()
			c.pp = nil
		case err != nil:
			return fmt.Errorf("invalid proxy protocol header: %w", err)
		case !c.pp.Valid():
			return nil
		default:
			addr, ok, err := c.pp.Decode()
			if err != nil {
				return err
			}
			if ok {
				c.origin = addr
			}
			c.log.Debug("proxy protocol header accepted",
				slog.String("origin", c.origin.String()),
				slog.Bool("local", !ok))
			chunk = c.pp.Rest()
			c.pp = nil
		}
		if len(chunk) == 0 {
			return nil
		}
	}

	return c.packets.Push(chunk)
}

func (c *conn) originAddr() netip.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.origin
}

func (c *conn) info() plugin.Info {
	return plugin.Info{
		SessionID: c.id,
		Host:      c.host,
		IP:        c.originAddr().String(),
		Username:  c.username,
		Protocol:  c.protocol,
	}
}

func (c *conn) run() error {
	p, err := c.packets.Next(c.ctx)
	if err != nil {
		return nil
	}
	hs, err := mcproto.ParseHandshake(p)
	if err != nil {
		return fmt.Errorf("invalid handshake: %w", err)
	}

	host, forge := mcproto.SplitForgeMarker(hs.ServerAddress)
	c.handshook = true
	c.protocol = hs.ProtocolVersion
	c.host = host
	c.forge = forge
	c.srv.tracker.AddConn(host, c.id)

	c.log.Info("handshake",
		slog.String("origin", c.originAddr().String()),
		slog.String("host", host),
		slog.Int("port", int(hs.ServerPort)),
		slog.Int("protocol", int(hs.ProtocolVersion)),
		slog.String("next", hs.NextState.String()),
		slog.String("forge", forge.String()))

	switch hs.NextState {
	case mcproto.NextStateStatus:
		c.setState(StateStatus)
		c.deadline(c.srv.config.LoginTimeout, StateStatus)
		return c.status()
	case mcproto.NextStateLogin:
		c.setState(StateLogin)
		c.deadline(c.srv.config.LoginTimeout, StateLogin)
		return c.login()
	default:
		return fmt.Errorf("invalid next state %s: %w", hs.NextState, perrors.ErrProtocolViolation)
	}
}

func (c *conn) status() error {
	res := c.pipeline.MOTD(c.ctx, c.info())
	status := res.Status.Resolve(c.protocol, c.srv.tracker.Online())
	p, err := mcproto.StatusPacket(status)
	if err != nil {
		return err
	}
	if err := c.send(p); err != nil {
		return err
	}
	c.log.Info("responded with motd")
	return nil
}

func (c *conn) login() error {
	p, err := c.packets.Next(c.ctx)
	if err != nil {
		return nil
	}
	ls, err := mcproto.ParseLoginStart(p)
	if err != nil {
		return fmt.Errorf("invalid login start: %w", err)
	}

	c.username = ls.Username
	c.srv.metrics.OnlinePlayers.Set(float64(c.srv.tracker.AddPlayer(ls.Username)))
	c.log.Info("login", slog.String("username", ls.Username))

	switch res := c.pipeline.Login(c.ctx, c.info()).(type) {
	case plugin.Pass:
		if res.Outbound.Destination == "" {
			return c.reject("no outbound destination")
		}
		c.srv.metrics.Logins.WithLabelValues("pass").Inc()
		return c.pass(res.Outbound, p)
	case plugin.Kick:
		c.srv.metrics.Logins.WithLabelValues("kick").Inc()
		return c.kick(res.Reason)
	default:
		return c.reject("login rejected")
	}
}

func (c *conn) reject(msg string) error {
	c.srv.metrics.Logins.WithLabelValues("reject").Inc()
	c.log.Warn(msg, slog.String("username", c.username))
	c.close(nil)
	return nil
}

func (c *conn) kick(reason mcproto.Component) error {
	p, err := mcproto.DisconnectPacket(reason)
	if err != nil {
		return err
	}
	if err := c.send(p); err != nil {
		return err
	}
	c.log.Warn("kicked while logging in",
		slog.String("username", c.username),
		slog.String("reason", reason.Text))
	c.drainAndClose()
	return nil
}

func (c *conn) send(p *mcproto.Packet) error {
	b, err := mcproto.Encode(p, mcproto.CompressionDisabled)
	if err != nil {
		return err
	}
	logger.Packet(c.ctx, c.log, "S2C", b)
	_, err = c.downstream.Write(b)
	return err
}

// drainAndClose gives queued client bytes a bounded chance to go out before
// closing.
func (c *conn) drainAndClose() {
	ctx, cancel := context.WithTimeout(c.ctx, drainTimeout)
	defer cancel()
	if err := c.downstream.Drain(ctx); err != nil {
		c.log.Debug("failed to drain client buffer", slog.String("error", err.Error()))
	}
	c.close(nil)
}

func (c *conn) pass(out transit.Outbound, login *mcproto.Packet) error {
	if c.packets.Queued() > 0 {
		return fmt.Errorf("unexpected packet after login start: %w", perrors.ErrProtocolViolation)
	}

	target, err := c.srv.connector.Resolve(c.ctx, out)
	if err != nil {
		return perrors.Wrap(err, "failed to resolve backend")
	}

	host := c.host
	if out.RewriteHost {
		host = target.Host
	}
	if !out.RemoveFMLSignature {
		host += c.forge.Marker()
	}
	hs := mcproto.Handshake{
		ProtocolVersion: c.protocol,
		ServerAddress:   host,
		ServerPort:      target.Port,
		NextState:       mcproto.NextStateLogin,
	}

	var init []byte
	if out.ProxyProtocol {
		header, err := proxyprotocol.LocalHeader(c.originAddr())
		if err != nil {
			return err
		}
		init = append(init, header...)
	}
	for _, p := range []*mcproto.Packet{hs.Packet(), login} {
		b, err := mcproto.Encode(p, mcproto.CompressionDisabled)
		if err != nil {
			return err
		}
		init = append(init, b...)
	}

	c.log.Debug("connecting to backend", slog.String("backend", target.String()))
	backend, err := c.srv.connector.Dial(c.ctx, target)
	if err != nil {
		return err
	}
	return c.handoff(backend, target, init)
}

// handoff switches the connection to play. Bytes the client sent after the
// login frame that do not form a frame yet follow the synthesized prefix, so
// the backend sees the client stream in order.
func (c *conn) handoff(backend net.Conn, target Target, init []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.packets.Queued() > 0 {
		backend.Close()
		return fmt.Errorf("unexpected packet after login start: %w", perrors.ErrProtocolViolation)
	}

	c.peerMu.Lock()
	if c.ctx.Err() != nil {
		c.peerMu.Unlock()
		backend.Close()
		return nil
	}
	c.backend = backend
	c.upstream = c.newSink(backend, relay.Upstream)
	c.peerMu.Unlock()

	logger.Packet(c.ctx, c.log, "C2S handshake", init)
	if _, err := c.upstream.Write(init); err != nil {
		return err
	}
	if pending := c.packets.Pending(); len(pending) > 0 {
		if _, err := c.upstream.Write(pending); err != nil {
			return err
		}
	}
	c.setState(StatePlay)

	go c.readBackend(backend)
	c.log.Info("connected to backend", slog.String("backend", target.String()))
	return nil
}

func (c *conn) readBackend(backend net.Conn) {
	buf := make([]byte, readBufferSize)
	for {
		n, err := backend.Read(buf)
		if n > 0 {
			logger.Packet(c.ctx, c.log, "S2C", buf[:n])
			if _, werr := c.downstream.Write(buf[:n]); werr != nil {
				c.close(werr)
				return
			}
		}
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				c.drainAndClose()
			case errors.Is(err, net.ErrClosed):
				c.close(nil)
			default:
				c.close(fmt.Errorf("backend read failed: %w: %w", perrors.ErrBackendUnavailable, err))
			}
			return
		}
	}
}

// close tears down both peers once. It never takes mu, so it may run from
// sink callbacks invoked while mu is held.
func (c *conn) close(err error) {
	c.closeOnce.Do(func() {
		c.closeErr = err
		c.cancel()

		c.timersMu.Lock()
		for _, t := range c.timers {
			t.Stop()
		}
		c.timersMu.Unlock()

		c.client.Close()
		c.downstream.Close()

		c.peerMu.Lock()
		if c.backend != nil {
			c.backend.Close()
			c.upstream.Close()
		}
		c.peerMu.Unlock()
	})
}

func (c *conn) finish() {
	state := c.State()
	err := c.closeErr
	duration := time.Since(c.started)

	if c.handshook {
		c.srv.tracker.RemoveConn(c.host, c.id)
	}
	if c.username != "" {
		c.srv.metrics.OnlinePlayers.Set(float64(c.srv.tracker.RemovePlayer(c.username)))
	}

	m := c.srv.metrics
	m.ActiveConnections.WithLabelValues(state.String()).Dec()
	m.TotalConnections.WithLabelValues(state.String()).Inc()
	m.ConnectionDuration.Observe(duration.Seconds())

	attrs := []any{slog.String("state", state.String()), slog.Duration("duration", duration)}
	switch {
	case err == nil:
		c.log.Debug("connection closed", attrs...)
	case errors.Is(err, perrors.ErrBackendUnavailable):
		m.ConnectionErrors.WithLabelValues(perrors.Kind(err)).Inc()
		c.log.Error("connection closed", append(attrs, slog.String("error", err.Error()))...)
	default:
		m.ConnectionErrors.WithLabelValues(perrors.Kind(err)).Inc()
		c.log.Warn("connection closed", append(attrs, slog.String("error", err.Error()))...)
	}

	if c.handshook && c.username != "" {
		c.pipeline.Disconnect(context.Background(), c.info())
	}
}
