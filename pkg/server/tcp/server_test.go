// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tcp

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/absmach/transit"
	"github.com/absmach/transit/pkg/logger"
	"github.com/absmach/transit/pkg/mcproto"
	"github.com/absmach/transit/pkg/plugin"
	"github.com/absmach/transit/pkg/plugin/router"
	proxyproto "github.com/pires/go-proxyproto"
)

const ioTimeout = 3 * time.Second

type hooks struct {
	apply func(s *plugin.Setup) error
}

func (h *hooks) Name() string { return "hooks" }

func (h *hooks) Apply(s *plugin.Setup) error { return h.apply(s) }

func withHooks(apply func(s *plugin.Setup) error) plugin.Factory {
	return func() plugin.Plugin { return &hooks{apply: apply} }
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, nil))
}

// logBuffer collects log output written from connection goroutines.
type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *logBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func startServer(t *testing.T, doc string, cfg Config, factories ...plugin.Factory) *Server {
	t.Helper()

	conf, err := transit.Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Failed to parse config: %v", err)
	}
	reg := plugin.NewRegistry(testLogger(), append([]plugin.Factory{router.New}, factories...)...)
	if err := reg.Reload(conf); err != nil {
		t.Fatalf("Failed to load plugins: %v", err)
	}

	if cfg.Logger == nil {
		cfg.Logger = testLogger()
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 500 * time.Millisecond
	}
	srv := New(cfg, transit.NewStaticProvider(conf), reg, nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to create listener: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("Server did not shut down")
		}
	})

	// Serve publishes the address before accepting.
	for i := 0; srv.Addr() == nil && i < 100; i++ {
		time.Sleep(10 * time.Millisecond)
	}
	return srv
}

func startBackend(t *testing.T) *net.TCPListener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to create backend listener: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	return ln.(*net.TCPListener)
}

func accept(t *testing.T, ln *net.TCPListener) net.Conn {
	t.Helper()
	ln.SetDeadline(time.Now().Add(ioTimeout))
	conn, err := ln.Accept()
	if err != nil {
		t.Fatalf("Backend accept failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// peer reads Minecraft frames from one side of a connection.
type peer struct {
	t      *testing.T
	conn   net.Conn
	r      io.Reader
	stream *mcproto.Stream
}

func newPeer(t *testing.T, conn net.Conn) *peer {
	return &peer{t: t, conn: conn, r: conn, stream: mcproto.NewStream()}
}

func dial(t *testing.T, srv *Server) *peer {
	t.Helper()
	conn, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return newPeer(t, conn)
}

func (p *peer) write(b ...[]byte) {
	p.t.Helper()
	if _, err := p.conn.Write(bytes.Join(b, nil)); err != nil {
		p.t.Fatalf("Write failed: %v", err)
	}
}

func (p *peer) next() *mcproto.Packet {
	p.t.Helper()
	buf := make([]byte, 4096)
	p.conn.SetReadDeadline(time.Now().Add(ioTimeout))
	for !p.stream.HavePacket() {
		n, err := p.r.Read(buf)
		if n > 0 {
			if perr := p.stream.Push(buf[:n]); perr != nil {
				p.t.Fatalf("Invalid frame: %v", perr)
			}
		}
		if err != nil && !p.stream.HavePacket() {
			p.t.Fatalf("Read failed: %v", err)
		}
	}
	pk, err := p.stream.Next(context.Background())
	if err != nil {
		p.t.Fatalf("Next failed: %v", err)
	}
	return pk
}

// raw reads exactly n bytes following the frames read so far.
func (p *peer) raw(n int) []byte {
	p.t.Helper()
	out := p.stream.Pending()
	p.stream = mcproto.NewStream()
	if len(out) >= n {
		return out[:n]
	}
	rest := make([]byte, n-len(out))
	p.conn.SetReadDeadline(time.Now().Add(ioTimeout))
	if _, err := io.ReadFull(p.r, rest); err != nil {
		p.t.Fatalf("ReadFull failed: %v", err)
	}
	return append(out, rest...)
}

func (p *peer) expectClosed() {
	p.t.Helper()
	p.conn.SetReadDeadline(time.Now().Add(ioTimeout))
	buf := make([]byte, 1024)
	for {
		_, err := p.r.Read(buf)
		if err == nil {
			continue
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			p.t.Fatal("Expected connection to be closed, read timed out")
		}
		return
	}
}

func frame(t *testing.T, p *mcproto.Packet) []byte {
	t.Helper()
	b, err := mcproto.Encode(p, mcproto.CompressionDisabled)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	return b
}

func handshake(t *testing.T, host string, next mcproto.NextState) []byte {
	return frame(t, mcproto.Handshake{ProtocolVersion: 763, ServerAddress: host, ServerPort: 25565, NextState: next}.Packet())
}

func loginStart(t *testing.T, name string) []byte {
	return frame(t, mcproto.LoginStart{Username: name, Trailer: []byte{0x01, 0x02}}.Packet())
}

func readJSON(t *testing.T, p *mcproto.Packet, v any) {
	t.Helper()
	s, err := p.Reader().ReadString(1 << 15)
	if err != nil {
		t.Fatalf("Failed to read JSON string: %v", err)
	}
	if err := json.Unmarshal([]byte(s), v); err != nil {
		t.Fatalf("Invalid JSON %q: %v", s, err)
	}
}

func routeTo(backend net.Listener, extra string) string {
	return fmt.Sprintf("routes:\n  - host: '*'\n    destination: %s\n%s", backend.Addr().String(), extra)
}

func TestStatus(t *testing.T) {
	srv := startServer(t, "routes: []\nmotd:\n  description:\n    text: Hello there\n", Config{})
	c := dial(t, srv)

	c.write(handshake(t, "play.example.com", mcproto.NextStateStatus), frame(t, &mcproto.Packet{ID: 0}))

	var status mcproto.Status
	readJSON(t, c.next(), &status)
	if status.Description.Text != "Hello there" {
		t.Errorf("Expected configured description, got %q", status.Description.Text)
	}
	if status.Version == nil || status.Version.Protocol != 763 {
		t.Errorf("Expected protocol 763 to be echoed, got %+v", status.Version)
	}
	if status.Players == nil || status.Players.Max != 20 {
		t.Errorf("Expected default player block, got %+v", status.Players)
	}
}

func TestStateTrace(t *testing.T) {
	out := &logBuffer{}
	log := slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: logger.LevelTrace}))
	srv := startServer(t, "routes: []\n", Config{Logger: log})
	c := dial(t, srv)

	c.write(handshake(t, "play.example.com", mcproto.NextStateStatus), frame(t, &mcproto.Packet{ID: 0}))
	c.next()

	if got := out.String(); !strings.Contains(got, `msg="state changed"`) || !strings.Contains(got, "from=handshake to=status") {
		t.Errorf("Expected the status transition at trace level, got %q", got)
	}
}

func TestStatusClosedAfterTimeout(t *testing.T) {
	srv := startServer(t, "routes: []\n", Config{LoginTimeout: 200 * time.Millisecond})
	c := dial(t, srv)

	c.write(handshake(t, "h", mcproto.NextStateStatus))
	c.next()
	c.expectClosed()
}

func TestHandshakeTimeout(t *testing.T) {
	srv := startServer(t, "routes: []\n", Config{HandshakeTimeout: 200 * time.Millisecond})
	c := dial(t, srv)

	start := time.Now()
	c.expectClosed()
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Expected close shortly after the handshake timeout, took %s", elapsed)
	}
}

func TestProtocolViolations(t *testing.T) {
	tests := []struct {
		name  string
		bytes func(t *testing.T) []byte
	}{
		{
			name:  "invalid next state",
			bytes: func(t *testing.T) []byte { return handshake(t, "h", 3) },
		},
		{
			name:  "wrong packet id",
			bytes: func(t *testing.T) []byte { return frame(t, &mcproto.Packet{ID: 5}) },
		},
		{
			name:  "varint too long",
			bytes: func(*testing.T) []byte { return []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0x01} },
		},
		{
			name: "bad login id",
			bytes: func(t *testing.T) []byte {
				return append(handshake(t, "h", mcproto.NextStateLogin), frame(t, &mcproto.Packet{ID: 1})...)
			},
		},
	}

	srv := startServer(t, "routes: []\n", Config{})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := dial(t, srv)
			c.write(tt.bytes(t))
			c.expectClosed()
		})
	}
}

func TestLoginPass(t *testing.T) {
	backend := startBackend(t)

	var mu sync.Mutex
	var seen plugin.Info
	disconnected := make(chan plugin.Info, 1)
	srv := startServer(t, routeTo(backend, ""), Config{}, withHooks(func(s *plugin.Setup) error {
		s.On(plugin.EventLogin, plugin.HandlerFunc(func(_ context.Context, pc *plugin.Context, next plugin.Next) (plugin.Result, error) {
			mu.Lock()
			seen = pc.Info
			mu.Unlock()
			return next()
		}), plugin.Prepend())
		s.On(plugin.EventDisconnect, plugin.HandlerFunc(func(_ context.Context, pc *plugin.Context, _ plugin.Next) (plugin.Result, error) {
			disconnected <- pc.Info
			return nil, nil
		}))
		return nil
	}))

	c := dial(t, srv)
	// Handshake, login and the start of a play frame in one segment.
	c.write(handshake(t, "play.example.com\x00FML2\x00", mcproto.NextStateLogin), loginStart(t, "Steve"), []byte{0x05, 0xAA})

	b := newPeer(t, accept(t, backend))
	hs, err := mcproto.ParseHandshake(b.next())
	if err != nil {
		t.Fatalf("Backend got invalid handshake: %v", err)
	}
	port := uint16(backend.Addr().(*net.TCPAddr).Port)
	if hs.ServerAddress != "play.example.com\x00FML2\x00" || hs.ServerPort != port || hs.NextState != mcproto.NextStateLogin || hs.ProtocolVersion != 763 {
		t.Errorf("Unexpected forwarded handshake %+v", hs)
	}
	ls, err := mcproto.ParseLoginStart(b.next())
	if err != nil {
		t.Fatalf("Backend got invalid login start: %v", err)
	}
	if ls.Username != "Steve" || !bytes.Equal(ls.Trailer, []byte{0x01, 0x02}) {
		t.Errorf("Unexpected forwarded login start %+v", ls)
	}
	if got := b.raw(2); !bytes.Equal(got, []byte{0x05, 0xAA}) {
		t.Errorf("Expected buffered partial frame to follow, got % x", got)
	}

	// Play: opaque bytes in both directions, including ones that are not
	// valid frames.
	c.write([]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0x01})
	if got := b.raw(7); !bytes.Equal(got, []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0x01}) {
		t.Errorf("Expected raw client bytes, got % x", got)
	}
	b.write([]byte("from backend"))
	if got := c.raw(12); string(got) != "from backend" {
		t.Errorf("Expected backend bytes, got %q", got)
	}

	mu.Lock()
	if seen.Host != "play.example.com" || seen.Username != "Steve" || seen.IP != "127.0.0.1" {
		t.Errorf("Unexpected login info %+v", seen)
	}
	mu.Unlock()
	if n := srv.Tracker().Online(); n != 1 {
		t.Errorf("Expected 1 online player, got %d", n)
	}

	c.conn.Close()
	b.expectClosed()
	select {
	case info := <-disconnected:
		if info.Username != "Steve" {
			t.Errorf("Expected disconnect for Steve, got %+v", info)
		}
	case <-time.After(ioTimeout):
		t.Fatal("Expected disconnect notification")
	}
	if n := srv.Tracker().Online(); n != 0 {
		t.Errorf("Expected no online players, got %d", n)
	}
}

func TestLoginRewrite(t *testing.T) {
	backend := startBackend(t)
	srv := startServer(t, routeTo(backend, "    rewriteHost: true\n    removeFMLSignature: true\n"), Config{})

	c := dial(t, srv)
	c.write(handshake(t, "play.example.com\x00FML\x00", mcproto.NextStateLogin), loginStart(t, "Alex"))

	b := newPeer(t, accept(t, backend))
	hs, err := mcproto.ParseHandshake(b.next())
	if err != nil {
		t.Fatalf("Backend got invalid handshake: %v", err)
	}
	if hs.ServerAddress != "127.0.0.1" {
		t.Errorf("Expected rewritten host without marker, got %q", hs.ServerAddress)
	}
}

func TestLoginKick(t *testing.T) {
	srv := startServer(t, "routes: []\n", Config{}, withHooks(func(s *plugin.Setup) error {
		s.On(plugin.EventLogin, plugin.HandlerFunc(func(_ context.Context, pc *plugin.Context, _ plugin.Next) (plugin.Result, error) {
			return plugin.Kick{Reason: mcproto.Component{Text: "Banned: " + pc.Username, Color: "red"}}, nil
		}))
		return nil
	}))

	c := dial(t, srv)
	c.write(handshake(t, "h", mcproto.NextStateLogin), loginStart(t, "Griefer"))

	var reason mcproto.Component
	readJSON(t, c.next(), &reason)
	if reason.Text != "Banned: Griefer" || reason.Color != "red" {
		t.Errorf("Unexpected kick reason %+v", reason)
	}
	c.expectClosed()
}

func TestLoginReject(t *testing.T) {
	srv := startServer(t, "routes: []\n", Config{})
	c := dial(t, srv)
	c.write(handshake(t, "unknown.example.com", mcproto.NextStateLogin), loginStart(t, "Steve"))
	c.expectClosed()
}

func TestLoginTimeout(t *testing.T) {
	srv := startServer(t, "routes: []\n", Config{LoginTimeout: 200 * time.Millisecond})
	c := dial(t, srv)
	c.write(handshake(t, "h", mcproto.NextStateLogin))
	c.expectClosed()
}

func TestBackendUnavailable(t *testing.T) {
	backend := startBackend(t)
	doc := routeTo(backend, "")
	backend.Close()

	srv := startServer(t, doc, Config{})
	c := dial(t, srv)
	c.write(handshake(t, "h", mcproto.NextStateLogin), loginStart(t, "Steve"))
	c.expectClosed()
}

func TestInboundProxyProtocol(t *testing.T) {
	header, err := (&proxyproto.Header{
		Version:           2,
		Command:           proxyproto.PROXY,
		TransportProtocol: proxyproto.TCPv4,
		SourceAddr:        &net.TCPAddr{IP: net.ParseIP("203.0.113.7"), Port: 40000},
		DestinationAddr:   &net.TCPAddr{IP: net.ParseIP("10.0.0.1"), Port: 25565},
	}).Format()
	if err != nil {
		t.Fatalf("Failed to format header: %v", err)
	}

	backend := startBackend(t)
	doc := routeTo(backend, "    proxyProtocol: true\ninbound:\n  bind: 0.0.0.0:25565\n  proxyProtocol: true\n")
	srv := startServer(t, doc, Config{})

	c := dial(t, srv)
	// Split inside the header to exercise reassembly.
	c.write(header[:7])
	time.Sleep(20 * time.Millisecond)
	c.write(header[7:], handshake(t, "h", mcproto.NextStateLogin), loginStart(t, "Steve"))

	b := newPeer(t, accept(t, backend))
	out := b.raw(16)
	if !bytes.Equal(out[:12], proxyproto.SIGV2) {
		t.Fatalf("Expected outbound proxy protocol signature, got % x", out[:12])
	}
	if out[12] != 0x20 || out[13] != 0x11 {
		t.Errorf("Expected v2 LOCAL TCPv4 header, got %#x %#x", out[12], out[13])
	}
	addrs := b.raw(int(binary.BigEndian.Uint16(out[14:16])))
	if len(addrs) != 12 {
		t.Fatalf("Expected a 12 byte TCPv4 address block, got %d bytes", len(addrs))
	}
	if !net.IP(addrs[:4]).Equal(net.ParseIP("203.0.113.7")) {
		t.Errorf("Expected origin 203.0.113.7 as source, got %v", net.IP(addrs[:4]))
	}

	hs, err := mcproto.ParseHandshake(b.next())
	if err != nil {
		t.Fatalf("Backend got invalid handshake: %v", err)
	}
	if hs.ServerAddress != "h" {
		t.Errorf("Expected original host, got %q", hs.ServerAddress)
	}
}

func TestInboundProxyProtocolPolicy(t *testing.T) {
	tests := []struct {
		name     string
		optional bool
	}{
		{name: "required"},
		{name: "optional", optional: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := fmt.Sprintf("routes: []\ninbound:\n  bind: 0.0.0.0:25565\n  proxyProtocol: true\n  proxyProtocolOptional: %v\n", tt.optional)
			srv := startServer(t, doc, Config{})
			c := dial(t, srv)
			c.write(handshake(t, "h", mcproto.NextStateStatus))

			if !tt.optional {
				c.expectClosed()
				return
			}
			var status mcproto.Status
			readJSON(t, c.next(), &status)
			if status.Description.Text != plugin.DefaultMOTD.Description.Text {
				t.Errorf("Expected default motd, got %q", status.Description.Text)
			}
		})
	}
}

func TestSendBufferLimit(t *testing.T) {
	backend := startBackend(t)
	srv := startServer(t, routeTo(backend, ""), Config{SendBufferLimit: 64 << 10})

	c := dial(t, srv)
	c.write(handshake(t, "h", mcproto.NextStateLogin), loginStart(t, "Steve"))
	b := newPeer(t, accept(t, backend))
	b.next()
	b.next()

	// The client never reads, so the downstream sink fills up.
	chunk := make([]byte, 32<<10)
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		b.conn.SetWriteDeadline(time.Now().Add(100 * time.Millisecond))
		if _, err := b.conn.Write(chunk); err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return
		}
	}
	t.Fatal("Expected the proxy to close the backend connection")
}

func TestServeShutdown(t *testing.T) {
	srv := New(Config{Logger: testLogger()}, transit.NewStaticProvider(transit.Default()), plugin.NewRegistry(nil), nil)
	ln, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		t.Fatalf("Failed to create listener: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	serverErr := make(chan error, 1)
	go func() { serverErr <- srv.Serve(ctx, ln) }()

	cancel()
	select {
	case err := <-serverErr:
		if err != nil {
			t.Errorf("Expected clean shutdown, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Error("Server did not shutdown in time after context cancellation")
	}
}

func TestListenInvalidAddress(t *testing.T) {
	srv := New(Config{Address: "invalid:address:99999", Logger: testLogger()}, transit.NewStaticProvider(transit.Default()), plugin.NewRegistry(nil), nil)
	if err := srv.Listen(context.Background()); err == nil {
		t.Error("Expected error for invalid address")
	}
}

func TestShutdownTimeout(t *testing.T) {
	backend := startBackend(t)
	conf, err := transit.Parse([]byte(routeTo(backend, "")))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	reg := plugin.NewRegistry(testLogger(), router.New)
	if err := reg.Reload(conf); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	srv := New(Config{Logger: testLogger(), ShutdownTimeout: 100 * time.Millisecond}, transit.NewStaticProvider(conf), reg, nil)
	ln, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		t.Fatalf("Failed to create listener: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	serverErr := make(chan error, 1)
	go func() { serverErr <- srv.Serve(ctx, ln) }()

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()
	c := newPeer(t, conn)
	c.write(handshake(t, "h", mcproto.NextStateLogin), loginStart(t, "Steve"))
	accept(t, backend)

	cancel()
	select {
	case err := <-serverErr:
		if !errors.Is(err, ErrShutdownTimeout) {
			t.Errorf("Expected ErrShutdownTimeout, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Test timeout waiting for server shutdown")
	}
	c.expectClosed()
}
