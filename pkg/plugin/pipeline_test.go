// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package plugin

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"

	"github.com/absmach/transit"
	perrors "github.com/absmach/transit/pkg/errors"
	"github.com/absmach/transit/pkg/mcproto"
)

type testPlugin struct {
	name   string
	apply  func(s *Setup) error
	closed *int
}

func (p *testPlugin) Name() string { return p.name }

func (p *testPlugin) Apply(s *Setup) error { return p.apply(s) }

func (p *testPlugin) Close() error {
	if p.closed != nil {
		*p.closed++
	}
	return nil
}

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, nil))
}

func build(t *testing.T, apply func(s *Setup) error) *Pipeline {
	t.Helper()
	r := NewRegistry(newTestLogger(), func() Plugin { return &testPlugin{name: "test", apply: apply} })
	if err := r.Reload(transit.Default()); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	return r.Pipeline()
}

func pass(dest string) HandlerFunc {
	return func(context.Context, *Context, Next) (Result, error) {
		return Pass{Outbound: transit.Outbound{Destination: dest}}, nil
	}
}

func TestLoginChain(t *testing.T) {
	var order []string
	p := build(t, func(s *Setup) error {
		s.On(EventLogin, HandlerFunc(func(_ context.Context, _ *Context, next Next) (Result, error) {
			order = append(order, "h1")
			res, err := next()
			order = append(order, "h1-after")
			return res, err
		}))
		s.On(EventLogin, HandlerFunc(func(ctx context.Context, pc *Context, next Next) (Result, error) {
			order = append(order, "h2")
			return pass("backend:25566")(ctx, pc, next)
		}))
		return nil
	})

	res := p.Login(context.Background(), Info{Host: "play.example.com", Username: "Steve"})
	ps, ok := res.(Pass)
	if !ok {
		t.Fatalf("Expected Pass, got %T", res)
	}
	if ps.Outbound.Destination != "backend:25566" {
		t.Errorf("Expected destination backend:25566, got %s", ps.Outbound.Destination)
	}
	want := []string{"h1", "h2", "h1-after"}
	if len(order) != len(want) {
		t.Fatalf("Expected order %v, got %v", want, order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("Expected order %v, got %v", want, order)
			break
		}
	}
}

func TestFaultIsolation(t *testing.T) {
	tests := []struct {
		name  string
		first HandlerFunc
	}{
		{
			name: "error",
			first: func(context.Context, *Context, Next) (Result, error) {
				return nil, errors.New("boom")
			},
		},
		{
			name: "panic",
			first: func(context.Context, *Context, Next) (Result, error) {
				panic("boom")
			},
		},
		{
			name: "invalid outbound",
			first: func(context.Context, *Context, Next) (Result, error) {
				return Pass{Outbound: transit.Outbound{Destination: "host:0"}}, nil
			},
		},
		{
			name: "wrong kind",
			first: func(context.Context, *Context, Next) (Result, error) {
				return MOTD{Status: DefaultMOTD}, nil
			},
		},
		{
			name: "empty kick reason",
			first: func(context.Context, *Context, Next) (Result, error) {
				return Kick{}, nil
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var faults []error
			r := NewRegistry(newTestLogger(), func() Plugin {
				return &testPlugin{name: "test", apply: func(s *Setup) error {
					s.On(EventLogin, tt.first)
					s.On(EventLogin, pass("fallback"))
					return nil
				}}
			})
			r.OnFault(func(_ Event, _ string, err error) { faults = append(faults, err) })
			if err := r.Reload(transit.Default()); err != nil {
				t.Fatalf("Reload failed: %v", err)
			}

			res := r.Pipeline().Login(context.Background(), Info{})
			ps, ok := res.(Pass)
			if !ok || ps.Outbound.Destination != "fallback" {
				t.Fatalf("Expected Pass to fallback, got %#v", res)
			}
			if len(faults) != 1 {
				t.Fatalf("Expected 1 fault, got %d", len(faults))
			}
			if !errors.Is(faults[0], perrors.ErrPluginFault) && tt.name != "error" {
				t.Errorf("Expected ErrPluginFault, got %v", faults[0])
			}
		})
	}
}

func TestDefaults(t *testing.T) {
	p := build(t, func(*Setup) error { return nil })

	if res := p.Login(context.Background(), Info{}); res != (Reject{}) {
		t.Errorf("Expected default Reject, got %#v", res)
	}
	motd := p.MOTD(context.Background(), Info{})
	if motd.Status.Description.Text != "Welcome to the server!" || motd.Status.Description.Color != "yellow" {
		t.Errorf("Expected default motd, got %+v", motd.Status.Description)
	}
}

func TestNilDefers(t *testing.T) {
	p := build(t, func(s *Setup) error {
		s.On(EventMOTD, HandlerFunc(func(context.Context, *Context, Next) (Result, error) {
			return nil, nil
		}))
		s.On(EventMOTD, HandlerFunc(func(context.Context, *Context, Next) (Result, error) {
			return &MOTD{Status: mcproto.Status{Description: mcproto.Text("second")}}, nil
		}))
		return nil
	})

	if got := p.MOTD(context.Background(), Info{}).Status.Description.Text; got != "second" {
		t.Errorf("Expected second handler motd, got %q", got)
	}
}

func TestTempHandlers(t *testing.T) {
	var calls int
	p := build(t, func(s *Setup) error {
		s.On(EventLogin, HandlerFunc(func(_ context.Context, pc *Context, next Next) (Result, error) {
			pc.Temp(HandlerFunc(func(context.Context, *Context, Next) (Result, error) {
				calls++
				return Kick{Reason: mcproto.Text("temp")}, nil
			}))
			return next()
		}))
		return nil
	})

	for i := 0; i < 2; i++ {
		res := p.Login(context.Background(), Info{})
		k, ok := res.(Kick)
		if !ok || k.Reason.Text != "temp" {
			t.Fatalf("Expected Kick from temp handler, got %#v", res)
		}
	}
	if calls != 2 {
		t.Errorf("Expected temp handler to run once per dispatch, got %d", calls)
	}
}

func TestNextMemoized(t *testing.T) {
	var calls int
	p := build(t, func(s *Setup) error {
		s.On(EventLogin, HandlerFunc(func(_ context.Context, _ *Context, next Next) (Result, error) {
			next()
			next()
			return next()
		}))
		s.On(EventLogin, HandlerFunc(func(context.Context, *Context, Next) (Result, error) {
			calls++
			return Reject{}, nil
		}))
		return nil
	})

	p.Login(context.Background(), Info{})
	if calls != 1 {
		t.Errorf("Expected downstream handler to run once, got %d", calls)
	}
}

func TestPrepend(t *testing.T) {
	p := build(t, func(s *Setup) error {
		s.On(EventLogin, pass("appended"))
		s.On(EventLogin, pass("prepended"), Prepend())
		return nil
	})

	res := p.Login(context.Background(), Info{})
	if ps, ok := res.(Pass); !ok || ps.Outbound.Destination != "prepended" {
		t.Errorf("Expected prepended handler to win, got %#v", res)
	}
}

func TestDisconnect(t *testing.T) {
	var seen []string
	p := build(t, func(s *Setup) error {
		s.On(EventDisconnect, HandlerFunc(func(_ context.Context, pc *Context, _ Next) (Result, error) {
			seen = append(seen, "a:"+pc.Username)
			panic("ignored")
		}))
		s.On(EventDisconnect, HandlerFunc(func(_ context.Context, pc *Context, next Next) (Result, error) {
			seen = append(seen, "b:"+pc.Username)
			return next()
		}))
		return nil
	})

	p.Disconnect(context.Background(), Info{Username: "Alex"})
	if len(seen) != 2 || seen[0] != "a:Alex" || seen[1] != "b:Alex" {
		t.Errorf("Expected both disconnect handlers to run, got %v", seen)
	}
}
