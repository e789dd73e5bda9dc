// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package plugin

import (
	"context"
	"errors"
	"testing"

	"github.com/absmach/transit"
)

func TestReloadAllOrNothing(t *testing.T) {
	var closed int
	fail := false
	r := NewRegistry(newTestLogger(),
		func() Plugin {
			return &testPlugin{name: "first", closed: &closed, apply: func(s *Setup) error {
				s.On(EventLogin, pass("first"))
				return nil
			}}
		},
		func() Plugin {
			return &testPlugin{name: "second", closed: &closed, apply: func(*Setup) error {
				if fail {
					return errors.New("bad config")
				}
				return nil
			}}
		},
	)

	if err := r.Reload(transit.Default()); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	before := r.Pipeline()

	fail = true
	if err := r.Reload(transit.Default()); err == nil {
		t.Fatal("Expected reload error")
	}
	if r.Pipeline() != before {
		t.Error("Expected previous pipeline to stay active")
	}
	if closed != 2 {
		t.Errorf("Expected the two new instances to be closed, got %d", closed)
	}

	fail = false
	if err := r.Reload(transit.Default()); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if r.Pipeline() == before {
		t.Error("Expected a new pipeline after a successful reload")
	}
	if closed != 4 {
		t.Errorf("Expected the replaced instances to be closed, got %d", closed)
	}

	if err := r.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if closed != 6 {
		t.Errorf("Expected active instances to be closed, got %d", closed)
	}
}

func TestSetupDecode(t *testing.T) {
	cfg, err := transit.Parse([]byte("plugins:\n  greeter:\n    greeting: hi\n"))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	var got struct {
		Greeting string `yaml:"greeting"`
	}
	r := NewRegistry(newTestLogger(), func() Plugin {
		return &testPlugin{name: "greeter", apply: func(s *Setup) error {
			return s.Decode(&got)
		}}
	})
	if err := r.Reload(cfg); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if got.Greeting != "hi" {
		t.Errorf("Expected greeting hi, got %q", got.Greeting)
	}
	if r.Pipeline().Config() != cfg {
		t.Error("Expected pipeline to carry the reloaded config")
	}
}

func TestEmptyRegistry(t *testing.T) {
	r := NewRegistry(nil)
	if res := r.Pipeline().Login(context.Background(), Info{}); res != (Reject{}) {
		t.Errorf("Expected Reject from empty registry, got %#v", res)
	}
}
