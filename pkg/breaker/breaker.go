// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package breaker stops dialing backends that keep failing.
package breaker

import (
	"fmt"
	"sync"
	"time"

	perrors "github.com/absmach/transit/pkg/errors"
)

// ErrOpen is returned while a breaker refuses calls.
var ErrOpen = fmt.Errorf("circuit breaker is open: %w", perrors.ErrBackendUnavailable)

// State is the breaker state.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half_open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Config holds breaker thresholds.
type Config struct {
	// MaxFailures is the number of consecutive failures that opens the breaker.
	MaxFailures int
	// ResetTimeout is how long the breaker stays open before letting a trial request through.
	ResetTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxFailures <= 0 {
		c.MaxFailures = 5
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 30 * time.Second
	}
	return c
}

// Breaker tracks the health of a single backend address.
type Breaker struct {
	config Config
	now    func() time.Time

	mu       sync.Mutex
	state    State
	failures int
	opened   time.Time
	probing  bool
	onChange func(from, to State)
}

// New creates a closed breaker.
func New(config Config) *Breaker {
	return &Breaker{config: config.withDefaults(), now: time.Now}
}

// Call runs fn if the breaker allows it and records the outcome.
func (b *Breaker) Call(fn func() error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	err := fn()
	b.Record(err)
	return err
}

// Allow reports whether a call may proceed. In the half-open state only one
// trial request is let through at a time.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.now().Sub(b.opened) < b.config.ResetTimeout {
			return ErrOpen
		}
		b.setState(StateHalfOpen)
		b.probing = true
		return nil
	case StateHalfOpen:
		if b.probing {
			return ErrOpen
		}
		b.probing = true
		return nil
	default:
		return nil
	}
}

// Record reports the outcome of an allowed call.
func (b *Breaker) Record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.probing = false
	if err == nil {
		b.failures = 0
		b.setState(StateClosed)
		return
	}

	b.failures++
	if b.state == StateHalfOpen || b.failures >= b.config.MaxFailures {
		b.opened = b.now()
		b.setState(StateOpen)
	}
}

// State returns the current state without advancing it.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// OnStateChange sets a callback invoked synchronously on every transition.
func (b *Breaker) OnStateChange(fn func(from, to State)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onChange = fn
}

func (b *Breaker) setState(s State) {
	if b.state == s {
		return
	}
	from := b.state
	b.state = s
	if s == StateClosed {
		b.failures = 0
	}
	if b.onChange != nil {
		b.onChange(from, s)
	}
}

// Group holds one Breaker per backend address, created on first use.
type Group struct {
	config   Config
	onChange func(addr string, from, to State)

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewGroup creates a group whose breakers share config. onChange may be nil.
func NewGroup(config Config, onChange func(addr string, from, to State)) *Group {
	return &Group{
		config:   config.withDefaults(),
		onChange: onChange,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for addr.
func (g *Group) Get(addr string) *Breaker {
	g.mu.Lock()
	defer g.mu.Unlock()

	if b, ok := g.breakers[addr]; ok {
		return b
	}
	b := New(g.config)
	if g.onChange != nil {
		b.onChange = func(from, to State) { g.onChange(addr, from, to) }
	}
	g.breakers[addr] = b
	return b
}

// Open returns the addresses whose breaker is currently open.
func (g *Group) Open() []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	var addrs []string
	for addr, b := range g.breakers {
		if b.State() == StateOpen {
			addrs = append(addrs, addr)
		}
	}
	return addrs
}
