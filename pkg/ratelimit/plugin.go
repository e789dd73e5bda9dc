// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"context"
	"fmt"
	"sync"

	perrors "github.com/absmach/transit/pkg/errors"
	"github.com/absmach/transit/pkg/mcproto"
	"github.com/absmach/transit/pkg/plugin"
)

// Name is the plugin name used for its configuration section.
const Name = "ratelimit"

// DefaultMessage is shown to players who log in too often.
const DefaultMessage = "You are logging in too fast, try again later."

// Options configure the plugin. Values under plugins.ratelimit in the
// configuration override the ones passed to Factory.
type Options struct {
	Capacity int64  `yaml:"capacity"`
	Refill   int64  `yaml:"refill"`
	Message  string `yaml:"message"`
	Color    string `yaml:"color"`
}

// Plugin kicks logins from an IP that exhausted its bucket.
type Plugin struct {
	opts      Options
	onLimited func(ip string)
	shared    *shared
	limiter   *Limiter
}

var _ plugin.Plugin = (*Plugin)(nil)

// shared carries the limiter of one Factory across pipeline reloads.
type shared struct {
	mu      sync.Mutex
	limiter *Limiter
}

// get returns the current limiter while capacity and refill are unchanged,
// and a new one otherwise.
func (sh *shared) get(capacity, refill int64) *Limiter {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if l := sh.limiter; l != nil && l.capacity == capacity && l.refill == refill {
		return l
	}
	sh.limiter = NewLimiter(capacity, refill, DefaultIdle)
	return sh.limiter
}

// Factory returns a plugin.Factory with the given defaults. onLimited, if not
// nil, is called for every limited login. Plugins created by the same
// Factory share their buckets while the limits stay the same.
func Factory(defaults Options, onLimited func(ip string)) plugin.Factory {
	sh := &shared{}
	return func() plugin.Plugin {
		return &Plugin{opts: defaults, onLimited: onLimited, shared: sh}
	}
}

// Name implements plugin.Plugin.
func (p *Plugin) Name() string {
	return Name
}

// Apply registers a login handler ahead of the routing handlers. A zero
// capacity disables the plugin.
func (p *Plugin) Apply(s *plugin.Setup) error {
	if err := s.Decode(&p.opts); err != nil {
		return err
	}
	if p.opts.Capacity < 0 || p.opts.Refill < 0 {
		return fmt.Errorf("ratelimit capacity and refill must not be negative: %w", perrors.ErrInvalidInput)
	}
	if p.opts.Capacity == 0 {
		return nil
	}
	if p.opts.Message == "" {
		p.opts.Message = DefaultMessage
	}
	if p.opts.Color == "" {
		p.opts.Color = "red"
	}
	reason := mcproto.Component{Text: p.opts.Message, Color: p.opts.Color}
	if err := reason.Validate(); err != nil {
		return err
	}

	p.limiter = p.shared.get(p.opts.Capacity, p.opts.Refill)
	s.On(plugin.EventLogin, plugin.HandlerFunc(func(_ context.Context, pc *plugin.Context, next plugin.Next) (plugin.Result, error) {
		if p.limiter.Allow(pc.IP) {
			return next()
		}
		if p.onLimited != nil {
			p.onLimited(pc.IP)
		}
		return plugin.Kick{Reason: reason}, nil
	}), plugin.Prepend())
	return nil
}
