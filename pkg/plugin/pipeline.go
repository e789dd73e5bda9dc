// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package plugin

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/absmach/transit"
	perrors "github.com/absmach/transit/pkg/errors"
)

// FaultFunc observes handler failures.
type FaultFunc func(event Event, plugin string, err error)

type entry struct {
	plugin  string
	handler Handler
}

// Pipeline is an immutable set of handler lists built by a Registry.
type Pipeline struct {
	handlers [numEvents][]entry
	config   *transit.Config
	logger   *slog.Logger
	onFault  FaultFunc
}

// Len returns the number of handlers registered for event.
func (p *Pipeline) Len(event Event) int {
	return len(p.handlers[event])
}

// Config returns the configuration the pipeline was built with.
func (p *Pipeline) Config() *transit.Config {
	return p.config
}

// MOTD resolves the status shown for a server list ping.
func (p *Pipeline) MOTD(ctx context.Context, info Info) MOTD {
	if res, ok := p.dispatch(ctx, EventMOTD, info).(MOTD); ok {
		return res
	}
	return MOTD{Status: DefaultMOTD}
}

// Login resolves a login attempt to Pass, Reject or Kick.
func (p *Pipeline) Login(ctx context.Context, info Info) Result {
	switch res := p.dispatch(ctx, EventLogin, info).(type) {
	case Pass, Kick, Reject:
		return res
	default:
		return Reject{}
	}
}

// Disconnect notifies every disconnect handler in order.
func (p *Pipeline) Disconnect(ctx context.Context, info Info) {
	pc := p.newContext(EventDisconnect, info)
	done := func() (Result, error) { return nil, nil }
	for i, e := range p.handlers[EventDisconnect] {
		if _, err := p.invoke(ctx, e, pc, done); err != nil {
			p.fault(EventDisconnect, e.plugin, i, err)
		}
	}
}

func (p *Pipeline) newContext(event Event, info Info) *Context {
	return &Context{Info: info, event: event, config: p.config}
}

func (p *Pipeline) dispatch(ctx context.Context, event Event, info Info) Result {
	d := &dispatch{
		p:      p,
		ctx:    ctx,
		event:  event,
		pc:     p.newContext(event, info),
		static: p.handlers[event],
	}
	return d.runStatic(0)
}

// invoke runs one handler, converting a panic into an error.
func (p *Pipeline) invoke(ctx context.Context, e entry, pc *Context, next Next) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			res = nil
			err = fmt.Errorf("panic: %v: %w", r, perrors.ErrPluginFault)
		}
	}()
	return e.handler.Handle(ctx, pc, next)
}

func (p *Pipeline) fault(event Event, plugin string, index int, err error) {
	p.logger.Error("plugin handler failed",
		slog.String("event", event.String()),
		slog.String("plugin", plugin),
		slog.Int("index", index),
		slog.String("error", err.Error()))
	if p.onFault != nil {
		p.onFault(event, plugin, err)
	}
}

// dispatch walks the handler lists of one motd or login event.
type dispatch struct {
	p      *Pipeline
	ctx    context.Context
	event  Event
	pc     *Context
	static []entry
}

func (d *dispatch) runStatic(i int) Result {
	if i >= len(d.static) {
		return d.runTemp(0)
	}
	return d.step(d.static[i], i, func() Result { return d.runStatic(i + 1) })
}

func (d *dispatch) runTemp(i int) Result {
	if i >= len(d.pc.temp) {
		return nil
	}
	e := entry{plugin: "temp", handler: d.pc.temp[i]}
	return d.step(e, i, func() Result { return d.runTemp(i + 1) })
}

// step runs handler e with a continuation over rest. The continuation is
// memoized so the remaining chain runs at most once however the handler
// uses it.
func (d *dispatch) step(e entry, index int, rest func() Result) Result {
	var (
		called bool
		memo   Result
	)
	next := func() (Result, error) {
		if !called {
			called = true
			memo = rest()
		}
		return memo, nil
	}
	fallthroughResult := func() Result {
		r, _ := next()
		return r
	}

	res, err := d.p.invoke(d.ctx, e, d.pc, next)
	if err != nil {
		d.p.fault(d.event, e.plugin, index, err)
		return fallthroughResult()
	}
	if res == nil {
		return fallthroughResult()
	}

	valid, err := validate(d.event, res)
	if err != nil {
		d.p.fault(d.event, e.plugin, index, err)
		return fallthroughResult()
	}
	return valid
}

// validate checks res against the event and normalises pointer results to
// values.
func validate(event Event, res Result) (Result, error) {
	switch r := res.(type) {
	case *MOTD:
		if r == nil {
			return nil, fmt.Errorf("nil motd result: %w", perrors.ErrPluginFault)
		}
		res = *r
	case *Pass:
		if r == nil {
			return nil, fmt.Errorf("nil pass result: %w", perrors.ErrPluginFault)
		}
		res = *r
	case *Kick:
		if r == nil {
			return nil, fmt.Errorf("nil kick result: %w", perrors.ErrPluginFault)
		}
		res = *r
	case *Reject:
		res = Reject{}
	}

	switch r := res.(type) {
	case MOTD:
		if event != EventMOTD {
			break
		}
		if err := r.Status.Validate(); err != nil {
			return nil, fmt.Errorf("invalid motd: %w: %w", perrors.ErrPluginFault, err)
		}
		return r, nil
	case Pass:
		if event != EventLogin {
			break
		}
		if err := r.Outbound.Validate(); err != nil {
			return nil, fmt.Errorf("invalid outbound: %w: %w", perrors.ErrPluginFault, err)
		}
		return r, nil
	case Kick:
		if event != EventLogin {
			break
		}
		if err := r.Reason.Validate(); err != nil {
			return nil, fmt.Errorf("invalid kick reason: %w: %w", perrors.ErrPluginFault, err)
		}
		return r, nil
	case Reject:
		if event != EventLogin {
			break
		}
		return r, nil
	}
	return nil, fmt.Errorf("result %T is not valid for %s: %w", res, event, perrors.ErrPluginFault)
}
