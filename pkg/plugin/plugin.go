// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package plugin

import (
	"context"
	"fmt"

	"github.com/absmach/transit"
	"github.com/absmach/transit/pkg/mcproto"
)

// Event identifies a dispatch kind.
type Event int

const (
	EventMOTD Event = iota
	EventLogin
	EventDisconnect

	numEvents
)

func (e Event) String() string {
	switch e {
	case EventMOTD:
		return "motd"
	case EventLogin:
		return "login"
	case EventDisconnect:
		return "disconnect"
	default:
		return fmt.Sprintf("event(%d)", int(e))
	}
}

// Result is a handler decision. It is one of MOTD, Pass, Reject or Kick.
type Result interface {
	isResult()
}

// MOTD answers a motd dispatch.
type MOTD struct {
	Status mcproto.Status
}

// Pass admits the player and routes them to Outbound. An empty destination
// rejects the player.
type Pass struct {
	Outbound transit.Outbound
}

// Reject closes the connection without a message.
type Reject struct{}

// Kick closes the connection after showing Reason to the player.
type Kick struct {
	Reason mcproto.Component
}

func (MOTD) isResult()   {}
func (Pass) isResult()   {}
func (Reject) isResult() {}
func (Kick) isResult()   {}

// DefaultMOTD is served when no handler answers a motd dispatch.
var DefaultMOTD = mcproto.Status{
	Description: mcproto.Component{Text: "Welcome to the server!", Color: "yellow"},
}

// Next runs the remaining handlers and returns their result. It may be
// called more than once; the chain runs only the first time.
type Next func() (Result, error)

// Handler handles one event.
type Handler interface {
	Handle(ctx context.Context, pc *Context, next Next) (Result, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, pc *Context, next Next) (Result, error)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, pc *Context, next Next) (Result, error) {
	return f(ctx, pc, next)
}

// Info describes the connection a dispatch is about.
type Info struct {
	SessionID string
	Host      string
	IP        string
	Username  string
	Protocol  int32
}

// Context is created for a single dispatch and must not be retained.
type Context struct {
	Info

	event  Event
	config *transit.Config
	temp   []Handler
}

// Event returns the event being dispatched.
func (c *Context) Event() Event {
	return c.event
}

// Config returns the configuration the pipeline was built with. It is shared
// and must not be modified.
func (c *Context) Config() *transit.Config {
	return c.config
}

// Temp adds a handler that runs only in this dispatch, after every
// registered handler deferred.
func (c *Context) Temp(h Handler) {
	c.temp = append(c.temp, h)
}
