// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package plugin provides the middleware pipeline that decides what happens
// to a Minecraft connection.
//
// # Events
//
// Three events are dispatched per connection:
//   - motd: a client pings the server list. Handlers return a MOTD result.
//   - login: a client sent Login Start. Handlers return Pass, Reject or Kick.
//   - disconnect: a logged in client went away. Notification only.
//
// # Dispatch
//
// Handlers for an event run in registration order. Each handler receives the
// dispatch Context and a Next continuation that runs the rest of the chain:
//
//	func (h *Maintenance) Handle(ctx context.Context, pc *plugin.Context, next plugin.Next) (plugin.Result, error) {
//		if pc.Host != "build.example.com" {
//			return next()
//		}
//		return plugin.Kick{Reason: mcproto.Text("Under maintenance")}, nil
//	}
//
// Returning nil without calling next defers to the following handler. When
// the registered handlers are exhausted, handlers added with Context.Temp
// during the same dispatch are tried, and after them a built-in default:
// DefaultMOTD for motd and Reject for login.
//
// A handler that returns an error or panics is logged and skipped. A result
// that fails validation, or is of the wrong kind for the event, is treated as
// no result. Neither stops the dispatch.
//
// # Registry
//
// Plugins register handlers in Apply. The Registry builds a complete
// Pipeline from fresh plugin instances on every reload and swaps it in
// atomically; a failing Apply leaves the previous pipeline active.
// Connections keep the Pipeline they started with.
package plugin
