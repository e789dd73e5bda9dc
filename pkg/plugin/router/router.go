// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package router provides the built-in plugin that routes players by the
// host they connected with and answers server list pings from the motd
// section of the configuration.
package router

import (
	"context"
	"fmt"
	"strings"

	"github.com/absmach/transit"
	perrors "github.com/absmach/transit/pkg/errors"
	"github.com/absmach/transit/pkg/plugin"
	"github.com/gobwas/glob"
)

// Name is the plugin name used for its configuration section.
const Name = "router"

type route struct {
	pattern  string
	matcher  glob.Glob
	outbound transit.Outbound
}

// Router matches the handshake host against the configured routes in order.
type Router struct {
	routes []route
}

var _ plugin.Plugin = (*Router)(nil)

// New returns an empty router. It is a plugin.Factory.
func New() plugin.Plugin {
	return &Router{}
}

// Name implements plugin.Plugin.
func (r *Router) Name() string {
	return Name
}

// Apply compiles the routes of the configuration and registers the login and
// motd handlers.
func (r *Router) Apply(s *plugin.Setup) error {
	cfg := s.Config()
	for _, rt := range cfg.Routes {
		pattern := strings.ToLower(rt.Host)
		g, err := glob.Compile(pattern)
		if err != nil {
			return fmt.Errorf("invalid route host %q: %w: %w", rt.Host, perrors.ErrInvalidInput, err)
		}
		r.routes = append(r.routes, route{pattern: pattern, matcher: g, outbound: rt.Outbound})
	}

	s.On(plugin.EventLogin, plugin.HandlerFunc(r.login))
	if cfg.MOTD != nil {
		status := *cfg.MOTD
		s.On(plugin.EventMOTD, plugin.HandlerFunc(func(context.Context, *plugin.Context, plugin.Next) (plugin.Result, error) {
			return plugin.MOTD{Status: status}, nil
		}))
	}
	return nil
}

// Match returns the outbound of the first route matching host.
func (r *Router) Match(host string) (transit.Outbound, bool) {
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	for _, rt := range r.routes {
		if rt.matcher.Match(host) {
			return rt.outbound, true
		}
	}
	return transit.Outbound{}, false
}

func (r *Router) login(_ context.Context, pc *plugin.Context, next plugin.Next) (plugin.Result, error) {
	out, ok := r.Match(pc.Host)
	if !ok {
		return next()
	}
	return plugin.Pass{Outbound: out}, nil
}
