// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package plugin

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/absmach/transit"
	perrors "github.com/absmach/transit/pkg/errors"
)

// Plugin contributes handlers to a Pipeline. A new instance is created for
// every pipeline build; instances that implement io.Closer are closed when
// their pipeline is replaced.
type Plugin interface {
	Name() string
	Apply(s *Setup) error
}

// Factory creates a fresh Plugin instance.
type Factory func() Plugin

// Option customises a single registration.
type Option func(*registration)

type registration struct {
	prepend bool
}

// Prepend places the handler before every handler registered so far.
func Prepend() Option {
	return func(r *registration) {
		r.prepend = true
	}
}

// Setup is handed to Plugin.Apply to register handlers.
type Setup struct {
	name     string
	config   *transit.Config
	handlers *[numEvents][]entry
}

// On registers h for event.
func (s *Setup) On(event Event, h Handler, opts ...Option) {
	if event < 0 || event >= numEvents || h == nil {
		return
	}
	var r registration
	for _, opt := range opts {
		opt(&r)
	}
	e := entry{plugin: s.name, handler: h}
	if r.prepend {
		s.handlers[event] = append([]entry{e}, s.handlers[event]...)
		return
	}
	s.handlers[event] = append(s.handlers[event], e)
}

// Config returns the configuration the pipeline is built from.
func (s *Setup) Config() *transit.Config {
	return s.config
}

// Decode unmarshals the plugins.<name> section of the configuration into v.
// A missing section leaves v untouched.
func (s *Setup) Decode(v any) error {
	node, ok := s.config.Plugins[s.name]
	if !ok {
		return nil
	}
	if err := node.Decode(v); err != nil {
		return fmt.Errorf("invalid configuration for plugin %s: %w: %w", s.name, perrors.ErrInvalidInput, err)
	}
	return nil
}

// Registry owns the plugin factories and the active Pipeline.
type Registry struct {
	logger  *slog.Logger
	onFault FaultFunc

	mu        sync.Mutex
	factories []Factory
	plugins   []Plugin
	current   atomic.Pointer[Pipeline]
}

// NewRegistry creates a registry. Pipeline returns an empty pipeline until
// the first Reload.
func NewRegistry(logger *slog.Logger, factories ...Factory) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		logger:    logger,
		factories: factories,
	}
	r.current.Store(&Pipeline{config: transit.Default(), logger: logger})
	return r
}

// Register adds factories. They take effect on the next Reload.
func (r *Registry) Register(factories ...Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories = append(r.factories, factories...)
}

// OnFault sets the hook invoked for every handler failure in pipelines built
// after the call.
func (r *Registry) OnFault(fn FaultFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onFault = fn
}

// Pipeline returns the active pipeline.
func (r *Registry) Pipeline() *Pipeline {
	return r.current.Load()
}

// Reload builds a new pipeline from cfg using fresh plugin instances. The
// swap is all or nothing: if any plugin fails to apply, the new instances
// are closed and the previous pipeline stays active.
func (r *Registry) Reload(cfg *transit.Config) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p := &Pipeline{config: cfg, logger: r.logger, onFault: r.onFault}
	plugins := make([]Plugin, 0, len(r.factories))
	for _, f := range r.factories {
		pl := f()
		plugins = append(plugins, pl)
		s := &Setup{name: pl.Name(), config: cfg, handlers: &p.handlers}
		if err := pl.Apply(s); err != nil {
			r.closeAll(plugins)
			return fmt.Errorf("failed to apply plugin %s: %w", pl.Name(), err)
		}
	}

	old := r.plugins
	r.plugins = plugins
	r.current.Store(p)
	r.closeAll(old)

	r.logger.Info("plugin pipeline loaded",
		slog.Int("plugins", len(plugins)),
		slog.Int("motd", p.Len(EventMOTD)),
		slog.Int("login", p.Len(EventLogin)),
		slog.Int("disconnect", p.Len(EventDisconnect)))
	return nil
}

// Close closes the plugins of the active pipeline.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	err := r.closeAll(r.plugins)
	r.plugins = nil
	return err
}

func (r *Registry) closeAll(plugins []Plugin) error {
	var errs []error
	for _, pl := range plugins {
		c, ok := pl.(io.Closer)
		if !ok {
			continue
		}
		if err := c.Close(); err != nil {
			r.logger.Warn("failed to close plugin", slog.String("plugin", pl.Name()), slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
