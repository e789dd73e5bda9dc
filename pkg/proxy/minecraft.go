// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/absmach/transit"
	"github.com/absmach/transit/pkg/breaker"
	"github.com/absmach/transit/pkg/logger"
	"github.com/absmach/transit/pkg/metrics"
	"github.com/absmach/transit/pkg/plugin"
	"github.com/absmach/transit/pkg/plugin/router"
	"github.com/absmach/transit/pkg/ratelimit"
	"github.com/absmach/transit/pkg/server/tcp"
	"golang.org/x/sync/errgroup"
)

// MinecraftConfig holds configuration for the Minecraft proxy.
type MinecraftConfig struct {
	Settings transit.Settings

	// Watch reloads the configuration file when it changes.
	Watch bool

	// Plugins are added after the built-in router and rate limiter.
	Plugins []plugin.Factory

	Metrics *metrics.Metrics
	Level   *slog.LevelVar
	Logger  *slog.Logger
}

// MinecraftProxy coordinates the configuration provider, the plugin
// pipeline and the Minecraft TCP server.
type MinecraftProxy struct {
	config   MinecraftConfig
	provider *transit.Provider
	registry *plugin.Registry
	breakers *breaker.Group
	server   *tcp.Server
	bind     string
}

// NewMinecraft builds the proxy from the configuration currently held by
// provider. The plugin pipeline is loaded once here and again after every
// provider reload.
func NewMinecraft(cfg MinecraftConfig, provider *transit.Provider) (*MinecraftProxy, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Level == nil {
		cfg.Level = new(slog.LevelVar)
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New(metrics.DefaultNamespace, nil)
	}
	m := cfg.Metrics
	log := cfg.Logger

	p := &MinecraftProxy{
		config:   cfg,
		provider: provider,
	}

	p.breakers = breaker.NewGroup(breaker.Config{
		MaxFailures:  cfg.Settings.BreakerMaxFailures,
		ResetTimeout: cfg.Settings.BreakerResetTimeout,
	}, func(addr string, from, to breaker.State) {
		log.Warn("circuit breaker state changed",
			slog.String("backend", addr),
			slog.String("from", from.String()),
			slog.String("to", to.String()))
		m.CircuitBreakerState.WithLabelValues(addr).Set(float64(to))
		if to == breaker.StateOpen {
			m.CircuitBreakerTrips.WithLabelValues(addr).Inc()
		}
	})

	limits := ratelimit.Options{
		Capacity: cfg.Settings.RateLimitCapacity,
		Refill:   cfg.Settings.RateLimitRefill,
	}
	onLimited := func(ip string) {
		m.RateLimited.Inc()
		log.Warn("login rate limit exceeded", slog.String("ip", ip))
	}
	factories := append([]plugin.Factory{router.New, ratelimit.Factory(limits, onLimited)}, cfg.Plugins...)

	p.registry = plugin.NewRegistry(log, factories...)
	p.registry.OnFault(func(event plugin.Event, name string, err error) {
		m.PluginFaults.WithLabelValues(event.String(), name).Inc()
	})

	conf := provider.Current()
	if err := p.registry.Reload(conf); err != nil {
		return nil, err
	}
	if err := p.applyLevel(conf); err != nil {
		return nil, err
	}
	p.bind = conf.Inbound.Bind
	provider.Subscribe(p.reload)

	connector := tcp.NewConnector(tcp.ConnectorConfig{
		Timeout:  cfg.Settings.DialTimeout,
		Breakers: p.breakers,
		Metrics:  m,
		Logger:   log,
	})
	p.server = tcp.New(tcp.Config{
		Address:          p.bind,
		HandshakeTimeout: cfg.Settings.HandshakeTimeout,
		LoginTimeout:     cfg.Settings.LoginTimeout,
		ShutdownTimeout:  cfg.Settings.ShutdownTimeout,
		SendBufferLimit:  cfg.Settings.SendBufferLimit,
		ProxyHeaderLimit: cfg.Settings.ProxyHeaderLimit,
		MaxConnections:   cfg.Settings.MaxConnections,
		Metrics:          m,
		Logger:           log,
	}, provider, p.registry, connector)

	return p, nil
}

// Server returns the underlying TCP server.
func (p *MinecraftProxy) Server() *tcp.Server {
	return p.server
}

// Registry returns the plugin registry.
func (p *MinecraftProxy) Registry() *plugin.Registry {
	return p.registry
}

// Breakers returns the per-backend circuit breakers.
func (p *MinecraftProxy) Breakers() *breaker.Group {
	return p.breakers
}

// Reload re-reads the configuration file. A document that fails to parse or
// to apply leaves the running configuration and pipeline in place.
func (p *MinecraftProxy) Reload() error {
	if err := p.refresh(); err != nil {
		p.config.Logger.Error("failed to reload config, keeping previous", slog.String("error", err.Error()))
		return err
	}
	return nil
}

// refresh reloads the provider and counts the outcome.
func (p *MinecraftProxy) refresh() error {
	if err := p.provider.Reload(); err != nil {
		p.config.Metrics.Reloads.WithLabelValues("error").Inc()
		return err
	}
	p.config.Metrics.Reloads.WithLabelValues("success").Inc()
	return nil
}

// reload runs for every parsed configuration before the provider publishes
// it. An error keeps both the previous configuration and pipeline.
func (p *MinecraftProxy) reload(cfg *transit.Config) error {
	log := p.config.Logger
	if err := p.registry.Reload(cfg); err != nil {
		return fmt.Errorf("failed to reload plugins: %w", err)
	}
	if err := p.applyLevel(cfg); err != nil {
		log.Warn("keeping previous log level", slog.String("error", err.Error()))
	}
	if !strings.EqualFold(cfg.Inbound.Bind, p.bind) {
		log.Warn("inbound bind address changed, restart to apply",
			slog.String("current", p.bind),
			slog.String("configured", cfg.Inbound.Bind))
	}

	attrs := []any{slog.Int("routes", len(cfg.Routes))}
	if p.server != nil {
		// Open connections keep the snapshot they were admitted with.
		for host, n := range p.server.Tracker().Hosts() {
			log.Debug("connections keep previous config", slog.String("host", host), slog.Int("connections", n))
		}
		attrs = append(attrs, slog.Int("online", p.server.Tracker().Online()))
	}
	log.Info("config applied", attrs...)
	return nil
}

func (p *MinecraftProxy) applyLevel(cfg *transit.Config) error {
	if cfg.Logger.Level == "" {
		return nil
	}
	lvl, err := logger.ParseLevel(cfg.Logger.Level)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	p.config.Level.Set(lvl)
	return nil
}

// Listen starts the Minecraft server, and the configuration watcher when
// enabled, and blocks until ctx is cancelled. Plugins are closed once the
// server has shut down.
func (p *MinecraftProxy) Listen(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer func() {
			if err := p.registry.Close(); err != nil {
				p.config.Logger.Warn("failed to close plugins", slog.String("error", err.Error()))
			}
		}()
		return p.server.Listen(ctx)
	})

	if p.config.Watch {
		g.Go(func() error {
			return p.provider.Watch(ctx, p.refresh)
		})
	}

	return g.Wait()
}
