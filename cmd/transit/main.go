// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package main runs the Transit Minecraft reverse proxy with metrics, health
// checks and live configuration reloads.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/absmach/transit"
	"github.com/absmach/transit/examples/simple"
	"github.com/absmach/transit/pkg/health"
	"github.com/absmach/transit/pkg/logger"
	"github.com/absmach/transit/pkg/metrics"
	"github.com/absmach/transit/pkg/plugin"
	"github.com/absmach/transit/pkg/proxy"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

const readyPollInterval = 100 * time.Millisecond

func main() {
	// .env is optional.
	envErr := godotenv.Load()

	settings, err := transit.NewSettings(env.Options{Prefix: transit.EnvPrefix})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse settings: %v\n", err)
		os.Exit(1)
	}

	level := new(slog.LevelVar)
	lvl, err := logger.ParseLevel(settings.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid log level: %v\n", err)
		os.Exit(1)
	}
	level.Set(lvl)
	log := logger.New(os.Stdout, settings.LogFormat, level)
	if envErr != nil {
		log.Debug("no .env file found, using environment variables")
	}

	provider := transit.NewProvider(settings.ConfigFile, log)
	if _, err := provider.Load(); err != nil {
		log.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	m := metrics.New(metrics.DefaultNamespace, prometheus.DefaultRegisterer)

	var plugins []plugin.Factory
	if settings.LogEvents {
		plugins = append(plugins, simple.New(log))
	}

	mc, err := proxy.NewMinecraft(proxy.MinecraftConfig{
		Settings: settings,
		Watch:    true,
		Plugins:  plugins,
		Metrics:  m,
		Level:    level,
		Logger:   log,
	}, provider)
	if err != nil {
		log.Error("failed to create Minecraft proxy", slog.String("error", err.Error()))
		os.Exit(1)
	}

	checker := health.NewChecker(10 * time.Second)
	registerChecks(checker, mc, m, settings)

	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)

	log.Info("starting Transit",
		slog.String("config", settings.ConfigFile),
		slog.String("bind", provider.Current().Inbound.Bind),
		slog.Int("max_connections", settings.MaxConnections))

	g.Go(func() error {
		return mc.Listen(ctx)
	})

	g.Go(func() error {
		return markReady(ctx, checker, mc)
	})

	g.Go(func() error {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		return serveHTTP(ctx, "metrics", fmt.Sprintf(":%d", settings.MetricsPort), mux, log)
	})

	g.Go(func() error {
		return serveHTTP(ctx, "health", fmt.Sprintf(":%d", settings.HealthPort), checker.Handler(), log)
	})

	g.Go(func() error {
		return ReloadSignalHandler(ctx, mc, log)
	})

	g.Go(func() error {
		return StopSignalHandler(ctx, cancel, log)
	})

	if err := g.Wait(); err != nil {
		log.Error(fmt.Sprintf("Transit terminated with error: %s", err))
		os.Exit(1)
	}
	log.Info("Transit stopped")
}

func registerChecks(checker *health.Checker, mc *proxy.MinecraftProxy, m *metrics.Metrics, settings transit.Settings) {
	checker.Register("listener", true, func(context.Context) error {
		if mc.Server().Addr() == nil {
			return errors.New("minecraft listener is not bound")
		}
		return nil
	})

	checker.Register("plugins", true, func(context.Context) error {
		if mc.Registry().Pipeline().Len(plugin.EventLogin) == 0 {
			return errors.New("no login handlers registered")
		}
		return nil
	})

	checker.Register("backends", false, func(context.Context) error {
		if open := mc.Breakers().Open(); len(open) > 0 {
			return fmt.Errorf("circuit open for %s", strings.Join(open, ", "))
		}
		return nil
	})

	checker.Register("goroutines", false, func(context.Context) error {
		count := runtime.NumGoroutine()
		m.Goroutines.Set(float64(count))
		if count > settings.MaxGoroutines {
			return fmt.Errorf("too many goroutines: %d > %d", count, settings.MaxGoroutines)
		}
		return nil
	})
}

// markReady flips readiness once the Minecraft listener is bound and back
// when shutdown starts.
func markReady(ctx context.Context, checker *health.Checker, mc *proxy.MinecraftProxy) error {
	ticker := time.NewTicker(readyPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			checker.SetReady(false)
			return nil
		case <-ticker.C:
			if mc.Server().Addr() != nil {
				checker.SetReady(true)
				<-ctx.Done()
				checker.SetReady(false)
				return nil
			}
		}
	}
}

func serveHTTP(ctx context.Context, name, addr string, h http.Handler, log *slog.Logger) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      h,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info(fmt.Sprintf("starting %s server", name), slog.String("address", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("%s server: %w", name, err)
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// ReloadSignalHandler reloads the configuration file on SIGHUP.
func ReloadSignalHandler(ctx context.Context, mc *proxy.MinecraftProxy, log *slog.Logger) error {
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGHUP)
	defer signal.Stop(c)

	for {
		select {
		case <-c:
			log.Info("received reload signal")
			// Failures are logged and counted by Reload.
			_ = mc.Reload()
		case <-ctx.Done():
			return nil
		}
	}
}

func StopSignalHandler(ctx context.Context, cancel context.CancelFunc, log *slog.Logger) error {
	c := make(chan os.Signal, 2)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-c:
		log.Info("received shutdown signal", slog.String("signal", sig.String()))
		cancel()
		return nil
	case <-ctx.Done():
		return nil
	}
}
