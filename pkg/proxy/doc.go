// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package proxy wires the pieces of a Transit deployment together.
//
// # Overview
//
// MinecraftProxy combines:
//  1. The configuration provider, reloaded on file change or on demand
//  2. The plugin registry, with the router and rate limiter built in
//  3. The per-backend circuit breakers
//  4. The Minecraft TCP server
//
// # Architecture
//
//	Application
//	     ↓
//	┌────────────────┐
//	│ MinecraftProxy │  (Coordinator)
//	└────────────────┘
//	     ↓         ↓
//	┌──────────┐ ┌──────────┐
//	│ Provider │ │ Registry │  reload → new pipeline
//	└──────────┘ └──────────┘
//	     ↓
//	┌────────────┐
//	│ TCP server │  (Transport)
//	└────────────┘
//
// # Reloading
//
// Every configuration the provider parses rebuilds the plugin pipeline and
// reapplies the log level before it becomes current. If a plugin rejects its
// section the reload fails and the previous configuration and pipeline stay
// active. New connections use the new snapshot while open ones keep theirs.
// The bind address is read once; changing it only logs a warning.
//
// # Example
//
//	provider := transit.NewProvider(settings.ConfigFile, logger)
//	if _, err := provider.Load(); err != nil {
//		return err
//	}
//
//	mc, err := proxy.NewMinecraft(proxy.MinecraftConfig{
//		Settings: settings,
//		Watch:    true,
//		Plugins:  []plugin.Factory{simple.New(logger)},
//		Level:    level,
//		Logger:   logger,
//	}, provider)
//	if err != nil {
//		return err
//	}
//
//	g, ctx := errgroup.WithContext(ctx)
//	g.Go(func() error {
//		return mc.Listen(ctx)
//	})
package proxy
