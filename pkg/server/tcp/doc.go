// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package tcp implements the Minecraft listener of transit.
//
// # Overview
//
// The server accepts Minecraft Java Edition clients, reads the handshake and
// the first login packet, asks the plugin pipeline where the player should
// go and then relays raw bytes between the client and the chosen backend.
// Nothing after Login Start is decoded.
//
// # Architecture
//
//	┌─────────┐         ┌─────────┐         ┌─────────┐
//	│ Client  │ ←─TCP─→ │  Server │ ←─TCP─→ │ Backend │
//	└─────────┘         └─────────┘         └─────────┘
//	                         ↓
//	                    ┌──────────┐
//	                    │ Pipeline │  motd / login / disconnect
//	                    └──────────┘
//	                         ↓
//	                    ┌───────────┐
//	                    │ Connector │  SRV, dial, circuit breaker
//	                    └───────────┘
//
// # Connection Flow
//
//  1. The client connects and the optional proxy protocol header is read.
//  2. The handshake selects status or login.
//  3. Status: the motd event is dispatched and the status response sent.
//     The connection closes after LoginTimeout.
//  4. Login: the login event decides between Pass, Kick and Reject.
//  5. Pass: the backend is dialled and sent an optional LOCAL proxy
//     protocol header, the rewritten handshake, the original Login Start
//     and any bytes the client sent after it.
//  6. Play: bytes flow both ways through bounded send buffers.
//  7. On close, the disconnect event runs for players that logged in.
//
// Each connection runs a reader goroutine for the client and, once in play,
// one for the backend. Writes go through relay sinks, so a slow peer only
// grows its own buffer until SendBufferLimit closes the connection.
//
// # Timeouts
//
//   - HandshakeTimeout: time allowed to complete the handshake.
//   - LoginTimeout: time allowed to reach play, or to stay in status.
//   - ShutdownTimeout: drain period before open connections are closed.
//
// # Graceful Shutdown
//
// When the context is cancelled the listener closes and connections are
// given ShutdownTimeout to finish. Remaining ones are then closed and
// Serve returns ErrShutdownTimeout.
//
// # Example
//
//	provider := transit.NewProvider("transit.yaml", logger)
//	registry := plugin.NewRegistry(logger, router.New)
//	if err := registry.Reload(provider.Current()); err != nil {
//		return err
//	}
//
//	server := tcp.New(tcp.Config{Address: ":25565", Logger: logger}, provider, registry, nil)
//	if err := server.Listen(ctx); err != nil {
//		return err
//	}
package tcp
