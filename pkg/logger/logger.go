// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package logger builds the slog logger used across Transit, adding the
// trace and packet levels below debug.
package logger

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

const (
	// LevelPacket logs raw packet dumps.
	LevelPacket = slog.Level(-12)
	// LevelTrace logs per-connection state transitions.
	LevelTrace = slog.Level(-8)
)

// MaxDumpBytes caps the bytes rendered by Hex.
const MaxDumpBytes = 64

// ParseLevel maps a level name to a slog level.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "packet":
		return LevelPacket, nil
	case "trace":
		return LevelTrace, nil
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", level)
	}
}

// New creates a structured logger writing to w with the given format. The
// returned logger reads its level from lvl, so changing lvl applies live.
func New(w io.Writer, format string, lvl *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       lvl,
		ReplaceAttr: replaceLevel,
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}

func replaceLevel(_ []string, a slog.Attr) slog.Attr {
	if a.Key != slog.LevelKey {
		return a
	}
	level, ok := a.Value.Any().(slog.Level)
	if !ok {
		return a
	}
	switch {
	case level <= LevelPacket:
		a.Value = slog.StringValue("PACKET")
	case level <= LevelTrace:
		a.Value = slog.StringValue("TRACE")
	}
	return a
}

// Hex renders at most MaxDumpBytes of b as upper-case space separated hex.
func Hex(b []byte) string {
	shown := b
	if len(shown) > MaxDumpBytes {
		shown = shown[:MaxDumpBytes]
	}
	var sb strings.Builder
	for i, c := range shown {
		if i > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(strings.ToUpper(hex.EncodeToString([]byte{c})))
	}
	if len(b) > MaxDumpBytes {
		fmt.Fprintf(&sb, " ...(omitted %d bytes)", len(b)-MaxDumpBytes)
	}
	return sb.String()
}

// Packet logs a packet dump at LevelPacket. The hex rendering is skipped
// entirely when the level is disabled.
func Packet(ctx context.Context, l *slog.Logger, msg string, b []byte, attrs ...slog.Attr) {
	if !l.Enabled(ctx, LevelPacket) {
		return
	}
	attrs = append(attrs, slog.Int("size", len(b)), slog.String("hex", Hex(b)))
	l.LogAttrs(ctx, LevelPacket, msg, attrs...)
}
