// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package errors provides structured error handling for Transit.
package errors

import (
	"errors"
	"fmt"
)

// Error kinds. Every failure in the connection path wraps one of these so
// callers can classify it with errors.Is.
var (
	// ErrInvalidInput indicates invalid configuration or plugin output.
	ErrInvalidInput = errors.New("invalid input")

	// ErrTimeout indicates the handshake or login window elapsed.
	ErrTimeout = errors.New("timeout")

	// ErrConnectionClosed indicates the connection was closed.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrProtocolViolation indicates a malformed or unexpected Minecraft packet.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrDecodeFailure indicates an invalid proxy protocol header.
	ErrDecodeFailure = errors.New("decode failure")

	// ErrBackendUnavailable indicates the backend could not be reached.
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrPluginFault indicates a plugin handler failed or returned an invalid result.
	ErrPluginFault = errors.New("plugin fault")

	// ErrResourceExhausted indicates a send buffer exceeded its ceiling.
	ErrResourceExhausted = errors.New("resource exhausted")

	// ErrRateLimited indicates rate limit exceeded.
	ErrRateLimited = errors.New("rate limit exceeded")
)

// ProxyError wraps an error with additional context.
type ProxyError struct {
	Op         string // Operation that failed
	Protocol   string // Protocol phase (handshake, status, login, play)
	SessionID  string // Session identifier
	RemoteAddr string // Client address
	Err        error  // Underlying error
}

// Error implements the error interface.
func (e *ProxyError) Error() string {
	if e.SessionID != "" {
		return fmt.Sprintf("%s %s [%s] %s: %v", e.Protocol, e.Op, e.SessionID, e.RemoteAddr, e.Err)
	}
	return fmt.Sprintf("%s %s %s: %v", e.Protocol, e.Op, e.RemoteAddr, e.Err)
}

// Unwrap returns the underlying error.
func (e *ProxyError) Unwrap() error {
	return e.Err
}

// New creates a new ProxyError.
func New(op, protocol, sessionID, remoteAddr string, err error) error {
	if err == nil {
		return nil
	}
	return &ProxyError{
		Op:         op,
		Protocol:   protocol,
		SessionID:  sessionID,
		RemoteAddr: remoteAddr,
		Err:        err,
	}
}

// Wrap wraps an error with context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Kind returns a short label for the error kind, suitable for metrics.
func Kind(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrProtocolViolation):
		return "protocol_violation"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrDecodeFailure):
		return "decode_failure"
	case errors.Is(err, ErrBackendUnavailable):
		return "backend_unavailable"
	case errors.Is(err, ErrPluginFault):
		return "plugin_fault"
	case errors.Is(err, ErrResourceExhausted):
		return "resource_exhausted"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrConnectionClosed):
		return "closed"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	default:
		return "other"
	}
}
