// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package errors provides structured error handling for the device tunnel.
package errors

import (
	"errors"
	"fmt"
)

// Common error types
var (
	// ErrMissingParameter indicates a required connection parameter is absent.
	ErrMissingParameter = errors.New("missing connection parameter")

	// ErrInvalidAddress indicates the assembled outer address does not parse.
	ErrInvalidAddress = errors.New("invalid address")

	// ErrProtocolViolation indicates a frame that breaks the tunnel protocol,
	// such as a malformed envelope or a wrong first message for a fresh id.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrTransport indicates an I/O failure on the outer connection or on a
	// local socket.
	ErrTransport = errors.New("transport failure")

	// ErrChannelClosed indicates internal forwarding channels were closed.
	// It marks a graceful end, not a fault.
	ErrChannelClosed = errors.New("channel closed")

	// ErrSessionClosed indicates the outer session has ended.
	ErrSessionClosed = errors.New("session closed")
)

// TunnelError wraps an error with connection context.
type TunnelError struct {
	Op    string // Operation that failed
	Proto string // Transport kind (http, websocket) or "outer"
	ID    string // Logical connection identifier, hex-encoded
	Err   error  // Underlying error
}

// Error implements the error interface.
func (e *TunnelError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("%s %s [%s]: %v", e.Proto, e.Op, e.ID, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Proto, e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *TunnelError) Unwrap() error {
	return e.Err
}

// New creates a new TunnelError.
func New(op, proto, id string, err error) error {
	if err == nil {
		return nil
	}
	return &TunnelError{
		Op:    op,
		Proto: proto,
		ID:    id,
		Err:   err,
	}
}

// Wrap wraps an error with context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}
