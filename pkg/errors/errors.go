// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package errors provides structured error handling for wsrelay.
package errors

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidHandshake indicates the first client frame is not a valid
	// authentication descriptor.
	ErrInvalidHandshake = errors.New("invalid auth message")

	// ErrHandshakeTimeout indicates the client did not send its handshake frame in time.
	ErrHandshakeTimeout = errors.New("handshake timeout")

	// ErrUpstreamNotAllowed indicates the handshake named an upstream host
	// outside the configured allow-list.
	ErrUpstreamNotAllowed = errors.New("upstream not allowed")

	// ErrConnectionTimeout indicates the upstream did not open in time.
	ErrConnectionTimeout = errors.New("server connection timeout")

	// ErrBufferFull indicates the pre-handshake buffer limit was exceeded.
	ErrBufferFull = errors.New("message buffer limit exceeded")

	// ErrInvalidFrame indicates a relayed frame is not valid JSON.
	ErrInvalidFrame = errors.New("invalid JSON frame")

	// ErrRateLimited indicates rate limit exceeded.
	ErrRateLimited = errors.New("rate limit exceeded")
)

// ConnectionError reports a transport failure while opening the upstream connection.
type ConnectionError struct {
	URL string
	Err error
}

// Error implements the error interface.
func (e *ConnectionError) Error() string {
	return fmt.Sprintf("upstream connection error: %v", e.Err)
}

// Unwrap returns the underlying error.
func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// RelayError wraps an error with connection context.
type RelayError struct {
	Op         string // Operation that failed
	SessionID  string // Session identifier
	RemoteAddr string // Client address
	Err        error  // Underlying error
}

// Error implements the error interface.
func (e *RelayError) Error() string {
	if e.SessionID != "" {
		return fmt.Sprintf("%s [%s] %s: %v", e.Op, e.SessionID, e.RemoteAddr, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.RemoteAddr, e.Err)
}

// Unwrap returns the underlying error.
func (e *RelayError) Unwrap() error {
	return e.Err
}

// New creates a new RelayError.
func New(op, sessionID, remoteAddr string, err error) error {
	if err == nil {
		return nil
	}
	return &RelayError{
		Op:         op,
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
