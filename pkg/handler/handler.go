// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"context"
)

// Direction indicates the direction of frame flow.
type Direction int

const (
	// Upstream represents frames flowing from client to upstream service.
	Upstream Direction = iota

	// Downstream represents frames flowing from upstream service to client.
	Downstream
)

// String returns a string representation of the direction.
func (d Direction) String() string {
	switch d {
	case Upstream:
		return "upstream"
	case Downstream:
		return "downstream"
	default:
		return "unknown"
	}
}

// Context contains connection metadata and the credentials taken from the
// handshake frame. It is passed to Handler methods.
type Context struct {
	// SessionID is a unique identifier for this connection
	SessionID string

	// RemoteAddr is the client's network address
	RemoteAddr string

	// UserAgent of the upgrade request
	UserAgent string

	// Token is the bearer credential from the handshake frame
	Token string

	// UpstreamURL is the service URL from the handshake frame
	UpstreamURL string
}

// Handler defines authorization and notification callbacks for relay events.
//
// AuthHandshake is called after the handshake frame is validated and BEFORE
// the upstream connection is dialed. Returning an error rejects the client
// with a policy-violation close.
//
// Notification methods (OnRelay, OnFrame, OnDisconnect) are called for audit
// logging or metrics. Errors from these methods are logged but never change
// the relay's behavior.
type Handler interface {
	// AuthHandshake authorizes a validated handshake.
	AuthHandshake(ctx context.Context, hctx *Context) error

	// OnRelay is called once the upstream connection is open and relaying begins.
	OnRelay(ctx context.Context, hctx *Context) error

	// OnFrame is called for every frame forwarded in either direction,
	// after JSON normalization. payload must not be retained or modified.
	OnFrame(ctx context.Context, hctx *Context, dir Direction, payload []byte) error

	// OnDisconnect is called when the client connection ends, whether or not
	// relaying ever started.
	OnDisconnect(ctx context.Context, hctx *Context) error
}

// NoopHandler is a Handler implementation that allows everything.
type NoopHandler struct{}

var _ Handler = (*NoopHandler)(nil)

func (h *NoopHandler) AuthHandshake(ctx context.Context, hctx *Context) error {
	return nil
}

func (h *NoopHandler) OnRelay(ctx context.Context, hctx *Context) error {
	return nil
}

func (h *NoopHandler) OnFrame(ctx context.Context, hctx *Context, dir Direction, payload []byte) error {
	return nil
}

func (h *NoopHandler) OnDisconnect(ctx context.Context, hctx *Context) error {
	return nil
}
