// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package handler provides the hook interface that links the connection
// supervisor to application logic.
//
// # Data Flow
//
//	Client → Supervisor (validates handshake) → Handler.AuthHandshake → dial upstream
//	Upstream open → Handler.OnRelay → frames → Handler.OnFrame → close → Handler.OnDisconnect
//
// # Handler Methods
//
// AuthHandshake runs after the handshake frame has been parsed and before any
// outbound connection is attempted. An error rejects the client with a
// policy-violation close and the error text as reason.
//
// Notification methods are observational:
//   - OnRelay: the upstream is open and buffered frames are about to be replayed
//   - OnFrame: a normalized frame was forwarded in the given Direction
//   - OnDisconnect: the client connection is gone
//
// # Context
//
// The Context struct carries session metadata across all handler calls:
//   - SessionID: Unique identifier for this connection
//   - RemoteAddr, UserAgent: From the upgrade request
//   - Token, UpstreamURL: From the handshake frame
//
// # Example
//
//	type TenantHandler struct {
//		tokens TokenVerifier
//	}
//
//	func (h *TenantHandler) AuthHandshake(ctx context.Context, hctx *handler.Context) error {
//		return h.tokens.Verify(ctx, hctx.Token)
//	}
package handler
