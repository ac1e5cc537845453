// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package supervisor owns each client connection from the WebSocket upgrade
// until both of its sockets are closed.
//
// # Lifecycle
//
//	Buffering: wait for the handshake frame, validate it, dial the upstream
//	           while holding later client frames in a buffer
//	Relaying:  hand the socket pair and buffered frames to the relay
//	Closed:    run OnDisconnect and record the outcome
//
// Handshake failures close the client with 1008, upstream dial failures with
// 1011 and server shutdown with 1001. A client that leaves while the upstream
// is being dialed cancels the dial.
package supervisor
