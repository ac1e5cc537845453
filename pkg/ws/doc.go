// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ws wraps a gorilla/websocket connection in a Socket with an
// explicit Open, Closing and Closed state.
//
// A Socket owns the only reader of its connection. Inbound messages and the
// error that ended reading are delivered in receipt order on Frames(). Send
// is safe for concurrent use and is skipped once the socket is no longer
// open. CloseWith starts the close handshake once; later calls are ignored.
// Close codes that cannot travel in a close frame (1006, 1015) drop the
// underlying connection instead.
package ws
