// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package relay forwards JSON frames between a client socket and its
// upstream socket until either side closes.
package relay

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/absmach/wsrelay/pkg/codec"
	"github.com/absmach/wsrelay/pkg/handler"
	"github.com/absmach/wsrelay/pkg/metrics"
	"github.com/absmach/wsrelay/pkg/ws"
	"github.com/gorilla/websocket"
)

// shutdownReason is sent to both peers when the relay is cancelled.
const shutdownReason = "server shutting down"

// Pair is an open client socket, its open upstream socket and the client
// frames received before the upstream was ready.
type Pair struct {
	Client   *ws.Socket
	Upstream *ws.Socket
	Pending  [][]byte
}

// Relay forwards frames for any number of pairs.
type Relay struct {
	handler handler.Handler
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New creates a Relay.
func New(h handler.Handler, m *metrics.Metrics, logger *slog.Logger) *Relay {
	if h == nil {
		h = &handler.NoopHandler{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		handler: h,
		metrics: m,
		logger:  logger,
	}
}

// Run replays p.Pending to the upstream and then forwards frames in both
// directions. It returns once both sockets are closed. Cancelling ctx closes
// both sides with 1001.
func (r *Relay) Run(ctx context.Context, hctx *handler.Context, p Pair) {
	stop := context.AfterFunc(ctx, func() {
		p.Client.CloseWith(websocket.CloseGoingAway, shutdownReason)
		p.Upstream.CloseWith(websocket.CloseGoingAway, shutdownReason)
	})
	defer stop()

	var wg sync.WaitGroup
	wg.Add(2)

	// Upstream: client → service
	go func() {
		defer wg.Done()
		r.replay(ctx, hctx, p.Upstream, p.Pending)
		r.pipe(ctx, hctx, p.Client, p.Upstream, handler.Upstream)
	}()

	// Downstream: service → client
	go func() {
		defer wg.Done()
		r.pipe(ctx, hctx, p.Upstream, p.Client, handler.Downstream)
	}()

	wg.Wait()
	<-p.Client.Done()
	<-p.Upstream.Done()
}

func (r *Relay) replay(ctx context.Context, hctx *handler.Context, dst *ws.Socket, pending [][]byte) {
	if len(pending) == 0 {
		return
	}
	r.logger.Debug("replaying buffered frames",
		slog.String("session", hctx.SessionID),
		slog.Int("count", len(pending)))

	for _, frame := range pending {
		r.forward(ctx, hctx, dst, frame, handler.Upstream)
	}
}

// pipe forwards frames from src to dst until src stops reading. The close
// status that ended src is passed on to dst.
func (r *Relay) pipe(ctx context.Context, hctx *handler.Context, src, dst *ws.Socket, dir handler.Direction) {
	for f := range src.Frames() {
		if f.Err == nil {
			r.forward(ctx, hctx, dst, f.Data, dir)
			continue
		}

		code, reason := ws.CloseStatus(f.Err)
		r.logger.Info("connection closed",
			slog.String("session", hctx.SessionID),
			slog.String("side", sourceSide(dir)),
			slog.Int("code", code),
			slog.String("reason", reason))
		var ce *websocket.CloseError
		if !errors.As(f.Err, &ce) {
			r.logger.Debug("read error",
				slog.String("session", hctx.SessionID),
				slog.String("side", sourceSide(dir)),
				slog.String("error", f.Err.Error()))
		}

		dst.CloseWith(code, reason)
		return
	}
}

func (r *Relay) forward(ctx context.Context, hctx *handler.Context, dst *ws.Socket, frame []byte, dir handler.Direction) {
	data, err := codec.Normalize(frame)
	if err != nil {
		r.logger.Warn("dropping frame",
			slog.String("session", hctx.SessionID),
			slog.String("direction", dir.String()),
			slog.String("error", err.Error()))
		r.dropped(dir, "invalid_json")
		return
	}

	sent, err := dst.Send(data)
	switch {
	case err != nil:
		r.logger.Error("failed to forward frame",
			slog.String("session", hctx.SessionID),
			slog.String("direction", dir.String()),
			slog.String("error", err.Error()))
		r.dropped(dir, "write_error")
		if dst.IsOpen() {
			dst.Abort()
		}
		return
	case !sent:
		r.dropped(dir, "not_open")
		return
	}

	if r.metrics != nil {
		r.metrics.FramesRelayed.WithLabelValues(dir.String()).Inc()
	}
	if err := r.handler.OnFrame(ctx, hctx, dir, data); err != nil {
		r.logger.Warn("frame handler error",
			slog.String("session", hctx.SessionID),
			slog.String("error", err.Error()))
	}
}

func (r *Relay) dropped(dir handler.Direction, reason string) {
	if r.metrics != nil {
		r.metrics.FramesDropped.WithLabelValues(dir.String(), reason).Inc()
	}
}

func sourceSide(dir handler.Direction) string {
	if dir == handler.Upstream {
		return "client"
	}
	return "upstream"
}
