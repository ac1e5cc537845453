// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package server serves the relay upgrade path and delegates every other
// request to the web application.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	rerrors "github.com/absmach/wsrelay/pkg/errors"
	"github.com/absmach/wsrelay/pkg/metrics"
	"github.com/absmach/wsrelay/pkg/ratelimit"
	"github.com/gorilla/websocket"
)

// ErrShutdownTimeout is returned when relays did not drain within the shutdown timeout.
var ErrShutdownTimeout = errors.New("shutdown timeout exceeded")

// forceCloseGrace is how long force-closed relays get to finish their close handshake.
const forceCloseGrace = 2 * time.Second

// Relay is the handler for upgrade requests on the relay path.
type Relay interface {
	http.Handler

	// Wait blocks until every connection handed to ServeHTTP has finished.
	Wait()
}

// Config holds the server configuration.
type Config struct {
	// Address is the listen address (host:port).
	Address string

	// Path is the only path that accepts relay upgrades.
	Path string

	// TLSConfig enables a TLS listener when set.
	TLSConfig *tls.Config

	// ShutdownTimeout is how long active relays may continue after the
	// listener closes. Remaining relays are then closed with 1001.
	ShutdownTimeout time.Duration

	// Limiter rejects upgrade attempts from clients over their rate. Optional.
	Limiter *ratelimit.Limiter

	// Metrics is optional.
	Metrics *metrics.Metrics

	Logger *slog.Logger
}

// Server routes upgrade requests on the relay path to the relay and all
// other requests to the application handler.
type Server struct {
	config Config
	relay  Relay
	app    http.Handler
}

var _ http.Handler = (*Server)(nil)

// New creates a new Server.
func New(cfg Config, relay Relay, app http.Handler) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if app == nil {
		app = http.NotFoundHandler()
	}

	return &Server{
		config: cfg,
		relay:  relay,
		app:    app,
	}
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != s.config.Path || !websocket.IsWebSocketUpgrade(r) {
		s.app.ServeHTTP(w, r)
		return
	}

	if s.config.Limiter != nil && !s.config.Limiter.Allow(ratelimit.ClientIP(r)) {
		s.config.Logger.Warn("upgrade rate limited", slog.String("remote", r.RemoteAddr))
		if s.config.Metrics != nil {
			s.config.Metrics.RateLimitedUpgrades.Inc()
		}
		http.Error(w, rerrors.ErrRateLimited.Error(), http.StatusTooManyRequests)
		return
	}

	s.relay.ServeHTTP(w, r)
}

// Listen serves until ctx is cancelled, then stops accepting connections,
// lets active relays drain for ShutdownTimeout and closes the rest.
func (s *Server) Listen(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
	}
	return s.Serve(ctx, listener)
}

// Serve is Listen on an existing listener.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	if s.config.TLSConfig != nil {
		listener = tls.NewListener(listener, s.config.TLSConfig)
		s.config.Logger.Info("TLS enabled", slog.String("address", listener.Addr().String()))
	}

	// Relays run on their own context so they can outlive ctx during draining.
	connCtx, connCancel := context.WithCancel(context.Background())
	defer connCancel()

	server := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return connCtx },
		ErrorLog:          slog.NewLogLogger(s.config.Logger.Handler(), slog.LevelDebug),
	}

	s.config.Logger.Info("relay server started",
		slog.String("address", listener.Addr().String()),
		slog.String("path", s.config.Path))

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(listener)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.config.Logger.Info("shutdown signal received, closing listener")

	// Shutdown returns once no plain HTTP request is in flight. Upgraded
	// connections are hijacked and are drained below.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		s.config.Logger.Error("error during shutdown", slog.String("error", err.Error()))
	}

	done := make(chan struct{})
	go func() {
		s.relay.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.config.Logger.Info("all relays closed gracefully")
		return nil
	case <-shutdownCtx.Done():
		s.config.Logger.Warn("shutdown timeout exceeded, closing remaining relays")
		connCancel()
		select {
		case <-done:
		case <-time.After(forceCloseGrace):
		}
		return ErrShutdownTimeout
	}
}
