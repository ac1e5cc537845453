// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/wsrelay/pkg/buffer"
	rerrors "github.com/absmach/wsrelay/pkg/errors"
	"github.com/absmach/wsrelay/pkg/handler"
	"github.com/absmach/wsrelay/pkg/handshake"
	"github.com/absmach/wsrelay/pkg/metrics"
	"github.com/absmach/wsrelay/pkg/relay"
	"github.com/absmach/wsrelay/pkg/session"
	"github.com/absmach/wsrelay/pkg/ws"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
)

// registryTimeout bounds each session registry call.
const registryTimeout = time.Second

// State is the lifecycle state of a client connection.
type State int

const (
	// Buffering connections wait for the handshake and the upstream connection.
	Buffering State = iota
	// Relaying connections forward frames to and from the upstream.
	Relaying
	// Closed connections are done.
	Closed
)

// String returns a string representation of the state.
func (s State) String() string {
	switch s {
	case Buffering:
		return "buffering"
	case Relaying:
		return "relaying"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Dialer opens the upstream connection described by a handshake.
type Dialer interface {
	Dial(ctx context.Context, desc handshake.AuthDescriptor) (*websocket.Conn, error)
}

// Config holds the supervisor configuration.
type Config struct {
	// HandshakeTimeout bounds the wait for the first client frame. Zero disables it.
	HandshakeTimeout time.Duration

	// Buffer limits the frames held while the upstream connection opens.
	Buffer buffer.Limits

	// ClientSocket and UpstreamSocket configure the two sides of a relay.
	ClientSocket   ws.Options
	UpstreamSocket ws.Options

	// CheckOrigin validates the upgrade request origin. Nil accepts any origin.
	CheckOrigin func(r *http.Request) bool

	// Instance identifies this relay in the session registry.
	Instance string

	// Sessions records active connections. Nil uses an in-memory store.
	Sessions session.Store

	// Metrics is optional.
	Metrics *metrics.Metrics

	Logger *slog.Logger
}

// Supervisor upgrades client connections and owns each of them from the
// upgrade until both sockets are closed.
type Supervisor struct {
	config    Config
	upgrader  websocket.Upgrader
	validator *handshake.Validator
	dialer    Dialer
	handler   handler.Handler
	relay     *relay.Relay
	active    atomic.Int64
	wg        sync.WaitGroup
}

var _ http.Handler = (*Supervisor)(nil)

// New creates a new Supervisor.
func New(cfg Config, v *handshake.Validator, d Dialer, h handler.Handler) *Supervisor {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New("", prometheus.NewRegistry())
	}
	if cfg.Sessions == nil {
		cfg.Sessions = session.NewMemoryStore()
	}
	if cfg.CheckOrigin == nil {
		cfg.CheckOrigin = func(*http.Request) bool { return true }
	}
	if v == nil {
		v = handshake.NewValidator(nil)
	}
	if h == nil {
		h = &handler.NoopHandler{}
	}

	return &Supervisor{
		config: cfg,
		upgrader: websocket.Upgrader{
			CheckOrigin: cfg.CheckOrigin,
		},
		validator: v,
		dialer:    d,
		handler:   h,
		relay:     relay.New(h, cfg.Metrics, cfg.Logger),
	}
}

// ServeHTTP upgrades the request and serves the connection until it closes.
// Cancelling the request context closes the connection with 1001.
func (s *Supervisor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.wg.Add(1)
	defer s.wg.Done()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.config.Logger.Warn("failed to upgrade client connection",
			slog.String("remote", r.RemoteAddr),
			slog.String("error", err.Error()))
		return
	}

	s.active.Add(1)
	defer s.active.Add(-1)

	c := &connection{
		sup:    s,
		client: ws.New(conn, s.config.ClientSocket),
		buf:    buffer.New(s.config.Buffer),
		hctx: &handler.Context{
			SessionID:  uuid.New().String(),
			RemoteAddr: r.RemoteAddr,
			UserAgent:  r.UserAgent(),
		},
		started: time.Now(),
	}
	c.serve(r.Context())
}

// Active returns the number of connections currently served.
func (s *Supervisor) Active() int {
	return int(s.active.Load())
}

// Wait blocks until every connection handed to ServeHTTP has finished.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}

type dialResult struct {
	conn *websocket.Conn
	err  error
}

// connection is the per-client state, owned by the goroutine serving it.
type connection struct {
	sup      *Supervisor
	client   *ws.Socket
	buf      *buffer.Buffer
	hctx     *handler.Context
	state    State
	entered  bool
	upstream string
	started  time.Time
}

func (c *connection) serve(ctx context.Context) {
	logger := c.sup.config.Logger.With(slog.String("session", c.hctx.SessionID))
	logger.Info("client connected, waiting for handshake", slog.String("remote", c.hctx.RemoteAddr))

	c.enter(Buffering)
	outcome := c.run(ctx, logger)
	c.enter(Closed)

	// The read pump exits once the close handshake ends or its grace period expires.
	<-c.client.Done()

	if err := c.sup.handler.OnDisconnect(context.Background(), c.hctx); err != nil {
		logger.Error("disconnect handler error", slog.String("error", err.Error()))
	}
	c.sup.config.Metrics.ObserveConnection(c.started, outcome)
	logger.Info("client connection closed",
		slog.String("outcome", outcome),
		slog.Duration("duration", time.Since(c.started)))
}

// run drives the connection from buffering to its terminal state and
// returns the outcome label.
func (c *connection) run(ctx context.Context, logger *slog.Logger) string {
	first, outcome, ok := c.awaitHandshake(ctx)
	if !ok {
		return outcome
	}

	desc, err := c.sup.validator.Validate(first)
	if err != nil {
		reason := "invalid"
		if errors.Is(err, rerrors.ErrUpstreamNotAllowed) {
			reason = "not_allowed"
		}
		c.reject(logger, reason, err)
		return "handshake_failed"
	}

	c.hctx.Token = desc.BearerToken
	c.hctx.UpstreamURL = desc.ServiceURL
	c.upstream = hostOf(desc.ServiceURL)

	if err := c.sup.handler.AuthHandshake(ctx, c.hctx); err != nil {
		c.reject(logger, "unauthorized", err)
		return "handshake_failed"
	}
	c.register()

	logger.Info("handshake accepted, connecting upstream", slog.String("upstream", c.upstream))

	conn, outcome, ok := c.dial(ctx, desc, logger)
	if !ok {
		return outcome
	}
	logger.Info("upstream connection established", slog.String("upstream", c.upstream))

	pending := c.buf.Drain()
	c.sup.config.Metrics.BufferedFrames.Observe(float64(len(pending)))
	c.enter(Relaying)

	if err := c.sup.handler.OnRelay(ctx, c.hctx); err != nil {
		logger.Warn("relay handler error", slog.String("error", err.Error()))
	}

	c.sup.relay.Run(ctx, c.hctx, relay.Pair{
		Client:   c.client,
		Upstream: ws.New(conn, c.sup.config.UpstreamSocket),
		Pending:  pending,
	})
	return "relayed"
}

// awaitHandshake waits for the first client frame.
func (c *connection) awaitHandshake(ctx context.Context) (frame []byte, outcome string, ok bool) {
	var timeout <-chan time.Time
	if d := c.sup.config.HandshakeTimeout; d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case f, open := <-c.client.Frames():
		if !open || f.Err != nil {
			return nil, "client_closed", false
		}
		return f.Data, "", true
	case <-timeout:
		c.sup.config.Metrics.HandshakeFailures.WithLabelValues("timeout").Inc()
		c.closeClient(websocket.ClosePolicyViolation, rerrors.ErrHandshakeTimeout.Error())
		return nil, "handshake_failed", false
	case <-ctx.Done():
		c.closeClient(websocket.CloseGoingAway, "server shutting down")
		return nil, "shutdown", false
	}
}

// dial opens the upstream connection while buffering client frames.
func (c *connection) dial(ctx context.Context, desc handshake.AuthDescriptor, logger *slog.Logger) (*websocket.Conn, string, bool) {
	dialCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	start := time.Now()
	results := make(chan dialResult, 1)
	go func() {
		conn, err := c.sup.dialer.Dial(dialCtx, desc)
		results <- dialResult{conn: conn, err: err}
	}()

	// abandon cancels the dial and closes a connection that opened anyway.
	abandon := func() {
		cancel()
		go func() {
			if res := <-results; res.conn != nil {
				res.conn.Close()
			}
		}()
	}

	for {
		select {
		case res := <-results:
			if res.err != nil && ctx.Err() != nil {
				c.closeClient(websocket.CloseGoingAway, "server shutting down")
				return nil, "shutdown", false
			}
			c.sup.config.Metrics.ObserveDial(start, res.err)
			if res.err != nil {
				err := rerrors.New("dial", c.hctx.SessionID, c.hctx.RemoteAddr, res.err)
				logger.Error("setup error",
					slog.String("upstream", c.upstream),
					slog.String("error", err.Error()))
				c.closeClient(websocket.CloseInternalServerErr, res.err.Error())
				return nil, "upstream_failed", false
			}
			return res.conn, "", true

		case f, open := <-c.client.Frames():
			if !open || f.Err != nil {
				logger.Info("client left before upstream opened")
				abandon()
				return nil, "client_closed", false
			}
			if err := c.buf.Push(f.Data); err != nil {
				logger.Warn("buffer limit exceeded", slog.String("error", err.Error()))
				abandon()
				c.sup.config.Metrics.HandshakeFailures.WithLabelValues("buffer_full").Inc()
				c.closeClient(websocket.ClosePolicyViolation, err.Error())
				return nil, "buffer_overflow", false
			}
			logger.Debug("buffering frame", slog.Int("buffered", c.buf.Len()))

		case <-ctx.Done():
			abandon()
			c.closeClient(websocket.CloseGoingAway, "server shutting down")
			return nil, "shutdown", false
		}
	}
}

func (c *connection) reject(logger *slog.Logger, reason string, err error) {
	logger.Warn("handshake rejected", slog.String("error", err.Error()))
	c.sup.config.Metrics.HandshakeFailures.WithLabelValues(reason).Inc()
	c.closeClient(websocket.ClosePolicyViolation, err.Error())
}

func (c *connection) closeClient(code int, reason string) {
	c.sup.config.Logger.Info("closing client connection",
		slog.String("session", c.hctx.SessionID),
		slog.Int("code", code),
		slog.String("reason", reason))
	c.client.CloseWith(code, reason)
}

// enter moves the connection to state and mirrors it in metrics and the registry.
func (c *connection) enter(state State) {
	m := c.sup.config.Metrics
	if c.entered {
		m.ActiveConnections.WithLabelValues(c.state.String()).Dec()
	}
	if state != Closed {
		m.ActiveConnections.WithLabelValues(state.String()).Inc()
	}
	c.state = state
	c.entered = true

	if state == Closed {
		c.unregister()
		return
	}
	c.register()
}

func (c *connection) register() {
	ctx, cancel := context.WithTimeout(context.Background(), registryTimeout)
	defer cancel()

	err := c.sup.config.Sessions.Put(ctx, session.Session{
		ID:          c.hctx.SessionID,
		RemoteAddr:  c.hctx.RemoteAddr,
		Upstream:    c.upstream,
		State:       c.state.String(),
		Instance:    c.sup.config.Instance,
		ConnectedAt: c.started,
	})
	if err != nil {
		c.sup.config.Logger.Warn("failed to record session",
			slog.String("session", c.hctx.SessionID),
			slog.String("error", err.Error()))
	}
}

func (c *connection) unregister() {
	ctx, cancel := context.WithTimeout(context.Background(), registryTimeout)
	defer cancel()

	if err := c.sup.config.Sessions.Delete(ctx, c.hctx.SessionID); err != nil {
		c.sup.config.Logger.Warn("failed to remove session",
			slog.String("session", c.hctx.SessionID),
			slog.String("error", err.Error()))
	}
}

// hostOf returns the host of a service URL. Paths and query strings are
// left out since they may carry credentials.
func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Host
}
