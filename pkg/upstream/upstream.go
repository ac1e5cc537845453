// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package upstream opens the outbound WebSocket connection named by a
// client handshake.
package upstream

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/absmach/wsrelay/pkg/breaker"
	rerrors "github.com/absmach/wsrelay/pkg/errors"
	"github.com/absmach/wsrelay/pkg/handshake"
	"github.com/gorilla/websocket"
)

// DefaultTimeout bounds the wait for the upstream connection to open.
const DefaultTimeout = 5 * time.Second

// Config holds the connector configuration.
type Config struct {
	// Timeout bounds each dial, including the WebSocket handshake.
	Timeout time.Duration

	// TLSConfig is used for wss:// upstreams. Nil uses system defaults.
	TLSConfig *tls.Config

	// Breakers, when set, fail fast for upstream hosts that keep failing.
	Breakers *breaker.Group

	Logger *slog.Logger
}

// Connector dials upstream services on behalf of clients.
type Connector struct {
	dialer   *websocket.Dialer
	timeout  time.Duration
	breakers *breaker.Group
	logger   *slog.Logger
}

// New creates a new Connector.
func New(cfg Config) *Connector {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Connector{
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.Timeout,
			TLSClientConfig:  cfg.TLSConfig,
		},
		timeout:  cfg.Timeout,
		breakers: cfg.Breakers,
		logger:   cfg.Logger,
	}
}

// Dial opens a WebSocket to desc.ServiceURL with desc.BearerToken as bearer
// credential. It fails with ErrConnectionTimeout if the connection is not open
// within the timeout, and with a *ConnectionError for any other failure.
// No retry is attempted.
func (c *Connector) Dial(ctx context.Context, desc handshake.AuthDescriptor) (*websocket.Conn, error) {
	target := redact(desc.ServiceURL)

	header := http.Header{}
	header.Set("Content-Type", "application/json")
	header.Set("Authorization", "Bearer "+desc.BearerToken)

	dialCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var conn *websocket.Conn
	var dialErr error
	dial := func() error {
		var resp *http.Response
		conn, resp, dialErr = c.dialContext(dialCtx, desc.ServiceURL, header)
		if dialErr != nil && resp != nil {
			dialErr = fmt.Errorf("%w: %s", dialErr, resp.Status)
		}
		if ctx.Err() != nil {
			// The client went away; that says nothing about the upstream.
			return nil
		}
		return dialErr
	}

	var err error
	if c.breakers != nil {
		err = c.breakers.Call(hostOf(desc.ServiceURL), dial)
	} else {
		err = dial()
	}

	switch {
	case errors.Is(err, breaker.ErrCircuitOpen):
		return nil, &rerrors.ConnectionError{URL: target, Err: err}
	case dialErr == nil && conn != nil:
		c.logger.Debug("upstream connection established", slog.String("target", target))
		return conn, nil
	case ctx.Err() == nil && timedOut(dialCtx, dialErr):
		return nil, fmt.Errorf("%w after %s", rerrors.ErrConnectionTimeout, c.timeout)
	default:
		if dialErr == nil {
			dialErr = ctx.Err()
		}
		return nil, &rerrors.ConnectionError{URL: target, Err: dialErr}
	}
}

// dialContext runs the WebSocket handshake and aborts it as soon as ctx is
// done. The dialer itself only turns ctx into a socket deadline, so a silent
// upstream would otherwise hold the handshake until the timeout.
func (c *Connector) dialContext(ctx context.Context, target string, header http.Header) (*websocket.Conn, *http.Response, error) {
	var stop func() bool

	d := *c.dialer
	d.NetDialContext = func(dctx context.Context, network, addr string) (net.Conn, error) {
		var nd net.Dialer
		nc, err := nd.DialContext(dctx, network, addr)
		if err != nil {
			return nil, err
		}
		stop = context.AfterFunc(ctx, func() { nc.Close() })
		return nc, nil
	}

	conn, resp, err := d.DialContext(ctx, target, header)
	if stop != nil && !stop() {
		// ctx ended while the handshake was finishing; its socket is gone.
		if conn != nil {
			conn.Close()
			conn = nil
		}
		if err == nil {
			err = ctx.Err()
		}
	}
	return conn, resp, err
}

func timedOut(ctx context.Context, err error) bool {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// redact strips credentials and query parameters, which upstream services
// commonly use for API keys.
func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	u.User = nil
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return u.Host
}
