// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/absmach/wsrelay/pkg/metrics"
	"github.com/absmach/wsrelay/pkg/ratelimit"
	"github.com/absmach/wsrelay/pkg/supervisor"
	"github.com/absmach/wsrelay/pkg/upstream"
	"github.com/absmach/wsrelay/pkg/ws"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

const relayPath = "/gemini-ws"

type fakeRelay struct {
	calls atomic.Int32
}

func (f *fakeRelay) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.calls.Add(1)
	w.WriteHeader(http.StatusSwitchingProtocols)
}

func (f *fakeRelay) Wait() {}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, nil))
}

func upgradeRequest(path string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, path, nil)
	r.Header.Set("Connection", "Upgrade")
	r.Header.Set("Upgrade", "websocket")
	r.Header.Set("Sec-WebSocket-Version", "13")
	r.Header.Set("Sec-WebSocket-Key", "dGhlIHNhbXBsZSBub25jZQ==")
	return r
}

func TestServer_Routing(t *testing.T) {
	app := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	tests := []struct {
		name      string
		req       *http.Request
		wantRelay bool
	}{
		{name: "upgrade on relay path", req: upgradeRequest(relayPath), wantRelay: true},
		{name: "plain request on relay path", req: httptest.NewRequest(http.MethodGet, relayPath, nil)},
		{name: "upgrade on other path", req: upgradeRequest("/_next/webpack-hmr")},
		{name: "application page", req: httptest.NewRequest(http.MethodGet, "/dashboard", nil)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			relay := &fakeRelay{}
			s := New(Config{Path: relayPath, Logger: testLogger()}, relay, app)

			rec := httptest.NewRecorder()
			s.ServeHTTP(rec, tt.req)

			if got := relay.calls.Load() == 1; got != tt.wantRelay {
				t.Errorf("relay called = %v, want %v", got, tt.wantRelay)
			}
			if !tt.wantRelay && rec.Code != http.StatusTeapot {
				t.Errorf("Expected application response, got %d", rec.Code)
			}
		})
	}
}

func TestServer_RateLimitsUpgrades(t *testing.T) {
	limiter := ratelimit.NewLimiter(0.001, 1, 0)
	defer limiter.Close()
	m := metrics.New("test", prometheus.NewRegistry())

	relay := &fakeRelay{}
	s := New(Config{Path: relayPath, Limiter: limiter, Metrics: m, Logger: testLogger()}, relay, nil)

	for i := 0; i < 2; i++ {
		s.ServeHTTP(httptest.NewRecorder(), upgradeRequest(relayPath))
	}
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, upgradeRequest(relayPath))

	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("Status = %d, want %d", rec.Code, http.StatusTooManyRequests)
	}
	if n := relay.calls.Load(); n != 1 {
		t.Errorf("Expected 1 relayed upgrade, got %d", n)
	}
	if got := testutil.ToFloat64(m.RateLimitedUpgrades); got != 2 {
		t.Errorf("Expected 2 rate limited upgrades, got %v", got)
	}

	// Plain requests are never limited.
	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("Status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

// startRelay serves a full relay on a random port and returns its address
// and a channel receiving the result of Serve.
func startRelay(t *testing.T, ctx context.Context, shutdownTimeout time.Duration) (string, <-chan error) {
	t.Helper()

	logger := testLogger()
	sup := supervisor.New(supervisor.Config{
		ClientSocket:   ws.Options{CloseGrace: 200 * time.Millisecond},
		UpstreamSocket: ws.Options{CloseGrace: 200 * time.Millisecond},
		Logger:         logger,
	}, nil, upstream.New(upstream.Config{Timeout: time.Second, Logger: logger}), nil)

	s := New(Config{Path: relayPath, ShutdownTimeout: shutdownTimeout, Logger: logger}, sup, nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}

	result := make(chan error, 1)
	go func() {
		result <- s.Serve(ctx, ln)
	}()

	return ln.Addr().String(), result
}

func echoUpstream(t *testing.T) string {
	t.Helper()

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)

	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func connectRelayed(t *testing.T, addr, upstreamURL string) *websocket.Conn {
	t.Helper()

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+addr+relayPath, nil)
	if err != nil {
		t.Fatalf("Failed to connect to relay: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	handshake := fmt.Sprintf(`{"bearer_token": "t", "service_url": %q}`, upstreamURL)
	if err := conn.WriteMessage(websocket.TextMessage, []byte(handshake)); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"echo": true}`)); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	if string(data) != `{"echo":true}` {
		t.Fatalf("Echo = %s", data)
	}
	return conn
}

func waitResult(t *testing.T, result <-chan error) error {
	t.Helper()
	select {
	case err := <-result:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
		return nil
	}
}

func TestServer_ShutdownDrainsRelays(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	addr, result := startRelay(t, ctx, 3*time.Second)
	conn := connectRelayed(t, addr, echoUpstream(t))

	cancel()

	// New connections are refused once the listener is closed.
	time.Sleep(100 * time.Millisecond)
	if c, _, err := websocket.DefaultDialer.Dial("ws://"+addr+relayPath, nil); err == nil {
		c.Close()
		t.Error("Expected dial to fail after shutdown started")
	}

	// The active relay keeps working until its client leaves.
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"still": "here"}`)); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, data, err := conn.ReadMessage(); err != nil || string(data) != `{"still":"here"}` {
		t.Fatalf("ReadMessage() = %s, %v", data, err)
	}

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))

	if err := waitResult(t, result); err != nil {
		t.Errorf("Serve() error = %v, want nil", err)
	}
}

func TestServer_ShutdownForcesRemainingRelays(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	addr, result := startRelay(t, ctx, 200*time.Millisecond)
	conn := connectRelayed(t, addr, echoUpstream(t))

	cancel()

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err := conn.ReadMessage()
	var ce *websocket.CloseError
	if !errors.As(err, &ce) || ce.Code != websocket.CloseGoingAway {
		t.Errorf("Expected close %d, got %v", websocket.CloseGoingAway, err)
	}

	if err := waitResult(t, result); !errors.Is(err, ErrShutdownTimeout) {
		t.Errorf("Serve() error = %v, want ErrShutdownTimeout", err)
	}
}
