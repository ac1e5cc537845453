// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/absmach/wsrelay/pkg/handler"
	"github.com/absmach/wsrelay/pkg/metrics"
	"github.com/absmach/wsrelay/pkg/ws"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type recordedFrame struct {
	dir     handler.Direction
	payload string
}

type recordingHandler struct {
	handler.NoopHandler
	mu     sync.Mutex
	frames []recordedFrame
}

func (h *recordingHandler) OnFrame(ctx context.Context, hctx *handler.Context, dir handler.Direction, payload []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.frames = append(h.frames, recordedFrame{dir: dir, payload: string(payload)})
	return nil
}

func (h *recordingHandler) recorded() []recordedFrame {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]recordedFrame(nil), h.frames...)
}

// socketPair returns a Socket for the server side of a connection and the
// raw peer connection talking to it.
func socketPair(t *testing.T) (*ws.Socket, *websocket.Conn) {
	t.Helper()

	sockets := make(chan *ws.Socket, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		sockets <- ws.New(conn, ws.Options{CloseGrace: 500 * time.Millisecond})
	}))
	t.Cleanup(srv.Close)

	peer, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("Failed to dial test server: %v", err)
	}
	t.Cleanup(func() { peer.Close() })

	select {
	case s := <-sockets:
		return s, peer
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for server socket")
		return nil, nil
	}
}

type harness struct {
	client   *websocket.Conn
	upstream *websocket.Conn
	handler  *recordingHandler
	metrics  *metrics.Metrics
	cancel   context.CancelFunc
	done     chan struct{}
}

func start(t *testing.T, pending ...string) *harness {
	t.Helper()

	clientSock, clientPeer := socketPair(t)
	upstreamSock, upstreamPeer := socketPair(t)

	h := &recordingHandler{}
	m := metrics.New("test", prometheus.NewRegistry())
	r := New(h, m, slog.New(slog.NewTextHandler(os.Stdout, nil)))

	var p [][]byte
	for _, s := range pending {
		p = append(p, []byte(s))
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Run(ctx, &handler.Context{SessionID: "test-session"}, Pair{
			Client:   clientSock,
			Upstream: upstreamSock,
			Pending:  p,
		})
	}()

	return &harness{
		client:   clientPeer,
		upstream: upstreamPeer,
		handler:  h,
		metrics:  m,
		cancel:   cancel,
		done:     done,
	}
}

func (h *harness) waitDone(t *testing.T) {
	t.Helper()
	select {
	case <-h.done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after closure")
	}
}

func send(t *testing.T, conn *websocket.Conn, msg string) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}
}

func receive(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	return string(data)
}

func expectClose(t *testing.T, conn *websocket.Conn, code int, reason string) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		if !errors.As(err, &ce) {
			t.Fatalf("Expected close error, got %v", err)
		}
		if ce.Code != code || ce.Text != reason {
			t.Fatalf("Close = (%d, %q), want (%d, %q)", ce.Code, ce.Text, code, reason)
		}
		return
	}
}

func TestRun_ReplaysPendingBeforeLiveFrames(t *testing.T) {
	h := start(t, `{"n": 1}`, `not json`, `{ "n" : 2 }`)

	send(t, h.client, `{"n":3}`)

	for _, want := range []string{`{"n":1}`, `{"n":2}`, `{"n":3}`} {
		if got := receive(t, h.upstream); got != want {
			t.Fatalf("upstream received %s, want %s", got, want)
		}
	}

	if got := testutil.ToFloat64(h.metrics.FramesDropped.WithLabelValues("upstream", "invalid_json")); got != 1 {
		t.Errorf("Expected 1 dropped frame, got %v", got)
	}
}

func TestRun_PreservesOrderPerDirection(t *testing.T) {
	h := start(t)
	const n = 100

	go func() {
		for i := 0; i < n; i++ {
			h.client.WriteMessage(websocket.TextMessage, []byte(fmt.Sprintf(`{"seq":%d}`, i)))
		}
	}()
	go func() {
		for i := 0; i < n; i++ {
			h.upstream.WriteMessage(websocket.TextMessage, []byte(fmt.Sprintf(`{"reply":%d}`, i)))
		}
	}()

	var wg sync.WaitGroup
	wg.Add(2)
	errs := make(chan string, 2)
	check := func(conn *websocket.Conn, format string) {
		defer wg.Done()
		for i := 0; i < n; i++ {
			conn.SetReadDeadline(time.Now().Add(3 * time.Second))
			_, data, err := conn.ReadMessage()
			if err != nil {
				errs <- err.Error()
				return
			}
			if want := fmt.Sprintf(format, i); string(data) != want {
				errs <- fmt.Sprintf("got %s, want %s", data, want)
				return
			}
		}
	}
	go check(h.upstream, `{"seq":%d}`)
	go check(h.client, `{"reply":%d}`)
	wg.Wait()
	close(errs)

	for e := range errs {
		t.Error(e)
	}
}

func TestRun_InvalidFrameIsNotFatal(t *testing.T) {
	h := start(t)

	send(t, h.client, `{"type": "ping"`)
	send(t, h.client, `{"type": "ping"}`)
	if got := receive(t, h.upstream); got != `{"type":"ping"}` {
		t.Fatalf("upstream received %s", got)
	}

	send(t, h.upstream, `<html>`)
	send(t, h.upstream, `{"type": "pong"}`)
	if got := receive(t, h.client); got != `{"type":"pong"}` {
		t.Fatalf("client received %s", got)
	}

	// OnFrame runs after the send, so give it a moment to be recorded.
	deadline := time.Now().Add(time.Second)
	frames := h.handler.recorded()
	for len(frames) < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
		frames = h.handler.recorded()
	}
	if len(frames) != 2 {
		t.Fatalf("Expected 2 observed frames, got %d", len(frames))
	}
	if frames[0].dir != handler.Upstream || frames[1].dir != handler.Downstream {
		t.Errorf("Unexpected directions %v, %v", frames[0].dir, frames[1].dir)
	}
	if got := testutil.ToFloat64(h.metrics.FramesDropped.WithLabelValues("downstream", "invalid_json")); got != 1 {
		t.Errorf("Expected 1 dropped downstream frame, got %v", got)
	}
}

func TestRun_SymmetricClosure(t *testing.T) {
	tests := []struct {
		name   string
		closer func(h *harness) *websocket.Conn
		other  func(h *harness) *websocket.Conn
		code   int
		reason string
	}{
		{
			name:   "upstream closes",
			closer: func(h *harness) *websocket.Conn { return h.upstream },
			other:  func(h *harness) *websocket.Conn { return h.client },
			code:   4001,
			reason: "session expired",
		},
		{
			name:   "client closes",
			closer: func(h *harness) *websocket.Conn { return h.client },
			other:  func(h *harness) *websocket.Conn { return h.upstream },
			code:   websocket.CloseNormalClosure,
			reason: "bye",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := start(t)

			msg := websocket.FormatCloseMessage(tt.code, tt.reason)
			if err := tt.closer(h).WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
				t.Fatalf("WriteControl() error = %v", err)
			}

			expectClose(t, tt.other(h), tt.code, tt.reason)
			h.waitDone(t)
		})
	}
}

func TestRun_AbnormalClosurePropagates(t *testing.T) {
	h := start(t)

	// Drop the TCP connection without a close frame.
	h.upstream.UnderlyingConn().Close()

	expectClose(t, h.client, websocket.CloseAbnormalClosure, "unexpected EOF")
	h.waitDone(t)
}

func TestRun_CancelClosesBothSides(t *testing.T) {
	h := start(t)

	send(t, h.client, `{"a":1}`)
	receive(t, h.upstream)

	h.cancel()

	expectClose(t, h.client, websocket.CloseGoingAway, shutdownReason)
	expectClose(t, h.upstream, websocket.CloseGoingAway, shutdownReason)
	h.waitDone(t)
}
