// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ws

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
)

const (
	defaultWriteTimeout = 10 * time.Second
	defaultCloseGrace   = time.Second

	// maxCloseReason is the control frame payload limit minus the status code.
	maxCloseReason = 123
)

// State is the lifecycle state of a Socket.
type State int32

const (
	// Open sockets accept frames for sending.
	Open State = iota
	// Closing sockets have sent or received a close and no longer send frames.
	Closing
	// Closed sockets have released the underlying connection.
	Closed
)

// String returns a string representation of the state.
func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Frame is one message read from a Socket. The last Frame delivered on a
// Socket's channel carries the error that ended reading and no data.
type Frame struct {
	Data []byte
	Err  error
}

// Options configures a Socket.
type Options struct {
	// MaxMessageSize limits inbound messages. Zero means no limit.
	MaxMessageSize int64

	// PingInterval enables keepalive pings. Zero disables them.
	PingInterval time.Duration

	// PongWait is the read deadline extended by each pong. Zero disables it.
	PongWait time.Duration

	// WriteTimeout bounds each write. Defaults to 10s.
	WriteTimeout time.Duration

	// CloseGrace is how long to wait for the peer to answer a close. Defaults to 1s.
	CloseGrace time.Duration
}

// Socket wraps a websocket.Conn with an explicit open/closing/closed state
// and a read pump that delivers frames in receipt order on a channel.
type Socket struct {
	conn   *websocket.Conn
	opts   Options
	state  atomic.Int32
	wio    sync.Mutex
	frames chan Frame
	quit   chan struct{}
	done   chan struct{}
	once   sync.Once
}

// New wraps conn and starts reading from it. The caller must either consume
// Frames until the channel closes or call CloseWith or Abort.
func New(conn *websocket.Conn, opts Options) *Socket {
	if opts.WriteTimeout == 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.CloseGrace == 0 {
		opts.CloseGrace = defaultCloseGrace
	}

	s := &Socket{
		conn:   conn,
		opts:   opts,
		frames: make(chan Frame),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}

	if opts.MaxMessageSize > 0 {
		conn.SetReadLimit(opts.MaxMessageSize)
	}
	if opts.PongWait > 0 {
		conn.SetReadDeadline(time.Now().Add(opts.PongWait))
		conn.SetPongHandler(func(string) error {
			if s.State() != Open {
				return nil
			}
			return conn.SetReadDeadline(time.Now().Add(opts.PongWait))
		})
	}

	go s.readPump()
	if opts.PingInterval > 0 {
		go s.pingLoop()
	}

	return s
}

// Frames returns the channel of inbound frames.
func (s *Socket) Frames() <-chan Frame {
	return s.frames
}

// Done is closed once the underlying connection has been released.
func (s *Socket) Done() <-chan struct{} {
	return s.done
}

// State returns the current state.
func (s *Socket) State() State {
	return State(s.state.Load())
}

// IsOpen reports whether the socket accepts frames for sending.
func (s *Socket) IsOpen() bool {
	return s.State() == Open
}

// Send writes data as a text message. Sending on a socket that is not open is
// skipped and reported as sent == false with a nil error.
func (s *Socket) Send(data []byte) (sent bool, err error) {
	if !s.IsOpen() {
		return false, nil
	}

	s.wio.Lock()
	defer s.wio.Unlock()

	if err := s.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout)); err != nil {
		return false, err
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return false, err
	}
	return true, nil
}

// CloseWith starts the closing handshake with the given code and reason.
// Codes that cannot appear on the wire (1006, 1015) drop the connection
// instead, so the peer observes an abnormal closure. Only the first call on
// an open socket has any effect.
func (s *Socket) CloseWith(code int, reason string) {
	if !s.state.CompareAndSwap(int32(Open), int32(Closing)) {
		s.release()
		return
	}
	s.release()

	msg, ok := closeMessage(code, reason)
	if !ok {
		s.Abort()
		return
	}

	deadline := time.Now().Add(s.opts.WriteTimeout)
	if err := s.conn.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
		s.Abort()
		return
	}

	// The read pump exits on the peer's close reply or when the grace period ends.
	s.conn.SetReadDeadline(time.Now().Add(s.opts.CloseGrace))
}

// Abort closes the underlying connection without a closing handshake.
func (s *Socket) Abort() {
	s.state.Store(int32(Closed))
	s.release()
	s.conn.Close()
}

// release stops delivery of further frames to the consumer.
func (s *Socket) release() {
	s.once.Do(func() { close(s.quit) })
}

func (s *Socket) readPump() {
	defer func() {
		s.state.Store(int32(Closed))
		s.conn.Close()
		close(s.frames)
		close(s.done)
	}()

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.state.CompareAndSwap(int32(Open), int32(Closing))
			s.emit(Frame{Err: err})
			return
		}
		s.emit(Frame{Data: data})
	}
}

func (s *Socket) emit(f Frame) {
	select {
	case s.frames <- f:
	case <-s.quit:
	}
}

func (s *Socket) pingLoop() {
	ticker := time.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if !s.IsOpen() {
				return
			}
			deadline := time.Now().Add(s.opts.WriteTimeout)
			if err := s.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}

// CloseStatus extracts the close code and reason carried by a read error.
// Errors other than a received close frame map to 1006 abnormal closure,
// except the read limit which maps to 1009.
func CloseStatus(err error) (code int, reason string) {
	var ce *websocket.CloseError
	switch {
	case errors.As(err, &ce):
		return ce.Code, ce.Text
	case errors.Is(err, websocket.ErrReadLimit):
		return websocket.CloseMessageTooBig, "message too big"
	default:
		return websocket.CloseAbnormalClosure, ""
	}
}

// closeMessage builds a close frame payload. ok is false for codes that must
// not be sent.
func closeMessage(code int, reason string) (msg []byte, ok bool) {
	switch code {
	case websocket.CloseAbnormalClosure, websocket.CloseTLSHandshake:
		return nil, false
	case websocket.CloseNoStatusReceived:
		return []byte{}, true
	}
	return websocket.FormatCloseMessage(code, truncateReason(reason)), true
}

// truncateReason shortens reason to fit a control frame without splitting a rune.
func truncateReason(reason string) string {
	if len(reason) <= maxCloseReason {
		return reason
	}
	cut := maxCloseReason
	for cut > 0 && !utf8.RuneStart(reason[cut]) {
		cut--
	}
	return reason[:cut]
}
