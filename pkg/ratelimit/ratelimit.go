// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit limits WebSocket upgrade attempts per client address.
package ratelimit

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultMaxClients = 10000
	cleanupInterval   = time.Minute
	idleTimeout       = 5 * time.Minute
)

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter manages one token bucket per client address.
type Limiter struct {
	mu         sync.Mutex
	clients    map[string]*client
	limit      rate.Limit
	burst      int
	maxClients int
	stop       chan struct{}
	stopOnce   sync.Once
}

// NewLimiter creates a limiter allowing perSecond requests per client with
// the given burst. At most maxClients addresses are tracked; new addresses
// beyond that are rejected until idle ones expire. Zero maxClients uses 10000.
func NewLimiter(perSecond float64, burst, maxClients int) *Limiter {
	if maxClients <= 0 {
		maxClients = defaultMaxClients
	}

	l := &Limiter{
		clients:    make(map[string]*client),
		limit:      rate.Limit(perSecond),
		burst:      burst,
		maxClients: maxClients,
		stop:       make(chan struct{}),
	}
	go l.cleanupLoop()

	return l
}

// Allow reports whether a request from clientID may proceed now.
func (l *Limiter) Allow(clientID string) bool {
	l.mu.Lock()
	c, ok := l.clients[clientID]
	if !ok {
		if len(l.clients) >= l.maxClients {
			l.mu.Unlock()
			return false
		}
		c = &client{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.clients[clientID] = c
	}
	c.lastSeen = time.Now()
	l.mu.Unlock()

	return c.limiter.Allow()
}

// Clients returns the number of tracked client addresses.
func (l *Limiter) Clients() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}

// Close stops the cleanup loop.
func (l *Limiter) Close() {
	l.stopOnce.Do(func() { close(l.stop) })
}

func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.evictIdle(time.Now().Add(-idleTimeout))
		case <-l.stop:
			return
		}
	}
}

// evictIdle drops clients not seen since cutoff.
func (l *Limiter) evictIdle(cutoff time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for id, c := range l.clients {
		if c.lastSeen.Before(cutoff) {
			delete(l.clients, id)
		}
	}
}

// ClientIP returns the host part of the request's remote address.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
