// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package session keeps a registry of the client connections served by the
// relay. The registry is observational: it never affects relaying.
package session

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Session describes one client connection. It never carries credentials.
type Session struct {
	ID          string    `json:"id"`
	RemoteAddr  string    `json:"remote_addr"`
	Upstream    string    `json:"upstream,omitempty"`
	State       string    `json:"state"`
	Instance    string    `json:"instance,omitempty"`
	ConnectedAt time.Time `json:"connected_at"`
}

// Store persists sessions.
type Store interface {
	// Put creates or replaces the session with s.ID.
	Put(ctx context.Context, s Session) error

	// Delete removes a session. Deleting an unknown id is not an error.
	Delete(ctx context.Context, id string) error

	// List returns all sessions ordered by connection time.
	List(ctx context.Context) ([]Session, error)

	// Ping checks the store is reachable.
	Ping(ctx context.Context) error

	Close() error
}

var _ Store = (*MemoryStore)(nil)

// MemoryStore is a Store local to the process.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]Session
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]Session),
	}
}

func (m *MemoryStore) Put(_ context.Context, s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

func (m *MemoryStore) List(_ context.Context) ([]Session, error) {
	m.mu.RLock()
	list := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		list = append(list, s)
	}
	m.mu.RUnlock()

	sortSessions(list)
	return list, nil
}

func (m *MemoryStore) Ping(context.Context) error {
	return nil
}

func (m *MemoryStore) Close() error {
	return nil
}

func sortSessions(list []Session) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].ConnectedAt.Equal(list[j].ConnectedAt) {
			return list[i].ID < list[j].ID
		}
		return list[i].ConnectedAt.Before(list[j].ConnectedAt)
	})
}
