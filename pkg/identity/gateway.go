// Copyright 2023 The seathub-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package identity gives the broker access to identity and permission data
// in the backing relational store, and tracks which identities currently
// hold live connections. The health monitor owns the lifecycle of the
// underlying pool; every other caller only borrows it for single queries.
package identity

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/turtacn/seathub-go/pkg/auth"
	"github.com/turtacn/seathub-go/pkg/storage"
)

var (
	// ErrUserNotFound is returned when a user id has no record in the store.
	ErrUserNotFound = errors.New("user not found")
	// ErrUnavailable is returned while the backing store is shut down or
	// unreachable.
	ErrUnavailable = errors.New("identity store unavailable")
)

// Session records one live authenticated connection for the write-through
// session cache.
type Session struct {
	ConnectionID string    `json:"connection_id"`
	UserID       string    `json:"user_id"`
	RemoteAddr   string    `json:"remote_addr"`
	ConnectedAt  time.Time `json:"connected_at"`
}

// Gateway is the broker's view of the identity store.
type Gateway interface {
	// Lookup fetches the current identity record for a user id.
	Lookup(ctx context.Context, userID string) (*auth.Identity, error)
	// ActiveConnections reports how many live connections the user holds.
	ActiveConnections(ctx context.Context, userID string) (int, error)
	// RegisterSession records a newly authenticated connection.
	RegisterSession(ctx context.Context, sess Session) error
	// UnregisterSession removes a connection's session record.
	UnregisterSession(ctx context.Context, connectionID string) error
	// Ping runs a minimal liveness query against the store.
	Ping(ctx context.Context) error
	// Shutdown closes the store's connection pool, waiting up to graceful
	// for in-flight queries before forcing the close. Only the health
	// monitor calls this.
	Shutdown(ctx context.Context, graceful time.Duration) error
	// Reopen re-establishes the connection pool after a Shutdown. Only the
	// health monitor calls this.
	Reopen(ctx context.Context) error
}

// sessionTracker keeps the authoritative in-memory session index. The
// relational store is a write-through convenience: quota decisions never
// depend on it, so a degraded store cannot lock users out.
type sessionTracker struct {
	mu       sync.RWMutex
	byUser   map[string]map[string]struct{}
	byConn   map[string]string
	cache    storage.Store
	cacheTTL time.Duration
}

func newSessionTracker(cache storage.Store, ttl time.Duration) *sessionTracker {
	return &sessionTracker{
		byUser:   make(map[string]map[string]struct{}),
		byConn:   make(map[string]string),
		cache:    cache,
		cacheTTL: ttl,
	}
}

func (t *sessionTracker) register(sess Session) {
	t.mu.Lock()
	conns, ok := t.byUser[sess.UserID]
	if !ok {
		conns = make(map[string]struct{})
		t.byUser[sess.UserID] = conns
	}
	conns[sess.ConnectionID] = struct{}{}
	t.byConn[sess.ConnectionID] = sess.UserID
	t.mu.Unlock()

	if t.cache != nil {
		t.cache.Set(sess.ConnectionID, sess, t.cacheTTL)
	}
}

func (t *sessionTracker) unregister(connectionID string) {
	t.mu.Lock()
	if userID, ok := t.byConn[connectionID]; ok {
		delete(t.byConn, connectionID)
		if conns, ok := t.byUser[userID]; ok {
			delete(conns, connectionID)
			if len(conns) == 0 {
				delete(t.byUser, userID)
			}
		}
	}
	t.mu.Unlock()

	if t.cache != nil {
		t.cache.Delete(connectionID)
	}
}

func (t *sessionTracker) count(userID string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byUser[userID])
}

// MemoryGateway is an in-memory Gateway for tests and store-less runs. Its
// liveness behavior is scriptable so the health monitor's degradation logic
// can be exercised deterministically.
type MemoryGateway struct {
	mu       sync.RWMutex
	users    map[string]auth.Identity
	pingErr  error
	open     bool
	sessions *sessionTracker
}

// NewMemoryGateway creates a memory gateway with an optional session cache.
func NewMemoryGateway(cache storage.Store, cacheTTL time.Duration) *MemoryGateway {
	return &MemoryGateway{
		users:    make(map[string]auth.Identity),
		open:     true,
		sessions: newSessionTracker(cache, cacheTTL),
	}
}

// PutUser inserts or replaces a user record.
func (g *MemoryGateway) PutUser(id auth.Identity) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.users[id.UserID] = id
}

// SetPingError makes subsequent Pings fail with err; nil restores health.
func (g *MemoryGateway) SetPingError(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pingErr = err
}

// IsOpen reports whether the gateway pool is currently open.
func (g *MemoryGateway) IsOpen() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.open
}

// Lookup implements Gateway.
func (g *MemoryGateway) Lookup(ctx context.Context, userID string) (*auth.Identity, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if !g.open {
		return nil, ErrUnavailable
	}
	if g.pingErr != nil {
		return nil, ErrUnavailable
	}
	id, ok := g.users[userID]
	if !ok {
		return nil, ErrUserNotFound
	}
	out := id
	return &out, nil
}

// ActiveConnections implements Gateway from the in-memory session index.
func (g *MemoryGateway) ActiveConnections(ctx context.Context, userID string) (int, error) {
	return g.sessions.count(userID), nil
}

// RegisterSession implements Gateway.
func (g *MemoryGateway) RegisterSession(ctx context.Context, sess Session) error {
	g.sessions.register(sess)
	return nil
}

// UnregisterSession implements Gateway.
func (g *MemoryGateway) UnregisterSession(ctx context.Context, connectionID string) error {
	g.sessions.unregister(connectionID)
	return nil
}

// Ping implements Gateway.
func (g *MemoryGateway) Ping(ctx context.Context) error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if !g.open {
		return ErrUnavailable
	}
	return g.pingErr
}

// Shutdown implements Gateway.
func (g *MemoryGateway) Shutdown(ctx context.Context, graceful time.Duration) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.open = false
	return nil
}

// Reopen implements Gateway.
func (g *MemoryGateway) Reopen(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pingErr != nil {
		return g.pingErr
	}
	g.open = true
	return nil
}
