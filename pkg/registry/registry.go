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

// Package registry owns the map of live connections and each connection's
// lifecycle state machine. It enforces the process-wide connection ceiling,
// the authentication timeout, and the per-user connection quota, and emits
// typed events for everything observable it does.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/turtacn/seathub-go/pkg/actor"
	"github.com/turtacn/seathub-go/pkg/auth"
	"github.com/turtacn/seathub-go/pkg/clock"
	"github.com/turtacn/seathub-go/pkg/identity"
	"github.com/turtacn/seathub-go/pkg/metrics"
	"github.com/turtacn/seathub-go/pkg/protocol"
)

var (
	// ErrConnectionLimit is returned by Accept when the process-wide
	// concurrent-connection ceiling is reached.
	ErrConnectionLimit = errors.New("connection limit exceeded")
	// ErrQuotaExceeded is returned when a user already holds the maximum
	// number of concurrent authenticated connections.
	ErrQuotaExceeded = errors.New("per-user connection quota exceeded")
	// ErrUnknownConnection is returned for operations on an id not in the
	// registry.
	ErrUnknownConnection = errors.New("unknown connection")
	// ErrAlreadyAuthenticated is returned for a second auth attempt on one
	// connection.
	ErrAlreadyAuthenticated = errors.New("connection already authenticated")
)

// EventType names a registry notification.
type EventType string

const (
	// EventConnected is emitted when a connection authenticates.
	EventConnected EventType = "connected"
	// EventDisconnected is emitted when an authenticated connection is
	// removed, whatever the cause; the Reason distinguishes reaping from a
	// graceful close.
	EventDisconnected EventType = "disconnected"
)

// Event is a registry notification. Side effects of the registry are
// observable only through these events and transport writes.
type Event struct {
	Type         EventType
	ConnectionID string
	Identity     *auth.Identity
	Reason       string
	At           time.Time
}

// Directory is the slice of the channel directory the registry needs at
// teardown: detaching a dying connection from every channel it joined.
type Directory interface {
	UnsubscribeAll(conn *Connection) []string
}

// Config holds the registry's policy knobs.
type Config struct {
	// MaxConnections is the process-wide concurrent-connection ceiling.
	MaxConnections int
	// AuthTimeout bounds how long a connection may stay unauthenticated.
	AuthTimeout time.Duration
	// UserQuota is the per-user concurrent authenticated connection cap.
	UserQuota int
}

// DefaultConfig returns the default registry policy.
func DefaultConfig() Config {
	return Config{
		MaxConnections: 10000,
		AuthTimeout:    10 * time.Second,
		UserQuota:      5,
	}
}

// Registry is the connection registry.
type Registry struct {
	cfg      Config
	clock    clock.Clock
	verifier auth.Verifier
	gateway  identity.Gateway

	mu        sync.RWMutex
	conns     map[string]*Connection
	directory Directory

	events chan Event
}

// New creates a Registry. The channel directory is attached afterwards with
// SetDirectory because the two reference each other.
func New(cfg Config, clk clock.Clock, verifier auth.Verifier, gateway identity.Gateway) *Registry {
	return &Registry{
		cfg:      cfg,
		clock:    clk,
		verifier: verifier,
		gateway:  gateway,
		conns:    make(map[string]*Connection),
		events:   make(chan Event, 256),
	}
}

// SetDirectory attaches the channel directory used for teardown.
func (r *Registry) SetDirectory(d Directory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.directory = d
}

// Events exposes the registry's notification stream. The channel is
// buffered; events overflowing the buffer are dropped with a warning rather
// than blocking connection handling.
func (r *Registry) Events() <-chan Event {
	return r.events
}

func (r *Registry) emit(ev Event) {
	select {
	case r.events <- ev:
	default:
		log.Printf("[WARN] Event buffer full, dropping %s for %s", ev.Type, ev.ConnectionID)
	}
}

// Accept admits a new transport session. It returns ErrConnectionLimit when
// the ceiling is reached; the caller closes the transport with a policy
// code. On success the connection starts in CONNECTING with its
// authentication-timeout timer running.
func (r *Registry) Accept(mailbox *actor.Mailbox, meta Metadata) (*Connection, error) {
	r.mu.Lock()
	if len(r.conns) >= r.cfg.MaxConnections {
		r.mu.Unlock()
		metrics.ConnectionsRejectedTotal.WithLabelValues("connection_limit").Inc()
		return nil, ErrConnectionLimit
	}

	now := r.clock.Now()
	conn := newConnection(uuid.NewString(), meta, mailbox, now)
	r.conns[conn.ID] = conn
	total := len(r.conns)
	r.mu.Unlock()

	conn.mu.Lock()
	conn.authTimer = r.clock.AfterFunc(r.cfg.AuthTimeout, func() {
		r.authTimeout(conn)
	})
	conn.mu.Unlock()

	metrics.ConnectionsTotal.Inc()
	metrics.ConnectionsActive.Set(float64(total))
	log.Printf("[INFO] Accepted connection %s from %s", conn.ID, meta.RemoteAddr)
	return conn, nil
}

// Authenticate verifies the credential, refreshes the identity from the
// store when it is reachable, enforces the per-user quota, and moves the
// connection to AUTHENTICATED. Every failure closes the transport with a
// policy code.
func (r *Registry) Authenticate(ctx context.Context, connectionID, credential string) (*auth.Identity, error) {
	conn, ok := r.Get(connectionID)
	if !ok {
		return nil, ErrUnknownConnection
	}
	if conn.State() == StateAuthenticated {
		return nil, ErrAlreadyAuthenticated
	}

	id, err := r.verifier.Verify(credential)
	if err != nil {
		log.Printf("[WARN] Authentication failed for %s: %v", connectionID, err)
		r.closeWithPolicy(conn, "authentication failed")
		return nil, err
	}

	// The store's record wins over token claims when reachable; a degraded
	// store falls back to the verified claims so authentication keeps
	// working through an outage.
	if fresh, lookupErr := r.gateway.Lookup(ctx, id.UserID); lookupErr == nil {
		id = fresh
	} else if errors.Is(lookupErr, identity.ErrUserNotFound) {
		r.closeWithPolicy(conn, "authentication failed")
		return nil, fmt.Errorf("%w: unknown user %s", auth.ErrInvalidCredential, id.UserID)
	}

	if !id.Active {
		r.closeWithPolicy(conn, "user inactive")
		return nil, auth.ErrUserInactive
	}

	active, err := r.gateway.ActiveConnections(ctx, id.UserID)
	if err == nil && active >= r.cfg.UserQuota {
		log.Printf("[WARN] Quota exceeded for user %s (%d active)", id.UserID, active)
		metrics.ConnectionsRejectedTotal.WithLabelValues("quota").Inc()
		r.closeWithPolicy(conn, "connection quota exceeded")
		return nil, ErrQuotaExceeded
	}

	conn.mu.Lock()
	if err := conn.transition(StateAuthenticated); err != nil {
		conn.mu.Unlock()
		return nil, err
	}
	conn.identity = id
	conn.stopAuthTimer()
	conn.lastActivity = r.clock.Now()
	conn.mu.Unlock()

	r.gateway.RegisterSession(ctx, identity.Session{
		ConnectionID: conn.ID,
		UserID:       id.UserID,
		RemoteAddr:   conn.Metadata().RemoteAddr,
		ConnectedAt:  r.clock.Now(),
	})

	metrics.ConnectionsAuthenticated.Set(float64(r.AuthenticatedCount()))
	r.emit(Event{
		Type:         EventConnected,
		ConnectionID: conn.ID,
		Identity:     id,
		At:           r.clock.Now(),
	})
	log.Printf("[INFO] Connection %s authenticated as %s (%s)", conn.ID, id.Username, id.UserID)
	return id, nil
}

// Disconnect tears a connection down: DISCONNECTING then DISCONNECTED,
// membership removed from every channel, timers cancelled, and a
// disconnected event emitted if the connection had authenticated. The close
// frame uses the given code and reason.
func (r *Registry) Disconnect(connectionID, reason string, code int) error {
	conn, ok := r.Get(connectionID)
	if !ok {
		return ErrUnknownConnection
	}
	r.teardown(conn, reason, code, StateDisconnecting)
	return nil
}

// authTimeout fires when a connection failed to authenticate in time. The
// state machine goes through ERROR, and the transport is closed with a
// policy code.
func (r *Registry) authTimeout(conn *Connection) {
	if conn.State() != StateConnecting {
		return
	}
	log.Printf("[WARN] Authentication timeout for connection %s", conn.ID)
	metrics.ConnectionsRejectedTotal.WithLabelValues("auth_timeout").Inc()
	r.teardown(conn, "authentication timeout", protocol.ClosePolicyViolation, StateError)
}

// closeWithPolicy ends an unauthenticated connection that failed a policy
// check.
func (r *Registry) closeWithPolicy(conn *Connection, reason string) {
	r.teardown(conn, reason, protocol.ClosePolicyViolation, StateError)
}

// teardown is the single exit path for connections. via is the intermediate
// state (DISCONNECTING for orderly closes, ERROR for abnormal ones).
func (r *Registry) teardown(conn *Connection, reason string, code int, via State) {
	conn.mu.Lock()
	if conn.state == StateDisconnected {
		conn.mu.Unlock()
		return
	}
	wasAuthenticated := conn.state == StateAuthenticated
	if err := conn.transition(via); err != nil {
		// Already in ERROR or DISCONNECTING from a concurrent teardown;
		// proceed to the terminal state regardless.
		log.Printf("[DEBUG] %v", err)
	}
	conn.stopAuthTimer()
	id := conn.identity
	conn.mu.Unlock()

	r.mu.Lock()
	directory := r.directory
	delete(r.conns, conn.ID)
	total := len(r.conns)
	r.mu.Unlock()

	if directory != nil {
		directory.UnsubscribeAll(conn)
	}

	conn.enqueueClose(code, reason)
	conn.Mailbox().Close()

	conn.mu.Lock()
	if conn.state != StateDisconnected {
		if err := conn.transition(StateDisconnected); err != nil {
			log.Printf("[DEBUG] %v", err)
			conn.state = StateDisconnected
		}
	}
	conn.mu.Unlock()

	if wasAuthenticated && id != nil {
		r.gateway.UnregisterSession(context.Background(), conn.ID)
		r.emit(Event{
			Type:         EventDisconnected,
			ConnectionID: conn.ID,
			Identity:     id,
			Reason:       reason,
			At:           r.clock.Now(),
		})
	}

	metrics.ConnectionsActive.Set(float64(total))
	metrics.ConnectionsAuthenticated.Set(float64(r.AuthenticatedCount()))
	log.Printf("[INFO] Connection %s closed (%s)", conn.ID, reason)
}

// Get returns the connection for an id.
func (r *Registry) Get(connectionID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[connectionID]
	return conn, ok
}

// Touch records inbound activity on a connection.
func (r *Registry) Touch(connectionID string) {
	if conn, ok := r.Get(connectionID); ok {
		conn.Touch(r.clock.Now())
	}
}

// Connections returns a snapshot of all live connections.
func (r *Registry) Connections() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Connection, 0, len(r.conns))
	for _, conn := range r.conns {
		out = append(out, conn)
	}
	return out
}

// Len returns the number of live connections in any state.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// AuthenticatedCount returns the number of authenticated connections.
func (r *Registry) AuthenticatedCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, conn := range r.conns {
		if conn.State() == StateAuthenticated {
			n++
		}
	}
	return n
}

// ConnectionsForUser returns the authenticated connections owned by a user.
func (r *Registry) ConnectionsForUser(userID string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Connection
	for _, conn := range r.conns {
		if id := conn.Identity(); id != nil && id.UserID == userID && conn.State() == StateAuthenticated {
			out = append(out, conn)
		}
	}
	return out
}
