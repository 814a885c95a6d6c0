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

package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/turtacn/seathub-go/pkg/actor"
	"github.com/turtacn/seathub-go/pkg/auth"
	"github.com/turtacn/seathub-go/pkg/clock"
)

// State is a connection's position in its lifecycle state machine.
type State int32

const (
	// StateConnecting is the initial state on transport accept, before
	// authentication completes.
	StateConnecting State = iota
	// StateAuthenticated means the connection presented a valid credential
	// and may subscribe and receive broadcasts.
	StateAuthenticated
	// StateDisconnecting is the transient teardown state.
	StateDisconnecting
	// StateDisconnected is terminal.
	StateDisconnected
	// StateError marks an abnormal termination; it is reachable from any
	// non-terminal state and leads only to StateDisconnected.
	StateError
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateDisconnecting:
		return "disconnecting"
	case StateDisconnected:
		return "disconnected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// validTransitions encodes the monotonic state machine. A transition absent
// here is a programming error, surfaced instead of silently applied.
var validTransitions = map[State][]State{
	StateConnecting:    {StateAuthenticated, StateDisconnecting, StateError},
	StateAuthenticated: {StateDisconnecting, StateError},
	StateDisconnecting: {StateDisconnected, StateError},
	StateError:         {StateDisconnected},
}

// Metadata carries transport-level details captured at accept time.
type Metadata struct {
	RemoteAddr string
	UserAgent  string
}

// Outbound messages placed on a connection's mailbox for its writer actor.
type (
	// Outbound is a data frame to write to the client.
	Outbound struct {
		Data []byte
	}
	// PingProbe instructs the writer to send a transport-level liveness
	// probe.
	PingProbe struct{}
	// CloseFrame instructs the writer to send a close frame and tear the
	// transport down.
	CloseFrame struct {
		Code   int
		Reason string
	}
)

// Connection is one live client session. All mutation goes through methods
// holding the connection's own mutex, keeping the membership invariant with
// the channel directory intact under concurrent subscribe/unsubscribe.
type Connection struct {
	// ID is unique for the process lifetime.
	ID string

	mu            sync.Mutex
	state         State
	identity      *auth.Identity
	subscriptions map[string]struct{}
	lastActivity  time.Time
	createdAt     time.Time
	meta          Metadata
	mailbox       *actor.Mailbox
	authTimer     clock.Timer
}

func newConnection(id string, meta Metadata, mailbox *actor.Mailbox, now time.Time) *Connection {
	return &Connection{
		ID:            id,
		state:         StateConnecting,
		subscriptions: make(map[string]struct{}),
		lastActivity:  now,
		createdAt:     now,
		meta:          meta,
		mailbox:       mailbox,
	}
}

// transition moves the state machine, rejecting anything the lifecycle
// diagram does not allow. Caller must hold c.mu.
func (c *Connection) transition(to State) error {
	for _, allowed := range validTransitions[c.state] {
		if allowed == to {
			c.state = to
			return nil
		}
	}
	return fmt.Errorf("illegal state transition %s -> %s for connection %s", c.state, to, c.ID)
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Identity returns the resolved identity, nil until authenticated.
func (c *Connection) Identity() *auth.Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

// Metadata returns the transport metadata captured at accept.
func (c *Connection) Metadata() Metadata {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.meta
}

// CreatedAt returns the accept timestamp.
func (c *Connection) CreatedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.createdAt
}

// Touch records inbound activity for idle-timeout accounting.
func (c *Connection) Touch(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastActivity = now
}

// LastActivity returns the most recent activity timestamp.
func (c *Connection) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// AddSubscription records channel membership on the connection side. Only
// the channel directory calls this, paired with its own member-set update.
func (c *Connection) AddSubscription(channel string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscriptions[channel] = struct{}{}
}

// RemoveSubscription drops channel membership on the connection side. Only
// the channel directory calls this.
func (c *Connection) RemoveSubscription(channel string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subscriptions, channel)
}

// Subscriptions returns a snapshot of the connection's channel names.
func (c *Connection) Subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.subscriptions))
	for name := range c.subscriptions {
		out = append(out, name)
	}
	return out
}

// HasSubscription reports whether the connection is subscribed to channel.
func (c *Connection) HasSubscription(channel string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subscriptions[channel]
	return ok
}

// Deliver enqueues a data frame for the writer actor. Delivery fails when
// the connection is not authenticated or its writer has gone away; the
// caller treats that as a skipped member, not a fatal error.
func (c *Connection) Deliver(data []byte) error {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()
	if state != StateAuthenticated {
		return fmt.Errorf("connection %s not deliverable in state %s", c.ID, state)
	}
	return c.mailbox.TrySend(Outbound{Data: data})
}

// Probe enqueues a transport liveness probe.
func (c *Connection) Probe() error {
	return c.mailbox.TrySend(PingProbe{})
}

// enqueueClose asks the writer actor to emit a close frame. Errors are
// ignored: a dead writer means the transport is already gone.
func (c *Connection) enqueueClose(code int, reason string) {
	_ = c.mailbox.TrySend(CloseFrame{Code: code, Reason: reason})
}

// Mailbox exposes the outbound mailbox for the connection's writer actor.
func (c *Connection) Mailbox() *actor.Mailbox {
	return c.mailbox
}

// stopAuthTimer cancels the authentication timeout exactly once. Caller
// must hold c.mu.
func (c *Connection) stopAuthTimer() {
	if c.authTimer != nil {
		c.authTimer.Stop()
		c.authTimer = nil
	}
}
