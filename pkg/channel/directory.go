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

// Package channel provides the broker's channel directory: named broadcast
// groups with prefix-based authorization, created lazily on first subscribe
// and deleted as soon as their member set empties. Channel membership and a
// connection's subscription set are kept bidirectionally consistent under
// the directory's lock plus each connection's own lock.
package channel

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/turtacn/seathub-go/pkg/auth"
	"github.com/turtacn/seathub-go/pkg/clock"
	"github.com/turtacn/seathub-go/pkg/metrics"
	"github.com/turtacn/seathub-go/pkg/registry"
)

// ErrForbidden is returned when a connection's identity does not satisfy a
// channel's authorization predicate. The subscribe leaves no trace.
var ErrForbidden = errors.New("subscription forbidden")

// ErrNotAuthenticated is returned when an unauthenticated connection
// attempts any channel operation.
var ErrNotAuthenticated = errors.New("connection not authenticated")

// AlertChannel is the public channel carrying service-level notices such as
// dependency degradation and recovery alerts.
const AlertChannel = "alerts"

// Channel-name prefixes determining the authorization class.
const (
	prefixDepartment = "department_"
	prefixRole       = "role_"
	prefixUser       = "user_"
)

// Class is a channel's authorization class, derived from its name.
type Class string

const (
	// ClassPublic channels accept any authenticated connection.
	ClassPublic Class = "public"
	// ClassDepartment channels accept members of the named department and
	// administrators.
	ClassDepartment Class = "department"
	// ClassRole channels accept only the named role.
	ClassRole Class = "role"
	// ClassUser channels accept only the named user id.
	ClassUser Class = "user"
)

// Classify returns the authorization class a channel name falls into.
func Classify(name string) Class {
	switch {
	case strings.HasPrefix(name, prefixDepartment):
		return ClassDepartment
	case strings.HasPrefix(name, prefixRole):
		return ClassRole
	case strings.HasPrefix(name, prefixUser):
		return ClassUser
	default:
		return ClassPublic
	}
}

// authorized evaluates the subscribe predicate for an identity against a
// channel name.
func authorized(id *auth.Identity, name string) bool {
	switch Classify(name) {
	case ClassDepartment:
		return id.Department == strings.TrimPrefix(name, prefixDepartment) ||
			id.Role == auth.RoleAdmin
	case ClassRole:
		return id.Role == strings.TrimPrefix(name, prefixRole)
	case ClassUser:
		return id.UserID == strings.TrimPrefix(name, prefixUser)
	default:
		return true
	}
}

// channel is one named broadcast group.
type channel struct {
	name        string
	members     map[string]*registry.Connection
	lastUpdate  time.Time
	lastPayload []byte
}

// Directory owns the channel map.
type Directory struct {
	mu       sync.RWMutex
	channels map[string]*channel
	clock    clock.Clock
}

// NewDirectory creates an empty directory.
func NewDirectory(clk clock.Clock) *Directory {
	return &Directory{
		channels: make(map[string]*channel),
		clock:    clk,
	}
}

// Subscribe adds a connection to a channel after evaluating the channel's
// authorization predicate. An unauthorized request fails with ErrForbidden
// and mutates nothing.
func (d *Directory) Subscribe(conn *registry.Connection, name string) error {
	id := conn.Identity()
	if id == nil || conn.State() != registry.StateAuthenticated {
		return ErrNotAuthenticated
	}
	if !authorized(id, name) {
		return ErrForbidden
	}

	d.mu.Lock()
	ch, ok := d.channels[name]
	if !ok {
		ch = &channel{
			name:    name,
			members: make(map[string]*registry.Connection),
		}
		d.channels[name] = ch
	}
	ch.members[conn.ID] = conn
	ch.lastUpdate = d.clock.Now()
	total := len(d.channels)
	d.mu.Unlock()

	conn.AddSubscription(name)
	metrics.ChannelsActive.Set(float64(total))
	return nil
}

// Unsubscribe removes both sides of the membership. A channel whose member
// set empties is deleted.
func (d *Directory) Unsubscribe(conn *registry.Connection, name string) {
	d.mu.Lock()
	if ch, ok := d.channels[name]; ok {
		delete(ch.members, conn.ID)
		if len(ch.members) == 0 {
			delete(d.channels, name)
		} else {
			ch.lastUpdate = d.clock.Now()
		}
	}
	total := len(d.channels)
	d.mu.Unlock()

	conn.RemoveSubscription(name)
	metrics.ChannelsActive.Set(float64(total))
}

// UnsubscribeAll detaches a connection from every channel it joined and
// returns the channel names it left. The registry calls this on teardown.
func (d *Directory) UnsubscribeAll(conn *registry.Connection) []string {
	names := conn.Subscriptions()
	for _, name := range names {
		d.Unsubscribe(conn, name)
	}
	return names
}

// Broadcast fans a payload out to every current member of a channel and
// returns the number of members it was delivered to. A failed send to one
// member skips that member; the reaper evicts dead connections later.
func (d *Directory) Broadcast(name string, payload []byte) int {
	d.mu.Lock()
	ch, ok := d.channels[name]
	var members []*registry.Connection
	if ok {
		ch.lastPayload = payload
		ch.lastUpdate = d.clock.Now()
		members = make([]*registry.Connection, 0, len(ch.members))
		for _, conn := range ch.members {
			members = append(members, conn)
		}
	}
	d.mu.Unlock()

	if !ok {
		return 0
	}

	metrics.BroadcastsTotal.WithLabelValues(string(Classify(name))).Inc()
	delivered := 0
	for _, conn := range members {
		if err := conn.Deliver(payload); err != nil {
			metrics.DeliveryFailuresTotal.Inc()
			continue
		}
		delivered++
	}
	return delivered
}

// SendToUser delivers a payload to all of a user's authenticated
// connections, supporting multi-device presence. It returns the delivered
// count.
func (d *Directory) SendToUser(reg *registry.Registry, userID string, payload []byte) int {
	delivered := 0
	for _, conn := range reg.ConnectionsForUser(userID) {
		if err := conn.Deliver(payload); err != nil {
			metrics.DeliveryFailuresTotal.Inc()
			continue
		}
		delivered++
	}
	return delivered
}

// LastPayload returns a channel's cached most-recent broadcast, if any.
func (d *Directory) LastPayload(name string) ([]byte, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ch, ok := d.channels[name]
	if !ok || ch.lastPayload == nil {
		return nil, false
	}
	return ch.lastPayload, true
}

// Members returns the member connection ids of a channel.
func (d *Directory) Members(name string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ch, ok := d.channels[name]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(ch.members))
	for id := range ch.members {
		out = append(out, id)
	}
	return out
}

// MemberCounts returns a snapshot of member counts per channel.
func (d *Directory) MemberCounts() map[string]int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]int, len(d.channels))
	for name, ch := range d.channels {
		out[name] = len(ch.members)
	}
	return out
}

// Len returns the number of live channels.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.channels)
}
