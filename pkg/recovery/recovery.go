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

// Package recovery retries failed outbound connection establishment with
// exponential backoff, bounded by a maximum attempt count and a delay
// ceiling. It applies to links the broker itself initiates toward remote
// peers, never to the inbound accept path.
package recovery

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/turtacn/seathub-go/pkg/clock"
	"github.com/turtacn/seathub-go/pkg/metrics"
)

// ErrRecoveryExhausted is the terminal failure for a connection id whose
// retry budget ran out. It is never retried automatically again.
var ErrRecoveryExhausted = errors.New("recovery attempts exhausted")

// Dialer attempts to establish the outbound link for a connection id.
type Dialer func(ctx context.Context) error

// Config holds the backoff policy.
type Config struct {
	// BaseDelay is the first retry delay; attempt n waits BaseDelay × 2^n.
	BaseDelay time.Duration
	// MaxAttempts bounds the number of retries per connection id.
	MaxAttempts int
	// MaxDelay caps a single backoff interval. The upstream policy left
	// the delay uncapped (bounded only by the attempt count); the ceiling
	// here is a deliberate deviation so a large BaseDelay cannot produce
	// an impractically long final wait. Zero disables the cap.
	MaxDelay time.Duration
}

// DefaultConfig returns the default backoff policy.
func DefaultConfig() Config {
	return Config{
		BaseDelay:   time.Second,
		MaxAttempts: 5,
		MaxDelay:    2 * time.Minute,
	}
}

// Event is the terminal failure notification for an exhausted id.
type Event struct {
	ConnectionID string
	Attempts     int
	At           time.Time
}

// record is the ephemeral retry state for one connection id.
type record struct {
	attempts  int
	timer     clock.Timer
	nextRetry time.Time
}

// Manager schedules at most one outstanding retry timer per connection id.
type Manager struct {
	cfg   Config
	clock clock.Clock

	mu      sync.Mutex
	records map[string]*record

	events chan Event
}

// New creates a recovery manager.
func New(cfg Config, clk clock.Clock) *Manager {
	return &Manager{
		cfg:     cfg,
		clock:   clk,
		records: make(map[string]*record),
		events:  make(chan Event, 64),
	}
}

// Events exposes terminal failure notifications.
func (m *Manager) Events() <-chan Event {
	return m.events
}

// OnFailure reports a failed establishment of the outbound link for
// connectionID and schedules the next retry. cleanup runs once if and when
// the retry budget is exhausted, releasing any resources keyed to the id.
// A call while a retry is already pending for the id is a no-op, keeping
// the one-outstanding-timer invariant.
func (m *Manager) OnFailure(ctx context.Context, connectionID string, dial Dialer, cleanup func()) {
	m.mu.Lock()
	rec, ok := m.records[connectionID]
	if ok && rec.timer != nil {
		m.mu.Unlock()
		return
	}
	if !ok {
		rec = &record{}
		m.records[connectionID] = rec
		metrics.RecoveryActive.Set(float64(len(m.records)))
	}

	if rec.attempts >= m.cfg.MaxAttempts {
		delete(m.records, connectionID)
		attempts := rec.attempts
		metrics.RecoveryActive.Set(float64(len(m.records)))
		m.mu.Unlock()

		log.Printf("[WARN] Recovery exhausted for %s after %d attempts", connectionID, attempts)
		m.emit(Event{ConnectionID: connectionID, Attempts: attempts, At: m.clock.Now()})
		if cleanup != nil {
			cleanup()
		}
		return
	}

	delay := m.backoff(rec.attempts)
	rec.attempts++
	rec.nextRetry = m.clock.Now().Add(delay)
	rec.timer = m.clock.AfterFunc(delay, func() {
		m.retry(ctx, connectionID, dial, cleanup)
	})
	attempts := rec.attempts
	m.mu.Unlock()

	metrics.RecoveryRetriesTotal.Inc()
	log.Printf("[INFO] Retry %d for %s scheduled in %s", attempts, connectionID, delay)
}

// retry runs when a backoff timer fires: it re-dials and either clears the
// record on success or recurses into OnFailure.
func (m *Manager) retry(ctx context.Context, connectionID string, dial Dialer, cleanup func()) {
	m.mu.Lock()
	rec, ok := m.records[connectionID]
	if !ok {
		m.mu.Unlock()
		return
	}
	rec.timer = nil
	m.mu.Unlock()

	if err := dial(ctx); err != nil {
		log.Printf("[WARN] Retry for %s failed: %v", connectionID, err)
		m.OnFailure(ctx, connectionID, dial, cleanup)
		return
	}
	m.Clear(connectionID)
	log.Printf("[INFO] Outbound link for %s recovered", connectionID)
}

// Clear removes the retry record for an id, cancelling any pending timer.
// Called on successful establishment.
func (m *Manager) Clear(connectionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.records[connectionID]; ok {
		if rec.timer != nil {
			rec.timer.Stop()
		}
		delete(m.records, connectionID)
		metrics.RecoveryActive.Set(float64(len(m.records)))
	}
}

// Pending reports the attempt count and next retry time for an id.
func (m *Manager) Pending(connectionID string) (attempts int, next time.Time, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, found := m.records[connectionID]
	if !found {
		return 0, time.Time{}, false
	}
	return rec.attempts, rec.nextRetry, true
}

// ActiveCount returns the number of ids currently in recovery.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

// backoff computes BaseDelay × 2^attempts, clamped to MaxDelay.
func (m *Manager) backoff(attempts int) time.Duration {
	delay := m.cfg.BaseDelay
	for i := 0; i < attempts; i++ {
		delay *= 2
		if m.cfg.MaxDelay > 0 && delay >= m.cfg.MaxDelay {
			return m.cfg.MaxDelay
		}
	}
	if m.cfg.MaxDelay > 0 && delay > m.cfg.MaxDelay {
		return m.cfg.MaxDelay
	}
	return delay
}

func (m *Manager) emit(ev Event) {
	select {
	case m.events <- ev:
	default:
		log.Printf("[WARN] Recovery event buffer full, dropping event for %s", ev.ConnectionID)
	}
}
