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

// Package monitor watches the backing identity store. Transient probe
// failures are absorbed up to a consecutive-failure threshold; past it the
// broker's availability signal degrades, the store pool is cycled, and
// alerts go out on the public alert channel. The monitor is the sole owner
// of pool lifecycle transitions.
package monitor

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/turtacn/seathub-go/pkg/actor"
	"github.com/turtacn/seathub-go/pkg/clock"
	"github.com/turtacn/seathub-go/pkg/identity"
	"github.com/turtacn/seathub-go/pkg/metrics"
	"github.com/turtacn/seathub-go/pkg/protocol"
)

// Config holds the monitor's policy knobs.
type Config struct {
	// ProbeInterval is the period between store liveness probes.
	ProbeInterval time.Duration
	// FailureThreshold is the consecutive-failure count that flips the
	// healthy flag. The first N-1 failures are absorbed silently.
	FailureThreshold int
	// ShutdownTimeout bounds the graceful pool shutdown before it is
	// forced.
	ShutdownTimeout time.Duration
	// ReconnectCooldown is the wait between pool shutdown and the
	// reconnection attempt.
	ReconnectCooldown time.Duration
	// RetryCooldown is the fixed interval before re-running the whole
	// failure-handling sequence after a failed reconnect. Store outages
	// are typically long-lived, so this is deliberately a fixed interval
	// rather than an exponential policy.
	RetryCooldown time.Duration
}

// DefaultConfig returns the default monitor policy.
func DefaultConfig() Config {
	return Config{
		ProbeInterval:     30 * time.Second,
		FailureThreshold:  3,
		ShutdownTimeout:   30 * time.Second,
		ReconnectCooldown: 5 * time.Second,
		RetryCooldown:     60 * time.Second,
	}
}

// Alerter is the slice of the channel directory the monitor uses to
// publish service alerts.
type Alerter interface {
	Broadcast(name string, payload []byte) int
}

// Status is a point-in-time snapshot of the dependency health state.
type Status struct {
	Healthy             bool      `json:"healthy"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastCheck           time.Time `json:"last_check"`
	LastFailure         time.Time `json:"last_failure,omitempty"`
	Recovering          bool      `json:"recovering"`
}

// Monitor tracks the health of the identity store.
type Monitor struct {
	cfg     Config
	clock   clock.Clock
	gateway identity.Gateway
	alerts  Alerter

	mu                  sync.Mutex
	healthy             bool
	consecutiveFailures int
	lastCheck           time.Time
	lastFailure         time.Time
	recovering          bool
}

// New creates a Monitor. The store starts out presumed healthy.
func New(cfg Config, clk clock.Clock, gw identity.Gateway, alerts Alerter) *Monitor {
	metrics.StoreHealthy.Set(1)
	return &Monitor{
		cfg:     cfg,
		clock:   clk,
		gateway: gw,
		alerts:  alerts,
		healthy: true,
	}
}

// Start is the monitor's actor loop, probing on a fixed period until the
// context is canceled. The mailbox is unused.
func (m *Monitor) Start(ctx context.Context, _ *actor.Mailbox) error {
	ticker := m.clock.NewTicker(m.cfg.ProbeInterval)
	defer ticker.Stop()

	log.Printf("[INFO] Dependency health monitor started (interval %s, threshold %d)",
		m.cfg.ProbeInterval, m.cfg.FailureThreshold)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
			m.Check(ctx)
		}
	}
}

// Check runs one liveness probe and applies the threshold logic. Exported
// so tests can drive probes without the ticker loop.
func (m *Monitor) Check(ctx context.Context) {
	m.mu.Lock()
	if m.recovering {
		// The pool is down by the monitor's own hand; probing it would
		// only count phantom failures.
		m.mu.Unlock()
		return
	}
	m.lastCheck = m.clock.Now()
	m.mu.Unlock()

	if err := m.gateway.Ping(ctx); err != nil {
		m.onProbeFailure(ctx, err)
		return
	}
	m.onProbeSuccess()
}

func (m *Monitor) onProbeSuccess() {
	m.mu.Lock()
	wasUnhealthy := !m.healthy
	m.healthy = true
	m.consecutiveFailures = 0
	m.mu.Unlock()

	if wasUnhealthy {
		metrics.StoreHealthy.Set(1)
		log.Printf("[INFO] Identity store recovered")
		m.alert("info", "identity store connection restored")
	}
}

func (m *Monitor) onProbeFailure(ctx context.Context, err error) {
	metrics.StoreProbeFailuresTotal.Inc()

	m.mu.Lock()
	m.consecutiveFailures++
	failures := m.consecutiveFailures
	crossed := m.healthy && failures >= m.cfg.FailureThreshold
	if crossed {
		m.healthy = false
		m.lastFailure = m.clock.Now()
		m.recovering = true
	}
	m.mu.Unlock()

	if !crossed {
		log.Printf("[WARN] Store probe failed (%d/%d): %v", failures, m.cfg.FailureThreshold, err)
		return
	}

	log.Printf("[ERROR] Identity store degraded after %d consecutive failures: %v", failures, err)
	metrics.StoreHealthy.Set(0)
	m.alert("error", "identity store degraded, service running in reduced mode")
	m.cyclePool(ctx)
}

// cyclePool runs the failure-handling sequence: graceful pool shutdown
// bounded by a timeout, a short cooldown, then a reconnection attempt.
func (m *Monitor) cyclePool(ctx context.Context) {
	if err := m.gateway.Shutdown(ctx, m.cfg.ShutdownTimeout); err != nil {
		log.Printf("[WARN] Store pool shutdown: %v", err)
	}
	m.clock.AfterFunc(m.cfg.ReconnectCooldown, func() {
		m.attemptReconnect(ctx)
	})
}

// attemptReconnect tries to rebuild the pool. On failure the whole
// sequence is rescheduled after the fixed retry cooldown.
func (m *Monitor) attemptReconnect(ctx context.Context) {
	if err := m.gateway.Reopen(ctx); err != nil {
		log.Printf("[WARN] Store reconnection failed, retrying in %s: %v", m.cfg.RetryCooldown, err)
		m.clock.AfterFunc(m.cfg.RetryCooldown, func() {
			m.attemptReconnect(ctx)
		})
		return
	}

	m.mu.Lock()
	m.recovering = false
	m.mu.Unlock()

	// The reconnect succeeding is the first successful exchange with the
	// store since degradation; it flips the flag back without waiting for
	// the next scheduled probe.
	m.onProbeSuccess()
}

func (m *Monitor) alert(level, message string) {
	if m.alerts == nil {
		return
	}
	payload, err := protocol.Encode(protocol.Alert{
		Type:    protocol.KindAlert,
		Level:   level,
		Message: message,
		At:      m.clock.Now(),
	})
	if err != nil {
		return
	}
	m.alerts.Broadcast("alerts", payload)
}

// Healthy reports the current health flag.
func (m *Monitor) Healthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.healthy
}

// Snapshot returns the current dependency health state.
func (m *Monitor) Snapshot() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		Healthy:             m.healthy,
		ConsecutiveFailures: m.consecutiveFailures,
		LastCheck:           m.lastCheck,
		LastFailure:         m.lastFailure,
		Recovering:          m.recovering,
	}
}
