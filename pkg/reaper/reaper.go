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

// Package reaper keeps connections honest: it probes them for liveness on
// one period and evicts idle ones on another. Eviction goes through the
// registry's normal disconnect path, so downstream consumers see the same
// disconnected notification as for a client-initiated close, distinguished
// only by the reason.
package reaper

import (
	"context"
	"log"
	"time"

	"github.com/turtacn/seathub-go/pkg/actor"
	"github.com/turtacn/seathub-go/pkg/clock"
	"github.com/turtacn/seathub-go/pkg/metrics"
	"github.com/turtacn/seathub-go/pkg/protocol"
	"github.com/turtacn/seathub-go/pkg/registry"
)

// ReasonIdleTimeout is the disconnect reason attached to reaper evictions.
const ReasonIdleTimeout = "idle-timeout"

// Config holds the reaper's timing knobs.
type Config struct {
	// ProbeInterval is the period between liveness probes.
	ProbeInterval time.Duration
	// ScanInterval is the period between idle scans, independent of the
	// probe period; by default half the idle timeout.
	ScanInterval time.Duration
	// IdleTimeout is how long a connection may stay silent before eviction.
	IdleTimeout time.Duration
}

// DefaultConfig returns the default reaper timing.
func DefaultConfig() Config {
	return Config{
		ProbeInterval: 30 * time.Second,
		ScanInterval:  30 * time.Second,
		IdleTimeout:   60 * time.Second,
	}
}

// Reaper runs the probe and scan loops against the connection registry.
type Reaper struct {
	cfg      Config
	clock    clock.Clock
	registry *registry.Registry
}

// New creates a Reaper.
func New(cfg Config, clk clock.Clock, reg *registry.Registry) *Reaper {
	return &Reaper{cfg: cfg, clock: clk, registry: reg}
}

// Start is the reaper's actor loop; it runs until the context is canceled.
// The mailbox is unused — the reaper is driven purely by the clock.
func (r *Reaper) Start(ctx context.Context, _ *actor.Mailbox) error {
	probe := r.clock.NewTicker(r.cfg.ProbeInterval)
	defer probe.Stop()
	scan := r.clock.NewTicker(r.cfg.ScanInterval)
	defer scan.Stop()

	log.Printf("[INFO] Reaper started (probe %s, scan %s, idle timeout %s)",
		r.cfg.ProbeInterval, r.cfg.ScanInterval, r.cfg.IdleTimeout)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-probe.C():
			r.probeAll()
		case <-scan.C():
			r.evictIdle()
		}
	}
}

// probeAll sends a liveness probe to every live connection. A probe that
// cannot even be enqueued is left alone; the idle scan will catch the
// connection once its lastActivity lapses.
func (r *Reaper) probeAll() {
	for _, conn := range r.registry.Connections() {
		_ = conn.Probe()
	}
}

// evictIdle disconnects every connection whose silence exceeds the idle
// timeout.
func (r *Reaper) evictIdle() {
	for _, conn := range r.registry.Connections() {
		idle := r.clock.Since(conn.LastActivity())
		if idle <= r.cfg.IdleTimeout {
			continue
		}
		log.Printf("[INFO] Evicting idle connection %s (idle %s)", conn.ID, idle)
		metrics.ReaperEvictionsTotal.Inc()
		if err := r.registry.Disconnect(conn.ID, ReasonIdleTimeout, protocol.CloseNormal); err != nil {
			log.Printf("[WARN] Eviction of %s failed: %v", conn.ID, err)
		}
	}
}
