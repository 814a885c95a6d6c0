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

// package metrics provides Prometheus metrics for the application.
package metrics

import (
	"log"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal is a counter for the total number of connections
	// accepted by the broker.
	ConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "seathub_connections_total",
		Help: "The total number of connections accepted by the broker.",
	})

	// ConnectionsActive is a gauge of currently live connections in any state.
	ConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "seathub_connections_active",
		Help: "The number of currently live connections.",
	})

	// ConnectionsAuthenticated is a gauge of connections that completed
	// authentication.
	ConnectionsAuthenticated = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "seathub_connections_authenticated",
		Help: "The number of currently authenticated connections.",
	})

	// ConnectionsRejectedTotal counts connections refused before entering the
	// registry, labeled by policy reason.
	ConnectionsRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "seathub_connections_rejected_total",
		Help: "The total number of connections rejected, by policy reason.",
	},
		[]string{"reason"},
	)

	// ChannelsActive is a gauge of currently existing broadcast channels.
	ChannelsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "seathub_channels_active",
		Help: "The number of broadcast channels with at least one member.",
	})

	// BroadcastsTotal counts broadcast operations per channel class.
	BroadcastsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "seathub_broadcasts_total",
		Help: "The total number of broadcast operations, by channel class.",
	},
		[]string{"class"},
	)

	// DeliveryFailuresTotal counts fan-out sends that could not be delivered
	// to a member.
	DeliveryFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "seathub_delivery_failures_total",
		Help: "The total number of failed per-member broadcast deliveries.",
	})

	// ReaperEvictionsTotal counts idle connections evicted by the liveness
	// reaper.
	ReaperEvictionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "seathub_reaper_evictions_total",
		Help: "The total number of idle connections evicted by the reaper.",
	})

	// RecoveryRetriesTotal counts scheduled reconnection attempts.
	RecoveryRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "seathub_recovery_retries_total",
		Help: "The total number of reconnection attempts scheduled.",
	})

	// RecoveryActive is a gauge of connection ids with an outstanding retry
	// record.
	RecoveryActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "seathub_recovery_active",
		Help: "The number of connection ids currently in recovery.",
	})

	// StoreHealthy reports the dependency health flag: 1 healthy, 0 degraded.
	StoreHealthy = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "seathub_store_healthy",
		Help: "Whether the backing identity store is considered healthy.",
	})

	// StoreProbeFailuresTotal counts failed liveness probes against the
	// backing store.
	StoreProbeFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "seathub_store_probe_failures_total",
		Help: "The total number of failed store liveness probes.",
	})

	// SupervisorRestartsTotal is a counter for the total number of supervisor
	// restarts.
	SupervisorRestartsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "seathub_supervisor_restarts_total",
		Help: "The total number of times a supervised actor has been restarted.",
	},
		[]string{"actor_id"},
	)
)

// Serve starts an HTTP server to expose the Prometheus metrics.
func Serve(addr string) {
	http.Handle("/metrics", promhttp.Handler())
	log.Printf("[INFO] Metrics server listening on %s", addr)
	if err := http.ListenAndServe(addr, nil); err != nil {
		logFatalf("Metrics server failed: %v", err)
	}
}

// logFatalf can be replaced by tests to prevent process exit.
var logFatalf = log.Fatalf
