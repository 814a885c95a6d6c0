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

// package main is the entrypoint for the seathub broker.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/turtacn/seathub-go/pkg/admin"
	"github.com/turtacn/seathub-go/pkg/auth"
	"github.com/turtacn/seathub-go/pkg/broker"
	"github.com/turtacn/seathub-go/pkg/clock"
	"github.com/turtacn/seathub-go/pkg/config"
	"github.com/turtacn/seathub-go/pkg/identity"
	"github.com/turtacn/seathub-go/pkg/metrics"
	"github.com/turtacn/seathub-go/pkg/storage"
)

func main() {
	configPath := flag.String("config", "", "path to configuration file (.yaml or .json)")
	memStore := flag.Bool("mem-store", false, "run against the in-memory identity store instead of PostgreSQL")
	flag.Parse()

	log.Println("Starting seathub broker...")

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	log.Printf("Node ID: %s", cfg.Broker.NodeID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clk := clock.New()

	// --- Identity store gateway ---
	var gateway identity.Gateway
	if *memStore {
		log.Println("[WARN] Running with the in-memory identity store; connection state will not survive restarts")
		gateway = identity.NewMemoryGateway(storage.NewMemStore(), cfg.SessionCacheTTL())
	} else {
		pg, err := identity.NewPostgresGateway(cfg.Broker.Store.Postgres, storage.NewMemStore(), cfg.SessionCacheTTL())
		if err != nil {
			log.Fatalf("Failed to connect to identity store: %v", err)
		}
		gateway = pg
	}

	// --- Operator accounts for the admin API ---
	operators := auth.NewOperatorStore()
	if err := cfg.ConfigureOperators(operators); err != nil {
		log.Fatalf("Failed to configure operators: %v", err)
	}

	// --- Broker ---
	verifier := auth.NewTokenVerifier(cfg.KeySource())
	b := broker.New(cfg, clk, verifier, gateway)
	go func() {
		if err := b.StartServer(ctx, cfg.Broker.ListenAddr); err != nil {
			log.Fatalf("Broker server failed: %v", err)
		}
	}()

	// --- Admin API ---
	if cfg.Broker.AdminAddr != "" {
		apiServer := admin.NewAPIServer(b, operators)
		mux := http.NewServeMux()
		apiServer.RegisterRoutes(mux)
		go func() {
			log.Printf("Admin API listening on %s", cfg.Broker.AdminAddr)
			if err := http.ListenAndServe(cfg.Broker.AdminAddr, mux); err != nil {
				log.Fatalf("Admin API server failed: %v", err)
			}
		}()
	}

	// --- Metrics ---
	if cfg.Broker.MetricsAddr != "" {
		go metrics.Serve(cfg.Broker.MetricsAddr)
	}

	// --- Wait for shutdown signal ---
	shutdownChan := make(chan os.Signal, 1)
	signal.Notify(shutdownChan, os.Interrupt, syscall.SIGTERM)
	<-shutdownChan

	log.Println("Shutdown signal received. Shutting down...")
}
