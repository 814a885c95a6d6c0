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

package identity

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sync"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/turtacn/seathub-go/pkg/auth"
	"github.com/turtacn/seathub-go/pkg/storage"
)

// PostgresConfig holds connection settings for the backing employee store.
type PostgresConfig struct {
	Host            string        `yaml:"host" json:"host"`
	Port            int           `yaml:"port" json:"port"`
	Username        string        `yaml:"username" json:"username"`
	Password        string        `yaml:"password" json:"password"`
	Database        string        `yaml:"database" json:"database"`
	SSLMode         string        `yaml:"ssl_mode" json:"ssl_mode"`
	MaxOpenConns    int           `yaml:"max_open_conns" json:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
	QueryTimeout    time.Duration `yaml:"query_timeout" json:"query_timeout"`
}

// DefaultPostgresConfig returns the default store settings.
func DefaultPostgresConfig() PostgresConfig {
	return PostgresConfig{
		Host:            "localhost",
		Port:            5432,
		Username:        "seathub",
		Database:        "seathub",
		SSLMode:         "disable",
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
		QueryTimeout:    5 * time.Second,
	}
}

func (c PostgresConfig) dsn() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.Username, c.Password, c.Database, c.SSLMode)
}

// PostgresGateway is the production Gateway backed by the employee table in
// PostgreSQL. Quota counting stays in memory; the store only supplies
// identity records and receives write-through session rows.
type PostgresGateway struct {
	config   PostgresConfig
	mu       sync.RWMutex
	db       *sql.DB
	sessions *sessionTracker
}

// NewPostgresGateway opens the connection pool and verifies it with a ping.
func NewPostgresGateway(config PostgresConfig, cache storage.Store, cacheTTL time.Duration) (*PostgresGateway, error) {
	g := &PostgresGateway{
		config:   config,
		sessions: newSessionTracker(cache, cacheTTL),
	}
	if err := g.Reopen(context.Background()); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *PostgresGateway) pool() (*sql.DB, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.db == nil {
		return nil, ErrUnavailable
	}
	return g.db, nil
}

func (g *PostgresGateway) queryCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := g.config.QueryTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return context.WithTimeout(ctx, timeout)
}

// Lookup implements Gateway.
func (g *PostgresGateway) Lookup(ctx context.Context, userID string) (*auth.Identity, error) {
	db, err := g.pool()
	if err != nil {
		return nil, err
	}

	ctx, cancel := g.queryCtx(ctx)
	defer cancel()

	var id auth.Identity
	row := db.QueryRowContext(ctx,
		`SELECT id, username, role, department, active FROM employees WHERE id = $1`,
		userID)
	if err := row.Scan(&id.UserID, &id.Username, &id.Role, &id.Department, &id.Active); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return &id, nil
}

// ActiveConnections implements Gateway from the in-memory session index.
func (g *PostgresGateway) ActiveConnections(ctx context.Context, userID string) (int, error) {
	return g.sessions.count(userID), nil
}

// RegisterSession implements Gateway. The store write is best effort; the
// in-memory index is the source of truth.
func (g *PostgresGateway) RegisterSession(ctx context.Context, sess Session) error {
	g.sessions.register(sess)

	db, err := g.pool()
	if err != nil {
		return nil
	}
	ctx, cancel := g.queryCtx(ctx)
	defer cancel()
	_, err = db.ExecContext(ctx,
		`INSERT INTO broker_sessions (connection_id, user_id, remote_addr, connected_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (connection_id) DO UPDATE SET connected_at = EXCLUDED.connected_at`,
		sess.ConnectionID, sess.UserID, sess.RemoteAddr, sess.ConnectedAt)
	if err != nil {
		log.Printf("[WARN] Session write-through failed for %s: %v", sess.ConnectionID, err)
	}
	return nil
}

// UnregisterSession implements Gateway.
func (g *PostgresGateway) UnregisterSession(ctx context.Context, connectionID string) error {
	g.sessions.unregister(connectionID)

	db, err := g.pool()
	if err != nil {
		return nil
	}
	ctx, cancel := g.queryCtx(ctx)
	defer cancel()
	if _, err := db.ExecContext(ctx,
		`DELETE FROM broker_sessions WHERE connection_id = $1`, connectionID); err != nil {
		log.Printf("[WARN] Session delete failed for %s: %v", connectionID, err)
	}
	return nil
}

// Ping implements Gateway with a minimal liveness query.
func (g *PostgresGateway) Ping(ctx context.Context) error {
	db, err := g.pool()
	if err != nil {
		return err
	}
	ctx, cancel := g.queryCtx(ctx)
	defer cancel()
	var one int
	if err := db.QueryRowContext(ctx, `SELECT 1`).Scan(&one); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Shutdown implements Gateway. It waits up to graceful for in-flight
// queries to drain, then closes the pool regardless.
func (g *PostgresGateway) Shutdown(ctx context.Context, graceful time.Duration) error {
	g.mu.Lock()
	db := g.db
	g.db = nil
	g.mu.Unlock()

	if db == nil {
		return nil
	}

	deadline := time.Now().Add(graceful)
	for time.Now().Before(deadline) {
		if db.Stats().InUse == 0 {
			break
		}
		select {
		case <-ctx.Done():
			return db.Close()
		case <-time.After(100 * time.Millisecond):
		}
	}
	if db.Stats().InUse > 0 {
		log.Printf("[WARN] Forcing store pool close with %d queries in flight", db.Stats().InUse)
	}
	return db.Close()
}

// Reopen implements Gateway, recreating the pool with the configured sizing.
func (g *PostgresGateway) Reopen(ctx context.Context) error {
	db, err := sql.Open("postgres", g.config.dsn())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	db.SetMaxOpenConns(g.config.MaxOpenConns)
	db.SetMaxIdleConns(g.config.MaxIdleConns)
	db.SetConnMaxLifetime(g.config.ConnMaxLifetime)

	pingCtx, cancel := g.queryCtx(ctx)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	g.mu.Lock()
	old := g.db
	g.db = db
	g.mu.Unlock()
	if old != nil {
		old.Close()
	}
	return nil
}
