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

// Package broker composes the seating-hub broker: WebSocket transport, the
// connection registry, the channel directory, and the background loops
// (reaper, dependency monitor, recovery manager), all under one supervisor.
// Everything the broker depends on is an explicit field; there is no global
// state.
package broker

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/turtacn/seathub-go/pkg/actor"
	"github.com/turtacn/seathub-go/pkg/auth"
	"github.com/turtacn/seathub-go/pkg/channel"
	"github.com/turtacn/seathub-go/pkg/clock"
	"github.com/turtacn/seathub-go/pkg/config"
	"github.com/turtacn/seathub-go/pkg/identity"
	"github.com/turtacn/seathub-go/pkg/monitor"
	"github.com/turtacn/seathub-go/pkg/protocol"
	"github.com/turtacn/seathub-go/pkg/reaper"
	"github.com/turtacn/seathub-go/pkg/recovery"
	"github.com/turtacn/seathub-go/pkg/registry"
	"github.com/turtacn/seathub-go/pkg/session"
	"github.com/turtacn/seathub-go/pkg/supervisor"
)

// mailboxSize is the per-connection outbound buffer. A connection whose
// buffer stays full is skipped by fan-out and eventually idles out.
const mailboxSize = 64

// Broker is the top-level composition root.
type Broker struct {
	nodeID    string
	clock     clock.Clock
	registry  *registry.Registry
	directory *channel.Directory
	reaper    *reaper.Reaper
	monitor   *monitor.Monitor
	recovery  *recovery.Manager
	gateway   identity.Gateway
	sup       *supervisor.OneForOneSupervisor
	upgrader  websocket.Upgrader
	startedAt time.Time
}

// New wires the broker's components together from configuration.
func New(cfg *config.Config, clk clock.Clock, verifier auth.Verifier, gateway identity.Gateway) *Broker {
	reg := registry.New(cfg.RegistryConfig(), clk, verifier, gateway)
	dir := channel.NewDirectory(clk)
	reg.SetDirectory(dir)

	return &Broker{
		nodeID:    cfg.Broker.NodeID,
		clock:     clk,
		registry:  reg,
		directory: dir,
		reaper:    reaper.New(cfg.ReaperConfig(), clk, reg),
		monitor:   monitor.New(cfg.MonitorConfig(), clk, gateway, dir),
		recovery:  recovery.New(cfg.RecoveryConfig(), clk),
		gateway:   gateway,
		sup:       supervisor.NewOneForOneSupervisor(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Browser clients connect from the seating-chart frontend on a
			// different origin; token verification is the real gate.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Registry exposes the connection registry.
func (b *Broker) Registry() *registry.Registry { return b.registry }

// Directory exposes the channel directory.
func (b *Broker) Directory() *channel.Directory { return b.directory }

// Monitor exposes the dependency health monitor.
func (b *Broker) Monitor() *monitor.Monitor { return b.monitor }

// Recovery exposes the outbound-link recovery manager.
func (b *Broker) Recovery() *recovery.Manager { return b.recovery }

// StartServer runs the WebSocket listener and the background loops until
// the context is canceled.
func (b *Broker) StartServer(ctx context.Context, addr string) error {
	b.startedAt = b.clock.Now()

	if err := b.sup.Start(ctx, []supervisor.Spec{
		{ID: "reaper", Actor: b.reaper, Restart: supervisor.RestartPermanent},
		{ID: "monitor", Actor: b.monitor, Restart: supervisor.RestartPermanent},
	}); err != nil {
		return err
	}
	go b.drainEvents(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		b.handleUpgrade(ctx, w, r)
	})

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Printf("[INFO] Broker %s listening on %s", b.nodeID, addr)
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Handler returns the WebSocket upgrade handler, used directly by tests
// running against an httptest server.
func (b *Broker) Handler(ctx context.Context) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.handleUpgrade(ctx, w, r)
	})
}

// drainEvents consumes registry and recovery notifications. Registry events
// are observability output; recovery exhaustion additionally raises a
// service alert.
func (b *Broker) drainEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-b.registry.Events():
			log.Printf("[DEBUG] Registry event %s for %s (%s)", ev.Type, ev.ConnectionID, ev.Reason)
		case ev := <-b.recovery.Events():
			log.Printf("[WARN] Recovery exhausted for %s after %d attempts", ev.ConnectionID, ev.Attempts)
			b.alert("warn", "outbound link lost after exhausting reconnection attempts")
		}
	}
}

func (b *Broker) alert(level, message string) {
	payload, err := protocol.Encode(protocol.Alert{
		Type:    protocol.KindAlert,
		Level:   level,
		Message: message,
		At:      b.clock.Now(),
	})
	if err != nil {
		return
	}
	b.directory.Broadcast(channel.AlertChannel, payload)
}

// handleUpgrade admits one client: upgrade, registry accept, writer actor
// under the supervisor, then the read loop until the connection dies.
func (b *Broker) handleUpgrade(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	ws, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[WARN] WebSocket upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}

	mailbox := actor.NewMailbox(mailboxSize)
	conn, err := b.registry.Accept(mailbox, registry.Metadata{
		RemoteAddr: r.RemoteAddr,
		UserAgent:  r.Header.Get("User-Agent"),
	})
	if err != nil {
		frame := websocket.FormatCloseMessage(protocol.ClosePolicyViolation, err.Error())
		_ = ws.WriteControl(websocket.CloseMessage, frame, b.clock.Now().Add(time.Second))
		_ = ws.Close()
		return
	}

	b.sup.StartChild(ctx, supervisor.Spec{
		ID:      "session-" + conn.ID,
		Actor:   session.New(conn.ID, ws, b.clock),
		Restart: supervisor.RestartTemporary,
		Mailbox: mailbox,
	})

	ws.SetPongHandler(func(string) error {
		b.registry.Touch(conn.ID)
		return nil
	})

	b.readLoop(ctx, ws, conn)
}

// readLoop serializes all inbound processing for one connection. Different
// connections run their loops concurrently.
func (b *Broker) readLoop(ctx context.Context, ws *websocket.Conn, conn *registry.Connection) {
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			// Transport gone; tear down if the registry still knows the id.
			if _, ok := b.registry.Get(conn.ID); ok {
				_ = b.registry.Disconnect(conn.ID, "client closed", protocol.CloseGoingAway)
			}
			return
		}

		b.registry.Touch(conn.ID)

		msg, err := protocol.Decode(raw)
		if err != nil {
			b.replyError(conn, "protocol_error", err.Error())
			continue
		}

		switch m := msg.(type) {
		case *protocol.Auth:
			b.handleAuth(ctx, conn, m)
		case *protocol.Subscribe:
			b.handleSubscribe(conn, m)
		case *protocol.Unsubscribe:
			b.handleUnsubscribe(conn, m)
		case *protocol.Heartbeat:
			b.reply(conn, protocol.HeartbeatAck{
				Type:       protocol.KindHeartbeatAck,
				ServerTime: b.clock.Now(),
			})
		case *protocol.DataUpdate:
			b.handleDataUpdate(conn, m)
		}

		if _, ok := b.registry.Get(conn.ID); !ok {
			// The message handler closed the connection (auth failure,
			// quota, policy); stop reading.
			return
		}
	}
}

func (b *Broker) handleAuth(ctx context.Context, conn *registry.Connection, m *protocol.Auth) {
	id, err := b.registry.Authenticate(ctx, conn.ID, m.Token)
	if err != nil {
		if errors.Is(err, registry.ErrAlreadyAuthenticated) {
			b.replyError(conn, "already_authenticated", err.Error())
		}
		// Other failures already closed the transport with a policy code.
		return
	}
	b.reply(conn, protocol.Connected{
		Type:       protocol.KindConnected,
		UserID:     id.UserID,
		Username:   id.Username,
		Role:       id.Role,
		Department: id.Department,
	})
}

func (b *Broker) handleSubscribe(conn *registry.Connection, m *protocol.Subscribe) {
	accepted := make([]string, 0, len(m.Channels))
	for _, name := range m.Channels {
		err := b.directory.Subscribe(conn, name)
		switch {
		case err == nil:
			accepted = append(accepted, name)
		case errors.Is(err, channel.ErrForbidden):
			// Unauthorized names are dropped from the grant, not fatal.
		case errors.Is(err, channel.ErrNotAuthenticated):
			b.replyError(conn, "not_authenticated", err.Error())
			return
		}
	}
	b.reply(conn, protocol.Subscribed{Type: protocol.KindSubscribed, Channels: accepted})

	// Replay each granted channel's cached last update so a late joiner
	// starts from current state.
	if len(m.SyncEvents) > 0 {
		for _, name := range accepted {
			if payload, ok := b.directory.LastPayload(name); ok {
				_ = conn.Deliver(payload)
			}
		}
	}
}

func (b *Broker) handleUnsubscribe(conn *registry.Connection, m *protocol.Unsubscribe) {
	var left []string
	if m.All {
		left = b.directory.UnsubscribeAll(conn)
	} else {
		for _, name := range m.Channels {
			b.directory.Unsubscribe(conn, name)
		}
		left = m.Channels
	}
	b.reply(conn, protocol.Unsubscribed{Type: protocol.KindUnsubscribed, Channels: left})
}

func (b *Broker) handleDataUpdate(conn *registry.Connection, m *protocol.DataUpdate) {
	if conn.State() != registry.StateAuthenticated {
		b.replyError(conn, "not_authenticated", "authenticate before publishing")
		return
	}
	if !conn.HasSubscription(m.Channel) {
		b.replyError(conn, "forbidden", "not a member of channel "+m.Channel)
		return
	}
	payload, err := protocol.Encode(protocol.Event{
		Type:    protocol.KindDataUpdate,
		Channel: m.Channel,
		Payload: m.Payload,
	})
	if err != nil {
		b.replyError(conn, "protocol_error", err.Error())
		return
	}
	b.directory.Broadcast(m.Channel, payload)
}

// reply enqueues a server message on the connection's writer mailbox. It
// bypasses Deliver so pre-authentication replies still go out.
func (b *Broker) reply(conn *registry.Connection, msg any) {
	data, err := protocol.Encode(msg)
	if err != nil {
		log.Printf("[WARN] Encoding reply for %s failed: %v", conn.ID, err)
		return
	}
	_ = conn.Mailbox().TrySend(registry.Outbound{Data: data})
}

func (b *Broker) replyError(conn *registry.Connection, code, message string) {
	b.reply(conn, protocol.ErrorReply{Type: protocol.KindError, Code: code, Message: message})
}

// Stats is a point-in-time operational snapshot of the broker.
type Stats struct {
	NodeID         string         `json:"node_id"`
	UptimeSeconds  int64          `json:"uptime_seconds"`
	Connections    int            `json:"connections"`
	Authenticated  int            `json:"authenticated"`
	Channels       map[string]int `json:"channels"`
	StoreHealthy   bool           `json:"store_healthy"`
	ActiveRecovery int            `json:"active_recovery"`
}

// Stats assembles the operational snapshot served by the admin API.
func (b *Broker) Stats() Stats {
	return Stats{
		NodeID:         b.nodeID,
		UptimeSeconds:  int64(b.clock.Since(b.startedAt).Seconds()),
		Connections:    b.registry.Len(),
		Authenticated:  b.registry.AuthenticatedCount(),
		Channels:       b.directory.MemberCounts(),
		StoreHealthy:   b.monitor.Healthy(),
		ActiveRecovery: b.recovery.ActiveCount(),
	}
}

// Broadcast publishes a server-originated event into a channel, returning
// the number of members it reached. The admin API uses this path.
func (b *Broker) Broadcast(channelName string, payload []byte) (int, error) {
	data, err := protocol.Encode(protocol.Event{
		Type:    protocol.KindDataUpdate,
		Channel: channelName,
		Payload: payload,
	})
	if err != nil {
		return 0, err
	}
	return b.directory.Broadcast(channelName, data), nil
}
