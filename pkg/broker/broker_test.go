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

package broker

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/seathub-go/pkg/auth"
	"github.com/turtacn/seathub-go/pkg/clock"
	"github.com/turtacn/seathub-go/pkg/config"
	"github.com/turtacn/seathub-go/pkg/identity"
	"github.com/turtacn/seathub-go/pkg/protocol"
	"github.com/turtacn/seathub-go/pkg/storage"
)

var testKey = []byte("broker-test-key")

type fixture struct {
	broker  *Broker
	server  *httptest.Server
	gateway *identity.MemoryGateway
	cancel  context.CancelFunc
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	cfg := config.DefaultConfig()
	cfg.Broker.Auth.SigningKey = string(testKey)

	gw := identity.NewMemoryGateway(storage.NewMemStore(), time.Hour)
	gw.PutUser(auth.Identity{UserID: "emp-1", Username: "okafor", Role: "member", Department: "7", Active: true})
	gw.PutUser(auth.Identity{UserID: "emp-2", Username: "rivera", Role: "member", Department: "7", Active: true})

	// Control-frame deadlines come from the broker clock, so the end-to-end
	// fixture runs on real time.
	b := New(cfg, clock.New(), auth.NewTokenVerifier(auth.StaticKeySource(testKey)), gw)
	srv := httptest.NewServer(b.Handler(ctx))

	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return &fixture{broker: b, server: srv, gateway: gw, cancel: cancel}
}

func (f *fixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	return ws
}

func token(userID, role, department string) string {
	return auth.SignToken(testKey, auth.Identity{
		UserID:     userID,
		Username:   userID,
		Role:       role,
		Department: department,
		Active:     true,
	}, time.Time{})
}

func send(t *testing.T, ws *websocket.Conn, msg any) {
	t.Helper()
	data, err := protocol.Encode(msg)
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, data))
}

func read(t *testing.T, ws *websocket.Conn, into any) {
	t.Helper()
	_, raw, err := ws.ReadMessage()
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, into))
}

// authenticate drives one client through the auth handshake.
func (f *fixture) authenticate(t *testing.T, ws *websocket.Conn, tok string) protocol.Connected {
	t.Helper()
	send(t, ws, protocol.Auth{Type: protocol.KindAuth, Token: tok})
	var connected protocol.Connected
	read(t, ws, &connected)
	require.Equal(t, protocol.KindConnected, connected.Type)
	return connected
}

func TestAuthenticateHandshake(t *testing.T) {
	f := newFixture(t)
	ws := f.dial(t)

	connected := f.authenticate(t, ws, token("emp-1", "member", "7"))
	assert.Equal(t, "emp-1", connected.UserID)
	assert.Equal(t, "okafor", connected.Username)
	assert.Equal(t, "7", connected.Department)
}

func TestInvalidTokenClosedWithPolicyCode(t *testing.T) {
	f := newFixture(t)
	ws := f.dial(t)

	send(t, ws, protocol.Auth{Type: protocol.KindAuth, Token: "garbage"})

	_, _, err := ws.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	require.True(t, ok, "expected a close frame, got %v", err)
	assert.Equal(t, protocol.ClosePolicyViolation, closeErr.Code)
}

func TestSubscribeDropsUnauthorizedChannels(t *testing.T) {
	f := newFixture(t)
	ws := f.dial(t)
	f.authenticate(t, ws, token("emp-1", "member", "7"))

	send(t, ws, protocol.Subscribe{
		Type:     protocol.KindSubscribe,
		Channels: []string{"alerts", "department_7", "department_3", "role_admin"},
	})

	var sub protocol.Subscribed
	read(t, ws, &sub)
	assert.Equal(t, protocol.KindSubscribed, sub.Type)
	assert.Equal(t, []string{"alerts", "department_7"}, sub.Channels)
}

func TestSubscribeBeforeAuthRejected(t *testing.T) {
	f := newFixture(t)
	ws := f.dial(t)

	send(t, ws, protocol.Subscribe{Type: protocol.KindSubscribe, Channels: []string{"alerts"}})

	var reply protocol.ErrorReply
	read(t, ws, &reply)
	assert.Equal(t, protocol.KindError, reply.Type)
	assert.Equal(t, "not_authenticated", reply.Code)
}

func TestHeartbeatAck(t *testing.T) {
	f := newFixture(t)
	ws := f.dial(t)
	f.authenticate(t, ws, token("emp-1", "member", "7"))

	send(t, ws, protocol.Heartbeat{Type: protocol.KindHeartbeat})

	var ack protocol.HeartbeatAck
	read(t, ws, &ack)
	assert.Equal(t, protocol.KindHeartbeatAck, ack.Type)
	assert.False(t, ack.ServerTime.IsZero())
}

func TestDataUpdateFansOutToChannelMembers(t *testing.T) {
	f := newFixture(t)

	sender := f.dial(t)
	receiver := f.dial(t)
	f.authenticate(t, sender, token("emp-1", "member", "7"))
	f.authenticate(t, receiver, token("emp-2", "member", "7"))

	for _, ws := range []*websocket.Conn{sender, receiver} {
		send(t, ws, protocol.Subscribe{Type: protocol.KindSubscribe, Channels: []string{"department_7"}})
		var sub protocol.Subscribed
		read(t, ws, &sub)
	}

	send(t, sender, protocol.DataUpdate{
		Type:    protocol.KindDataUpdate,
		Channel: "department_7",
		Payload: json.RawMessage(`{"seat":"7A","user":"emp-1"}`),
	})

	for _, ws := range []*websocket.Conn{sender, receiver} {
		var ev protocol.Event
		read(t, ws, &ev)
		assert.Equal(t, protocol.KindDataUpdate, ev.Type)
		assert.Equal(t, "department_7", ev.Channel)
		assert.JSONEq(t, `{"seat":"7A","user":"emp-1"}`, string(ev.Payload))
	}
}

func TestDataUpdateToUnjoinedChannelRejected(t *testing.T) {
	f := newFixture(t)
	ws := f.dial(t)
	f.authenticate(t, ws, token("emp-1", "member", "7"))

	send(t, ws, protocol.DataUpdate{
		Type:    protocol.KindDataUpdate,
		Channel: "department_7",
		Payload: json.RawMessage(`{}`),
	})

	var reply protocol.ErrorReply
	read(t, ws, &reply)
	assert.Equal(t, "forbidden", reply.Code)
}

func TestUnknownMessageKindIsProtocolError(t *testing.T) {
	f := newFixture(t)
	ws := f.dial(t)
	f.authenticate(t, ws, token("emp-1", "member", "7"))

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"mystery"}`)))

	var reply protocol.ErrorReply
	read(t, ws, &reply)
	assert.Equal(t, "protocol_error", reply.Code)
}

func TestUnsubscribeAll(t *testing.T) {
	f := newFixture(t)
	ws := f.dial(t)
	f.authenticate(t, ws, token("emp-1", "member", "7"))

	send(t, ws, protocol.Subscribe{Type: protocol.KindSubscribe, Channels: []string{"alerts", "department_7"}})
	var sub protocol.Subscribed
	read(t, ws, &sub)
	require.Len(t, sub.Channels, 2)

	send(t, ws, protocol.Unsubscribe{Type: protocol.KindUnsubscribe, All: true})
	var unsub protocol.Unsubscribed
	read(t, ws, &unsub)
	assert.Equal(t, protocol.KindUnsubscribed, unsub.Type)
	assert.ElementsMatch(t, []string{"alerts", "department_7"}, unsub.Channels)

	assert.Zero(t, f.broker.Directory().Len())
}

func TestSubscribeReplaysCachedState(t *testing.T) {
	f := newFixture(t)

	first := f.dial(t)
	f.authenticate(t, first, token("emp-1", "member", "7"))
	send(t, first, protocol.Subscribe{Type: protocol.KindSubscribe, Channels: []string{"department_7"}})
	var sub protocol.Subscribed
	read(t, first, &sub)

	send(t, first, protocol.DataUpdate{
		Type:    protocol.KindDataUpdate,
		Channel: "department_7",
		Payload: json.RawMessage(`{"seat":"7B"}`),
	})
	var ev protocol.Event
	read(t, first, &ev)

	// A late joiner asking for sync gets the cached update after the
	// subscribe ack.
	late := f.dial(t)
	f.authenticate(t, late, token("emp-2", "member", "7"))
	send(t, late, protocol.Subscribe{
		Type:       protocol.KindSubscribe,
		Channels:   []string{"department_7"},
		SyncEvents: []string{"seat_update"},
	})
	read(t, late, &sub)

	var replay protocol.Event
	read(t, late, &replay)
	assert.Equal(t, "department_7", replay.Channel)
	assert.JSONEq(t, `{"seat":"7B"}`, string(replay.Payload))
}

func TestServerSideBroadcast(t *testing.T) {
	f := newFixture(t)
	ws := f.dial(t)
	f.authenticate(t, ws, token("emp-1", "member", "7"))

	send(t, ws, protocol.Subscribe{Type: protocol.KindSubscribe, Channels: []string{"alerts"}})
	var sub protocol.Subscribed
	read(t, ws, &sub)

	delivered, err := f.broker.Broadcast("alerts", []byte(`{"notice":"maintenance"}`))
	require.NoError(t, err)
	assert.Equal(t, 1, delivered)

	var ev protocol.Event
	read(t, ws, &ev)
	assert.Equal(t, "alerts", ev.Channel)
}

func TestStatsSnapshot(t *testing.T) {
	f := newFixture(t)
	ws := f.dial(t)
	f.authenticate(t, ws, token("emp-1", "member", "7"))

	send(t, ws, protocol.Subscribe{Type: protocol.KindSubscribe, Channels: []string{"alerts"}})
	var sub protocol.Subscribed
	read(t, ws, &sub)

	stats := f.broker.Stats()
	assert.Equal(t, 1, stats.Connections)
	assert.Equal(t, 1, stats.Authenticated)
	assert.Equal(t, map[string]int{"alerts": 1}, stats.Channels)
	assert.True(t, stats.StoreHealthy)
	assert.Zero(t, stats.ActiveRecovery)
}

func TestClientCloseTearsDownConnection(t *testing.T) {
	f := newFixture(t)
	ws := f.dial(t)
	f.authenticate(t, ws, token("emp-1", "member", "7"))
	require.Equal(t, 1, f.broker.Registry().Len())

	require.NoError(t, ws.Close())

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && f.broker.Registry().Len() > 0 {
		time.Sleep(10 * time.Millisecond)
	}
	assert.Zero(t, f.broker.Registry().Len())
}
