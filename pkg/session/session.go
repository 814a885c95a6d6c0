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

// package session provides the writer actor for a single client connection.
// It is the only goroutine that writes to a given transport, serializing
// data frames, liveness probes, and the final close frame through the
// connection's mailbox.
package session

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/gorilla/websocket"

	"github.com/turtacn/seathub-go/pkg/actor"
	"github.com/turtacn/seathub-go/pkg/clock"
	"github.com/turtacn/seathub-go/pkg/registry"
)

// Conn is the slice of the WebSocket connection the writer needs. The
// gorilla connection satisfies it; tests substitute a recording fake.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// writeTimeout bounds a single control-frame write.
const writeTimeout = 10 * time.Second

// Session is the actor that owns the write side of one client connection.
type Session struct {
	ID    string
	conn  Conn
	clock clock.Clock
}

// New creates a new Session actor.
func New(id string, conn Conn, clk clock.Clock) *Session {
	return &Session{ID: id, conn: conn, clock: clk}
}

// Start is the main loop for the Session actor. It drains the mailbox until
// a close frame is written, the mailbox closes, or the context ends; the
// transport is closed on the way out in every case.
func (s *Session) Start(ctx context.Context, mb *actor.Mailbox) error {
	log.Printf("[DEBUG] Session actor started for connection %s", s.ID)
	defer s.conn.Close()

	for {
		msg, err := mb.Receive(ctx)
		if err != nil {
			if errors.Is(err, actor.ErrMailboxClosed) {
				// Orderly teardown without an explicit close frame.
				return nil
			}
			return err
		}

		switch m := msg.(type) {
		case registry.Outbound:
			if err := s.conn.WriteMessage(websocket.TextMessage, m.Data); err != nil {
				log.Printf("[WARN] Write to connection %s failed: %v", s.ID, err)
				return err
			}
		case registry.PingProbe:
			deadline := s.clock.Now().Add(writeTimeout)
			if err := s.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				log.Printf("[WARN] Ping to connection %s failed: %v", s.ID, err)
				return err
			}
		case registry.CloseFrame:
			deadline := s.clock.Now().Add(writeTimeout)
			payload := websocket.FormatCloseMessage(m.Code, m.Reason)
			_ = s.conn.WriteControl(websocket.CloseMessage, payload, deadline)
			return nil
		default:
			log.Printf("[WARN] Session %s received unhandled message type %T", s.ID, msg)
		}
	}
}
