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

package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/seathub-go/pkg/actor"
	"github.com/turtacn/seathub-go/pkg/clock"
	"github.com/turtacn/seathub-go/pkg/registry"
)

// fakeConn records frames written through the Conn interface.
type fakeConn struct {
	mu       sync.Mutex
	messages [][]byte
	controls []int
	closed   bool
	writeErr error
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	c.messages = append(c.messages, data)
	return nil
}

func (c *fakeConn) WriteControl(messageType int, data []byte, deadline time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.controls = append(c.controls, messageType)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func run(s *Session, mb *actor.Mailbox) chan error {
	done := make(chan error, 1)
	go func() { done <- s.Start(context.Background(), mb) }()
	return done
}

func TestWritesOutboundFrames(t *testing.T) {
	conn := &fakeConn{}
	mb := actor.NewMailbox(8)
	done := run(New("c1", conn, clock.NewMock()), mb)

	require.NoError(t, mb.Send(registry.Outbound{Data: []byte("one")}))
	require.NoError(t, mb.Send(registry.Outbound{Data: []byte("two")}))
	mb.Close()

	require.NoError(t, <-done)
	assert.Equal(t, [][]byte{[]byte("one"), []byte("two")}, conn.messages)
	assert.True(t, conn.closed)
}

func TestCloseFrameEndsSession(t *testing.T) {
	conn := &fakeConn{}
	mb := actor.NewMailbox(8)
	done := run(New("c1", conn, clock.NewMock()), mb)

	require.NoError(t, mb.Send(registry.CloseFrame{Code: 1000, Reason: "bye"}))

	require.NoError(t, <-done)
	assert.Equal(t, []int{websocket.CloseMessage}, conn.controls)
	assert.True(t, conn.closed)
}

func TestPingProbeWritesControlFrame(t *testing.T) {
	conn := &fakeConn{}
	mb := actor.NewMailbox(8)
	done := run(New("c1", conn, clock.NewMock()), mb)

	require.NoError(t, mb.Send(registry.PingProbe{}))
	mb.Close()

	require.NoError(t, <-done)
	assert.Equal(t, []int{websocket.PingMessage}, conn.controls)
}

func TestWriteErrorTerminatesSession(t *testing.T) {
	wantErr := errors.New("broken pipe")
	conn := &fakeConn{writeErr: wantErr}
	mb := actor.NewMailbox(8)
	done := run(New("c1", conn, clock.NewMock()), mb)

	require.NoError(t, mb.Send(registry.Outbound{Data: []byte("x")}))

	assert.ErrorIs(t, <-done, wantErr)
	assert.True(t, conn.closed)
}

func TestMailboxCloseIsCleanExit(t *testing.T) {
	conn := &fakeConn{}
	mb := actor.NewMailbox(8)
	done := run(New("c1", conn, clock.NewMock()), mb)

	mb.Close()
	assert.NoError(t, <-done)
	assert.True(t, conn.closed)
}
