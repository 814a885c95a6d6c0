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

package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/seathub-go/pkg/actor"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never met")
}

func TestStartRequiresSpecs(t *testing.T) {
	s := NewOneForOneSupervisor()
	assert.Error(t, s.Start(context.Background(), nil))
}

func TestPermanentChildRestartsAfterExit(t *testing.T) {
	s := &OneForOneSupervisor{RestartDelay: time.Millisecond}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var starts int32
	spec := Spec{
		ID:      "worker",
		Restart: RestartPermanent,
		startFunc: func(ctx context.Context, _ *actor.Mailbox) error {
			atomic.AddInt32(&starts, 1)
			return nil
		},
	}

	require.NoError(t, s.Start(ctx, []Spec{spec}))
	waitFor(t, func() bool { return atomic.LoadInt32(&starts) >= 3 })
}

func TestTransientChildRestartsOnlyOnError(t *testing.T) {
	s := &OneForOneSupervisor{RestartDelay: time.Millisecond}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var cleanStarts, failStarts int32
	s.StartChild(ctx, Spec{
		ID:      "clean",
		Restart: RestartTransient,
		startFunc: func(ctx context.Context, _ *actor.Mailbox) error {
			atomic.AddInt32(&cleanStarts, 1)
			return nil
		},
	})
	s.StartChild(ctx, Spec{
		ID:      "failing",
		Restart: RestartTransient,
		startFunc: func(ctx context.Context, _ *actor.Mailbox) error {
			atomic.AddInt32(&failStarts, 1)
			return errors.New("boom")
		},
	})

	waitFor(t, func() bool { return atomic.LoadInt32(&failStarts) >= 3 })
	assert.Equal(t, int32(1), atomic.LoadInt32(&cleanStarts), "clean exit is not restarted")
}

func TestTransientChildNotRestartedOnMailboxClosed(t *testing.T) {
	s := &OneForOneSupervisor{RestartDelay: time.Millisecond}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var starts int32
	s.StartChild(ctx, Spec{
		ID:      "writer",
		Restart: RestartTransient,
		startFunc: func(ctx context.Context, _ *actor.Mailbox) error {
			atomic.AddInt32(&starts, 1)
			return actor.ErrMailboxClosed
		},
	})

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&starts),
		"mailbox close is the writer's normal exit")
}

func TestTemporaryChildNeverRestarts(t *testing.T) {
	s := &OneForOneSupervisor{RestartDelay: time.Millisecond}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var starts int32
	s.StartChild(ctx, Spec{
		ID:      "one-shot",
		Restart: RestartTemporary,
		startFunc: func(ctx context.Context, _ *actor.Mailbox) error {
			atomic.AddInt32(&starts, 1)
			return errors.New("boom")
		},
	})

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&starts))
}

func TestPanickingChildIsRecoveredAndRestarted(t *testing.T) {
	s := &OneForOneSupervisor{RestartDelay: time.Millisecond}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var starts int32
	s.StartChild(ctx, Spec{
		ID:      "panicky",
		Restart: RestartTransient,
		startFunc: func(ctx context.Context, _ *actor.Mailbox) error {
			atomic.AddInt32(&starts, 1)
			panic("kaboom")
		},
	})

	waitFor(t, func() bool { return atomic.LoadInt32(&starts) >= 2 })
}

func TestChildStopsWhenContextCanceled(t *testing.T) {
	s := &OneForOneSupervisor{RestartDelay: time.Millisecond}
	ctx, cancel := context.WithCancel(context.Background())

	var starts int32
	s.StartChild(ctx, Spec{
		ID:      "worker",
		Restart: RestartPermanent,
		startFunc: func(ctx context.Context, _ *actor.Mailbox) error {
			atomic.AddInt32(&starts, 1)
			<-ctx.Done()
			return ctx.Err()
		},
	})

	waitFor(t, func() bool { return atomic.LoadInt32(&starts) == 1 })
	cancel()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&starts))
}

func TestActorReceivesItsMailbox(t *testing.T) {
	s := NewOneForOneSupervisor()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mb := actor.NewMailbox(1)
	got := make(chan any, 1)
	s.StartChild(ctx, Spec{
		ID:      "consumer",
		Restart: RestartTemporary,
		Mailbox: mb,
		startFunc: func(ctx context.Context, mb *actor.Mailbox) error {
			msg, err := mb.Receive(ctx)
			if err != nil {
				return err
			}
			got <- msg
			return nil
		},
	})

	require.NoError(t, mb.Send("ping"))
	select {
	case msg := <-got:
		assert.Equal(t, "ping", msg)
	case <-time.After(time.Second):
		t.Fatal("actor never received the message")
	}
}
