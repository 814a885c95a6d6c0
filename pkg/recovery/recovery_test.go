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

package recovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/seathub-go/pkg/clock"
)

var errDial = errors.New("dial failed")

func failingDialer(calls *[]time.Time, clk *clock.Mock) Dialer {
	return func(ctx context.Context) error {
		*calls = append(*calls, clk.Now())
		return errDial
	}
}

func TestBackoffDoublesPerAttempt(t *testing.T) {
	clk := clock.NewMock()
	start := clk.Now()
	m := New(DefaultConfig(), clk)

	var calls []time.Time
	m.OnFailure(context.Background(), "link-1", failingDialer(&calls, clk), nil)

	// Each retry fails and reschedules itself; the dial times walk the
	// doubling schedule 1s, 3s, 7s, 15s, 31s from the initial failure.
	clk.Advance(time.Hour)

	require.Len(t, calls, 5)
	offsets := make([]time.Duration, len(calls))
	for i, at := range calls {
		offsets[i] = at.Sub(start)
	}
	assert.Equal(t, []time.Duration{
		1 * time.Second,
		3 * time.Second,
		7 * time.Second,
		15 * time.Second,
		31 * time.Second,
	}, offsets)
}

func TestExhaustionEmitsTerminalEvent(t *testing.T) {
	clk := clock.NewMock()
	m := New(DefaultConfig(), clk)

	cleaned := false
	var calls []time.Time
	m.OnFailure(context.Background(), "link-1", failingDialer(&calls, clk), func() { cleaned = true })

	clk.Advance(time.Hour)

	assert.Len(t, calls, 5)
	assert.True(t, cleaned)
	assert.Zero(t, m.ActiveCount())

	select {
	case ev := <-m.Events():
		assert.Equal(t, "link-1", ev.ConnectionID)
		assert.Equal(t, 5, ev.Attempts)
	default:
		t.Fatal("expected an exhaustion event")
	}

	// No further timers: advancing more produces no extra dials.
	clk.Advance(time.Hour)
	assert.Len(t, calls, 5)
}

func TestSuccessfulRetryClearsRecord(t *testing.T) {
	clk := clock.NewMock()
	m := New(DefaultConfig(), clk)

	attempts := 0
	dial := func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return errDial
		}
		return nil
	}

	m.OnFailure(context.Background(), "link-1", dial, nil)
	clk.Advance(time.Hour)

	assert.Equal(t, 3, attempts)
	assert.Zero(t, m.ActiveCount())
	select {
	case ev := <-m.Events():
		t.Fatalf("unexpected terminal event %+v", ev)
	default:
	}
}

func TestOnFailureWithPendingTimerIsNoop(t *testing.T) {
	clk := clock.NewMock()
	m := New(DefaultConfig(), clk)

	var calls []time.Time
	dial := failingDialer(&calls, clk)
	m.OnFailure(context.Background(), "link-1", dial, nil)
	m.OnFailure(context.Background(), "link-1", dial, nil)
	m.OnFailure(context.Background(), "link-1", dial, nil)

	attempts, next, ok := m.Pending("link-1")
	require.True(t, ok)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, clk.Now().Add(time.Second), next)

	clk.Advance(time.Second)
	assert.Len(t, calls, 1, "one outstanding timer per id")
}

func TestClearCancelsPendingRetry(t *testing.T) {
	clk := clock.NewMock()
	m := New(DefaultConfig(), clk)

	var calls []time.Time
	m.OnFailure(context.Background(), "link-1", failingDialer(&calls, clk), nil)
	m.Clear("link-1")

	clk.Advance(time.Hour)
	assert.Empty(t, calls)
	assert.Zero(t, m.ActiveCount())

	_, _, ok := m.Pending("link-1")
	assert.False(t, ok)
}

func TestMaxDelayCapsBackoff(t *testing.T) {
	clk := clock.NewMock()
	cfg := Config{BaseDelay: time.Minute, MaxAttempts: 5, MaxDelay: 2 * time.Minute}
	m := New(cfg, clk)

	var calls []time.Time
	start := clk.Now()
	m.OnFailure(context.Background(), "link-1", failingDialer(&calls, clk), nil)

	clk.Advance(time.Hour)

	// 1m, then 2m, then capped at 2m for the rest.
	require.Len(t, calls, 5)
	offsets := make([]time.Duration, len(calls))
	for i, at := range calls {
		offsets[i] = at.Sub(start)
	}
	assert.Equal(t, []time.Duration{
		1 * time.Minute,
		3 * time.Minute,
		5 * time.Minute,
		7 * time.Minute,
		9 * time.Minute,
	}, offsets)
}

func TestIndependentIDsRecoverIndependently(t *testing.T) {
	clk := clock.NewMock()
	m := New(DefaultConfig(), clk)

	var aCalls, bCalls []time.Time
	m.OnFailure(context.Background(), "link-a", failingDialer(&aCalls, clk), nil)
	m.OnFailure(context.Background(), "link-b", failingDialer(&bCalls, clk), nil)
	assert.Equal(t, 2, m.ActiveCount())

	m.Clear("link-b")
	clk.Advance(time.Hour)

	assert.Len(t, aCalls, 5)
	assert.Empty(t, bCalls)
}
