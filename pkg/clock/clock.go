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

// Package clock provides the single time source shared by every periodic
// task in the broker (authentication timeouts, heartbeat probes, recovery
// retries, health checks). All components schedule through a Clock instead
// of calling the time package directly, which lets tests advance virtual
// time deterministically with the mock implementation.
package clock

import (
	"sort"
	"sync"
	"time"
)

// Timer is a handle for a scheduled one-shot callback.
type Timer interface {
	// Stop cancels the timer. It reports whether the callback was still
	// pending; a false return means the callback already fired or was
	// stopped before.
	Stop() bool
}

// Ticker delivers ticks at a fixed period on its channel.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// Clock is the scheduling interface used throughout the broker.
type Clock interface {
	// Now returns the current time.
	Now() time.Time
	// Since returns the elapsed time since t.
	Since(t time.Time) time.Duration
	// AfterFunc schedules f to run once after d has elapsed.
	AfterFunc(d time.Duration, f func()) Timer
	// NewTicker returns a ticker firing every d.
	NewTicker(d time.Duration) Ticker
}

// New returns a Clock backed by the real time package.
func New() Clock {
	return &realClock{}
}

type realClock struct{}

func (realClock) Now() time.Time                  { return time.Now() }
func (realClock) Since(t time.Time) time.Duration { return time.Since(t) }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return &realTimer{t: time.AfterFunc(d, f)}
}

func (realClock) NewTicker(d time.Duration) Ticker {
	return &realTicker{t: time.NewTicker(d)}
}

type realTimer struct {
	t *time.Timer
}

func (rt *realTimer) Stop() bool { return rt.t.Stop() }

type realTicker struct {
	t *time.Ticker
}

func (rt *realTicker) C() <-chan time.Time { return rt.t.C }
func (rt *realTicker) Stop()               { rt.t.Stop() }

// Mock is a Clock whose time only moves when Advance is called. Scheduled
// callbacks run synchronously on the goroutine calling Advance, in deadline
// order, so tests observe a fully settled state when Advance returns.
type Mock struct {
	mu      sync.Mutex
	now     time.Time
	timers  []*mockTimer
	tickers []*mockTicker
}

// NewMock creates a mock clock starting at an arbitrary fixed point.
func NewMock() *Mock {
	return &Mock{now: time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)}
}

// Now returns the mock's current time.
func (m *Mock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Since returns the virtual time elapsed since t.
func (m *Mock) Since(t time.Time) time.Duration {
	return m.Now().Sub(t)
}

// AfterFunc schedules f at now+d on the virtual timeline.
func (m *Mock) AfterFunc(d time.Duration, f func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	mt := &mockTimer{clock: m, deadline: m.now.Add(d), fn: f}
	m.timers = append(m.timers, mt)
	return mt
}

// NewTicker returns a ticker firing on the virtual timeline. Ticks are
// delivered on a buffered channel; a tick that finds the buffer full is
// dropped, matching time.Ticker semantics.
func (m *Mock) NewTicker(d time.Duration) Ticker {
	m.mu.Lock()
	defer m.mu.Unlock()
	mt := &mockTicker{clock: m, period: d, next: m.now.Add(d), ch: make(chan time.Time, 1)}
	m.tickers = append(m.tickers, mt)
	return mt
}

// Advance moves virtual time forward by d, firing timers and tickers whose
// deadlines fall within the window, in chronological order.
func (m *Mock) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()

	for {
		fn := m.nextDue(target)
		if fn == nil {
			break
		}
		fn()
	}

	m.mu.Lock()
	m.now = target
	m.mu.Unlock()
}

// nextDue pops the earliest pending event at or before target, sets the
// virtual time to its deadline, and returns its callback. It returns nil
// when nothing is due. Fired timers are marked stopped before the lock is
// released so a callback rescheduling itself cannot re-fire the same entry.
func (m *Mock) nextDue(target time.Time) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	sort.SliceStable(m.timers, func(i, j int) bool {
		return m.timers[i].deadline.Before(m.timers[j].deadline)
	})

	var dueTimer *mockTimer
	for _, t := range m.timers {
		if !t.stopped && !t.deadline.After(target) {
			dueTimer = t
			break
		}
	}

	var dueTicker *mockTicker
	for _, tk := range m.tickers {
		if tk.stopped || tk.next.After(target) {
			continue
		}
		if dueTicker == nil || tk.next.Before(dueTicker.next) {
			dueTicker = tk
		}
	}

	switch {
	case dueTimer == nil && dueTicker == nil:
		return nil
	case dueTicker == nil || (dueTimer != nil && !dueTimer.deadline.After(dueTicker.next)):
		m.now = dueTimer.deadline
		dueTimer.stopped = true
		return dueTimer.fn
	default:
		m.now = dueTicker.next
		tick := dueTicker.next
		dueTicker.next = dueTicker.next.Add(dueTicker.period)
		ch := dueTicker.ch
		return func() {
			select {
			case ch <- tick:
			default:
			}
		}
	}
}

type mockTimer struct {
	clock    *Mock
	deadline time.Time
	fn       func()
	stopped  bool
}

func (mt *mockTimer) Stop() bool {
	mt.clock.mu.Lock()
	defer mt.clock.mu.Unlock()
	if mt.stopped {
		return false
	}
	mt.stopped = true
	return true
}

type mockTicker struct {
	clock   *Mock
	period  time.Duration
	next    time.Time
	ch      chan time.Time
	stopped bool
}

func (mt *mockTicker) C() <-chan time.Time { return mt.ch }

func (mt *mockTicker) Stop() {
	mt.clock.mu.Lock()
	defer mt.clock.mu.Unlock()
	mt.stopped = true
}
