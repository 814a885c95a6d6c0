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

package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/seathub-go/pkg/clock"
	"github.com/turtacn/seathub-go/pkg/identity"
	"github.com/turtacn/seathub-go/pkg/protocol"
	"github.com/turtacn/seathub-go/pkg/storage"
)

var errProbe = errors.New("connection refused")

// recordingAlerter captures alert broadcasts.
type recordingAlerter struct {
	alerts []protocol.Alert
}

func (r *recordingAlerter) Broadcast(name string, payload []byte) int {
	var alert protocol.Alert
	if err := json.Unmarshal(payload, &alert); err == nil {
		r.alerts = append(r.alerts, alert)
	}
	return 1
}

type fixture struct {
	monitor *Monitor
	clock   *clock.Mock
	gateway *identity.MemoryGateway
	alerts  *recordingAlerter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := clock.NewMock()
	gw := identity.NewMemoryGateway(storage.NewMemStore(), time.Hour)
	alerts := &recordingAlerter{}
	return &fixture{
		monitor: New(DefaultConfig(), clk, gw, alerts),
		clock:   clk,
		gateway: gw,
		alerts:  alerts,
	}
}

func TestStartsHealthy(t *testing.T) {
	f := newFixture(t)
	assert.True(t, f.monitor.Healthy())
}

func TestTransientFailuresBelowThresholdStayHealthy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.gateway.SetPingError(errProbe)
	f.monitor.Check(ctx)
	f.monitor.Check(ctx)

	assert.True(t, f.monitor.Healthy(), "two failures stay under the threshold")
	assert.Equal(t, 2, f.monitor.Snapshot().ConsecutiveFailures)
	assert.Empty(t, f.alerts.alerts)
	assert.True(t, f.gateway.IsOpen())
}

func TestSuccessResetsFailureCounter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.gateway.SetPingError(errProbe)
	f.monitor.Check(ctx)
	f.monitor.Check(ctx)

	f.gateway.SetPingError(nil)
	f.monitor.Check(ctx)
	assert.Zero(t, f.monitor.Snapshot().ConsecutiveFailures)

	// The counter starts over; two more failures still do not flip.
	f.gateway.SetPingError(errProbe)
	f.monitor.Check(ctx)
	f.monitor.Check(ctx)
	assert.True(t, f.monitor.Healthy())
}

func TestThirdConsecutiveFailureDegrades(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.gateway.SetPingError(errProbe)
	f.monitor.Check(ctx)
	f.monitor.Check(ctx)
	f.monitor.Check(ctx)

	assert.False(t, f.monitor.Healthy())
	assert.True(t, f.monitor.Snapshot().Recovering)
	assert.False(t, f.gateway.IsOpen(), "pool is shut down on degradation")

	require.Len(t, f.alerts.alerts, 1)
	assert.Equal(t, "error", f.alerts.alerts[0].Level)
}

func TestRecoverySequence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.gateway.SetPingError(errProbe)
	f.monitor.Check(ctx)
	f.monitor.Check(ctx)
	f.monitor.Check(ctx)
	require.False(t, f.monitor.Healthy())

	// The outage ends before the reconnect cooldown elapses.
	f.gateway.SetPingError(nil)
	f.clock.Advance(5 * time.Second)

	assert.True(t, f.monitor.Healthy())
	assert.False(t, f.monitor.Snapshot().Recovering)
	assert.True(t, f.gateway.IsOpen())
	assert.Zero(t, f.monitor.Snapshot().ConsecutiveFailures)

	// Degradation alert plus recovery alert.
	require.Len(t, f.alerts.alerts, 2)
	assert.Equal(t, "info", f.alerts.alerts[1].Level)
}

func TestFailedReconnectReschedules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.gateway.SetPingError(errProbe)
	f.monitor.Check(ctx)
	f.monitor.Check(ctx)
	f.monitor.Check(ctx)

	// The outage persists through the first reconnect attempt.
	f.clock.Advance(5 * time.Second)
	assert.False(t, f.monitor.Healthy())
	assert.False(t, f.gateway.IsOpen())

	// Still down at the next fixed-cooldown attempt.
	f.clock.Advance(60 * time.Second)
	assert.False(t, f.monitor.Healthy())

	// The store comes back; the following attempt succeeds.
	f.gateway.SetPingError(nil)
	f.clock.Advance(60 * time.Second)
	assert.True(t, f.monitor.Healthy())
	assert.True(t, f.gateway.IsOpen())
}

func TestProbesSkippedWhileRecovering(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.gateway.SetPingError(errProbe)
	f.monitor.Check(ctx)
	f.monitor.Check(ctx)
	f.monitor.Check(ctx)

	before := f.monitor.Snapshot().ConsecutiveFailures
	f.monitor.Check(ctx)
	assert.Equal(t, before, f.monitor.Snapshot().ConsecutiveFailures,
		"probes against a deliberately closed pool are not counted")
}

func TestSnapshotTimestamps(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	start := f.clock.Now()

	f.monitor.Check(ctx)
	assert.Equal(t, start, f.monitor.Snapshot().LastCheck)
	assert.True(t, f.monitor.Snapshot().LastFailure.IsZero())

	f.gateway.SetPingError(errProbe)
	f.monitor.Check(ctx)
	f.monitor.Check(ctx)
	f.monitor.Check(ctx)
	assert.Equal(t, start, f.monitor.Snapshot().LastFailure)
}
