/*
Copyright 2025 The Kubernetes Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package fairness

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testclock "k8s.io/utils/clock/testing"

	"github.com/firequery/fanout/pkg/common/observability/logging"
	"github.com/firequery/fanout/pkg/fanout/queue"
	"github.com/firequery/fanout/pkg/fanout/types"
)

const (
	testWait = 25 * time.Millisecond
	testK    = 3
)

type harness struct {
	t      *testing.T
	clk    *testclock.FakeClock
	green  *queue.FeederQueue
	pink   *queue.FeederQueue
	bypass *queue.FeederQueue
	sched  *Scheduler
	seq    map[string]int64
}

func newHarness(t *testing.T, policyName RegisteredPolicyName) *harness {
	t.Helper()
	clk := testclock.NewFakeClock(time.Now())
	wake := make(chan struct{}, 1)
	logger := logging.NewTestLogger()
	h := &harness{
		t:      t,
		clk:    clk,
		green:  queue.New("req", types.TeamGreen, 100, types.VolumeUnitChunks, clk, wake, logger),
		pink:   queue.New("req", types.TeamPink, 100, types.VolumeUnitChunks, clk, wake, logger),
		bypass: queue.New("req", types.TeamUnattributed, 100, types.VolumeUnitChunks, clk, wake, logger),
		seq:    make(map[string]int64),
	}
	policy, err := NewPolicyFromName(policyName)
	require.NoError(t, err)
	cfg := Config{MaxConsecutive: testK, CoActiveWait: testWait, Unit: types.VolumeUnitRecords}
	h.sched = NewScheduler(policy, cfg, clk, wake, []*queue.FeederQueue{h.green, h.pink}, h.bypass, logger)
	return h
}

// push appends a chunk from source to q, one millisecond after the previous arrival.
func (h *harness) push(q *queue.FeederQueue, source string, records int, final bool) {
	h.t.Helper()
	h.clk.Step(time.Millisecond)
	c := &types.Chunk{
		RequestID:     "req",
		SourceProcess: source,
		Sequence:      h.seq[source],
		Records:       make([]types.Record, records),
		Final:         final,
	}
	h.seq[source]++
	outcome, err := q.Push(c)
	require.NoError(h.t, err)
	require.Equal(h.t, types.PushAccepted, outcome)
}

// next calls Next and fails the test if it does not return promptly. The fake clock is never stepped here, so any
// fairness wait would block until the guard expires.
func (h *harness) next() (*types.Chunk, types.TeamID, error) {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return h.sched.Next(ctx)
}

type relayed struct {
	team   types.TeamID
	source string
	seq    int64
}

func (h *harness) drainAll() []relayed {
	h.t.Helper()
	var out []relayed
	for {
		c, team, err := h.next()
		if err == ErrExhausted {
			return out
		}
		require.NoError(h.t, err)
		out = append(out, relayed{team: team, source: c.SourceProcess, seq: c.Sequence})
	}
}

func TestScheduler_SingleTeamArrivalOrder(t *testing.T) {
	t.Parallel()
	h := newHarness(t, MaxMinFairnessPolicyName)

	h.pink.RegisterSource("D")
	h.pink.MarkSourceFinal("D")
	for i := range 5 {
		source := "B"
		if i%2 == 1 {
			source = "C"
		}
		h.push(h.green, source, 10*(i+1), i >= 3)
	}
	h.green.MarkSourceFinal("B")

	got := h.drainAll()
	want := []relayed{
		{types.TeamGreen, "B", 0}, {types.TeamGreen, "C", 0}, {types.TeamGreen, "B", 1},
		{types.TeamGreen, "C", 1}, {types.TeamGreen, "B", 2},
	}
	assert.Equal(t, want, got, "a lone team must be relayed strictly in arrival order")
	assert.False(t, h.clk.HasWaiters(), "a lone team must never be held back")
	assert.False(t, h.sched.CoActive())
	assert.Equal(t, 1.0, h.sched.FairnessIndex())
}

func TestScheduler_UnevenChunkSizesBalanceVolume(t *testing.T) {
	t.Parallel()
	h := newHarness(t, MaxMinFairnessPolicyName)

	h.push(h.pink, "D", 100, false)
	h.push(h.green, "B", 500, true)
	h.push(h.pink, "D", 100, false)
	h.push(h.pink, "E", 100, false)
	h.push(h.pink, "D", 100, true)
	h.push(h.pink, "E", 100, true)

	got := h.drainAll()
	require.Len(t, got, 6)
	assert.True(t, h.sched.CoActive())
	assert.GreaterOrEqual(t, h.sched.FairnessIndex(), 0.85, "500 records per team should be nearly perfectly fair")
	assert.Equal(t, uint64(500), h.green.Delivered().Records)
	assert.Equal(t, uint64(500), h.pink.Delivered().Records)
}

func TestScheduler_BoundedRunLength(t *testing.T) {
	t.Parallel()
	h := newHarness(t, MaxMinFairnessPolicyName)

	const perTeam = 9
	for i := range perTeam {
		// Green chunks are tiny, so its rate stays lowest and only the run bound lets Pink through.
		h.push(h.green, "B", 1, i == perTeam-1)
		h.push(h.pink, "D", 100, i == perTeam-1)
	}

	got := h.drainAll()
	require.Len(t, got, 2*perTeam)

	remaining := map[types.TeamID]int{types.TeamGreen: perTeam, types.TeamPink: perTeam}
	seen := map[types.TeamID]bool{}
	var last types.TeamID
	run := 0
	for i, r := range got {
		remaining[r.team]--
		seen[r.team] = true
		if r.team == last {
			run++
		} else {
			last, run = r.team, 1
		}
		other := types.TeamPink
		if r.team == types.TeamPink {
			other = types.TeamGreen
		}
		if seen[types.TeamGreen] && seen[types.TeamPink] && remaining[other] > 0 {
			assert.LessOrEqual(t, run, testK, "relay %d extends a %s run while %s still had chunks", i, r.team, other)
		}
	}
	assert.Equal(t, testK, h.sched.MaxRun(), "the run bound should be reached but not exceeded")
}

func TestScheduler_WaitsForOwedPartner(t *testing.T) {
	t.Parallel()

	setup := func(t *testing.T) *harness {
		h := newHarness(t, MaxMinFairnessPolicyName)
		h.push(h.green, "B", 10, false)
		h.push(h.pink, "D", 5, false)
		_, team, err := h.next()
		require.NoError(t, err)
		require.Equal(t, types.TeamGreen, team)
		_, team, err = h.next()
		require.NoError(t, err)
		require.Equal(t, types.TeamPink, team)
		require.True(t, h.sched.CoActive())
		h.push(h.green, "B", 10, false)
		return h
	}

	type result struct {
		chunk *types.Chunk
		team  types.TeamID
		err   error
	}
	nextAsync := func(h *harness) <-chan result {
		ch := make(chan result, 1)
		go func() {
			c, team, err := h.sched.Next(context.Background())
			ch <- result{c, team, err}
		}()
		return ch
	}

	t.Run("TimeoutPreservesLiveness", func(t *testing.T) {
		t.Parallel()
		h := setup(t)
		ch := nextAsync(h)
		require.Eventually(t, h.clk.HasWaiters, time.Second, time.Millisecond, "scheduler should wait for Pink")
		select {
		case <-ch:
			t.Fatal("scheduler relayed Green without waiting for the owed team")
		default:
		}

		h.clk.Step(testWait)
		select {
		case r := <-ch:
			require.NoError(t, r.err)
			assert.Equal(t, types.TeamGreen, r.team, "after the wait the ready team must be drained")
		case <-time.After(time.Second):
			t.Fatal("scheduler did not honor the co-active wait bound")
		}

		h.push(h.green, "B", 10, false)
		_, team, err := h.next()
		require.NoError(t, err, "a stalled team must not be waited for again")
		assert.Equal(t, types.TeamGreen, team)
	})

	t.Run("PartnerArrivesDuringWait", func(t *testing.T) {
		t.Parallel()
		h := setup(t)
		ch := nextAsync(h)
		require.Eventually(t, h.clk.HasWaiters, time.Second, time.Millisecond)

		h.push(h.pink, "D", 5, false)
		select {
		case r := <-ch:
			require.NoError(t, r.err)
			assert.Equal(t, types.TeamPink, r.team, "the owed team should be drained once it has a chunk")
		case <-time.After(time.Second):
			t.Fatal("scheduler did not wake when the partner's chunk arrived")
		}
	})

	t.Run("ContextCancelled", func(t *testing.T) {
		t.Parallel()
		h := setup(t)
		ctx, cancel := context.WithCancel(context.Background())
		errCh := make(chan error, 1)
		go func() {
			_, _, err := h.sched.Next(ctx)
			errCh <- err
		}()
		require.Eventually(t, h.clk.HasWaiters, time.Second, time.Millisecond)
		cancel()
		select {
		case err := <-errCh:
			assert.ErrorIs(t, err, context.Canceled)
		case <-time.After(time.Second):
			t.Fatal("Next did not return after cancellation")
		}
	})
}

func TestScheduler_BypassDrainedFirst(t *testing.T) {
	t.Parallel()
	h := newHarness(t, MaxMinFairnessPolicyName)

	h.push(h.green, "B", 10, true)
	h.push(h.bypass, "Z", 10, true)
	h.pink.RegisterSource("D")
	h.pink.MarkSourceFinal("D")

	got := h.drainAll()
	assert.Equal(t, []relayed{{types.TeamUnattributed, "Z", 0}, {types.TeamGreen, "B", 0}}, got)
	assert.Equal(t, 0, h.sched.MaxRun(), "unattributed chunks are excluded from run accounting")
}

func TestScheduler_IdleUntilChunkArrives(t *testing.T) {
	t.Parallel()
	h := newHarness(t, MaxMinFairnessPolicyName)
	h.green.RegisterSource("B")
	h.pink.RegisterSource("D")

	done := make(chan types.TeamID, 1)
	go func() {
		_, team, _ := h.sched.Next(context.Background())
		done <- team
	}()
	select {
	case <-done:
		t.Fatal("Next returned with every queue empty")
	case <-time.After(20 * time.Millisecond):
	}
	h.push(h.pink, "D", 1, false)
	select {
	case team := <-done:
		assert.Equal(t, types.TeamPink, team)
	case <-time.After(time.Second):
		t.Fatal("Next did not wake on push")
	}
}

func TestScheduler_ArrivalOrderPolicy(t *testing.T) {
	t.Parallel()
	h := newHarness(t, ArrivalOrderPolicyName)

	h.push(h.green, "B", 1, false)
	h.push(h.pink, "D", 100, false)
	h.push(h.green, "B", 1, false)
	h.push(h.green, "B", 1, false)
	h.push(h.green, "B", 1, false)
	h.push(h.green, "B", 1, true)
	h.push(h.pink, "D", 100, true)

	got := h.drainAll()
	var teams []types.TeamID
	for _, r := range got {
		teams = append(teams, r.team)
	}
	assert.Equal(t, []types.TeamID{
		types.TeamGreen, types.TeamPink, types.TeamGreen, types.TeamGreen, types.TeamGreen, types.TeamGreen, types.TeamPink,
	}, teams, "arrival order ignores the run bound")
	assert.Equal(t, 4, h.sched.MaxRun())
}
