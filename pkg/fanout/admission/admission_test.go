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

package admission

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testclock "k8s.io/utils/clock/testing"

	"github.com/firequery/fanout/pkg/common/observability/logging"
	"github.com/firequery/fanout/pkg/fanout/types"
)

func newTestController(t *testing.T, cfg Config) (*Controller, *testclock.FakeClock) {
	t.Helper()
	cfg, err := cfg.ValidateAndApplyDefaults()
	require.NoError(t, err)
	clk := testclock.NewFakeClock(time.Now())
	return NewController(cfg, clk, logging.NewTestLogger()), clk
}

func TestConfig_ValidateAndApplyDefaults(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name        string
		input       Config
		expectErr   bool
		expectedCfg Config
	}{
		{
			name:        "Empty_ShouldApplyDefaults",
			input:       Config{},
			expectedCfg: Config{MaxActive: DefaultMaxActive, MaxOutstandingChunks: DefaultMaxOutstandingChunks},
		},
		{
			name:        "Valid_NoChanges",
			input:       Config{MaxActive: 2, MaxQueueWait: time.Second, MaxOutstandingChunks: 10},
			expectedCfg: Config{MaxActive: 2, MaxQueueWait: time.Second, MaxOutstandingChunks: 10},
		},
		{name: "NegativeMaxActive_Invalid", input: Config{MaxActive: -1}, expectErr: true},
		{name: "NegativeMaxQueueWait_Invalid", input: Config{MaxQueueWait: -1}, expectErr: true},
		{name: "NegativeMaxOutstandingChunks_Invalid", input: Config{MaxOutstandingChunks: -1}, expectErr: true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := tc.input.ValidateAndApplyDefaults()
			if tc.expectErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.expectedCfg, got)
		})
	}
}

func TestController_RejectsOverLimit(t *testing.T) {
	t.Parallel()
	c, _ := newTestController(t, Config{MaxActive: 2})
	ctx := context.Background()

	t1, err := c.TryAdmit(ctx, Request{RequestID: "a", Sources: 2})
	require.NoError(t, err)
	assert.Equal(t, 1, t1.Active)
	assert.Equal(t, 1, t1.QueueDepth)

	t2, err := c.TryAdmit(ctx, Request{RequestID: "b", Sources: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, t2.Active)

	_, err = c.TryAdmit(ctx, Request{RequestID: "c", Sources: 2})
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrOverload)
	assert.ErrorIs(t, err, types.ErrRejected)

	assert.Equal(t, Snapshot{QueueDepth: 2, Active: 2, ActiveSources: 4}, c.Snapshot())

	t1.Release()
	t1.Release()
	assert.Equal(t, Snapshot{QueueDepth: 1, Active: 1, ActiveSources: 2}, c.Snapshot(),
		"a second Release must not decrement again")

	_, err = c.TryAdmit(ctx, Request{RequestID: "c", Sources: 2})
	assert.NoError(t, err, "a released slot should be reusable")
}

func TestController_QueuedAdmission(t *testing.T) {
	t.Parallel()

	t.Run("AdmittedWhenSlotFrees", func(t *testing.T) {
		t.Parallel()
		c, _ := newTestController(t, Config{MaxActive: 1, MaxQueueWait: time.Minute})
		holder, err := c.TryAdmit(context.Background(), Request{RequestID: "a", Sources: 1})
		require.NoError(t, err)

		result := make(chan error, 1)
		go func() {
			_, err := c.TryAdmit(context.Background(), Request{RequestID: "b", Sources: 1})
			result <- err
		}()
		require.Eventually(t, func() bool { return c.Snapshot().Waiting == 1 }, time.Second, time.Millisecond)
		assert.Equal(t, 2, c.Snapshot().QueueDepth, "a waiting request counts toward queue depth")

		holder.Release()
		select {
		case err := <-result:
			assert.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("waiting request was not admitted after a release")
		}
		assert.Equal(t, Snapshot{QueueDepth: 1, Active: 1, ActiveSources: 1}, c.Snapshot())
	})

	t.Run("RejectedAfterWait", func(t *testing.T) {
		t.Parallel()
		c, clk := newTestController(t, Config{MaxActive: 1, MaxQueueWait: time.Second})
		_, err := c.TryAdmit(context.Background(), Request{RequestID: "a"})
		require.NoError(t, err)

		result := make(chan error, 1)
		go func() {
			_, err := c.TryAdmit(context.Background(), Request{RequestID: "b"})
			result <- err
		}()
		require.Eventually(t, clk.HasWaiters, time.Second, time.Millisecond)
		clk.Step(time.Second)
		select {
		case err := <-result:
			assert.ErrorIs(t, err, types.ErrOverload)
		case <-time.After(time.Second):
			t.Fatal("waiting request was not rejected after the wait expired")
		}
		assert.Equal(t, 0, c.Snapshot().Waiting)
	})

	t.Run("ContextCancelled", func(t *testing.T) {
		t.Parallel()
		c, _ := newTestController(t, Config{MaxActive: 1, MaxQueueWait: time.Minute})
		_, err := c.TryAdmit(context.Background(), Request{RequestID: "a"})
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err = c.TryAdmit(ctx, Request{RequestID: "b"})
		assert.ErrorIs(t, err, types.ErrRejected)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestController_ConcurrentAdmitRelease(t *testing.T) {
	t.Parallel()
	const limit = 8
	c, _ := newTestController(t, Config{MaxActive: limit})

	var wg sync.WaitGroup
	var mu sync.Mutex
	maxSeen := 0
	for i := range 200 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticket, err := c.TryAdmit(context.Background(), Request{RequestID: fmt.Sprintf("r%d", i), Sources: 2})
			if err != nil {
				return
			}
			mu.Lock()
			if ticket.Active > maxSeen {
				maxSeen = ticket.Active
			}
			mu.Unlock()
			ticket.Release()
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, maxSeen, limit, "the concurrency limit must never be exceeded")
	assert.Equal(t, Snapshot{}, c.Snapshot(), "counters must return to zero once every ticket is released")
}
