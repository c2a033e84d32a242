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
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/firequery/fanout/pkg/fanout/types"
)

func TestMaxMinFairness_Select(t *testing.T) {
	t.Parallel()

	base := time.Now()
	head := func(offset time.Duration) *types.Chunk {
		return &types.Chunk{ArrivalTime: base.Add(offset)}
	}

	testCases := []struct {
		name     string
		views    []TeamView
		run      RunState
		expected Decision
	}{
		{
			name: "NothingReady",
			views: []TeamView{
				{Team: types.TeamGreen, Open: true},
				{Team: types.TeamPink, Open: true},
			},
			run:      RunState{CoActive: true, MaxConsecutive: 3},
			expected: Decision{},
		},
		{
			name: "BeforeCoActive_OldestHeadWins",
			views: []TeamView{
				{Team: types.TeamGreen, Head: head(2 * time.Millisecond), Open: true},
				{Team: types.TeamPink, Head: head(time.Millisecond), Open: true, Rate: 1e9},
			},
			run:      RunState{MaxConsecutive: 3},
			expected: Decision{Team: types.TeamPink},
		},
		{
			name: "BeforeCoActive_NeverWaits",
			views: []TeamView{
				{Team: types.TeamGreen, Head: head(0), Open: true, HasDelivered: true},
				{Team: types.TeamPink, Open: true},
			},
			run:      RunState{LastTeam: types.TeamGreen, Run: 10, MaxConsecutive: 3},
			expected: Decision{Team: types.TeamGreen},
		},
		{
			name: "CoActive_LowestRateWins",
			views: []TeamView{
				{Team: types.TeamGreen, Head: head(0), Open: true, Rate: 200},
				{Team: types.TeamPink, Head: head(time.Millisecond), Open: true, Rate: 100},
			},
			run:      RunState{CoActive: true, LastTeam: types.TeamGreen, Run: 1, MaxConsecutive: 3},
			expected: Decision{Team: types.TeamPink},
		},
		{
			name: "CoActive_TieGoesToOlderHead",
			views: []TeamView{
				{Team: types.TeamGreen, Head: head(time.Millisecond), Open: true, Rate: 100},
				{Team: types.TeamPink, Head: head(0), Open: true, Rate: 100},
			},
			run:      RunState{CoActive: true, MaxConsecutive: 3},
			expected: Decision{Team: types.TeamPink},
		},
		{
			name: "CoActive_RunBoundForcesOtherTeam",
			views: []TeamView{
				{Team: types.TeamGreen, Head: head(0), Open: true, Rate: 10},
				{Team: types.TeamPink, Head: head(time.Millisecond), Open: true, Rate: 500},
			},
			run:      RunState{CoActive: true, LastTeam: types.TeamGreen, Run: 3, MaxConsecutive: 3},
			expected: Decision{Team: types.TeamPink},
		},
		{
			name: "CoActive_RunBoundWaitsForEmptyOpenTeam",
			views: []TeamView{
				{Team: types.TeamGreen, Head: head(0), Open: true, Rate: 10},
				{Team: types.TeamPink, Open: true, Rate: 500},
			},
			run:      RunState{CoActive: true, LastTeam: types.TeamGreen, Run: 3, MaxConsecutive: 3},
			expected: Decision{Team: types.TeamGreen, WaitFor: []types.TeamID{types.TeamPink}},
		},
		{
			name: "CoActive_OwedEmptyTeamIsWaitedFor",
			views: []TeamView{
				{Team: types.TeamGreen, Head: head(0), Open: true, Rate: 300},
				{Team: types.TeamPink, Open: true, Rate: 100},
			},
			run:      RunState{CoActive: true, LastTeam: types.TeamGreen, Run: 1, MaxConsecutive: 3},
			expected: Decision{Team: types.TeamGreen, WaitFor: []types.TeamID{types.TeamPink}},
		},
		{
			name: "CoActive_AheadEmptyTeamIsNotWaitedFor",
			views: []TeamView{
				{Team: types.TeamGreen, Head: head(0), Open: true, Rate: 100},
				{Team: types.TeamPink, Open: true, Rate: 300},
			},
			run:      RunState{CoActive: true, LastTeam: types.TeamGreen, Run: 1, MaxConsecutive: 3},
			expected: Decision{Team: types.TeamGreen},
		},
		{
			name: "CoActive_StalledOrFinalTeamIsNotWaitedFor",
			views: []TeamView{
				{Team: types.TeamGreen, Head: head(0), Open: true, Rate: 300},
				{Team: types.TeamPink, Open: true, Stalled: true, Rate: 100},
				{Team: "blue", Open: false, Rate: 100},
			},
			run:      RunState{CoActive: true, LastTeam: types.TeamGreen, Run: 5, MaxConsecutive: 3},
			expected: Decision{Team: types.TeamGreen},
		},
	}

	policy, err := NewPolicyFromName(MaxMinFairnessPolicyName)
	require.NoError(t, err)
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := policy.Select(tc.views, tc.run)
			if diff := cmp.Diff(tc.expected, got, cmpopts.EquateEmpty()); diff != "" {
				t.Errorf("Select() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestPolicyRegistry(t *testing.T) {
	t.Parallel()

	for _, name := range []RegisteredPolicyName{MaxMinFairnessPolicyName, ArrivalOrderPolicyName} {
		p, err := NewPolicyFromName(name)
		require.NoError(t, err, "built-in policy %q should be registered", name)
		assert.Equal(t, string(name), p.Name())
	}

	_, err := NewPolicyFromName("DoesNotExist")
	assert.Error(t, err)

	assert.Panics(t, func() {
		MustRegisterPolicy(MaxMinFairnessPolicyName, func() (Policy, error) { return newMaxMinFairness(), nil })
	}, "registering a name twice should panic")
}

func TestJainIndex(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name     string
		volumes  []float64
		expected float64
	}{
		{name: "Empty", expected: 1},
		{name: "AllZero", volumes: []float64{0, 0}, expected: 1},
		{name: "Equal", volumes: []float64{500, 500}, expected: 1},
		{name: "OneTeamOnly", volumes: []float64{500, 0}, expected: 0.5},
		{name: "FourToOne", volumes: []float64{400, 100}, expected: 250000.0 / 340000.0},
		{name: "ThreeTeams", volumes: []float64{1, 1, 1}, expected: 1},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.InDelta(t, tc.expected, JainIndex(tc.volumes...), 1e-9)
		})
	}
}
