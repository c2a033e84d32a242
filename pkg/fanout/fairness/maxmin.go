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
	"github.com/firequery/fanout/pkg/fanout/types"
)

// MaxMinFairnessPolicyName is the name of the max-min fairness policy, the default.
const MaxMinFairnessPolicyName RegisteredPolicyName = "MaxMinFairness"

func init() {
	MustRegisterPolicy(MaxMinFairnessPolicyName,
		func() (Policy, error) {
			return newMaxMinFairness(), nil
		})
}

// maxMinFairness equalizes the delivery rate of co-active teams.
//
// Before the request is co-active it behaves like arrival order: a lone team is never held back. Once co-active it
// drains the ready team with the lowest rate (ties go to the older head), forces a different ready team after K
// consecutive relays from the same team, and asks the scheduler to wait briefly for an empty team that is owed
// volume.
type maxMinFairness struct{}

func newMaxMinFairness() *maxMinFairness {
	return &maxMinFairness{}
}

// Name returns the name of the policy.
func (p *maxMinFairness) Name() string {
	return string(MaxMinFairnessPolicyName)
}

// Select implements `Policy`.
func (p *maxMinFairness) Select(views []TeamView, run RunState) Decision {
	if !run.CoActive {
		if v, ok := oldestReady(views, types.TeamUnattributed); ok {
			return Decision{Team: v.Team}
		}
		return Decision{}
	}

	best, ok := lowestRate(views, types.TeamUnattributed)
	if !ok {
		return Decision{}
	}

	atBound := run.MaxConsecutive > 0 && run.Run >= run.MaxConsecutive && best.Team == run.LastTeam
	if atBound {
		if other, ok := lowestRate(views, run.LastTeam); ok {
			return Decision{Team: other.Team}
		}
	}

	var waitFor []types.TeamID
	for _, v := range views {
		if !v.Waitable() {
			continue
		}
		// An empty team is waited for when it is owed volume, or when draining the ready team would extend a run
		// that is already at the bound.
		if atBound || v.Rate < best.Rate {
			waitFor = append(waitFor, v.Team)
		}
	}
	return Decision{Team: best.Team, WaitFor: waitFor}
}

// lowestRate returns the ready view with the lowest rate, skipping the excluded team. Ties go to the older head.
func lowestRate(views []TeamView, exclude types.TeamID) (TeamView, bool) {
	var best TeamView
	found := false
	for _, v := range views {
		if !v.Ready() || (exclude != types.TeamUnattributed && v.Team == exclude) {
			continue
		}
		if !found || v.Rate < best.Rate || (v.Rate == best.Rate && olderHead(v, best)) {
			best, found = v, true
		}
	}
	return best, found
}
