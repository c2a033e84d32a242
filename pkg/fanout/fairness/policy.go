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
	"fmt"
	"sync"
	"time"

	"github.com/firequery/fanout/pkg/fanout/types"
)

// TeamView is a point-in-time snapshot of one team's lane, handed to a `Policy` for a single decision.
type TeamView struct {
	Team types.TeamID
	// Head is the oldest buffered chunk, or nil if the team's queue is empty.
	Head *types.Chunk
	// Open is true while at least one of the team's sources may still produce chunks.
	Open bool
	// Stalled is true when a previous wait for this team timed out and it has not delivered since.
	Stalled bool
	// HasDelivered is true once at least one of the team's chunks was relayed.
	HasDelivered bool
	// Rate is the team's cumulative relayed volume divided by the seconds elapsed since its accounting start, which is
	// the moment the request became co-active or, for a team joining later, its first delivery.
	// It is only meaningful once the request is co-active.
	Rate float64
}

// Ready reports whether the team has a buffered chunk.
func (v TeamView) Ready() bool {
	return v.Head != nil
}

// Waitable reports whether the scheduler may briefly hold back another team for this one.
func (v TeamView) Waitable() bool {
	return v.Head == nil && v.Open && !v.Stalled
}

// RunState describes the recent relay history of the request.
type RunState struct {
	// CoActive is true once at least two teams have delivered a chunk.
	CoActive bool
	// LastTeam is the team of the most recently relayed attributed chunk.
	LastTeam types.TeamID
	// Run is the number of consecutive chunks relayed from LastTeam.
	Run int
	// MaxConsecutive is the bound K on a same-team run while another team is ready.
	MaxConsecutive int
}

// Decision is a policy's answer for one scheduling step.
type Decision struct {
	// Team is the team to drain now, or after the wait below expires. Empty means no team is ready.
	Team types.TeamID
	// WaitFor lists empty, still-open teams the scheduler should wait for, bounded by the co-active wait, before
	// draining Team.
	WaitFor []types.TeamID
}

// Policy selects the next team to drain.
//
// Implementations must be stateless: all state the decision depends on is passed in. Conformance to the run bound is
// the policy's responsibility; the scheduler only enforces the wait bound.
type Policy interface {
	// Name returns the registered name of the policy.
	Name() string
	// Select picks among the views. Views with a nil Head are included so a policy can decide to wait for them.
	Select(views []TeamView, run RunState) Decision
}

// RegisteredPolicyName is the unique name under which a policy is registered.
type RegisteredPolicyName string

// PolicyConstructor defines the function signature for creating a `Policy`.
type PolicyConstructor func() (Policy, error)

var (
	// mu guards the registration map.
	mu sync.RWMutex
	// RegisteredPolicies stores the constructors for all registered policies.
	RegisteredPolicies = make(map[RegisteredPolicyName]PolicyConstructor)
)

// MustRegisterPolicy registers a policy constructor, and panics if the name is already registered.
// This is intended to be called from the `init()` function of a policy implementation.
func MustRegisterPolicy(name RegisteredPolicyName, constructor PolicyConstructor) {
	mu.Lock()
	defer mu.Unlock()
	if _, ok := RegisteredPolicies[name]; ok {
		panic(fmt.Sprintf("fairness Policy already registered with name %q", name))
	}
	RegisteredPolicies[name] = constructor
}

// NewPolicyFromName creates a new `Policy` given its registered name.
func NewPolicyFromName(name RegisteredPolicyName) (Policy, error) {
	mu.RLock()
	defer mu.RUnlock()
	constructor, ok := RegisteredPolicies[name]
	if !ok {
		return nil, fmt.Errorf("no fairness Policy registered with name %q", name)
	}
	return constructor()
}

// olderHead reports whether a's head arrived strictly before b's.
func olderHead(a, b TeamView) bool {
	return a.Head.ArrivalTime.Before(b.Head.ArrivalTime)
}

// oldestReady returns the ready view with the oldest head, skipping the excluded team.
func oldestReady(views []TeamView, exclude types.TeamID) (TeamView, bool) {
	var best TeamView
	found := false
	for _, v := range views {
		if !v.Ready() || (exclude != types.TeamUnattributed && v.Team == exclude) {
			continue
		}
		if !found || olderHead(v, best) {
			best, found = v, true
		}
	}
	return best, found
}

// rate converts a volume over an interval into volume per second. Intervals shorter than a millisecond are rounded
// up so freshly co-active teams compare by volume alone.
func rate(volume uint64, elapsed time.Duration) float64 {
	if elapsed < time.Millisecond {
		elapsed = time.Millisecond
	}
	return float64(volume) / elapsed.Seconds()
}
