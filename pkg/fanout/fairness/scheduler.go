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

// Package fairness implements the FairnessScheduler: it decides, across the FeederQueues of one request, which chunk
// is relayed next.
//
// The scheduler owns no goroutines. `Scheduler.Next` is called from the request's single control path and suspends
// only while no chunk is ready, or within the bounded co-active wait when a `Policy` asks to hold back for an empty
// team. Every FeederQueue of the request pokes the same wake channel, so the suspension is a select between "something
// changed" and "the wait expired".
package fairness

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/utils/clock"

	"github.com/firequery/fanout/pkg/common/observability/logging"
	"github.com/firequery/fanout/pkg/fanout/queue"
	"github.com/firequery/fanout/pkg/fanout/types"
)

// ErrExhausted is returned by `Scheduler.Next` once every source is final and every queue is drained.
var ErrExhausted = errors.New("all queues finished and drained")

// Config holds the tunables of a Scheduler.
type Config struct {
	// MaxConsecutive is the bound K on consecutive same-team relays while another team is ready.
	MaxConsecutive int
	// CoActiveWait bounds how long the scheduler holds back for an empty, still-open team.
	CoActiveWait time.Duration
	// Unit selects how delivered volume is measured.
	Unit types.VolumeUnit
}

// lane is the scheduler's bookkeeping for one team.
type lane struct {
	q               *queue.FeederQueue
	hasDelivered    bool
	stalled         bool
	accounting      bool
	accountingStart time.Time
}

// Scheduler multiplexes the team queues of one request. It is not safe for concurrent use.
type Scheduler struct {
	policy Policy
	config Config
	clock  clock.Clock
	logger logr.Logger
	wake   <-chan struct{}

	lanes  []*lane
	byTeam map[types.TeamID]*lane
	bypass *queue.FeederQueue

	coActive      bool
	coActiveSince time.Time
	lastTeam      types.TeamID
	run           int
	maxRun        int
	waitUntil     time.Time
}

// NewScheduler creates a scheduler over the given team queues. The bypass queue holds unattributed chunks; it is
// drained ahead of the team queues and is excluded from fairness accounting. Bypass may be nil.
func NewScheduler(policy Policy, config Config, clk clock.Clock, wake <-chan struct{}, teams []*queue.FeederQueue,
	bypass *queue.FeederQueue, logger logr.Logger) *Scheduler {
	s := &Scheduler{
		policy: policy,
		config: config,
		clock:  clk,
		logger: logger.WithName("fairness-scheduler"),
		wake:   wake,
		byTeam: make(map[types.TeamID]*lane, len(teams)),
		bypass: bypass,
	}
	for _, q := range teams {
		l := &lane{q: q}
		s.lanes = append(s.lanes, l)
		s.byTeam[q.Team()] = l
	}
	return s
}

// Next returns the next chunk to relay and the team it is attributed to.
//
// It returns `ErrExhausted` once every queue, bypass included, is finished and drained, or the context's error if ctx
// ends while waiting.
func (s *Scheduler) Next(ctx context.Context) (*types.Chunk, types.TeamID, error) {
	for {
		if s.bypass != nil {
			if c, ok := s.bypass.Drain(); ok {
				return c, types.TeamUnattributed, nil
			}
		}
		if s.exhausted() {
			return nil, types.TeamUnattributed, ErrExhausted
		}

		now := s.clock.Now()
		views := s.views(now)
		d := s.policy.Select(views, s.runState())

		if d.Team == types.TeamUnattributed {
			if err := s.idle(ctx); err != nil {
				return nil, types.TeamUnattributed, err
			}
			continue
		}

		if len(d.WaitFor) > 0 {
			if s.waitUntil.IsZero() {
				s.waitUntil = now.Add(s.config.CoActiveWait)
				s.logger.V(logging.TRACE).Info("Waiting for co-active partner", "waitFor", d.WaitFor, "ready", d.Team)
			}
			if remaining := s.waitUntil.Sub(now); remaining > 0 {
				woken, err := s.waitFor(ctx, remaining)
				if err != nil {
					return nil, types.TeamUnattributed, err
				}
				if woken {
					continue
				}
			}
			for _, team := range d.WaitFor {
				if l := s.byTeam[team]; l != nil && l.q.Len() == 0 {
					l.stalled = true
					s.logger.V(logging.DEBUG).Info("Co-active wait expired, relaying from ready team",
						"stalledTeam", team.String(), "ready", d.Team.String())
				}
			}
		}

		l := s.byTeam[d.Team]
		if l == nil {
			return nil, types.TeamUnattributed, fmt.Errorf("policy %q selected unknown team %q", s.policy.Name(), d.Team)
		}
		c, ok := l.q.Drain()
		if !ok {
			// A concurrent cancellation emptied the queue between snapshot and drain.
			continue
		}
		s.account(l, c, s.clock.Now())
		return c, d.Team, nil
	}
}

// idle blocks until any queue changes or ctx ends.
func (s *Scheduler) idle(ctx context.Context) error {
	select {
	case <-s.wake:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// waitFor blocks until any queue changes (true), the timeout elapses (false), or ctx ends.
func (s *Scheduler) waitFor(ctx context.Context, timeout time.Duration) (bool, error) {
	t := s.clock.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-s.wake:
		return true, nil
	case <-t.C():
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (s *Scheduler) exhausted() bool {
	if s.bypass != nil && !s.bypass.IsFinished() {
		return false
	}
	for _, l := range s.lanes {
		if !l.q.IsFinished() {
			return false
		}
	}
	return true
}

func (s *Scheduler) views(now time.Time) []TeamView {
	views := make([]TeamView, 0, len(s.lanes))
	for _, l := range s.lanes {
		head, _ := l.q.PeekHead()
		v := TeamView{
			Team:         l.q.Team(),
			Head:         head,
			Open:         !l.q.SourcesFinal(),
			Stalled:      l.stalled,
			HasDelivered: l.hasDelivered,
		}
		if l.accounting {
			v.Rate = rate(l.q.Delivered().In(s.config.Unit), now.Sub(l.accountingStart))
		}
		views = append(views, v)
	}
	return views
}

func (s *Scheduler) runState() RunState {
	return RunState{
		CoActive:       s.coActive,
		LastTeam:       s.lastTeam,
		Run:            s.run,
		MaxConsecutive: s.config.MaxConsecutive,
	}
}

// account updates run and rate bookkeeping after a chunk from l was drained.
func (s *Scheduler) account(l *lane, c *types.Chunk, now time.Time) {
	s.waitUntil = time.Time{}
	l.stalled = false
	if !l.hasDelivered {
		l.hasDelivered = true
		if s.coActive {
			// A team joining an already co-active request is accounted from its first delivery.
			l.accounting = true
			l.accountingStart = now
		}
	}

	if !s.coActive && s.deliveredTeams() >= 2 {
		s.coActive = true
		s.coActiveSince = now
		for _, other := range s.lanes {
			if other.hasDelivered {
				other.accounting = true
				other.accountingStart = now
			}
		}
		s.logger.V(logging.DEBUG).Info("Request is co-active", "triggeringTeam", l.q.Team().String())
	}

	team := l.q.Team()
	if team == s.lastTeam {
		s.run++
	} else {
		s.lastTeam = team
		s.run = 1
	}
	if s.coActive && s.run > s.maxRun && s.contested(l) {
		s.maxRun = s.run
	}
	s.logger.V(logging.TRACE).Info("Scheduled chunk", "team", team.String(), "sourceProcess", c.SourceProcess,
		"sequence", c.Sequence, "run", s.run)
}

// contested reports whether another team that has delivered may still produce chunks. Runs relayed after every other
// team finished are not co-active runs.
func (s *Scheduler) contested(l *lane) bool {
	for _, other := range s.lanes {
		if other != l && other.hasDelivered && !other.q.IsFinished() {
			return true
		}
	}
	return false
}

func (s *Scheduler) deliveredTeams() int {
	n := 0
	for _, l := range s.lanes {
		if l.hasDelivered {
			n++
		}
	}
	return n
}

// CoActive reports whether at least two teams have delivered.
func (s *Scheduler) CoActive() bool {
	return s.coActive
}

// MaxRun returns the longest same-team run relayed while another delivering team was still unfinished.
func (s *Scheduler) MaxRun() int {
	return s.maxRun
}

// FairnessIndex returns Jain's index over the cumulative volume of every team that delivered. A request that never
// became co-active is reported as perfectly fair.
func (s *Scheduler) FairnessIndex() float64 {
	if !s.coActive {
		return 1
	}
	volumes := make([]float64, 0, len(s.lanes))
	for _, l := range s.lanes {
		if l.accounting {
			volumes = append(volumes, float64(l.q.Delivered().In(s.config.Unit)))
		}
	}
	return JainIndex(volumes...)
}
