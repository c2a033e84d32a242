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

// Package coordinator implements the RequestCoordinator: the owner of one request's lifecycle from admission to a
// terminal state.
//
// # Architecture
//
// Each upstream `ChunkSource` is fed by its own goroutine (a feeder) into the FeederQueue of the team its chunks are
// attributed to. The coordinator's single control path pulls chunks from the `fairness.Scheduler` and relays them to
// the client. The FeederQueues are the only synchronization point between feeders and the control path.
//
// # States
//
//	ADMITTED -> DELEGATING -> STREAMING -> COMPLETING -> FINISHED
//	     \            \             \
//	      +------------+-------------+--> CANCELLING -> CANCELLED
//
// A request whose teams all failed moves directly to CANCELLED. A request with at least one surviving team finishes
// normally and reports the failed teams in its `Result`.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"go.uber.org/multierr"
	"k8s.io/utils/clock"

	"github.com/firequery/fanout/pkg/common/observability/logging"
	"github.com/firequery/fanout/pkg/fanout/admission"
	"github.com/firequery/fanout/pkg/fanout/eventlog"
	"github.com/firequery/fanout/pkg/fanout/fairness"
	"github.com/firequery/fanout/pkg/fanout/metrics"
	"github.com/firequery/fanout/pkg/fanout/queue"
	"github.com/firequery/fanout/pkg/fanout/teams"
	"github.com/firequery/fanout/pkg/fanout/types"
)

// errClientGone is the cancellation cause recorded when the client stream rejects a send.
var errClientGone = errors.New("client stream closed")

// Dependencies are the process-wide collaborators shared by every coordinator.
type Dependencies struct {
	Mapping   *teams.Mapping
	Sources   []ChunkSource
	Admission *admission.Controller
	Sink      eventlog.Sink
	Clock     clock.Clock
}

// TeamResult is the outcome of one team's contribution.
type TeamResult struct {
	Outcome   types.TeamOutcome
	Delivered types.Volume
	Failure   error
}

// Result summarizes a request that reached a terminal state.
type Result struct {
	RequestID     string
	State         types.RequestState
	Teams         map[types.TeamID]TeamResult
	Relayed       types.Volume
	FairnessIndex float64
	MaxRun        int
	// Err is the failure reason of a CANCELLED request.
	Err error
}

// Partial reports whether the request finished with at least one failed team.
func (r *Result) Partial() bool {
	for _, t := range r.Teams {
		if t.Outcome == types.TeamOutcomeFailed {
			return true
		}
	}
	return false
}

// RequestCoordinator owns one request end to end.
type RequestCoordinator struct {
	query  types.Query
	ticket *admission.Ticket
	config *Config
	deps   Dependencies
	clock  clock.Clock
	logger logr.Logger

	state  atomic.Int32
	cancel context.CancelCauseFunc
	// cancelMu guards cancel, which is set when Run starts.
	cancelMu      sync.Mutex
	pendingCancel error
	done          chan struct{}

	wake    chan struct{}
	teamIDs []types.TeamID
	queues  map[types.TeamID]*queue.FeederQueue
	bypass  *queue.FeederQueue
	sched   *fairness.Scheduler

	relayed      types.Volume
	delegatedAt  time.Time
	firstChunkOf map[types.TeamID]bool
}

// New creates a coordinator for an admitted request. Its FeederQueues are created empty, sized by the admission
// controller's per-request outstanding-chunk bound.
func New(query types.Query, ticket *admission.Ticket, config *Config, deps Dependencies,
	logger logr.Logger) (*RequestCoordinator, error) {
	policy, err := fairness.NewPolicyFromName(config.Policy)
	if err != nil {
		return nil, err
	}
	clk := deps.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}
	if deps.Sink == nil {
		deps.Sink = eventlog.Discard
	}

	c := &RequestCoordinator{
		query:        query,
		ticket:       ticket,
		config:       config,
		deps:         deps,
		clock:        clk,
		logger:       logger.WithName("coordinator").WithValues("requestID", query.RequestID),
		done:         make(chan struct{}),
		wake:         make(chan struct{}, 1),
		queues:       make(map[types.TeamID]*queue.FeederQueue),
		firstChunkOf: make(map[types.TeamID]bool),
	}
	c.state.Store(int32(types.RequestStateAdmitted))

	capacity := admission.DefaultMaxOutstandingChunks
	if deps.Admission != nil {
		capacity = deps.Admission.MaxOutstandingChunks()
	}
	// Only teams with at least one upstream take part in the request. The outstanding bound counts chunks whatever
	// the fairness unit is, and is shared by the team queues and the unattributed queue.
	present := make(map[types.TeamID]bool)
	for _, src := range deps.Sources {
		present[deps.Mapping.TeamOf(src.ProcessID())] = true
	}
	for _, id := range deps.Mapping.IDs() {
		if present[id] {
			c.teamIDs = append(c.teamIDs, id)
		}
	}
	shares := shareCapacity(capacity, len(c.teamIDs)+1)
	teamQueues := make([]*queue.FeederQueue, 0, len(c.teamIDs))
	for i, id := range c.teamIDs {
		q := queue.New(query.RequestID, id, shares[i], types.VolumeUnitChunks, clk, c.wake, c.logger)
		c.queues[id] = q
		teamQueues = append(teamQueues, q)
		c.logger.V(logging.TRACE).Info("Team queue created", "team", id.String(), "capacity", q.Capacity())
	}
	c.bypass = queue.New(query.RequestID, types.TeamUnattributed, shares[len(c.teamIDs)], types.VolumeUnitChunks, clk,
		c.wake, c.logger)
	for _, src := range deps.Sources {
		home := c.queueFor(src.ProcessID())
		home.RegisterSource(src.ProcessID())
		home.RegisterSource(streamSource(src.ProcessID()))
	}

	c.sched = fairness.NewScheduler(policy, fairness.Config{
		MaxConsecutive: config.MaxConsecutive,
		CoActiveWait:   config.CoActiveWait,
		Unit:           config.Unit,
	}, clk, c.wake, teamQueues, c.bypass, c.logger)
	return c, nil
}

// shareCapacity splits a per-request chunk bound across n queues. Every queue can hold at least one chunk.
func shareCapacity(total, n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = total / n
		if i < total%n {
			out[i]++
		}
		if out[i] < 1 {
			out[i] = 1
		}
	}
	return out
}

// RequestID returns the id of the owned request.
func (c *RequestCoordinator) RequestID() string {
	return c.query.RequestID
}

// State returns the current lifecycle state.
func (c *RequestCoordinator) State() types.RequestState {
	return types.RequestState(c.state.Load())
}

// Done is closed once the coordinator reached a terminal state.
func (c *RequestCoordinator) Done() <-chan struct{} {
	return c.done
}

// Cancel requests cooperative cancellation. It returns false if the request is already terminal. Cancellation is
// observed between chunk relays, never in the middle of one.
func (c *RequestCoordinator) Cancel(reason error) bool {
	if c.State().IsTerminal() {
		return false
	}
	if reason == nil {
		reason = types.ErrCancelled
	}
	c.cancelMu.Lock()
	defer c.cancelMu.Unlock()
	if c.cancel != nil {
		c.cancel(reason)
	} else if c.pendingCancel == nil {
		c.pendingCancel = reason
	}
	return true
}

func (c *RequestCoordinator) setState(s types.RequestState) {
	prev := types.RequestState(c.state.Swap(int32(s)))
	if prev != s {
		c.logger.V(logging.DEBUG).Info("State transition", "from", prev.String(), "to", s.String())
	}
}

func (c *RequestCoordinator) queueFor(process string) *queue.FeederQueue {
	if q, ok := c.queues[c.deps.Mapping.TeamOf(process)]; ok {
		return q
	}
	return c.bypass
}

// Run drives the request to a terminal state, relaying chunks to client. It returns once the request is FINISHED or
// CANCELLED. The returned error is nil for FINISHED requests, including partial ones, and wraps `types.ErrCancelled`
// with the cause otherwise.
func (c *RequestCoordinator) Run(ctx context.Context, client ClientStream) (*Result, error) {
	defer close(c.done)

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	c.cancelMu.Lock()
	c.cancel = cancel
	if c.pendingCancel != nil {
		cancel(c.pendingCancel)
	}
	c.cancelMu.Unlock()

	c.emit(eventlog.Event{
		Kind:        eventlog.KindEnqueue,
		Process:     c.config.ProcessID,
		QueueDepth:  c.ticket.QueueDepth,
		ActiveCount: c.ticket.Active,
		Extra:       fmt.Sprintf("%s admitted date_start=%s date_end=%s", c.config.ProcessID, c.query.DateStart, c.query.DateEnd),
	})

	feedCtx, stopFeeders := context.WithCancel(runCtx)
	defer stopFeeders()
	if runCtx.Err() != nil {
		return c.cancelRequest(stopFeeders, context.Cause(runCtx))
	}
	var feeders sync.WaitGroup
	c.delegate(feedCtx, &feeders)

	for {
		if runCtx.Err() != nil {
			return c.cancelRequest(stopFeeders, context.Cause(runCtx))
		}
		chunk, team, err := c.sched.Next(runCtx)
		if errors.Is(err, fairness.ErrExhausted) {
			break
		}
		if err != nil {
			cause := context.Cause(runCtx)
			if cause == nil {
				cause = err
			}
			return c.cancelRequest(stopFeeders, cause)
		}
		if runCtx.Err() != nil {
			// The chunk was drained after cancellation began; it is discarded, not relayed.
			return c.cancelRequest(stopFeeders, context.Cause(runCtx))
		}
		if err := c.relay(client, chunk, team); err != nil {
			cancel(fmt.Errorf("%w: %w", errClientGone, err))
			return c.cancelRequest(stopFeeders, context.Cause(runCtx))
		}
	}

	stopFeeders()
	feeders.Wait()
	return c.complete(client)
}

// delegate starts one feeder per upstream source.
func (c *RequestCoordinator) delegate(ctx context.Context, feeders *sync.WaitGroup) {
	c.setState(types.RequestStateDelegating)
	c.delegatedAt = c.clock.Now()
	for _, src := range c.deps.Sources {
		team := c.deps.Mapping.TeamOf(src.ProcessID())
		c.emit(eventlog.Event{
			Kind:    eventlog.KindStartDelegate,
			Process: src.ProcessID(),
			Extra:   fmt.Sprintf("%s delegate to=%s team=%s", c.config.ProcessID, src.ProcessID(), team),
		})
		f := &feeder{
			source:    src,
			home:      c.queueFor(src.ProcessID()),
			query:     c.query,
			queueFor:  c.queueFor,
			teamOf:    c.deps.Mapping.TeamOf,
			timeout:   c.config.BackpressureTimeout,
			logger:    c.logger.WithValues("upstream", src.ProcessID()),
			requestID: c.query.RequestID,
		}
		feeders.Add(1)
		go func() {
			defer feeders.Done()
			f.run(ctx)
		}()
	}
}

// relay sends one chunk to the client and records it.
func (c *RequestCoordinator) relay(client ClientStream, chunk *types.Chunk, team types.TeamID) error {
	if c.State() == types.RequestStateDelegating {
		c.setState(types.RequestStateStreaming)
	}

	out := *chunk
	out.Final = false
	if err := client.Send(&out); err != nil {
		return err
	}

	vol := types.VolumeOf(chunk)
	c.relayed = c.relayed.Add(vol)
	if team != types.TeamUnattributed {
		if !c.firstChunkOf[team] {
			c.firstChunkOf[team] = true
			metrics.RecordTimeToFirstChunk(string(team), c.clock.Since(c.delegatedAt))
		}
		metrics.RecordRelayedChunk(string(team), chunk.RecordCount())
	}

	snap := c.admissionSnapshot()
	c.emit(eventlog.Event{
		Kind:        eventlog.KindChunkRelay,
		Process:     c.config.ProcessID,
		QueueDepth:  snap.QueueDepth,
		ActiveCount: snap.Active,
		ChunkNumber: chunk.Sequence,
		Records:     chunk.RecordCount(),
		Extra:       fmt.Sprintf("%s team=%s", chunk.SourceProcess, team),
	})
	c.logger.V(logging.TRACE).Info("Relayed chunk", "sourceProcess", chunk.SourceProcess, "sequence", chunk.Sequence,
		"records", chunk.RecordCount(), "team", team.String())
	return nil
}

// complete finishes a request whose queues are all finished and drained.
func (c *RequestCoordinator) complete(client ClientStream) (*Result, error) {
	res := c.result()
	allFailed := len(res.Teams) > 0
	var failures error
	for _, id := range c.teamIDs {
		tr := res.Teams[id]
		if tr.Outcome != types.TeamOutcomeFailed {
			allFailed = false
		}
		failures = multierr.Append(failures, tr.Failure)
	}

	if allFailed {
		reason := fmt.Errorf("%w: %w", types.ErrBothTeamsFailed, failures)
		c.setState(types.RequestStateCancelled)
		res.State = types.RequestStateCancelled
		res.Err = reason
		c.finish(res, metrics.OutcomeFailed)
		return res, fmt.Errorf("%w: %w", types.ErrCancelled, reason)
	}

	c.setState(types.RequestStateCompleting)
	final := &types.Chunk{
		RequestID:     c.query.RequestID,
		SourceProcess: c.config.ProcessID,
		Sequence:      int64(c.relayed.Chunks),
		Final:         true,
	}
	if err := client.Send(final); err != nil {
		c.logger.Error(err, "Failed to send final chunk to client")
	}
	c.setState(types.RequestStateFinished)
	res.State = types.RequestStateFinished

	outcome := metrics.OutcomeFinished
	if res.Partial() {
		outcome = metrics.OutcomePartial
		c.logger.V(logging.DEFAULT).Info("Request finished with partial results", "failures", failures.Error())
	}
	c.finish(res, outcome)
	return res, nil
}

// cancelRequest moves the request through CANCELLING to CANCELLED within the configured grace period.
func (c *RequestCoordinator) cancelRequest(stopFeeders context.CancelFunc, cause error) (*Result, error) {
	if cause == nil {
		cause = types.ErrCancelled
	}
	c.setState(types.RequestStateCancelling)
	c.logger.V(logging.DEFAULT).Info("Cancelling request", "cause", cause.Error())

	for _, q := range c.queues {
		q.StartDiscarding()
	}
	c.bypass.StartDiscarding()
	stopFeeders()
	c.cancelUpstreams()

	c.setState(types.RequestStateCancelled)
	res := c.result()
	res.State = types.RequestStateCancelled
	res.Err = cause
	c.finish(res, metrics.OutcomeCancelled)
	return res, fmt.Errorf("%w: %w", types.ErrCancelled, cause)
}

// cancelUpstreams signals every upstream concurrently and returns once all acknowledged or the grace period elapsed.
func (c *RequestCoordinator) cancelUpstreams() {
	if len(c.deps.Sources) == 0 {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	pending := make(map[string]bool, len(c.deps.Sources))
	for _, src := range c.deps.Sources {
		pending[src.ProcessID()] = true
	}
	all := make(chan struct{})
	var wg sync.WaitGroup
	for _, src := range c.deps.Sources {
		wg.Add(1)
		go func() {
			defer wg.Done()
			acked, err := src.Cancel(ctx, c.query.RequestID)
			if err != nil || !acked {
				c.logger.V(logging.VERBOSE).Info("Upstream did not acknowledge cancellation", "upstream", src.ProcessID(),
					"error", errString(err))
				return
			}
			mu.Lock()
			delete(pending, src.ProcessID())
			mu.Unlock()
		}()
	}
	go func() {
		wg.Wait()
		close(all)
	}()

	timer := c.clock.NewTimer(c.config.CancelGrace)
	defer timer.Stop()
	select {
	case <-all:
	case <-timer.C():
	}

	mu.Lock()
	defer mu.Unlock()
	for upstream := range pending {
		metrics.RecordCancellationUnacknowledged(upstream)
		c.logger.V(logging.DEFAULT).Info("Proceeding without cancellation acknowledgement", "upstream", upstream,
			"error", types.ErrCancellationTimeout.Error())
	}
}

// finish releases admission, emits FINISH, and records request metrics. It runs exactly once per request.
func (c *RequestCoordinator) finish(res *Result, outcome string) {
	c.ticket.Release()
	metrics.RecordRequestOutcome(outcome, c.clock.Since(c.ticket.AdmittedAt))
	if c.sched.CoActive() {
		metrics.RecordFairness(res.FairnessIndex, res.MaxRun)
	}

	teamParts := make([]string, 0, len(res.Teams))
	for _, id := range c.teamIDs {
		teamParts = append(teamParts, fmt.Sprintf("%s=%s", id, res.Teams[id].Outcome))
	}
	snap := c.admissionSnapshot()
	c.emit(eventlog.Event{
		Kind:        eventlog.KindFinish,
		Process:     c.config.ProcessID,
		QueueDepth:  snap.QueueDepth,
		ActiveCount: snap.Active,
		ChunkNumber: int64(res.Relayed.Chunks),
		Records:     int(res.Relayed.Records),
		Extra:       fmt.Sprintf("%s outcome=%s %s", c.config.ProcessID, outcome, strings.Join(teamParts, " ")),
	})
	c.logger.V(logging.VERBOSE).Info("Request reached terminal state", "state", res.State.String(), "outcome", outcome,
		"chunks", res.Relayed.Chunks, "records", res.Relayed.Records)
}

func (c *RequestCoordinator) result() *Result {
	res := &Result{
		RequestID:     c.query.RequestID,
		State:         c.State(),
		Teams:         make(map[types.TeamID]TeamResult, len(c.queues)),
		Relayed:       c.relayed,
		FairnessIndex: c.sched.FairnessIndex(),
		MaxRun:        c.sched.MaxRun(),
	}
	for id, q := range c.queues {
		res.Teams[id] = TeamResult{Outcome: q.Outcome(), Delivered: q.Delivered(), Failure: q.Failure()}
	}
	return res
}

func (c *RequestCoordinator) admissionSnapshot() admission.Snapshot {
	if c.deps.Admission == nil {
		return admission.Snapshot{}
	}
	return c.deps.Admission.Snapshot()
}

func (c *RequestCoordinator) emit(ev eventlog.Event) {
	ev.RequestID = c.query.RequestID
	c.deps.Sink.Emit(ev)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
