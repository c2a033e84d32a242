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

// Package queue provides the FeederQueue: a bounded, concurrent-safe FIFO buffer of chunks for one (request, team)
// pair. It is the single synchronization point between a team's producer tasks and the request's scheduler.
package queue

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"go.uber.org/multierr"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/utils/clock"

	"github.com/firequery/fanout/pkg/common/observability/logging"
	"github.com/firequery/fanout/pkg/fanout/types"
)

// sourceState tracks per-source ordering and termination.
type sourceState struct {
	lastSeq int64
	final   bool
	failed  error
}

// FeederQueue buffers not-yet-relayed chunks from every source of one team, in arrival order.
//
// Capacity is measured in the configured `types.VolumeUnit`. A push is accepted while the buffered size plus the
// chunk's size stays within capacity; an empty queue always accepts one chunk, so a chunk larger than the whole
// capacity cannot wedge its source forever.
//
// Every state change that the scheduler may be waiting on (a new chunk, a source becoming final or failed, discarding)
// pokes the shared wake channel without blocking.
type FeederQueue struct {
	requestID string
	team      types.TeamID
	capacity  int
	unit      types.VolumeUnit
	clock     clock.Clock
	logger    logr.Logger
	wake      chan<- struct{}

	mu         sync.Mutex
	chunks     *list.List
	buffered   int
	sources    map[string]*sourceState
	delivered  types.Volume
	discarded  types.Volume
	discarding bool
	// headroom is closed and replaced whenever capacity is freed, releasing every `PushWait` caller at once.
	headroom chan struct{}
}

// New creates an empty FeederQueue.
// The wake channel may be nil when nothing waits on the queue.
func New(requestID string, team types.TeamID, capacity int, unit types.VolumeUnit, clk clock.Clock,
	wake chan<- struct{}, logger logr.Logger) *FeederQueue {
	if capacity <= 0 {
		capacity = 1
	}
	return &FeederQueue{
		requestID: requestID,
		team:      team,
		capacity:  capacity,
		unit:      unit,
		clock:     clk,
		logger:    logger.WithName("feeder-queue").WithValues("team", team.String()),
		wake:      wake,
		chunks:    list.New(),
		sources:   make(map[string]*sourceState),
		headroom:  make(chan struct{}),
	}
}

// Team returns the team this queue buffers for.
func (q *FeederQueue) Team() types.TeamID {
	return q.team
}

// RegisterSource makes the queue aware of a source before its first chunk arrives. A team is not finished while any
// registered source is still open. Registering a known source is a no-op.
func (q *FeederQueue) RegisterSource(source string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.sourceLocked(source)
}

func (q *FeederQueue) sourceLocked(source string) *sourceState {
	s, ok := q.sources[source]
	if !ok {
		s = &sourceState{lastSeq: -1}
		q.sources[source] = s
	}
	return s
}

// Push offers a chunk without blocking.
//
// It returns `PushAccepted` when the chunk was buffered, `PushBackpressure` when the queue lacks headroom (the chunk
// was not taken and must be offered again), or `PushDiscarded` with an error when the chunk was dropped, either as
// malformed (`types.ErrMalformedChunk`) or because the request is being cancelled (`types.ErrQueueClosed`).
func (q *FeederQueue) Push(chunk *types.Chunk) (types.PushOutcome, error) {
	outcome, _, err := q.push(chunk)
	return outcome, err
}

// PushWait offers a chunk, blocking the calling producer while the queue is at capacity.
// It gives up with `types.ErrBackpressureTimeout` once the source has been paused for longer than timeout, or with
// the context's error. A non-positive timeout waits until the context ends.
func (q *FeederQueue) PushWait(ctx context.Context, chunk *types.Chunk, timeout time.Duration) (types.PushOutcome, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		t := q.clock.NewTimer(timeout)
		defer t.Stop()
		expired = t.C()
	}
	for {
		outcome, headroom, err := q.push(chunk)
		if outcome != types.PushBackpressure {
			return outcome, err
		}
		select {
		case <-headroom:
		case <-expired:
			return types.PushBackpressure, fmt.Errorf("%w: source %q paused for more than %v",
				types.ErrBackpressureTimeout, chunk.SourceProcess, timeout)
		case <-ctx.Done():
			return types.PushBackpressure, ctx.Err()
		}
	}
}

// push performs the admission decision and, on backpressure, returns the channel that is closed when headroom is
// next freed. Both are decided under the same lock so a wake-up cannot be missed.
func (q *FeederQueue) push(chunk *types.Chunk) (types.PushOutcome, <-chan struct{}, error) {
	if chunk == nil {
		return types.PushDiscarded, nil, fmt.Errorf("%w: nil chunk", types.ErrMalformedChunk)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.discarding {
		q.discarded = q.discarded.Add(types.VolumeOf(chunk))
		return types.PushDiscarded, nil, types.ErrQueueClosed
	}

	src := q.sourceLocked(chunk.SourceProcess)
	if src.final {
		q.logger.V(logging.DEBUG).Info("Discarding chunk after final", "sourceProcess", chunk.SourceProcess,
			"sequence", chunk.Sequence)
		return types.PushDiscarded, nil, fmt.Errorf("%w: source %q sent sequence %d after its final chunk",
			types.ErrMalformedChunk, chunk.SourceProcess, chunk.Sequence)
	}
	if chunk.Sequence <= src.lastSeq {
		q.logger.V(logging.DEBUG).Info("Discarding out-of-order chunk", "sourceProcess", chunk.SourceProcess,
			"sequence", chunk.Sequence, "lastSequence", src.lastSeq)
		return types.PushDiscarded, nil, fmt.Errorf("%w: source %q sent sequence %d, already at %d",
			types.ErrMalformedChunk, chunk.SourceProcess, chunk.Sequence, src.lastSeq)
	}

	size := q.unit.Size(chunk)
	if q.chunks.Len() > 0 && q.buffered+size > q.capacity {
		return types.PushBackpressure, q.headroom, nil
	}

	if chunk.Sequence != src.lastSeq+1 {
		q.logger.V(logging.VERBOSE).Info("Sequence gap tolerated", "sourceProcess", chunk.SourceProcess,
			"expected", src.lastSeq+1, "got", chunk.Sequence)
	}
	src.lastSeq = chunk.Sequence
	if chunk.Final {
		src.final = true
	}
	chunk.ArrivalTime = q.clock.Now()
	q.chunks.PushBack(chunk)
	q.buffered += size
	q.notify()
	return types.PushAccepted, nil, nil
}

// Drain removes and returns the oldest buffered chunk, or false if the queue is empty.
// Delivered counters are updated before returning.
func (q *FeederQueue) Drain() (*types.Chunk, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	front := q.chunks.Front()
	if front == nil {
		return nil, false
	}
	chunk := q.chunks.Remove(front).(*types.Chunk)
	q.buffered -= q.unit.Size(chunk)
	q.delivered = q.delivered.Add(types.VolumeOf(chunk))
	q.releaseWaitersLocked()
	return chunk, true
}

// PeekHead returns the oldest buffered chunk without removing it.
func (q *FeederQueue) PeekHead() (*types.Chunk, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	front := q.chunks.Front()
	if front == nil {
		return nil, false
	}
	return front.Value.(*types.Chunk), true
}

// MarkSourceFinal records that a source will produce no further chunks.
func (q *FeederQueue) MarkSourceFinal(source string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.sourceLocked(source).final = true
	q.notify()
}

// MarkSourceFailed records that a source is permanently final because it failed. Chunks it delivered before the
// failure stay buffered and are still relayed. A source that already sent its final chunk is complete, so the call is
// a no-op for it. A nil err is recorded as `types.ErrUpstreamUnavailable`.
func (q *FeederQueue) MarkSourceFailed(source string, err error) {
	if err == nil {
		err = types.ErrUpstreamUnavailable
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	s := q.sourceLocked(source)
	if s.final {
		return
	}
	s.final = true
	s.failed = err
	q.logger.V(logging.DEFAULT).Info("Source marked failed", "sourceProcess", source, "error", err.Error())
	q.notify()
}

// StartDiscarding switches the queue to cancellation mode. Buffered chunks are dropped without being relayed, later
// pushes are taken and dropped, and blocked producers are released.
func (q *FeederQueue) StartDiscarding() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.discarding {
		return
	}
	q.discarding = true
	for e := q.chunks.Front(); e != nil; e = e.Next() {
		q.discarded = q.discarded.Add(types.VolumeOf(e.Value.(*types.Chunk)))
	}
	q.chunks.Init()
	q.buffered = 0
	q.releaseWaitersLocked()
	q.notify()
}

// Len returns the number of buffered chunks.
func (q *FeederQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.chunks.Len()
}

// Buffered returns the buffered size in the queue's volume unit.
func (q *FeederQueue) Buffered() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.buffered
}

// Capacity returns the configured capacity in the queue's volume unit.
func (q *FeederQueue) Capacity() int {
	return q.capacity
}

// Delivered returns the cumulative volume handed out by `Drain`.
func (q *FeederQueue) Delivered() types.Volume {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.delivered
}

// Discarded returns the cumulative volume dropped by cancellation.
func (q *FeederQueue) Discarded() types.Volume {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.discarded
}

// IsFinished reports whether every known source is final and the buffer is empty. A queue with no known sources is
// trivially finished, so callers register upstreams before consulting it.
func (q *FeederQueue) IsFinished() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.isFinishedLocked()
}

func (q *FeederQueue) isFinishedLocked() bool {
	if q.chunks.Len() > 0 {
		return false
	}
	for _, s := range q.sources {
		if !s.final {
			return false
		}
	}
	return true
}

// Failure returns the combined failures of every failed source, or nil. Sources that failed for the same reason
// contribute it once.
func (q *FeederQueue) Failure() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	var err error
	reported := sets.New[string]()
	for _, s := range q.sources {
		if s.failed == nil || reported.Has(s.failed.Error()) {
			continue
		}
		reported.Insert(s.failed.Error())
		err = multierr.Append(err, s.failed)
	}
	return err
}

// Outcome summarizes the team's contribution. It stays `TeamOutcomePending` until the queue is finished.
func (q *FeederQueue) Outcome() types.TeamOutcome {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.isFinishedLocked() {
		return types.TeamOutcomePending
	}
	for _, s := range q.sources {
		if s.failed != nil {
			return types.TeamOutcomeFailed
		}
	}
	return types.TeamOutcomeComplete
}

// SourcesFinal reports whether no known source will produce more chunks. Buffered chunks may remain.
func (q *FeederQueue) SourcesFinal() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, s := range q.sources {
		if !s.final {
			return false
		}
	}
	return true
}

func (q *FeederQueue) releaseWaitersLocked() {
	close(q.headroom)
	q.headroom = make(chan struct{})
}

func (q *FeederQueue) notify() {
	if q.wake == nil {
		return
	}
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
