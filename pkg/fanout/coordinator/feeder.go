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

package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/firequery/fanout/pkg/common/observability/logging"
	"github.com/firequery/fanout/pkg/fanout/metrics"
	"github.com/firequery/fanout/pkg/fanout/queue"
	"github.com/firequery/fanout/pkg/fanout/types"
)

const (
	failureReasonUnavailable  = "upstream_unavailable"
	failureReasonBackpressure = "backpressure_timeout"
)

// streamSource names the pseudo-source that keeps an upstream's home queue open until its stream ends. Worker chunks
// may still arrive after the leader's own final chunk.
func streamSource(process string) string {
	return "stream/" + process
}

// feeder pumps one upstream stream into the FeederQueues. Chunks are routed by their source process, not by the
// stream they arrived on, so a leader relaying several workers feeds one source per worker.
type feeder struct {
	source    ChunkSource
	home      *queue.FeederQueue
	query     types.Query
	queueFor  func(process string) *queue.FeederQueue
	teamOf    func(process string) types.TeamID
	timeout   time.Duration
	logger    logr.Logger
	requestID string

	// seen holds every source process observed on this stream, the upstream itself included.
	seen sets.Set[string]
}

func (f *feeder) run(ctx context.Context) {
	f.seen = sets.New(f.source.ProcessID())

	stream, err := f.source.Open(ctx, f.query)
	if err != nil {
		if ctx.Err() == nil {
			f.fail(fmt.Errorf("%w: delegation to %q failed: %w", types.ErrUpstreamUnavailable, f.source.ProcessID(), err),
				failureReasonUnavailable)
		}
		return
	}
	signaler, _ := stream.(FlowSignaler)

	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			for p := range f.seen {
				f.queueFor(p).MarkSourceFinal(p)
			}
			f.home.MarkSourceFinal(streamSource(f.source.ProcessID()))
			f.logger.V(logging.DEBUG).Info("Upstream stream ended", "sources", sets.List(f.seen))
			return
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			f.fail(fmt.Errorf("%w: stream from %q broke: %w", types.ErrUpstreamUnavailable, f.source.ProcessID(), err),
				failureReasonUnavailable)
			return
		}
		if chunk == nil {
			continue
		}
		if chunk.RequestID == "" {
			chunk.RequestID = f.requestID
		}
		if chunk.SourceProcess == "" {
			chunk.SourceProcess = f.source.ProcessID()
		}
		if !f.push(ctx, chunk, signaler) {
			return
		}
	}
}

// push offers the chunk to its team queue, pausing the upstream while the queue is at capacity. It returns false
// when the feeder must stop.
func (f *feeder) push(ctx context.Context, chunk *types.Chunk, signaler FlowSignaler) bool {
	f.seen.Insert(chunk.SourceProcess)
	team := f.teamOf(chunk.SourceProcess).String()
	q := f.queueFor(chunk.SourceProcess)

	outcome, err := q.Push(chunk)
	if outcome == types.PushBackpressure {
		metrics.RecordBackpressure(team)
		f.logger.V(logging.DEBUG).Info("Queue at capacity, pausing upstream", "team", team,
			"sourceProcess", chunk.SourceProcess)
		if signaler != nil {
			if err := signaler.Pause(); err != nil {
				f.logger.V(logging.VERBOSE).Info("Failed to forward pause upstream", "error", err.Error())
			}
		}
		outcome, err = q.PushWait(ctx, chunk, f.timeout)
		if signaler != nil && outcome != types.PushBackpressure {
			if err := signaler.Resume(); err != nil {
				f.logger.V(logging.VERBOSE).Info("Failed to forward resume upstream", "error", err.Error())
			}
		}
	}

	switch {
	case outcome == types.PushAccepted:
		return true
	case errors.Is(err, types.ErrBackpressureTimeout):
		f.fail(fmt.Errorf("%w: %w", types.ErrUpstreamUnavailable, err), failureReasonBackpressure)
		return false
	case errors.Is(err, types.ErrMalformedChunk):
		metrics.RecordMalformedChunk(team)
		f.logger.V(logging.DEFAULT).Info("Discarded malformed chunk", "sourceProcess", chunk.SourceProcess,
			"sequence", chunk.Sequence, "error", err.Error())
		return true
	default:
		// Cancellation: the queue is discarding or the context ended.
		return false
	}
}

// fail marks every source of this stream that has not completed as failed.
func (f *feeder) fail(err error, reason string) {
	teams := sets.New[string]()
	for p := range f.seen {
		f.queueFor(p).MarkSourceFailed(p, err)
		teams.Insert(f.teamOf(p).String())
	}
	f.home.MarkSourceFailed(streamSource(f.source.ProcessID()), err)
	for _, team := range sets.List(teams) {
		metrics.RecordUpstreamFailure(team, reason)
	}
	f.logger.V(logging.DEFAULT).Info("Upstream failed", "error", err.Error())
}
