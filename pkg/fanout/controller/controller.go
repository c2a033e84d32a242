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

// Package controller contains the FanoutController: the process-level entry point that admits queries, runs one
// `coordinator.RequestCoordinator` per admitted query, and answers cancellation and health calls.
//
// Active coordinators live in a registry sharded by request id so that concurrent queries, cancels and health checks
// do not contend on one lock. Ids of recently finished requests are remembered for a while, which rejects replays of
// a finished id and lets a late cancel be acknowledged without error.
package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"

	"github.com/firequery/fanout/pkg/common/observability/logging"
	"github.com/firequery/fanout/pkg/fanout/admission"
	"github.com/firequery/fanout/pkg/fanout/coordinator"
	"github.com/firequery/fanout/pkg/fanout/types"
	errutil "github.com/firequery/fanout/pkg/fanout/util/error"
)

const (
	// defaultShardCount is the default number of registry shards.
	defaultShardCount = 16
	// defaultRecentTTL is how long a finished request id is remembered by default.
	defaultRecentTTL = 5 * time.Minute
)

// Config holds the configuration of the FanoutController.
type Config struct {
	// ShardCount is the number of registry shards.
	// Optional: Defaults to `defaultShardCount` (16).
	ShardCount int
	// RecentTTL is how long the id and result of a finished request are remembered.
	// Optional: Defaults to `defaultRecentTTL` (5 minutes).
	RecentTTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.ShardCount <= 0 {
		c.ShardCount = defaultShardCount
	}
	if c.RecentTTL <= 0 {
		c.RecentTTL = defaultRecentTTL
	}
	return c
}

// Health is a point-in-time view of the controller's load.
type Health struct {
	ProcessID     string
	Healthy       bool
	Pending       int
	Active        int
	ActiveSources int
	// Upstreams is the number of configured chunk sources.
	Upstreams int
}

// shard is one slice of the registry of active coordinators.
type shard struct {
	mu     sync.Mutex
	active map[string]*coordinator.RequestCoordinator
}

// FanoutController admits queries and owns their coordinators.
type FanoutController struct {
	config      Config
	coordConfig *coordinator.Config
	deps        coordinator.Dependencies
	logger      logr.Logger

	// lifecycle orders registration against shutdown: a coordinator registers under the read lock only while running.
	lifecycle sync.RWMutex
	running   atomic.Bool
	shards    []*shard
	recent    *ttlcache.Cache[string, *coordinator.Result]
}

// NewFanoutController creates a controller. It admits queries only while `Run` is active.
func NewFanoutController(config Config, coordConfig *coordinator.Config, deps coordinator.Dependencies,
	logger logr.Logger) (*FanoutController, error) {
	if coordConfig == nil {
		return nil, errors.New("coordinator config must be set")
	}
	if deps.Mapping == nil {
		return nil, errors.New("team mapping must be set")
	}
	if deps.Admission == nil {
		return nil, errors.New("admission controller must be set")
	}
	config = config.withDefaults()

	fc := &FanoutController{
		config:      config,
		coordConfig: coordConfig,
		deps:        deps,
		logger:      logger.WithName("fanout-controller"),
		shards:      make([]*shard, config.ShardCount),
		recent: ttlcache.New(
			ttlcache.WithTTL[string, *coordinator.Result](config.RecentTTL),
			ttlcache.WithDisableTouchOnHit[string, *coordinator.Result](),
		),
	}
	for i := range fc.shards {
		fc.shards[i] = &shard{active: make(map[string]*coordinator.RequestCoordinator)}
	}
	return fc, nil
}

// Run admits queries until ctx ends. On shutdown it stops admitting, cancels every active request with
// `types.ErrControllerNotRunning`, and returns once they all reached a terminal state.
func (fc *FanoutController) Run(ctx context.Context) error {
	if !fc.running.CompareAndSwap(false, true) {
		return errors.New("fan-out controller is already running")
	}
	fc.logger.Info("Fan-out controller starting", "processID", fc.coordConfig.ProcessID, "shards", len(fc.shards))
	go fc.recent.Start()

	<-ctx.Done()

	fc.lifecycle.Lock()
	fc.running.Store(false)
	fc.lifecycle.Unlock()

	var active []*coordinator.RequestCoordinator
	for _, s := range fc.shards {
		s.mu.Lock()
		for _, c := range s.active {
			active = append(active, c)
		}
		s.mu.Unlock()
	}
	fc.logger.Info("Fan-out controller shutting down", "active", len(active))
	for _, c := range active {
		c.Cancel(types.ErrControllerNotRunning)
	}
	for _, c := range active {
		<-c.Done()
	}
	fc.recent.Stop()
	fc.logger.Info("Fan-out controller stopped")
	return nil
}

// Query admits query, runs it to a terminal state, and streams its chunks to stream. A query without an id is
// assigned one.
//
// Errors before admission wrap `types.ErrRejected`. Once admitted, the returned Result is always non-nil and the error
// is nil for FINISHED requests, partial ones included.
func (fc *FanoutController) Query(ctx context.Context, query types.Query,
	stream coordinator.ClientStream) (*coordinator.Result, error) {
	if !fc.running.Load() {
		return nil, fmt.Errorf("%w: %w", types.ErrRejected, types.ErrControllerNotRunning)
	}

	if query.RequestID == "" {
		query.RequestID = uuid.NewString()
	}
	if err := query.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", types.ErrRejected, errutil.Error{Code: errutil.BadRequest, Msg: err.Error()})
	}
	logger := fc.logger.WithValues("requestID", query.RequestID)
	if fc.known(query.RequestID) {
		return nil, fc.duplicate(query.RequestID)
	}

	ticket, err := fc.deps.Admission.TryAdmit(ctx, admission.Request{
		RequestID: query.RequestID,
		Sources:   len(fc.deps.Sources),
	})
	if err != nil {
		return nil, err
	}

	coord, err := coordinator.New(query, ticket, fc.coordConfig, fc.deps, fc.logger)
	if err != nil {
		ticket.Release()
		return nil, fmt.Errorf("%w: %w", types.ErrRejected, err)
	}
	if err := fc.register(coord); err != nil {
		ticket.Release()
		return nil, err
	}
	defer fc.unregister(coord)

	logger.V(logging.VERBOSE).Info("Query admitted", "dateStart", query.DateStart, "dateEnd", query.DateEnd,
		"pollutant", query.PollutantType)
	res, err := coord.Run(ctx, stream)
	fc.recent.Set(query.RequestID, res, ttlcache.DefaultTTL)
	return res, err
}

// Cancel cancels an active request and waits until it is terminal or ctx ends. It returns true if the request is
// now terminal: it was cancelled, or it had already finished recently. Unknown ids return false.
func (fc *FanoutController) Cancel(ctx context.Context, requestID string) (bool, error) {
	s := fc.shardFor(requestID)
	s.mu.Lock()
	coord, ok := s.active[requestID]
	s.mu.Unlock()
	if !ok {
		if fc.recent.Has(requestID) {
			fc.logger.V(logging.DEBUG).Info("Cancel for finished request acknowledged", "requestID", requestID)
			return true, nil
		}
		return false, nil
	}

	coord.Cancel(fmt.Errorf("%w: cancel requested", types.ErrCancelled))
	select {
	case <-coord.Done():
		return true, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Result returns the result of a recently finished request.
func (fc *FanoutController) Result(requestID string) (*coordinator.Result, bool) {
	item := fc.recent.Get(requestID)
	if item == nil {
		return nil, false
	}
	return item.Value(), true
}

// Health reports the controller's load.
func (fc *FanoutController) Health() Health {
	snap := fc.deps.Admission.Snapshot()
	return Health{
		ProcessID:     fc.coordConfig.ProcessID,
		Healthy:       fc.running.Load(),
		Pending:       snap.QueueDepth,
		Active:        snap.Active,
		ActiveSources: snap.ActiveSources,
		Upstreams:     len(fc.deps.Sources),
	}
}

// ActiveRequests returns the number of registered coordinators.
func (fc *FanoutController) ActiveRequests() int {
	n := 0
	for _, s := range fc.shards {
		s.mu.Lock()
		n += len(s.active)
		s.mu.Unlock()
	}
	return n
}

func (fc *FanoutController) shardFor(requestID string) *shard {
	return fc.shards[xxhash.Sum64String(requestID)%uint64(len(fc.shards))]
}

func (fc *FanoutController) known(requestID string) bool {
	if fc.recent.Has(requestID) {
		return true
	}
	s := fc.shardFor(requestID)
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[requestID]
	return ok
}

func (fc *FanoutController) register(c *coordinator.RequestCoordinator) error {
	fc.lifecycle.RLock()
	defer fc.lifecycle.RUnlock()
	if !fc.running.Load() {
		return fmt.Errorf("%w: %w", types.ErrRejected, types.ErrControllerNotRunning)
	}
	s := fc.shardFor(c.RequestID())
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.active[c.RequestID()]; ok {
		return fc.duplicate(c.RequestID())
	}
	s.active[c.RequestID()] = c
	return nil
}

func (fc *FanoutController) unregister(c *coordinator.RequestCoordinator) {
	s := fc.shardFor(c.RequestID())
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, c.RequestID())
}

func (fc *FanoutController) duplicate(requestID string) error {
	fc.logger.V(logging.DEFAULT).Info("Rejecting duplicate request id", "requestID", requestID)
	return fmt.Errorf("%w: %w: %q", types.ErrRejected, types.ErrDuplicateRequest, requestID)
}
