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

// Package admission implements the AdmissionController: the process-wide bound on concurrently active requests.
//
// The controller is the only state shared by every request's control path. All counter mutations happen under a
// single mutex, and callers only ever see consistent snapshots of them.
//
// # Symmetry
//
// Every successful `TryAdmit` returns a `Ticket`, and the ticket must be released exactly once when the request
// reaches a terminal state. `Ticket.Release` is idempotent, so a coordinator may release from both its completion and
// cancellation paths without drifting the counters.
package admission

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/utils/clock"

	"github.com/firequery/fanout/pkg/common/observability/logging"
	"github.com/firequery/fanout/pkg/fanout/metrics"
	"github.com/firequery/fanout/pkg/fanout/types"
)

const (
	// DefaultMaxActive is the default concurrency limit.
	DefaultMaxActive = 64
	// DefaultMaxOutstandingChunks is the default bound on buffered, un-relayed chunks of one request.
	DefaultMaxOutstandingChunks = 64

	// RejectReasonOverload is the metric and log reason for a concurrency-limit rejection.
	RejectReasonOverload = "overload"
)

// Config holds the configuration of the admission controller.
type Config struct {
	// MaxActive is the maximum number of concurrently admitted requests.
	// Optional: Defaults to `DefaultMaxActive`.
	MaxActive int

	// MaxQueueWait is how long a request may wait for a slot when the controller is saturated.
	// Optional: If zero, saturated requests are rejected immediately.
	MaxQueueWait time.Duration

	// MaxOutstandingChunks bounds the un-relayed chunks buffered by one request, across all of its queues.
	// Optional: Defaults to `DefaultMaxOutstandingChunks`.
	MaxOutstandingChunks int
}

// ValidateAndApplyDefaults checks the configuration and fills unset fields.
func (c Config) ValidateAndApplyDefaults() (Config, error) {
	if c.MaxActive < 0 {
		return c, fmt.Errorf("MaxActive cannot be negative, but got %d", c.MaxActive)
	}
	if c.MaxQueueWait < 0 {
		return c, fmt.Errorf("MaxQueueWait cannot be negative, but got %v", c.MaxQueueWait)
	}
	if c.MaxOutstandingChunks < 0 {
		return c, fmt.Errorf("MaxOutstandingChunks cannot be negative, but got %d", c.MaxOutstandingChunks)
	}
	if c.MaxActive == 0 {
		c.MaxActive = DefaultMaxActive
	}
	if c.MaxOutstandingChunks == 0 {
		c.MaxOutstandingChunks = DefaultMaxOutstandingChunks
	}
	return c, nil
}

// Request describes a request asking for admission.
type Request struct {
	RequestID string
	// Sources is the number of upstream sources the request will open once admitted.
	Sources int
}

// Snapshot is a consistent view of the admission counters.
type Snapshot struct {
	// QueueDepth counts admitted plus waiting requests.
	QueueDepth int
	// Active counts admitted requests.
	Active int
	// ActiveSources counts the upstream sources of admitted requests.
	ActiveSources int
	// Waiting counts requests waiting for a slot.
	Waiting int
}

// Controller bounds the number of concurrently active requests.
type Controller struct {
	config Config
	clock  clock.Clock
	logger logr.Logger

	mu            sync.Mutex
	active        int
	activeSources int
	waiting       int
	// slotFreed is closed and replaced every time a ticket is released.
	slotFreed chan struct{}
}

// NewController creates an admission controller. The config must already be validated.
func NewController(config Config, clk clock.Clock, logger logr.Logger) *Controller {
	return &Controller{
		config:    config,
		clock:     clk,
		logger:    logger.WithName("admission"),
		slotFreed: make(chan struct{}),
	}
}

// MaxOutstandingChunks returns the per-request bound on buffered chunks for admitted requests.
func (c *Controller) MaxOutstandingChunks() int {
	return c.config.MaxOutstandingChunks
}

// TryAdmit admits the request or refuses it.
//
// When the controller is saturated and `MaxQueueWait` is set, the caller waits for a slot up to that long. A refusal
// wraps both `types.ErrRejected` and `types.ErrOverload`; the engine never retries internally.
func (c *Controller) TryAdmit(ctx context.Context, req Request) (*Ticket, error) {
	var expired <-chan time.Time
	queued := false
	defer func() {
		if queued {
			c.mu.Lock()
			c.waiting--
			c.publishLocked()
			c.mu.Unlock()
		}
	}()

	for {
		c.mu.Lock()
		if c.active < c.config.MaxActive {
			c.active++
			c.activeSources += req.Sources
			waiting := c.waiting
			if queued {
				waiting--
			}
			t := &Ticket{
				controller: c,
				requestID:  req.RequestID,
				sources:    req.Sources,
				AdmittedAt: c.clock.Now(),
				QueueDepth: c.active + waiting,
				Active:     c.active,
			}
			c.publishLocked()
			c.mu.Unlock()
			c.logger.V(logging.VERBOSE).Info("Request admitted", "requestID", req.RequestID, "active", t.Active,
				"queueDepth", t.QueueDepth)
			return t, nil
		}

		if c.config.MaxQueueWait <= 0 {
			c.mu.Unlock()
			return nil, c.reject(req)
		}
		if !queued {
			queued = true
			c.waiting++
			c.publishLocked()
			timer := c.clock.NewTimer(c.config.MaxQueueWait)
			defer timer.Stop()
			expired = timer.C()
		}
		freed := c.slotFreed
		c.mu.Unlock()

		select {
		case <-freed:
		case <-expired:
			return nil, c.reject(req)
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w", types.ErrRejected, ctx.Err())
		}
	}
}

func (c *Controller) reject(req Request) error {
	metrics.RecordAdmissionRejection(RejectReasonOverload)
	c.logger.V(logging.DEFAULT).Info("Request rejected", "requestID", req.RequestID, "reason", RejectReasonOverload)
	return fmt.Errorf("%w: %w: limit of %d active requests reached", types.ErrRejected, types.ErrOverload,
		c.config.MaxActive)
}

// Snapshot returns the current counters.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		QueueDepth:    c.active + c.waiting,
		Active:        c.active,
		ActiveSources: c.activeSources,
		Waiting:       c.waiting,
	}
}

func (c *Controller) release(t *Ticket) {
	c.mu.Lock()
	c.active--
	c.activeSources -= t.sources
	close(c.slotFreed)
	c.slotFreed = make(chan struct{})
	c.publishLocked()
	c.mu.Unlock()
	c.logger.V(logging.VERBOSE).Info("Admission slot released", "requestID", t.requestID)
}

func (c *Controller) publishLocked() {
	metrics.SetAdmissionGauges(c.active, c.activeSources, c.waiting)
}

// Ticket is the proof of admission for one request.
type Ticket struct {
	controller *Controller
	requestID  string
	sources    int
	once       sync.Once

	// AdmittedAt is when the slot was granted.
	AdmittedAt time.Time
	// QueueDepth is the number of admitted plus waiting requests right after admission.
	QueueDepth int
	// Active is the number of admitted requests right after admission, this one included.
	Active int
}

// Release returns the slot to the controller. Calls after the first are no-ops.
func (t *Ticket) Release() {
	t.once.Do(func() {
		t.controller.release(t)
	})
}
