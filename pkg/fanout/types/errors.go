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

package types

import (
	"errors"
)

// --- High-Level Outcome Errors ---

var (
	// ErrRejected indicates a request was refused before a coordinator was created for it. Errors returned by
	// `FanoutController.Query()` that signify pre-admission refusal wrap this error.
	ErrRejected = errors.New("request rejected before admission")

	// ErrCancelled indicates a request reached the CANCELLED state. The specific cause (client disconnect, explicit
	// cancel, total upstream failure) is wrapped alongside it.
	ErrCancelled = errors.New("request cancelled")
)

// --- Admission Errors ---

var (
	// ErrOverload indicates the concurrency limit was reached. Clients are expected to retry later; the engine never
	// retries internally.
	ErrOverload = errors.New("overload: too many active requests")

	// ErrDuplicateRequest indicates a request id is already active or finished recently.
	ErrDuplicateRequest = errors.New("duplicate request id")

	// ErrControllerNotRunning indicates the controller is shutting down and no longer admits work.
	ErrControllerNotRunning = errors.New("fan-out controller is not running")
)

// --- Upstream Errors ---

var (
	// ErrUpstreamUnavailable indicates a chunk source could not be opened or dropped mid-stream. The affected team is
	// marked final-with-failure and the request continues with the surviving teams.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrBackpressureTimeout indicates a source stayed paused beyond the backpressure grace period. It is handled like
	// `ErrUpstreamUnavailable` for that source.
	ErrBackpressureTimeout = errors.New("backpressure timeout")

	// ErrMalformedChunk indicates a duplicate or out-of-order sequence number, or a chunk after a source's final chunk.
	// The chunk is discarded; the request continues.
	ErrMalformedChunk = errors.New("malformed chunk")

	// ErrBothTeamsFailed indicates every team's source failed, so there is nothing left to relay.
	ErrBothTeamsFailed = errors.New("all teams failed")

	// ErrCancellationTimeout indicates an upstream team leader did not acknowledge cancellation within the grace
	// period. The coordinator still reaches CANCELLED locally.
	ErrCancellationTimeout = errors.New("cancellation not acknowledged")
)

// --- Queue Errors ---

var (
	// ErrQueueClosed indicates a push raced with cancellation; the chunk was accepted and dropped.
	ErrQueueClosed = errors.New("feeder queue is discarding")
)
