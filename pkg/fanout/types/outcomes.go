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

import "strconv"

// RequestState is the lifecycle state of a request owned by a `coordinator.RequestCoordinator`.
//
// The happy path is ADMITTED -> DELEGATING -> STREAMING -> COMPLETING -> FINISHED. CANCELLING -> CANCELLED is
// reachable from every non-terminal state.
type RequestState int

const (
	// RequestStateAdmitted indicates the admission controller accepted the request and its queues exist but are empty.
	RequestStateAdmitted RequestState = iota
	// RequestStateDelegating indicates delegation calls were issued and no chunk has arrived yet.
	RequestStateDelegating
	// RequestStateStreaming indicates at least one chunk arrived and the scheduler is draining.
	RequestStateStreaming
	// RequestStateCompleting indicates every team is final and drained; completion is being recorded.
	RequestStateCompleting
	// RequestStateFinished is terminal: the client received the final chunk.
	RequestStateFinished
	// RequestStateCancelling indicates the coordinator is signalling upstream and discarding buffered chunks.
	RequestStateCancelling
	// RequestStateCancelled is terminal: the request was cancelled or every team failed.
	RequestStateCancelled
)

// String returns the upper-case state name used in logs and events.
func (s RequestState) String() string {
	switch s {
	case RequestStateAdmitted:
		return "ADMITTED"
	case RequestStateDelegating:
		return "DELEGATING"
	case RequestStateStreaming:
		return "STREAMING"
	case RequestStateCompleting:
		return "COMPLETING"
	case RequestStateFinished:
		return "FINISHED"
	case RequestStateCancelling:
		return "CANCELLING"
	case RequestStateCancelled:
		return "CANCELLED"
	default:
		return "UnknownState(" + strconv.Itoa(int(s)) + ")"
	}
}

// IsTerminal reports whether no further transitions are possible.
func (s RequestState) IsTerminal() bool {
	return s == RequestStateFinished || s == RequestStateCancelled
}

// PushOutcome is the result of offering a chunk to a FeederQueue.
type PushOutcome int

const (
	// PushAccepted indicates the chunk was buffered and will be relayed.
	PushAccepted PushOutcome = iota
	// PushBackpressure indicates the queue is at capacity. The chunk was NOT buffered; the producer must pause and
	// offer it again once headroom exists. It is never a loss signal.
	PushBackpressure
	// PushDiscarded indicates the chunk was taken and dropped, either because it was malformed or because the request
	// is being cancelled.
	PushDiscarded
)

// String returns a human-readable representation of the PushOutcome.
func (o PushOutcome) String() string {
	switch o {
	case PushAccepted:
		return "Accepted"
	case PushBackpressure:
		return "Backpressure"
	case PushDiscarded:
		return "Discarded"
	default:
		return "UnknownPushOutcome(" + strconv.Itoa(int(o)) + ")"
	}
}

// TeamOutcome summarizes how a team's contribution to a request ended.
type TeamOutcome int

const (
	// TeamOutcomePending indicates the team has not finished.
	TeamOutcomePending TeamOutcome = iota
	// TeamOutcomeComplete indicates every source of the team sent its final chunk.
	TeamOutcomeComplete
	// TeamOutcomeFailed indicates at least one source failed. Data received before the failure was still relayed.
	TeamOutcomeFailed
)

// String returns a human-readable representation of the TeamOutcome.
func (o TeamOutcome) String() string {
	switch o {
	case TeamOutcomePending:
		return "Pending"
	case TeamOutcomeComplete:
		return "Complete"
	case TeamOutcomeFailed:
		return "Failed"
	default:
		return "UnknownTeamOutcome(" + strconv.Itoa(int(o)) + ")"
	}
}
