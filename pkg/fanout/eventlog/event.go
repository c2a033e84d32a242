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

// Package eventlog is the LifecycleEventSink: an append-only, per-process log of timestamped request lifecycle
// events consumed by offline analysis.
package eventlog

import (
	"time"
)

// Kind is the kind of a lifecycle event.
type Kind string

const (
	// KindEnqueue is emitted when a request is admitted.
	KindEnqueue Kind = "ENQUEUE"
	// KindStartDelegate is emitted when delegation to the team leaders is issued.
	KindStartDelegate Kind = "START_DELEGATE"
	// KindChunkRelay is emitted for every chunk relayed to the client.
	KindChunkRelay Kind = "CHUNK_RELAY"
	// KindFinish is emitted once per request when it reaches a terminal state.
	KindFinish Kind = "FINISH"
)

// Event is one lifecycle row. Timestamps are assigned by the sink when the event is emitted.
type Event struct {
	Kind      Kind
	RequestID string
	// Process is the source process token the event concerns.
	Process     string
	QueueDepth  int
	ActiveCount int
	ChunkNumber int64
	Records     int
	// Extra is free-form text. Its first token identifies the process that originated the event.
	Extra string

	// Wall and Steady are stamped by the sink.
	Wall   time.Time
	Steady time.Duration
}

// Sink receives lifecycle events. Emit must not block the caller for long and must be safe for concurrent use.
type Sink interface {
	Emit(Event)
	Close() error
}

// Discard is a Sink that drops every event.
var Discard Sink = discard{}

type discard struct{}

func (discard) Emit(Event)   {}
func (discard) Close() error { return nil }
