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

// Package mocks provides test doubles for the eventlog package.
package mocks

import (
	"sync"

	"github.com/firequery/fanout/pkg/fanout/eventlog"
)

// RecordingSink is a thread-safe `eventlog.Sink` that keeps every event in memory.
type RecordingSink struct {
	mu     sync.Mutex
	events []eventlog.Event
	closed bool
}

var _ eventlog.Sink = &RecordingSink{}

// Emit records the event.
func (s *RecordingSink) Emit(ev eventlog.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

// Close marks the sink closed.
func (s *RecordingSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Events returns a copy of the recorded events.
func (s *RecordingSink) Events() []eventlog.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]eventlog.Event(nil), s.events...)
}

// EventsFor returns the recorded events of one request, optionally filtered by kind.
func (s *RecordingSink) EventsFor(requestID string, kinds ...eventlog.Kind) []eventlog.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []eventlog.Event
	for _, ev := range s.events {
		if ev.RequestID != requestID {
			continue
		}
		if len(kinds) == 0 {
			out = append(out, ev)
			continue
		}
		for _, k := range kinds {
			if ev.Kind == k {
				out = append(out, ev)
				break
			}
		}
	}
	return out
}

// Closed reports whether Close was called.
func (s *RecordingSink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
