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

package eventlog

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/utils/clock"

	"github.com/firequery/fanout/pkg/common/observability/logging"
)

const (
	// DefaultDir is the directory event files are written to when none is configured.
	DefaultDir = "logs"
	// DefaultBufferSize is the default number of events buffered between Emit and the writer goroutine.
	DefaultBufferSize = 1024
)

// Header is the column layout of every event file.
var Header = []string{
	"wall_ms", "steady_ms", "event", "request_id", "process", "role", "hostname", "pid",
	"queue_depth", "active_count", "chunk_number", "records", "extra",
}

// CSVConfig configures a CSVSink.
type CSVConfig struct {
	// Dir is the directory the event file is created in.
	// Optional: Defaults to `DefaultDir`.
	Dir string
	// Role and ProcessID identify this process in the file name and in every row.
	Role      string
	ProcessID string
	// BufferSize is the capacity of the asynchronous append buffer. When it is full, Emit writes synchronously.
	// Optional: Defaults to `DefaultBufferSize`.
	BufferSize int
}

// CSVSink appends events to one CSV file per process, named
// `metrics-<role>-<process>-<host>-<pid>-<start unix ms>.csv`.
type CSVSink struct {
	config   CSVConfig
	clock    clock.PassiveClock
	logger   logr.Logger
	start    time.Time
	hostname string
	pid      int
	path     string

	// closeMu guards closed and the send side of events.
	closeMu sync.RWMutex
	closed  bool
	events  chan Event
	done    chan struct{}

	// writeMu serializes writes from the writer goroutine and the synchronous fallback.
	writeMu sync.Mutex
	file    *os.File
	writer  *csv.Writer
}

var _ Sink = &CSVSink{}

// NewCSVSink creates the event file, writes the header, and starts the writer goroutine.
func NewCSVSink(config CSVConfig, clk clock.PassiveClock, logger logr.Logger) (*CSVSink, error) {
	if config.Dir == "" {
		config.Dir = DefaultDir
	}
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultBufferSize
	}
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	s := &CSVSink{
		config:   config,
		clock:    clk,
		logger:   logger.WithName("eventlog"),
		start:    clk.Now(),
		hostname: hostname,
		pid:      os.Getpid(),
		events:   make(chan Event, config.BufferSize),
		done:     make(chan struct{}),
	}

	if err := os.MkdirAll(config.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create event log directory %q: %w", config.Dir, err)
	}
	name := fmt.Sprintf("metrics-%s-%s-%s-%d-%d.csv", sanitizeToken(config.Role), sanitizeToken(config.ProcessID),
		sanitizeToken(hostname), s.pid, s.start.UnixMilli())
	s.path = filepath.Join(config.Dir, name)
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open event log %q: %w", s.path, err)
	}
	s.file = f
	s.writer = csv.NewWriter(f)
	if err := s.writer.Write(Header); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("failed to write event log header: %w", err)
	}
	s.writer.Flush()

	go s.run()
	s.logger.V(logging.DEFAULT).Info("Event log opened", "path", s.path)
	return s, nil
}

// Path returns the path of the event file.
func (s *CSVSink) Path() string {
	return s.path
}

// Emit stamps the event and appends it. It never blocks on the writer goroutine: when the buffer is full the row is
// written synchronously instead. Events emitted after Close are dropped.
func (s *CSVSink) Emit(ev Event) {
	ev.Wall = s.clock.Now()
	ev.Steady = s.clock.Since(s.start)

	s.closeMu.RLock()
	defer s.closeMu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.events <- ev:
	default:
		s.write(ev)
	}
}

// Close drains buffered events, flushes, and closes the file.
func (s *CSVSink) Close() error {
	s.closeMu.Lock()
	if s.closed {
		s.closeMu.Unlock()
		return nil
	}
	s.closed = true
	close(s.events)
	s.closeMu.Unlock()

	<-s.done
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.writer.Flush()
	if err := s.writer.Error(); err != nil {
		_ = s.file.Close()
		return fmt.Errorf("failed to flush event log: %w", err)
	}
	return s.file.Close()
}

func (s *CSVSink) run() {
	defer close(s.done)
	for ev := range s.events {
		s.write(ev)
	}
}

func (s *CSVSink) write(ev Event) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.writer.Write(s.row(ev)); err != nil {
		s.logger.Error(err, "Failed to append event", "event", ev.Kind, "requestID", ev.RequestID)
		return
	}
	s.writer.Flush()
}

func (s *CSVSink) row(ev Event) []string {
	return []string{
		strconv.FormatInt(ev.Wall.UnixMilli(), 10),
		strconv.FormatFloat(float64(ev.Steady.Microseconds())/1000, 'f', 3, 64),
		string(ev.Kind),
		ev.RequestID,
		ev.Process,
		s.config.Role,
		s.hostname,
		strconv.Itoa(s.pid),
		strconv.Itoa(ev.QueueDepth),
		strconv.Itoa(ev.ActiveCount),
		strconv.FormatInt(ev.ChunkNumber, 10),
		strconv.Itoa(ev.Records),
		sanitizeExtra(ev.Extra),
	}
}

// sanitizeExtra keeps every event on one physical line.
func sanitizeExtra(s string) string {
	return strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ").Replace(s)
}

// sanitizeToken makes a value safe to embed in a file name.
func sanitizeToken(s string) string {
	if s == "" {
		return "unknown"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, s)
}
