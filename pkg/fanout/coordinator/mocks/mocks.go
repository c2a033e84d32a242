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

// Package mocks provides scripted chunk sources and client streams for testing coordinators and controllers.
package mocks

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/firequery/fanout/pkg/fanout/coordinator"
	"github.com/firequery/fanout/pkg/fanout/types"
)

// Chunks builds n sequential chunks from source, each carrying recordsPerChunk records. The last one is final.
func Chunks(source string, n, recordsPerChunk int) []*types.Chunk {
	out := make([]*types.Chunk, 0, n)
	for i := range n {
		c := &types.Chunk{
			SourceProcess: source,
			Sequence:      int64(i),
			Records:       make([]types.Record, recordsPerChunk),
			Final:         i == n-1,
		}
		for j := range c.Records {
			c.Records[j] = types.Record{SiteID: source, AQI: int32(i)}
		}
		out = append(out, c)
	}
	return out
}

// MockChunkSource is a `coordinator.ChunkSource` that replays a script.
//
// After the script the stream returns `ErrAfter` if set, blocks until the context ends if `Hang` is set, and ends
// normally otherwise.
type MockChunkSource struct {
	ID       string
	Script   []*types.Chunk
	OpenErr  error
	ErrAfter error
	Hang     bool
	// CancelHang makes Cancel block until its context ends instead of acknowledging.
	CancelHang bool
	// Hold, when set, stops the stream before script entry HoldAt until Hold is closed.
	Hold   <-chan struct{}
	HoldAt int

	opened    atomic.Int32
	cancelled atomic.Int32
	pauses    atomic.Int32
	resumes   atomic.Int32
}

var _ coordinator.ChunkSource = &MockChunkSource{}

// ProcessID returns the configured id.
func (s *MockChunkSource) ProcessID() string { return s.ID }

// Open returns a stream over the script.
func (s *MockChunkSource) Open(ctx context.Context, query types.Query) (coordinator.ChunkStream, error) {
	s.opened.Add(1)
	if s.OpenErr != nil {
		return nil, s.OpenErr
	}
	return &mockStream{ctx: ctx, source: s, requestID: query.RequestID}, nil
}

// Cancel acknowledges, or hangs when CancelHang is set.
func (s *MockChunkSource) Cancel(ctx context.Context, _ string) (bool, error) {
	s.cancelled.Add(1)
	if s.CancelHang {
		<-ctx.Done()
		return false, ctx.Err()
	}
	return true, nil
}

// Opened returns how many streams were opened.
func (s *MockChunkSource) Opened() int { return int(s.opened.Load()) }

// Cancelled returns how many cancellation calls were received.
func (s *MockChunkSource) Cancelled() int { return int(s.cancelled.Load()) }

// Pauses returns how many times the stream was paused by backpressure.
func (s *MockChunkSource) Pauses() int { return int(s.pauses.Load()) }

// Resumes returns how many times the stream was resumed.
func (s *MockChunkSource) Resumes() int { return int(s.resumes.Load()) }

type mockStream struct {
	ctx       context.Context
	source    *MockChunkSource
	requestID string
	next      int
	held      bool
}

var _ coordinator.FlowSignaler = &mockStream{}

func (m *mockStream) Recv() (*types.Chunk, error) {
	if err := m.ctx.Err(); err != nil {
		return nil, err
	}
	if m.source.Hold != nil && !m.held && m.next == m.source.HoldAt {
		m.held = true
		select {
		case <-m.source.Hold:
		case <-m.ctx.Done():
			return nil, m.ctx.Err()
		}
	}
	if m.next < len(m.source.Script) {
		c := *m.source.Script[m.next]
		c.RequestID = m.requestID
		m.next++
		return &c, nil
	}
	switch {
	case m.source.ErrAfter != nil:
		return nil, m.source.ErrAfter
	case m.source.Hang:
		<-m.ctx.Done()
		return nil, m.ctx.Err()
	default:
		return nil, io.EOF
	}
}

func (m *mockStream) Pause() error {
	m.source.pauses.Add(1)
	return nil
}

func (m *mockStream) Resume() error {
	m.source.resumes.Add(1)
	return nil
}

// ErrClientClosed is returned by a MockClientStream configured to fail.
var ErrClientClosed = errors.New("mock client closed")

// MockClientStream is a `coordinator.ClientStream` that records every chunk it is sent.
type MockClientStream struct {
	// Gate, when set, blocks every Send until it is closed.
	Gate chan struct{}
	// FailAfter makes Send fail once this many chunks were accepted. Zero or negative never fails.
	FailAfter int

	mu     sync.Mutex
	chunks []*types.Chunk
}

var _ coordinator.ClientStream = &MockClientStream{}

// Send records the chunk.
func (c *MockClientStream) Send(chunk *types.Chunk) error {
	if c.Gate != nil {
		<-c.Gate
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FailAfter > 0 && len(c.chunks) >= c.FailAfter {
		return ErrClientClosed
	}
	cp := *chunk
	c.chunks = append(c.chunks, &cp)
	return nil
}

// Chunks returns the recorded chunks.
func (c *MockClientStream) Chunks() []*types.Chunk {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*types.Chunk(nil), c.chunks...)
}

// Data returns the recorded chunks without the trailing final chunk.
func (c *MockClientStream) Data() []*types.Chunk {
	all := c.Chunks()
	if n := len(all); n > 0 && all[n-1].Final {
		return all[:n-1]
	}
	return all
}
