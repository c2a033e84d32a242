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

	"github.com/firequery/fanout/pkg/fanout/types"
)

// ChunkSource is one upstream process, typically a team leader relaying its workers' output.
type ChunkSource interface {
	// ProcessID returns the process identity of the upstream.
	ProcessID() string
	// Open delegates the query and returns the stream of chunks it produces.
	Open(ctx context.Context, query types.Query) (ChunkStream, error)
	// Cancel asks the upstream to stop working on a request. It reports whether the upstream acknowledged.
	Cancel(ctx context.Context, requestID string) (bool, error)
}

// ChunkStream yields the chunks of one delegated request. Recv returns io.EOF once the upstream closed the stream
// normally; any other error is a stream failure.
type ChunkStream interface {
	Recv() (*types.Chunk, error)
}

// FlowSignaler is optionally implemented by a ChunkStream that can forward backpressure to its upstream.
type FlowSignaler interface {
	Pause() error
	Resume() error
}

// ClientStream is the client-facing side of a request.
type ClientStream interface {
	Send(*types.Chunk) error
}
