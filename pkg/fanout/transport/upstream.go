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

package transport

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/go-logr/logr"
	"google.golang.org/grpc"

	"github.com/firequery/fanout/pkg/common/observability/logging"
	"github.com/firequery/fanout/pkg/fanout/coordinator"
	"github.com/firequery/fanout/pkg/fanout/types"
)

// Upstream is a `coordinator.ChunkSource` backed by a team leader reached over gRPC.
type Upstream struct {
	processID string
	selfID    string
	client    *Client
	logger    logr.Logger
}

var _ coordinator.ChunkSource = &Upstream{}

// NewUpstream creates the source for the team leader processID. selfID is sent as the delegating process.
func NewUpstream(processID, selfID string, cc grpc.ClientConnInterface, logger logr.Logger) *Upstream {
	return &Upstream{
		processID: processID,
		selfID:    selfID,
		client:    NewClient(cc),
		logger:    logger.WithName("upstream").WithValues("upstream", processID),
	}
}

// ProcessID returns the team leader's process id.
func (u *Upstream) ProcessID() string {
	return u.processID
}

// Open delegates the query. The stream lives until ctx ends or the team finishes.
func (u *Upstream) Open(ctx context.Context, query types.Query) (coordinator.ChunkStream, error) {
	req, err := NewDelegationRequest(query, u.selfID)
	if err != nil {
		return nil, err
	}
	stream, err := u.client.DelegateQuery(ctx)
	if err != nil {
		return nil, err
	}
	if err := stream.Send(&DelegationMessage{Request: req}); err != nil {
		return nil, err
	}
	u.logger.V(logging.DEBUG).Info("Delegated query", "requestID", query.RequestID)
	return &upstreamStream{stream: stream, requestID: query.RequestID, logger: u.logger}, nil
}

// Cancel asks the team leader to cancel requestID.
func (u *Upstream) Cancel(ctx context.Context, requestID string) (bool, error) {
	resp, err := u.client.CancelQuery(ctx, &CancelRequest{RequestID: requestID, RequestingProcess: u.selfID})
	if err != nil {
		return false, err
	}
	return resp.Cancelled, nil
}

// Health asks the team leader for its load.
func (u *Upstream) Health(ctx context.Context) (*HealthResponse, error) {
	return u.client.HealthCheck(ctx, &HealthRequest{RequestingProcess: u.selfID})
}

// upstreamStream adapts a DelegateQuery stream to `coordinator.ChunkStream` and `coordinator.FlowSignaler`.
type upstreamStream struct {
	stream    DelegateQueryClient
	requestID string
	logger    logr.Logger

	// sendMu serializes control messages; gRPC allows one concurrent sender.
	sendMu sync.Mutex
	closed bool
}

var (
	_ coordinator.ChunkStream  = &upstreamStream{}
	_ coordinator.FlowSignaler = &upstreamStream{}
)

func (s *upstreamStream) Recv() (*types.Chunk, error) {
	resp, err := s.stream.Recv()
	if errors.Is(err, io.EOF) {
		return nil, io.EOF
	}
	if err != nil {
		return nil, err
	}
	return resp.ToChunk(), nil
}

func (s *upstreamStream) Pause() error {
	return s.control(ControlPause)
}

func (s *upstreamStream) Resume() error {
	return s.control(ControlResume)
}

func (s *upstreamStream) control(action ControlAction) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.closed {
		return nil
	}
	err := s.stream.Send(&DelegationMessage{Control: &DelegationControl{RequestID: s.requestID, Action: action}})
	if errors.Is(err, io.EOF) {
		// The server ended the stream; the error surfaces on the next Recv.
		s.closed = true
		return nil
	}
	s.logger.V(logging.TRACE).Info("Sent flow control", "requestID", s.requestID, "action", string(action))
	return err
}
