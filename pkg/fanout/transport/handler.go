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

	"github.com/go-logr/logr"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/firequery/fanout/pkg/common/observability/logging"
	"github.com/firequery/fanout/pkg/fanout/controller"
	"github.com/firequery/fanout/pkg/fanout/coordinator"
	"github.com/firequery/fanout/pkg/fanout/types"
	errutil "github.com/firequery/fanout/pkg/fanout/util/error"
)

// QueryController is the part of `controller.FanoutController` the handler serves.
type QueryController interface {
	Query(ctx context.Context, query types.Query, stream coordinator.ClientStream) (*coordinator.Result, error)
	Cancel(ctx context.Context, requestID string) (bool, error)
	Health() controller.Health
}

// Handler serves the client-facing FireQuery API of a fan-out leader.
type Handler struct {
	controller       QueryController
	logger           logr.Logger
	defaultChunkSize int32
}

var _ FireQueryServer = &Handler{}

// HandlerOption customizes a Handler.
type HandlerOption func(*Handler)

// WithDefaultChunkSize sets the chunk size requested from workers when a query leaves it unset.
func WithDefaultChunkSize(n int32) HandlerOption {
	return func(h *Handler) {
		h.defaultChunkSize = n
	}
}

// NewHandler creates a handler.
func NewHandler(c QueryController, logger logr.Logger, opts ...HandlerOption) *Handler {
	h := &Handler{controller: c, logger: logger.WithName("handler")}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// QueryFire runs the query and streams the merged chunks. A request that ends CANCELLED returns a status error
// carrying the reason; partial results end with a normal final chunk.
func (h *Handler) QueryFire(req *QueryRequest, stream QueryFireServer) error {
	ctx := stream.Context()
	out := &clientStream{stream: stream}
	query := req.ToQuery()
	if query.ChunkSize <= 0 {
		query.ChunkSize = h.defaultChunkSize
	}
	res, err := h.controller.Query(ctx, query, out)
	if err != nil {
		h.logger.V(logging.DEFAULT).Info("Query did not finish", "requestID", req.RequestID,
			"code", errutil.CanonicalCode(errutil.Classify(err)), "error", err.Error())
		return errutil.ToStatus(err)
	}
	h.logger.V(logging.VERBOSE).Info("Query finished", "requestID", res.RequestID, "partial", res.Partial(),
		"chunks", res.Relayed.Chunks, "records", res.Relayed.Records)
	return nil
}

// DelegateQuery is served by team leaders, not by the fan-out leader.
func (h *Handler) DelegateQuery(DelegateQueryServer) error {
	return status.Error(codes.Unimplemented, "DelegateQuery is served by team leaders")
}

// HealthCheck reports the controller's load.
func (h *Handler) HealthCheck(_ context.Context, _ *HealthRequest) (*HealthResponse, error) {
	health := h.controller.Health()
	return &HealthResponse{
		RespondingProcess: health.ProcessID,
		IsHealthy:         health.Healthy,
		PendingRequests:   int32(health.Pending),
		ActiveWorkers:     int32(health.Upstreams),
	}, nil
}

// CancelQuery cancels an active request.
func (h *Handler) CancelQuery(ctx context.Context, req *CancelRequest) (*CancelResponse, error) {
	cancelled, err := h.controller.Cancel(ctx, req.RequestID)
	if err != nil {
		return nil, errutil.ToStatus(err)
	}
	msg := "request not found"
	if cancelled {
		msg = "query cancellation acknowledged"
	}
	h.logger.V(logging.VERBOSE).Info("Cancel requested", "requestID", req.RequestID, "requestingProcess",
		req.RequestingProcess, "cancelled", cancelled)
	return &CancelResponse{RequestID: req.RequestID, Cancelled: cancelled, Message: msg}, nil
}

// clientStream numbers the relayed chunks and fills the totals of the final one.
type clientStream struct {
	stream  QueryFireServer
	chunks  int64
	records int64
}

var _ coordinator.ClientStream = &clientStream{}

func (c *clientStream) Send(chunk *types.Chunk) error {
	resp := &QueryResponse{
		RequestID:     chunk.RequestID,
		ChunkNumber:   c.chunks,
		TotalChunks:   -1,
		IsFinal:       chunk.Final,
		SourceProcess: chunk.SourceProcess,
		Records:       chunk.Records,
	}
	if chunk.Final {
		resp.TotalChunks = c.chunks + 1
		resp.TotalRecords = c.records
	}
	if err := c.stream.Send(resp); err != nil {
		return err
	}
	c.chunks++
	c.records += int64(len(chunk.Records))
	return nil
}
