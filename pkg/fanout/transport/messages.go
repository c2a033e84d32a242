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
	"fmt"

	"github.com/firequery/fanout/pkg/fanout/types"
)

// FireRecord is one air-quality observation on the wire.
type FireRecord = types.Record

// QueryRequest is the client's query.
type QueryRequest struct {
	RequestID     string  `cbor:"request_id"`
	DateStart     string  `cbor:"date_start"`
	DateEnd       string  `cbor:"date_end"`
	PollutantType string  `cbor:"pollutant_type,omitempty"`
	LatitudeMin   float64 `cbor:"latitude_min"`
	LatitudeMax   float64 `cbor:"latitude_max"`
	LongitudeMin  float64 `cbor:"longitude_min"`
	LongitudeMax  float64 `cbor:"longitude_max"`
	MaxRecords    int32   `cbor:"max_records"`
	ChunkSize     int32   `cbor:"chunk_size"`
}

// QueryResponse is one chunk of the merged stream sent to the client. Only the final chunk carries the totals.
type QueryResponse struct {
	RequestID     string       `cbor:"request_id"`
	ChunkNumber   int64        `cbor:"chunk_number"`
	TotalChunks   int64        `cbor:"total_chunks"`
	IsFinal       bool         `cbor:"is_final"`
	SourceProcess string       `cbor:"source_process"`
	Records       []FireRecord `cbor:"records"`
	TotalRecords  int64        `cbor:"total_records"`
}

// DelegationRequest asks a team leader to run a query for its team.
type DelegationRequest struct {
	RequestID         string `cbor:"request_id"`
	DelegatingProcess string `cbor:"delegating_process"`
	// OriginalQuery is the CBOR-encoded QueryRequest.
	OriginalQuery []byte `cbor:"original_query"`
}

// ControlAction is a flow-control signal sent to an upstream on an open delegation stream.
type ControlAction string

const (
	ControlPause  ControlAction = "pause"
	ControlResume ControlAction = "resume"
)

// DelegationControl is a flow-control message.
type DelegationControl struct {
	RequestID string        `cbor:"request_id"`
	Action    ControlAction `cbor:"action"`
}

// DelegationMessage is one client-to-server message of a DelegateQuery stream. The first message carries Request,
// later ones carry Control.
type DelegationMessage struct {
	Request *DelegationRequest `cbor:"request,omitempty"`
	Control *DelegationControl `cbor:"control,omitempty"`
}

// DelegationResponse is one chunk produced by a team.
type DelegationResponse struct {
	RequestID         string       `cbor:"request_id"`
	ChunkNumber       int64        `cbor:"chunk_number"`
	IsFinal           bool         `cbor:"is_final"`
	RespondingProcess string       `cbor:"responding_process"`
	Records           []FireRecord `cbor:"records"`
}

// HealthRequest asks a process for its load.
type HealthRequest struct {
	RequestingProcess string `cbor:"requesting_process"`
}

// HealthResponse reports a process's load.
type HealthResponse struct {
	RespondingProcess string `cbor:"responding_process"`
	IsHealthy         bool   `cbor:"is_healthy"`
	PendingRequests   int32  `cbor:"pending_requests"`
	ActiveWorkers     int32  `cbor:"active_workers"`
}

// CancelRequest asks a process to cancel a request.
type CancelRequest struct {
	RequestID         string `cbor:"request_id"`
	RequestingProcess string `cbor:"requesting_process"`
}

// CancelResponse acknowledges a CancelRequest.
type CancelResponse struct {
	RequestID string `cbor:"request_id"`
	Cancelled bool   `cbor:"cancelled"`
	Message   string `cbor:"message,omitempty"`
}

// ToQuery converts the wire request. A request without bounds covers the whole world.
func (r *QueryRequest) ToQuery() types.Query {
	bounds := types.BoundingBox{LatMin: r.LatitudeMin, LatMax: r.LatitudeMax, LonMin: r.LongitudeMin, LonMax: r.LongitudeMax}
	if bounds == (types.BoundingBox{}) {
		bounds = types.WholeWorld
	}
	return types.Query{
		RequestID:     r.RequestID,
		DateStart:     r.DateStart,
		DateEnd:       r.DateEnd,
		PollutantType: r.PollutantType,
		Bounds:        bounds,
		MaxRecords:    r.MaxRecords,
		ChunkSize:     r.ChunkSize,
	}
}

// NewQueryRequest converts a query to its wire form.
func NewQueryRequest(q types.Query) *QueryRequest {
	return &QueryRequest{
		RequestID:     q.RequestID,
		DateStart:     q.DateStart,
		DateEnd:       q.DateEnd,
		PollutantType: q.PollutantType,
		LatitudeMin:   q.Bounds.LatMin,
		LatitudeMax:   q.Bounds.LatMax,
		LongitudeMin:  q.Bounds.LonMin,
		LongitudeMax:  q.Bounds.LonMax,
		MaxRecords:    q.MaxRecords,
		ChunkSize:     q.ChunkSize,
	}
}

// NewDelegationRequest builds the delegation of q on behalf of the delegating process.
func NewDelegationRequest(q types.Query, delegatingProcess string) (*DelegationRequest, error) {
	original, err := Codec{}.Marshal(NewQueryRequest(q))
	if err != nil {
		return nil, err
	}
	return &DelegationRequest{RequestID: q.RequestID, DelegatingProcess: delegatingProcess, OriginalQuery: original}, nil
}

// Query decodes the delegated query.
func (r *DelegationRequest) Query() (types.Query, error) {
	var q QueryRequest
	if err := (Codec{}).Unmarshal(r.OriginalQuery, &q); err != nil {
		return types.Query{}, fmt.Errorf("delegation %q carries an undecodable query: %w", r.RequestID, err)
	}
	if q.RequestID == "" {
		q.RequestID = r.RequestID
	}
	return q.ToQuery(), nil
}

// ToChunk converts a team chunk to the engine's chunk.
func (r *DelegationResponse) ToChunk() *types.Chunk {
	return &types.Chunk{
		RequestID:     r.RequestID,
		SourceProcess: r.RespondingProcess,
		Sequence:      r.ChunkNumber,
		Records:       r.Records,
		Final:         r.IsFinal,
	}
}

// NewDelegationResponse converts an engine chunk to a team chunk.
func NewDelegationResponse(c *types.Chunk) *DelegationResponse {
	return &DelegationResponse{
		RequestID:         c.RequestID,
		ChunkNumber:       c.Sequence,
		IsFinal:           c.Final,
		RespondingProcess: c.SourceProcess,
		Records:           c.Records,
	}
}
