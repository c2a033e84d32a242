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

	"google.golang.org/grpc"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "firequery.FireQueryService"

const (
	queryFireMethod     = "/" + ServiceName + "/QueryFire"
	delegateQueryMethod = "/" + ServiceName + "/DelegateQuery"
	healthCheckMethod   = "/" + ServiceName + "/HealthCheck"
	cancelQueryMethod   = "/" + ServiceName + "/CancelQuery"
)

// FireQueryServer is the server API of the FireQuery service.
type FireQueryServer interface {
	// QueryFire streams the merged result of a client query.
	QueryFire(*QueryRequest, QueryFireServer) error
	// DelegateQuery runs a delegated query for a team. The client sends a DelegationRequest first and may follow with
	// flow-control messages.
	DelegateQuery(DelegateQueryServer) error
	HealthCheck(context.Context, *HealthRequest) (*HealthResponse, error)
	CancelQuery(context.Context, *CancelRequest) (*CancelResponse, error)
}

// QueryFireServer is the server side of a QueryFire stream.
type QueryFireServer interface {
	Send(*QueryResponse) error
	grpc.ServerStream
}

// DelegateQueryServer is the server side of a DelegateQuery stream.
type DelegateQueryServer interface {
	Send(*DelegationResponse) error
	Recv() (*DelegationMessage, error)
	grpc.ServerStream
}

// RegisterFireQueryServer registers srv on s.
func RegisterFireQueryServer(s grpc.ServiceRegistrar, srv FireQueryServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// ServiceDesc describes the FireQuery service. Messages are CBOR encoded; clients select the codec with
// `grpc.CallContentSubtype(CodecName)`, which `Client` does on every call.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*FireQueryServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "HealthCheck", Handler: healthCheckHandler},
		{MethodName: "CancelQuery", Handler: cancelQueryHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "QueryFire", Handler: queryFireHandler, ServerStreams: true},
		{StreamName: "DelegateQuery", Handler: delegateQueryHandler, ServerStreams: true, ClientStreams: true},
	},
	Metadata: "firequery.proto",
}

func queryFireHandler(srv any, stream grpc.ServerStream) error {
	in := new(QueryRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(FireQueryServer).QueryFire(in, &queryFireServer{stream})
}

type queryFireServer struct {
	grpc.ServerStream
}

func (s *queryFireServer) Send(m *QueryResponse) error {
	return s.ServerStream.SendMsg(m)
}

func delegateQueryHandler(srv any, stream grpc.ServerStream) error {
	return srv.(FireQueryServer).DelegateQuery(&delegateQueryServer{stream})
}

type delegateQueryServer struct {
	grpc.ServerStream
}

func (s *delegateQueryServer) Send(m *DelegationResponse) error {
	return s.ServerStream.SendMsg(m)
}

func (s *delegateQueryServer) Recv() (*DelegationMessage, error) {
	m := new(DelegationMessage)
	if err := s.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func healthCheckHandler(srv any, ctx context.Context, dec func(any) error,
	interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(HealthRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(FireQueryServer).HealthCheck(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: healthCheckMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(FireQueryServer).HealthCheck(ctx, req.(*HealthRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func cancelQueryHandler(srv any, ctx context.Context, dec func(any) error,
	interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(CancelRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(FireQueryServer).CancelQuery(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: cancelQueryMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(FireQueryServer).CancelQuery(ctx, req.(*CancelRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// Client is the client API of the FireQuery service.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient creates a client over a connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func callOptions(opts []grpc.CallOption) []grpc.CallOption {
	return append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
}

// QueryFireClient is the client side of a QueryFire stream.
type QueryFireClient interface {
	Recv() (*QueryResponse, error)
	grpc.ClientStream
}

// QueryFire starts a query and returns its response stream.
func (c *Client) QueryFire(ctx context.Context, in *QueryRequest, opts ...grpc.CallOption) (QueryFireClient, error) {
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], queryFireMethod, callOptions(opts)...)
	if err != nil {
		return nil, err
	}
	x := &queryFireClient{stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

type queryFireClient struct {
	grpc.ClientStream
}

func (x *queryFireClient) Recv() (*QueryResponse, error) {
	m := new(QueryResponse)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// DelegateQueryClient is the client side of a DelegateQuery stream.
type DelegateQueryClient interface {
	Send(*DelegationMessage) error
	Recv() (*DelegationResponse, error)
	grpc.ClientStream
}

// DelegateQuery opens a delegation stream.
func (c *Client) DelegateQuery(ctx context.Context, opts ...grpc.CallOption) (DelegateQueryClient, error) {
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[1], delegateQueryMethod, callOptions(opts)...)
	if err != nil {
		return nil, err
	}
	return &delegateQueryClient{stream}, nil
}

type delegateQueryClient struct {
	grpc.ClientStream
}

func (x *delegateQueryClient) Send(m *DelegationMessage) error {
	return x.ClientStream.SendMsg(m)
}

func (x *delegateQueryClient) Recv() (*DelegationResponse, error) {
	m := new(DelegationResponse)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// HealthCheck asks the server for its load.
func (c *Client) HealthCheck(ctx context.Context, in *HealthRequest, opts ...grpc.CallOption) (*HealthResponse, error) {
	out := new(HealthResponse)
	if err := c.cc.Invoke(ctx, healthCheckMethod, in, out, callOptions(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

// CancelQuery asks the server to cancel a request.
func (c *Client) CancelQuery(ctx context.Context, in *CancelRequest, opts ...grpc.CallOption) (*CancelResponse, error) {
	out := new(CancelResponse)
	if err := c.cc.Invoke(ctx, cancelQueryMethod, in, out, callOptions(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}
