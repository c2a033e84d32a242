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

package server

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/firequery/fanout/pkg/common/observability/logging"
	"github.com/firequery/fanout/pkg/fanout/config"
	"github.com/firequery/fanout/pkg/fanout/coordinator/mocks"
	"github.com/firequery/fanout/pkg/fanout/eventlog"
	"github.com/firequery/fanout/pkg/fanout/metrics"
	"github.com/firequery/fanout/pkg/fanout/transport"
	"github.com/firequery/fanout/pkg/fanout/types"
)

// scriptedLeader answers every delegation with a fixed number of chunks.
type scriptedLeader struct {
	id      string
	chunks  int
	records int
}

func (l *scriptedLeader) QueryFire(*transport.QueryRequest, transport.QueryFireServer) error {
	return status.Error(codes.Unimplemented, "team leaders do not serve clients")
}

func (l *scriptedLeader) DelegateQuery(stream transport.DelegateQueryServer) error {
	first, err := stream.Recv()
	if err != nil {
		return err
	}
	q, err := first.Request.Query()
	if err != nil {
		return err
	}
	for _, c := range mocks.Chunks(l.id, l.chunks, l.records) {
		c.RequestID = q.RequestID
		if err := stream.Send(transport.NewDelegationResponse(c)); err != nil {
			return err
		}
	}
	return nil
}

func (l *scriptedLeader) HealthCheck(context.Context, *transport.HealthRequest) (*transport.HealthResponse, error) {
	return &transport.HealthResponse{RespondingProcess: l.id, IsHealthy: true}, nil
}

func (l *scriptedLeader) CancelQuery(_ context.Context, req *transport.CancelRequest) (*transport.CancelResponse, error) {
	return &transport.CancelResponse{RequestID: req.RequestID, Cancelled: true}, nil
}

// bufDialer serves each leader on its own in-memory listener, keyed by the dialed address.
func bufDialer(t *testing.T, leaders map[string]*scriptedLeader) grpc.DialOption {
	t.Helper()
	listeners := map[string]*bufconn.Listener{}
	for addr, leader := range leaders {
		lis := bufconn.Listen(1024 * 1024)
		srv := grpc.NewServer()
		transport.RegisterFireQueryServer(srv, leader)
		go func() { _ = srv.Serve(lis) }()
		t.Cleanup(srv.Stop)
		listeners[addr] = lis
	}
	return grpc.WithContextDialer(func(ctx context.Context, addr string) (net.Conn, error) {
		lis, ok := listeners[addr]
		if !ok {
			return nil, &net.AddrError{Err: "unknown leader", Addr: addr}
		}
		return lis.DialContext(ctx)
	})
}

const runnerTopology = `
processId: A
defaultChunkSize: 100
teams:
- name: green
  leader: {processId: B, address: "passthrough:///green"}
  members: [C]
- name: pink
  leader: {processId: E, address: "passthrough:///pink"}
coordinator:
  cancelGrace: 1s
`

func newTestRunner(t *testing.T, opts *Options) *Runner {
	t.Helper()
	topo, err := config.LoadTopology([]byte(runnerTopology), logging.NewTestLogger())
	require.NoError(t, err)
	r := NewRunner(topo, opts, logging.NewTestLogger())
	r.DialOptions = []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		bufDialer(t, map[string]*scriptedLeader{
			"green": {id: "B", chunks: 3, records: 2},
			"pink":  {id: "E", chunks: 2, records: 4},
		}),
	}
	return r
}

func TestNewRunner_AppliesOverrides(t *testing.T) {
	t.Parallel()
	topo, err := config.LoadTopology([]byte(runnerTopology), logging.NewTestLogger())
	require.NoError(t, err)
	opts := NewOptions()
	opts.ProcessID = "A2"
	opts.GRPCAddress = ":7000"
	opts.EventLogDir = "/var/log/fanout"

	r := NewRunner(topo, opts, logging.NewTestLogger())
	assert.Equal(t, "A2", r.Topology.ProcessID)
	assert.Equal(t, ":7000", r.Topology.ListenAddress)
	assert.Equal(t, "/var/log/fanout", r.Topology.EventLogDir)
}

func TestRunner_QueryEndToEnd(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	opts := NewOptions()
	opts.EventLogDir = dir
	r := newTestRunner(t, opts)
	require.NoError(t, r.Setup())

	runnables, err := r.Runnables(context.Background())
	require.NoError(t, err)
	require.Len(t, runnables, 3)

	ctx, cancel := context.WithCancel(context.Background())
	exited := make(chan error, 1)
	go func() { exited <- runnables[0].Start(ctx) }()
	require.Eventually(t, func() bool { return r.Controller().Health().Healthy }, 5*time.Second, time.Millisecond)

	client := &mocks.MockClientStream{}
	res, err := r.Controller().Query(context.Background(),
		types.Query{RequestID: "q-1", DateStart: "2020-08-10", DateEnd: "2020-08-11"}, client)
	require.NoError(t, err)
	assert.Equal(t, types.RequestStateFinished, res.State)
	assert.Len(t, client.Data(), 5)

	cancel()
	require.NoError(t, <-exited)
	require.NoError(t, r.Close())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	raw, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	require.NoError(t, err)
	content := string(raw)
	assert.True(t, strings.HasPrefix(content, strings.Join(eventlog.Header, ",")))
	assert.Contains(t, content, string(eventlog.KindFinish))
}

func TestRunner_EventLogDisabled(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	opts := NewOptions()
	opts.EventLogDir = dir
	opts.DisableEventLog = true
	r := newTestRunner(t, opts)
	require.NoError(t, r.Setup())
	require.NoError(t, r.Close())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRunner_RunnablesRequireSetup(t *testing.T) {
	t.Parallel()
	r := newTestRunner(t, NewOptions())
	_, err := r.Runnables(context.Background())
	assert.Error(t, err)
}

func TestRunner_MetricsServer(t *testing.T) {
	metrics.Register()
	opts := NewOptions()
	r := newTestRunner(t, opts)
	srv := r.metricsServer()
	assert.Equal(t, ":9090", srv.Addr)

	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "fanout_")

	rec = httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/pprof/goroutine?debug=1", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	opts.EnablePprof = false
	rec = httptest.NewRecorder()
	r.metricsServer().Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/pprof/goroutine", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
