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

// Package server assembles a fan-out leader from its topology and options: upstream connections, the
// FanoutController, and the servers exposing it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/multierr"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/utils/clock"
	"sigs.k8s.io/controller-runtime/pkg/manager"
	crmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"

	"github.com/firequery/fanout/internal/runnable"
	tlsutil "github.com/firequery/fanout/internal/tls"
	"github.com/firequery/fanout/pkg/common/observability/profiling"
	"github.com/firequery/fanout/pkg/fanout/admission"
	"github.com/firequery/fanout/pkg/fanout/config"
	"github.com/firequery/fanout/pkg/fanout/controller"
	"github.com/firequery/fanout/pkg/fanout/coordinator"
	"github.com/firequery/fanout/pkg/fanout/eventlog"
	"github.com/firequery/fanout/pkg/fanout/transport"
)

// Runner builds and serves one fan-out leader.
type Runner struct {
	Topology *config.Topology
	Options  *Options
	Clock    clock.Clock
	// DialOptions are used for every team leader connection.
	// Optional: Defaults to insecure transport credentials.
	DialOptions []grpc.DialOption

	logger     logr.Logger
	conns      []*grpc.ClientConn
	sink       eventlog.Sink
	controller *controller.FanoutController
}

// NewRunner returns a runner for the given topology. Command line overrides in opts are applied to the topology.
func NewRunner(topology *config.Topology, opts *Options, logger logr.Logger) *Runner {
	if opts.ProcessID != "" {
		topology.ProcessID = opts.ProcessID
	}
	if opts.GRPCAddress != "" {
		topology.ListenAddress = opts.GRPCAddress
	}
	if opts.EventLogDir != "" {
		topology.EventLogDir = opts.EventLogDir
	}
	return &Runner{
		Topology: topology,
		Options:  opts,
		Clock:    clock.RealClock{},
		logger:   logger.WithName("runner"),
	}
}

// Setup dials the team leaders and creates the controller. Close releases what Setup acquired.
func (r *Runner) Setup() error {
	topo := r.Topology
	mapping, err := topo.Mapping()
	if err != nil {
		return fmt.Errorf("failed to build team mapping - %w", err)
	}
	for _, team := range mapping.Teams() {
		r.logger.Info("Team configured", "team", team.ID.String(), "leader", team.Leader,
			"members", sets.List(team.Members))
	}
	coordConfig, err := coordinator.NewConfig(topo.ProcessID, topo.CoordinatorOptions()...)
	if err != nil {
		return fmt.Errorf("invalid coordinator configuration - %w", err)
	}
	admConfig, err := topo.AdmissionConfig().ValidateAndApplyDefaults()
	if err != nil {
		return fmt.Errorf("invalid admission configuration - %w", err)
	}

	dialOpts := r.DialOptions
	if len(dialOpts) == 0 {
		dialOpts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	sources := make([]coordinator.ChunkSource, 0, len(topo.Teams))
	for _, leader := range topo.Leaders() {
		conn, err := grpc.NewClient(leader.Address, dialOpts...)
		if err != nil {
			return multierr.Append(fmt.Errorf("failed to create client for team leader %s at %s - %w",
				leader.ProcessID, leader.Address, err), r.Close())
		}
		r.conns = append(r.conns, conn)
		sources = append(sources, transport.NewUpstream(leader.ProcessID, topo.ProcessID, conn, r.logger))
		r.logger.Info("Team leader configured", "processID", leader.ProcessID, "address", leader.Address)
	}

	r.sink = eventlog.Discard
	if !r.Options.DisableEventLog {
		sink, err := eventlog.NewCSVSink(eventlog.CSVConfig{
			Dir:       topo.EventLogDir,
			Role:      topo.Role,
			ProcessID: topo.ProcessID,
		}, r.Clock, r.logger)
		if err != nil {
			return multierr.Append(fmt.Errorf("failed to create event log - %w", err), r.Close())
		}
		r.sink = sink
		r.logger.Info("Writing lifecycle events", "path", sink.Path())
	}

	r.controller, err = controller.NewFanoutController(controller.Config{}, coordConfig, coordinator.Dependencies{
		Mapping:   mapping,
		Sources:   sources,
		Admission: admission.NewController(admConfig, r.Clock, r.logger),
		Sink:      r.sink,
		Clock:     r.Clock,
	}, r.logger)
	if err != nil {
		return multierr.Append(err, r.Close())
	}
	return nil
}

// Controller returns the controller created by Setup.
func (r *Runner) Controller() *controller.FanoutController {
	return r.controller
}

// Runnables returns the controller and the servers exposing it. Setup must have succeeded.
func (r *Runner) Runnables(ctx context.Context) ([]manager.Runnable, error) {
	if r.controller == nil {
		return nil, errors.New("runner is not set up")
	}
	var serverOpts []grpc.ServerOption
	if r.Options.SecureServing {
		creds, err := tlsutil.ServerCredentials(ctx, r.Options.CertPath, r.Options.EnableCertReload, r.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to set up secure serving - %w", err)
		}
		serverOpts = append(serverOpts, grpc.Creds(creds))
	}
	srv := grpc.NewServer(serverOpts...)
	transport.RegisterFireQueryServer(srv, transport.NewHandler(r.controller, r.logger,
		transport.WithDefaultChunkSize(int32(r.Topology.DefaultChunkSize))))

	return []manager.Runnable{
		manager.RunnableFunc(r.controller.Run),
		runnable.GRPCServer("fanout", srv, r.Topology.ListenAddress, r.logger),
		runnable.HTTPServer("metrics", r.metricsServer(), r.logger),
	}, nil
}

func (r *Runner) metricsServer() *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(crmetrics.Registry, promhttp.HandlerOpts{}))
	if r.Options.EnablePprof {
		profiling.RegisterPprofHandlers(mux)
	}
	return &http.Server{
		Addr:              ":" + strconv.Itoa(r.Options.MetricsPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// Close closes the team leader connections and the event log.
func (r *Runner) Close() error {
	var err error
	for _, conn := range r.conns {
		err = multierr.Append(err, conn.Close())
	}
	r.conns = nil
	if r.sink != nil {
		err = multierr.Append(err, r.sink.Close())
		r.sink = nil
	}
	return err
}
