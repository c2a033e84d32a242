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

// Package runner parses the command line of a fan-out leader and runs it until its context ends.
package runner

import (
	"context"
	"errors"
	"strconv"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	healthPb "google.golang.org/grpc/health/grpc_health_v1"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/manager"

	"github.com/firequery/fanout/internal/runnable"
	"github.com/firequery/fanout/pkg/common/observability/logging"
	"github.com/firequery/fanout/pkg/fanout/config"
	"github.com/firequery/fanout/pkg/fanout/metrics"
	"github.com/firequery/fanout/pkg/fanout/server"
	"github.com/firequery/fanout/version"
)

var setupLog = ctrl.Log.WithName("setup")

// Runner runs a fan-out leader.
type Runner struct {
	executableName string
}

func NewRunner() *Runner {
	return &Runner{executableName: version.Executable}
}

// WithExecutableName sets the name of the executable containing the runner.
// The name is used in the version log upon startup and is otherwise opaque.
func (r *Runner) WithExecutableName(exeName string) *Runner {
	r.executableName = exeName
	return r
}

// Run parses args, builds the leader, and serves until ctx ends or a server fails.
func (r *Runner) Run(ctx context.Context, args []string) error {
	opts := server.NewOptions()
	fs := pflag.NewFlagSet(r.executableName, pflag.ContinueOnError)
	opts.AddFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := opts.Complete(); err != nil {
		return err
	}
	logging.InitLogging(&opts.ZapOptions)

	setupLog.Info(r.executableName+" build", "commit-sha", version.CommitSHA, "build-ref", version.BuildRef)
	if err := opts.Validate(); err != nil {
		setupLog.Error(err, "Failed to validate flags")
		return err
	}

	// Print all flag values
	flags := make(map[string]any)
	fs.VisitAll(func(f *pflag.Flag) {
		flags[f.Name] = f.Value
	})
	setupLog.Info("Flags processed", "flags", flags)

	topology, err := loadTopology(opts)
	if err != nil {
		setupLog.Error(err, "Failed to load topology")
		return err
	}
	setupLog.Info("Topology loaded", "processID", topology.ProcessID, "role", topology.Role,
		"teams", len(topology.Teams), "partitions", topology.Partitions)

	metrics.Register()
	metrics.RecordBuildInfo(version.CommitSHA, version.BuildRef)

	serverRunner := server.NewRunner(topology, opts, ctrl.Log)
	if err := serverRunner.Setup(); err != nil {
		setupLog.Error(err, "Failed to set up fan-out leader")
		return err
	}
	defer func() {
		if err := serverRunner.Close(); err != nil {
			setupLog.Error(err, "Failed to release fan-out leader resources")
		}
	}()

	runnables, err := serverRunner.Runnables(ctx)
	if err != nil {
		setupLog.Error(err, "Failed to create servers")
		return err
	}
	runnables = append(runnables, r.healthRunnable(serverRunner, opts.GRPCHealthPort))

	setupLog.Info("Fan-out leader starting", "listenAddress", topology.ListenAddress)
	g, gctx := errgroup.WithContext(ctx)
	for _, rn := range runnables {
		g.Go(func() error { return rn.Start(gctx) })
	}
	if err := g.Wait(); err != nil {
		setupLog.Error(err, "Fan-out leader failed")
		return err
	}
	setupLog.Info("Fan-out leader terminated")
	return nil
}

// healthRunnable serves the gRPC liveness and readiness probes.
func (r *Runner) healthRunnable(serverRunner *server.Runner, port int) manager.Runnable {
	srv := grpc.NewServer()
	healthPb.RegisterHealthServer(srv, &healthServer{
		logger: ctrl.Log.WithName("health"),
		health: serverRunner.Controller().Health,
	})
	return runnable.GRPCServer("health", srv, ":"+strconv.Itoa(port), ctrl.Log)
}

func loadTopology(opts *server.Options) (*config.Topology, error) {
	logger := ctrl.Log.WithName("topology")
	switch {
	case opts.TopologyFile != "":
		return config.LoadTopologyFile(opts.TopologyFile, logger)
	case opts.TopologyText != "":
		return config.LoadTopology([]byte(opts.TopologyText), logger)
	default:
		return nil, errors.New("no topology configured")
	}
}
