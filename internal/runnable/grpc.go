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

// Package runnable adapts long-running servers to controller-runtime `manager.Runnable`s so a runner can supervise
// them uniformly.
package runnable

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/go-logr/logr"
	"google.golang.org/grpc"
	"sigs.k8s.io/controller-runtime/pkg/manager"
)

// GRPCServer converts the given gRPC server into a runnable listening on address.
// The server name is just being used for logging.
func GRPCServer(name string, srv *grpc.Server, address string, logger logr.Logger) manager.Runnable {
	return manager.RunnableFunc(func(ctx context.Context) error {
		lis, err := net.Listen("tcp", address)
		if err != nil {
			return fmt.Errorf("gRPC server %s failed to listen - %w", name, err)
		}
		return ServeGRPC(ctx, name, srv, lis, logger)
	})
}

// ServeGRPC serves srv on lis until ctx ends, then stops it gracefully.
func ServeGRPC(ctx context.Context, name string, srv *grpc.Server, lis net.Listener, logger logr.Logger) error {
	// Use "name" key as that is what manager.Server does as well.
	log := logger.WithValues("name", name)
	log.Info("gRPC server listening", "address", lis.Addr().String())

	doneCh := make(chan struct{})
	defer close(doneCh)
	go func() {
		select {
		case <-ctx.Done():
			log.Info("gRPC server shutting down")
			srv.GracefulStop()
		case <-doneCh:
		}
	}()

	if err := srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("gRPC server %s failed - %w", name, err)
	}
	log.Info("gRPC server terminated")
	return nil
}
