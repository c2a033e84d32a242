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

package runner

import (
	"context"

	"github.com/go-logr/logr"
	"google.golang.org/grpc/codes"
	healthPb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/firequery/fanout/pkg/common/observability/logging"
	"github.com/firequery/fanout/pkg/fanout/controller"
	"github.com/firequery/fanout/pkg/fanout/transport"
)

const (
	LivenessCheckService  = "liveness"
	ReadinessCheckService = "readiness"
)

// healthServer answers gRPC probes from the controller's health. A leader is live as long as it answers, and ready
// only while its controller admits queries.
type healthServer struct {
	healthPb.UnimplementedHealthServer
	logger logr.Logger
	health func() controller.Health
}

func (s *healthServer) Check(_ context.Context, in *healthPb.HealthCheckRequest) (*healthPb.HealthCheckResponse, error) {
	var serving bool
	switch in.Service {
	case LivenessCheckService:
		serving = true
	case ReadinessCheckService, transport.ServiceName, "": // empty is the overall health used by load balancers
		h := s.health()
		serving = h.Healthy
		if !serving {
			s.logger.V(logging.DEFAULT).Info("gRPC health check not serving", "service", in.Service,
				"processID", h.ProcessID, "active", h.Active, "pending", h.Pending)
		}
	default:
		s.logger.V(logging.DEFAULT).Info("gRPC health check requested unknown service", "requested-service", in.Service,
			"available-services", []string{LivenessCheckService, ReadinessCheckService, transport.ServiceName})
		return &healthPb.HealthCheckResponse{Status: healthPb.HealthCheckResponse_SERVICE_UNKNOWN}, nil
	}

	if !serving {
		return &healthPb.HealthCheckResponse{Status: healthPb.HealthCheckResponse_NOT_SERVING}, nil
	}
	s.logger.V(logging.TRACE).Info("gRPC health check serving", "service", in.Service)
	return &healthPb.HealthCheckResponse{Status: healthPb.HealthCheckResponse_SERVING}, nil
}

func (s *healthServer) Watch(*healthPb.HealthCheckRequest, healthPb.Health_WatchServer) error {
	return status.Error(codes.Unimplemented, "Watch is not implemented")
}
