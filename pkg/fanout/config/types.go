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

// Package config loads the process topology: who this process is, which teams it fans out to, and the tunables of
// its coordinators.
package config

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// Topology is the on-disk configuration of one fan-out process.
type Topology struct {
	// ProcessID identifies this process in events, logs and final chunks.
	ProcessID string `json:"processId"`
	// Role is recorded in the event log file name.
	// Optional: Defaults to "leader".
	Role string `json:"role,omitempty"`
	// ListenAddress is the gRPC listen address.
	// Optional: Defaults to ":50051".
	ListenAddress string `json:"listenAddress,omitempty"`
	// EventLogDir is where lifecycle event files are written.
	// Optional: Defaults to "logs".
	EventLogDir string `json:"eventLogDir,omitempty"`

	// DefaultChunkSize and Partitions are passed through to workers and never interpreted here.
	DefaultChunkSize int      `json:"defaultChunkSize,omitempty"`
	Partitions       []string `json:"partitions,omitempty"`

	Teams       []TeamSpec      `json:"teams"`
	Coordinator CoordinatorSpec `json:"coordinator,omitempty"`
	Admission   AdmissionSpec   `json:"admission,omitempty"`
}

// TeamSpec describes one team.
type TeamSpec struct {
	Name   string       `json:"name"`
	Leader EndpointSpec `json:"leader"`
	// Members are the processes whose chunks the leader relays. The leader is implicitly a member.
	Members []string `json:"members,omitempty"`
}

// EndpointSpec is a dialable process.
type EndpointSpec struct {
	ProcessID string `json:"processId"`
	Address   string `json:"address"`
}

// CoordinatorSpec holds the per-request tunables.
type CoordinatorSpec struct {
	FairnessPolicy      string           `json:"fairnessPolicy,omitempty"`
	FairnessUnit        string           `json:"fairnessUnit,omitempty"`
	MaxConsecutive      int              `json:"maxConsecutive,omitempty"`
	CoActiveWait        *metav1.Duration `json:"coActiveWait,omitempty"`
	CancelGrace         *metav1.Duration `json:"cancelGrace,omitempty"`
	BackpressureTimeout *metav1.Duration `json:"backpressureTimeout,omitempty"`
}

// AdmissionSpec holds the process-wide admission limits.
type AdmissionSpec struct {
	MaxActive            int              `json:"maxActive,omitempty"`
	MaxQueueWait         *metav1.Duration `json:"maxQueueWait,omitempty"`
	MaxOutstandingChunks int              `json:"maxOutstandingChunks,omitempty"`
}
