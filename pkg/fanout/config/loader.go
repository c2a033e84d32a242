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

package config

import (
	"fmt"
	"os"

	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/util/sets"
	"sigs.k8s.io/yaml"

	"github.com/firequery/fanout/pkg/fanout/admission"
	"github.com/firequery/fanout/pkg/fanout/coordinator"
	"github.com/firequery/fanout/pkg/fanout/fairness"
	"github.com/firequery/fanout/pkg/fanout/teams"
	"github.com/firequery/fanout/pkg/fanout/types"
)

const (
	defaultRole          = "leader"
	defaultListenAddress = ":50051"
	defaultEventLogDir   = "logs"
)

// LoadTopologyFile reads and loads a topology file.
func LoadTopologyFile(path string, logger logr.Logger) (*Topology, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read topology file %q - %w", path, err)
	}
	return LoadTopology(raw, logger)
}

// LoadTopology parses YAML (or JSON) topology text, applies defaults and validates it. Unknown fields are errors.
func LoadTopology(raw []byte, logger logr.Logger) (*Topology, error) {
	t := &Topology{}
	if err := yaml.UnmarshalStrict(raw, t); err != nil {
		return nil, fmt.Errorf("the topology is invalid - %w", err)
	}
	setDefaults(t)
	if err := validate(t); err != nil {
		return nil, fmt.Errorf("the topology is invalid - %w", err)
	}
	logger.Info("Loaded topology", "processID", t.ProcessID, "teams", len(t.Teams))
	return t, nil
}

func setDefaults(t *Topology) {
	if t.Role == "" {
		t.Role = defaultRole
	}
	if t.ListenAddress == "" {
		t.ListenAddress = defaultListenAddress
	}
	if t.EventLogDir == "" {
		t.EventLogDir = defaultEventLogDir
	}
	if t.Coordinator.FairnessPolicy == "" {
		t.Coordinator.FairnessPolicy = string(fairness.MaxMinFairnessPolicyName)
	}
	if t.Coordinator.FairnessUnit == "" {
		t.Coordinator.FairnessUnit = string(types.VolumeUnitRecords)
	}
}

func validate(t *Topology) error {
	if t.ProcessID == "" {
		return fmt.Errorf("processId is required")
	}
	if len(t.Teams) == 0 {
		return fmt.Errorf("at least one team is required")
	}
	names := sets.New[string]()
	for i, team := range t.Teams {
		if team.Name == "" {
			return fmt.Errorf("teams[%d] is missing a name", i)
		}
		if names.Has(team.Name) {
			return fmt.Errorf("teams[%d] has duplicate name '%s'", i, team.Name)
		}
		names.Insert(team.Name)
		if team.Leader.ProcessID == "" || team.Leader.Address == "" {
			return fmt.Errorf("teams[%s] leader needs both processId and address", team.Name)
		}
		if team.Leader.ProcessID == t.ProcessID {
			return fmt.Errorf("teams[%s] is led by this process '%s'", team.Name, t.ProcessID)
		}
	}
	if _, err := t.Mapping(); err != nil {
		return err
	}
	if _, err := types.ParseVolumeUnit(t.Coordinator.FairnessUnit); err != nil {
		return err
	}
	if _, err := fairness.NewPolicyFromName(fairness.RegisteredPolicyName(t.Coordinator.FairnessPolicy)); err != nil {
		return err
	}
	if _, err := t.AdmissionConfig().ValidateAndApplyDefaults(); err != nil {
		return err
	}
	return nil
}

// Mapping builds the team mapping in configuration order.
func (t *Topology) Mapping() (*teams.Mapping, error) {
	specs := make([]teams.Team, 0, len(t.Teams))
	for _, team := range t.Teams {
		specs = append(specs, teams.Team{
			ID:      types.TeamID(team.Name),
			Leader:  team.Leader.ProcessID,
			Members: sets.New(team.Members...),
		})
	}
	return teams.NewMapping(specs...)
}

// Leaders returns the team leaders to delegate to, in configuration order.
func (t *Topology) Leaders() []EndpointSpec {
	out := make([]EndpointSpec, 0, len(t.Teams))
	for _, team := range t.Teams {
		out = append(out, team.Leader)
	}
	return out
}

// CoordinatorOptions converts the coordinator section into config options. Unset fields keep the coordinator
// defaults.
func (t *Topology) CoordinatorOptions() []coordinator.ConfigOption {
	c := t.Coordinator
	opts := []coordinator.ConfigOption{
		coordinator.WithPolicy(fairness.RegisteredPolicyName(c.FairnessPolicy)),
		coordinator.WithUnit(types.VolumeUnit(c.FairnessUnit)),
	}
	if c.MaxConsecutive != 0 {
		opts = append(opts, coordinator.WithMaxConsecutive(c.MaxConsecutive))
	}
	if c.CoActiveWait != nil {
		opts = append(opts, coordinator.WithCoActiveWait(c.CoActiveWait.Duration))
	}
	if c.CancelGrace != nil {
		opts = append(opts, coordinator.WithCancelGrace(c.CancelGrace.Duration))
	}
	if c.BackpressureTimeout != nil {
		opts = append(opts, coordinator.WithBackpressureTimeout(c.BackpressureTimeout.Duration))
	}
	return opts
}

// AdmissionConfig converts the admission section. Defaults are applied by the admission package.
func (t *Topology) AdmissionConfig() admission.Config {
	a := t.Admission
	cfg := admission.Config{MaxActive: a.MaxActive, MaxOutstandingChunks: a.MaxOutstandingChunks}
	if a.MaxQueueWait != nil {
		cfg.MaxQueueWait = a.MaxQueueWait.Duration
	}
	return cfg
}
