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

package coordinator

import (
	"fmt"
	"time"

	"github.com/firequery/fanout/pkg/fanout/fairness"
	"github.com/firequery/fanout/pkg/fanout/types"
)

const (
	// defaultMaxConsecutive is the default bound K on same-team runs once teams are co-active.
	defaultMaxConsecutive = 3
	// defaultCoActiveWait is the default bound on holding back for an empty co-active team.
	defaultCoActiveWait = 25 * time.Millisecond
	// defaultCancelGrace is the default time allowed for upstream cancellation acknowledgements.
	defaultCancelGrace = 2 * time.Second
	// defaultBackpressureTimeout is the default time a source may stay paused before it is failed.
	defaultBackpressureTimeout = 30 * time.Second
)

// Config holds the configuration shared by every `RequestCoordinator` of a process.
type Config struct {
	// ProcessID identifies this process in events and in the final chunk sent to clients.
	ProcessID string

	// Policy is the registered name of the fairness policy.
	// Optional: Defaults to `fairness.MaxMinFairnessPolicyName`.
	Policy fairness.RegisteredPolicyName

	// MaxConsecutive bounds consecutive same-team relays while another team has a chunk ready.
	// Optional: Defaults to `defaultMaxConsecutive` (3).
	MaxConsecutive int

	// CoActiveWait bounds how long the scheduler may hold back for an empty, still-open co-active team.
	// Optional: Defaults to `defaultCoActiveWait` (25ms). Zero after defaulting is not possible; use a tiny value to
	// effectively disable waiting.
	CoActiveWait time.Duration

	// CancelGrace bounds the time between entering CANCELLING and reaching CANCELLED.
	// Optional: Defaults to `defaultCancelGrace` (2 seconds).
	CancelGrace time.Duration

	// BackpressureTimeout is how long a paused source may stay blocked before it is failed with
	// `types.ErrBackpressureTimeout`.
	// Optional: Defaults to `defaultBackpressureTimeout` (30 seconds).
	BackpressureTimeout time.Duration

	// Unit selects how fairness volume is measured. Queue capacity is always counted in chunks.
	// Optional: Defaults to `types.VolumeUnitRecords`.
	Unit types.VolumeUnit
}

// ConfigOption is a functional option for configuring coordinators.
type ConfigOption func(*Config)

// NewConfig creates a new Config with the given options, applying defaults and validation.
func NewConfig(processID string, opts ...ConfigOption) (*Config, error) {
	c := &Config{
		ProcessID:           processID,
		Policy:              fairness.MaxMinFairnessPolicyName,
		MaxConsecutive:      defaultMaxConsecutive,
		CoActiveWait:        defaultCoActiveWait,
		CancelGrace:         defaultCancelGrace,
		BackpressureTimeout: defaultBackpressureTimeout,
		Unit:                types.VolumeUnitRecords,
	}

	for _, opt := range opts {
		opt(c)
	}

	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// WithPolicy sets the fairness policy.
func WithPolicy(name fairness.RegisteredPolicyName) ConfigOption {
	return func(c *Config) {
		c.Policy = name
	}
}

// WithMaxConsecutive sets the same-team run bound.
func WithMaxConsecutive(k int) ConfigOption {
	return func(c *Config) {
		c.MaxConsecutive = k
	}
}

// WithCoActiveWait sets the co-active wait bound.
func WithCoActiveWait(d time.Duration) ConfigOption {
	return func(c *Config) {
		c.CoActiveWait = d
	}
}

// WithCancelGrace sets the cancellation grace period.
func WithCancelGrace(d time.Duration) ConfigOption {
	return func(c *Config) {
		c.CancelGrace = d
	}
}

// WithBackpressureTimeout sets the backpressure timeout.
func WithBackpressureTimeout(d time.Duration) ConfigOption {
	return func(c *Config) {
		c.BackpressureTimeout = d
	}
}

// WithUnit sets the volume unit.
func WithUnit(u types.VolumeUnit) ConfigOption {
	return func(c *Config) {
		c.Unit = u
	}
}

// validate checks the configuration for validity.
func (c *Config) validate() error {
	if c.ProcessID == "" {
		return fmt.Errorf("ProcessID must be set")
	}
	if _, err := fairness.NewPolicyFromName(c.Policy); err != nil {
		return err
	}
	if c.MaxConsecutive <= 0 {
		return fmt.Errorf("MaxConsecutive must be positive, but got %d", c.MaxConsecutive)
	}
	if c.CoActiveWait <= 0 {
		return fmt.Errorf("CoActiveWait must be positive, but got %v", c.CoActiveWait)
	}
	if c.CancelGrace <= 0 {
		return fmt.Errorf("CancelGrace must be positive, but got %v", c.CancelGrace)
	}
	if c.BackpressureTimeout <= 0 {
		return fmt.Errorf("BackpressureTimeout must be positive, but got %v", c.BackpressureTimeout)
	}
	if _, err := types.ParseVolumeUnit(string(c.Unit)); err != nil {
		return err
	}
	return nil
}
