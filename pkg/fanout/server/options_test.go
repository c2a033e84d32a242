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
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	uberzap "go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestOptions_Validate(t *testing.T) {
	tests := []struct {
		name        string
		args        []string
		expectError bool
	}{
		{
			name: "Topology file",
			args: []string{"--topology-file", "/etc/fanout/topology.yaml"},
		},
		{
			name: "Topology text",
			args: []string{"--topology-text", "processId: leader-1"},
		},
		{
			name:        "Neither file nor text",
			args:        []string{},
			expectError: true,
		},
		{
			name:        "Both file and text",
			args:        []string{"--topology-file", "a.yaml", "--topology-text", "processId: leader-1"},
			expectError: true,
		},
		{
			name:        "Invalid metrics port",
			args:        []string{"--topology-file", "a.yaml", "--metrics-port", "70000"},
			expectError: true,
		},
		{
			name:        "Metrics and health on one port",
			args:        []string{"--topology-file", "a.yaml", "--metrics-port", "9003"},
			expectError: true,
		},
		{
			name:        "Cert path without secure serving",
			args:        []string{"--topology-file", "a.yaml", "--cert-path", "/certs"},
			expectError: true,
		},
		{
			name:        "Cert reload without cert path",
			args:        []string{"--topology-file", "a.yaml", "--secure-serving", "--enable-cert-reload"},
			expectError: true,
		},
		{
			name: "Secure serving with reloaded cert",
			args: []string{"--topology-file", "a.yaml", "--secure-serving", "--cert-path", "/certs", "--enable-cert-reload"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(TopologyFileEnvVar, "")
			fs := pflag.NewFlagSet(tt.name, pflag.ContinueOnError)
			opts := NewOptions()
			opts.AddFlags(fs)

			if err := fs.Parse(tt.args); err != nil {
				t.Fatalf("Failed to parse flags: %v", err)
			}
			if err := opts.Complete(); err != nil {
				t.Fatalf("Complete failed unexpectedly with error: %v", err)
			}

			err := opts.Validate()
			if tt.expectError {
				if err == nil {
					t.Fatalf("Expected a validation error but got none.")
				}
				return
			}
			if err != nil {
				t.Fatalf("Validate failed unexpectedly with error: %v", err)
			}
		})
	}
}

func TestOptions_CompleteFromEnvironment(t *testing.T) {
	t.Setenv(ProcessIDEnvVar, "leader-from-env")
	t.Setenv(TopologyFileEnvVar, "/etc/fanout/topology.yaml")

	t.Run("EnvironmentFillsUnsetFlags", func(t *testing.T) {
		fs := pflag.NewFlagSet("env", pflag.ContinueOnError)
		opts := NewOptions()
		opts.AddFlags(fs)
		require.NoError(t, fs.Parse(nil))
		require.NoError(t, opts.Complete())

		assert.Equal(t, "leader-from-env", opts.ProcessID)
		assert.Equal(t, "/etc/fanout/topology.yaml", opts.TopologyFile)
	})

	t.Run("FlagsWinOverEnvironment", func(t *testing.T) {
		fs := pflag.NewFlagSet("flags", pflag.ContinueOnError)
		opts := NewOptions()
		opts.AddFlags(fs)
		require.NoError(t, fs.Parse([]string{"--process-id", "leader-2", "--topology-text", "processId: leader-2"}))
		require.NoError(t, opts.Complete())

		assert.Equal(t, "leader-2", opts.ProcessID)
		assert.Empty(t, opts.TopologyFile, "topology text must not be combined with a file from the environment")
		require.NoError(t, opts.Validate())
	})
}

func TestOptions_LogLevel(t *testing.T) {
	tests := []struct {
		name      string
		args      []string
		wantLevel zapcore.Level
	}{
		{
			name:      "Default verbosity",
			args:      nil,
			wantLevel: zapcore.Level(-2),
		},
		{
			name:      "Verbosity from -v",
			args:      []string{"-v", "4"},
			wantLevel: zapcore.Level(-4),
		},
		{
			name:      "Explicit zap level wins",
			args:      []string{"-v", "4", "--zap-log-level", "error"},
			wantLevel: zapcore.ErrorLevel,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := pflag.NewFlagSet(tt.name, pflag.ContinueOnError)
			opts := NewOptions()
			opts.AddFlags(fs)
			require.NoError(t, fs.Parse(tt.args))
			require.NoError(t, opts.Complete())

			lvl, ok := opts.ZapOptions.Level.(uberzap.AtomicLevel)
			if !ok {
				enabler, isLevel := opts.ZapOptions.Level.(zapcore.Level)
				require.True(t, isLevel, "unexpected level type %T", opts.ZapOptions.Level)
				lvl = uberzap.NewAtomicLevelAt(enabler)
			}
			if diff := cmp.Diff(tt.wantLevel, lvl.Level()); diff != "" {
				t.Errorf("Unexpected level (-want +got):\n%s", diff)
			}
		})
	}
}
