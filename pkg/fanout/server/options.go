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
	"errors"
	"flag"
	"fmt"

	"github.com/spf13/pflag"
	uberzap "go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"

	"github.com/firequery/fanout/pkg/common/observability/logging"
	"github.com/firequery/fanout/pkg/fanout/util/env"
)

const (
	DefaultGRPCHealthPort = 9003
	DefaultMetricsPort    = 9090
	ZapLogLevelFlagName   = "zap-log-level"

	// Environment variables consulted by Complete for values not set on the command line.
	ProcessIDEnvVar    = "FANOUT_PROCESS_ID"
	TopologyFileEnvVar = "FANOUT_TOPOLOGY_FILE"
)

// Options contains configuration values necessary to create and run a fan-out leader.
type Options struct {
	//
	// Topology.
	//
	TopologyFile string // The path to the topology file.
	TopologyText string // The topology specified as text, in lieu of a file.
	ProcessID    string // Overrides the process id of the topology.
	GRPCAddress  string // Overrides the client-facing gRPC listen address of the topology.
	//
	// Event log.
	//
	EventLogDir     string // Overrides the event log directory of the topology.
	DisableEventLog bool   // Disables writing lifecycle events.
	//
	// Serving.
	//
	SecureServing    bool   // Enables TLS on the client-facing gRPC server.
	CertPath         string // The directory holding tls.crt and tls.key. A self-signed certificate is used when empty.
	EnableCertReload bool   // Reloads the certificate in --cert-path when it changes.
	//
	// Diagnostics.
	//
	LogVerbosity   int         // Number for the log level verbosity.
	ZapOptions     zap.Options // Zap logging options
	MetricsPort    int         // The port serving Prometheus metrics.
	GRPCHealthPort int         // The port used for gRPC liveness and readiness probes.
	EnablePprof    bool        // Enables pprof handlers on the metrics port.

	// internal
	fs *pflag.FlagSet // FlagSet used in AddFlags() and consulted in Complete()
}

// NewOptions returns a new Options struct initialized with the default values.
func NewOptions() *Options {
	return &Options{
		LogVerbosity:   logging.DEFAULT,
		ZapOptions:     zap.Options{Development: true},
		MetricsPort:    DefaultMetricsPort,
		GRPCHealthPort: DefaultGRPCHealthPort,
		EnablePprof:    true,
	}
}

func (opts *Options) AddFlags(fs *pflag.FlagSet) {
	if fs == nil {
		fs = pflag.CommandLine
	}
	opts.fs = fs

	fs.StringVar(&opts.TopologyFile, "topology-file", opts.TopologyFile, "The path to the topology file.")
	fs.StringVar(&opts.TopologyText, "topology-text", opts.TopologyText,
		"The topology specified as text, in lieu of a file.")
	fs.StringVar(&opts.ProcessID, "process-id", opts.ProcessID, "Overrides the process id set in the topology.")
	fs.StringVar(&opts.GRPCAddress, "grpc-address", opts.GRPCAddress,
		"Overrides the client-facing gRPC listen address set in the topology.")
	fs.StringVar(&opts.EventLogDir, "event-log-dir", opts.EventLogDir,
		"Overrides the lifecycle event log directory set in the topology.")
	fs.BoolVar(&opts.DisableEventLog, "disable-event-log", opts.DisableEventLog, "Disables writing lifecycle events.")
	fs.BoolVar(&opts.SecureServing, "secure-serving", opts.SecureServing,
		"Enables TLS on the client-facing gRPC server.")
	fs.StringVar(&opts.CertPath, "cert-path", opts.CertPath,
		"The path to the certificate for secure serving. The certificate and private key files "+
			"are assumed to be named tls.crt and tls.key, respectively. If not set, and secureServing is enabled, "+
			"then a self-signed certificate is used.")
	fs.BoolVar(&opts.EnableCertReload, "enable-cert-reload", opts.EnableCertReload,
		"Enables certificate reloading of the certificates specified in --cert-path.")
	fs.IntVarP(&opts.LogVerbosity, "v", "v", opts.LogVerbosity, "Number for the log level verbosity.") // allow both --v and -v
	gofs := flag.NewFlagSet("zap", flag.ExitOnError)
	opts.ZapOptions.BindFlags(gofs) // zap expects a standard Go FlagSet and pflag.FlagSet is not compatible.
	fs.AddGoFlagSet(gofs)
	fs.IntVar(&opts.MetricsPort, "metrics-port", opts.MetricsPort, "The port serving Prometheus metrics.")
	fs.IntVar(&opts.GRPCHealthPort, "grpc-health-port", opts.GRPCHealthPort,
		"The port used for gRPC liveness and readiness probes.")
	fs.BoolVar(&opts.EnablePprof, "enable-pprof", opts.EnablePprof,
		"Enables pprof handlers on the metrics port. Defaults to true. Set to false to disable pprof handlers.")
}

func (opts *Options) Complete() error {
	logger := ctrl.Log.WithName("options")
	if !opts.changed("process-id") {
		opts.ProcessID = env.GetEnvString(ProcessIDEnvVar, opts.ProcessID, logger)
	}
	if !opts.changed("topology-file") && opts.TopologyText == "" {
		opts.TopologyFile = env.GetEnvString(TopologyFileEnvVar, opts.TopologyFile, logger)
	}

	// ensure zap log level is set - explicitly by user or from "-v"
	if opts.fs == nil {
		return nil
	}
	zapLogLevelFlag := opts.fs.Lookup(ZapLogLevelFlagName)
	if zapLogLevelFlag != nil && !zapLogLevelFlag.Changed { // not set explicitly
		lvl := -1 * (opts.LogVerbosity) // See https://pkg.go.dev/sigs.k8s.io/controller-runtime/pkg/log/zap#Options.Level
		opts.ZapOptions.Level = uberzap.NewAtomicLevelAt(zapcore.Level(int8(lvl)))
		zapLogLevelFlag.Changed = true
	}
	return nil
}

func (opts *Options) Validate() error {
	if (opts.TopologyFile != "" && opts.TopologyText != "") || (opts.TopologyFile == "" && opts.TopologyText == "") {
		return errors.New("either topology-file or topology-text must be set")
	}
	for name, port := range map[string]int{"metrics-port": opts.MetricsPort, "grpc-health-port": opts.GRPCHealthPort} {
		if port < 1 || port > 65535 {
			return fmt.Errorf("invalid port number %d in %q", port, name)
		}
	}
	if opts.MetricsPort == opts.GRPCHealthPort {
		return fmt.Errorf("%q and %q can not use the same port %d", "metrics-port", "grpc-health-port", opts.MetricsPort)
	}
	if opts.CertPath != "" && !opts.SecureServing {
		return fmt.Errorf("%q requires %q", "cert-path", "secure-serving")
	}
	if opts.EnableCertReload && opts.CertPath == "" {
		return fmt.Errorf("%q requires %q", "enable-cert-reload", "cert-path")
	}
	return nil
}

func (opts *Options) changed(name string) bool {
	if opts.fs == nil {
		return false
	}
	f := opts.fs.Lookup(name)
	return f != nil && f.Changed
}
