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

package tls

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/firequery/fanout/pkg/common/observability/logging"
)

// debounceDelay wait for events to settle before reloading
const debounceDelay = 250 * time.Millisecond

// CertReloader serves the latest valid certificate found in a directory.
type CertReloader struct {
	cert *atomic.Pointer[tls.Certificate]
}

// NewCertReloader watches dir and reloads its certificate on change until ctx ends. A certificate that fails to load
// is logged and the previous one stays in use.
func NewCertReloader(ctx context.Context, dir string, init *tls.Certificate) (*CertReloader, error) {
	certPtr := &atomic.Pointer[tls.Certificate]{}
	certPtr.Store(init)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create cert watcher - %w", err)
	}
	logger := log.FromContext(ctx).WithName("cert-reloader").WithValues("path", dir)
	traceLogger := logger.V(logging.TRACE)

	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("failed to watch %q - %w", dir, err)
	}

	go func() {
		defer w.Close()

		var debounceTimer *time.Timer
		defer func() {
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
		}()

		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				traceLogger.Info("Cert directory changed", "event", ev)
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(debounceDelay, func() {
					cert, err := LoadCertificate(dir)
					if err != nil {
						logger.Error(err, "Failed to reload TLS certificate")
						return
					}
					certPtr.Store(&cert)
					logger.Info("Reloaded TLS certificate")
				})
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				logger.Error(err, "Cert watcher failed")
			case <-ctx.Done():
				return
			}
		}
	}()

	return &CertReloader{cert: certPtr}, nil
}

// Get returns the current certificate.
func (r *CertReloader) Get() *tls.Certificate {
	return r.cert.Load()
}
