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

package runnable

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-logr/logr"
	"sigs.k8s.io/controller-runtime/pkg/manager"
)

// shutdownTimeout bounds how long in-flight HTTP requests may take once the context ends.
const shutdownTimeout = 5 * time.Second

// HTTPServer converts the given HTTP server into a runnable. The server's Addr must be set.
func HTTPServer(name string, srv *http.Server, logger logr.Logger) manager.Runnable {
	return manager.RunnableFunc(func(ctx context.Context) error {
		log := logger.WithValues("name", name)
		log.Info("HTTP server starting", "address", srv.Addr)

		errCh := make(chan error, 1)
		go func() {
			errCh <- srv.ListenAndServe()
		}()

		select {
		case err := <-errCh:
			if !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("HTTP server %s failed - %w", name, err)
			}
			return nil
		case <-ctx.Done():
		}

		log.Info("HTTP server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("HTTP server %s failed to shut down - %w", name, err)
		}
		log.Info("HTTP server terminated")
		return nil
	})
}
