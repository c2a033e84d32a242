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

package error

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/firequery/fanout/pkg/fanout/types"
)

func TestError_Error(t *testing.T) {
	err := Error{Code: BadRequest, Msg: "date_start after date_end"}
	assert.Equal(t, "fanout: BadRequest - date_start after date_end", err.Error())
}

func TestCanonicalCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{name: "Error", err: Error{Code: Overload, Msg: "busy"}, want: Overload},
		{name: "wrapped Error", err: fmt.Errorf("admitting: %w", Error{Code: Duplicate}), want: Duplicate},
		{name: "other error", err: errors.New("boom"), want: Unknown},
		{name: "nil", err: nil, want: Unknown},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, CanonicalCode(tc.err))
		})
	}
}

func TestToStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want codes.Code
	}{
		{name: "overload", err: fmt.Errorf("%w: %w", types.ErrRejected, types.ErrOverload), want: codes.ResourceExhausted},
		{name: "duplicate", err: fmt.Errorf("%w: %w", types.ErrRejected, types.ErrDuplicateRequest), want: codes.AlreadyExists},
		{name: "both teams failed", err: fmt.Errorf("%w: %w", types.ErrCancelled, types.ErrBothTeamsFailed), want: codes.Unavailable},
		{name: "cancelled", err: fmt.Errorf("%w: %w", types.ErrCancelled, context.Canceled), want: codes.Canceled},
		{name: "not running", err: types.ErrControllerNotRunning, want: codes.Unavailable},
		{name: "bad request", err: Error{Code: BadRequest, Msg: "bad"}, want: codes.InvalidArgument},
		{name: "unexpected", err: errors.New("boom"), want: codes.Internal},
		{name: "already a status", err: status.Error(codes.NotFound, "gone"), want: codes.NotFound},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, status.Code(ToStatus(tc.err)))
		})
	}
	assert.NoError(t, ToStatus(nil))
}
