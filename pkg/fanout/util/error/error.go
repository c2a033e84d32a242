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

// Package error defines the client-facing error shape and its mapping to gRPC status codes.
package error

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/firequery/fanout/pkg/fanout/types"
)

// Error is an error returned to clients of the fan-out server.
type Error struct {
	Code string
	Msg  string
}

const (
	Unknown            = "Unknown"
	BadRequest         = "BadRequest"
	Internal           = "Internal"
	Overload           = "Overload"
	Duplicate          = "Duplicate"
	BothTeamsFailed    = "BothTeamsFailed"
	Cancelled          = "Cancelled"
	ServiceUnavailable = "ServiceUnavailable"
)

// Error returns a string version of the error.
func (e Error) Error() string {
	return fmt.Sprintf("fanout: %s - %s", e.Code, e.Msg)
}

// CanonicalCode returns the error's code, or Unknown for errors of another type.
func CanonicalCode(err error) string {
	var e Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Unknown
}

// Classify converts an engine error into a client-facing Error. Errors that already are an Error are returned as is.
func Classify(err error) Error {
	var e Error
	if errors.As(err, &e) {
		return e
	}
	code := Internal
	switch {
	case errors.Is(err, types.ErrOverload):
		code = Overload
	case errors.Is(err, types.ErrDuplicateRequest):
		code = Duplicate
	case errors.Is(err, types.ErrControllerNotRunning):
		code = ServiceUnavailable
	case errors.Is(err, types.ErrBothTeamsFailed):
		code = BothTeamsFailed
	case errors.Is(err, types.ErrCancelled), errors.Is(err, context.Canceled):
		code = Cancelled
	}
	return Error{Code: code, Msg: err.Error()}
}

var grpcCodes = map[string]codes.Code{
	BadRequest:         codes.InvalidArgument,
	Internal:           codes.Internal,
	Overload:           codes.ResourceExhausted,
	Duplicate:          codes.AlreadyExists,
	BothTeamsFailed:    codes.Unavailable,
	Cancelled:          codes.Canceled,
	ServiceUnavailable: codes.Unavailable,
}

// ToStatus converts an error into a gRPC status error. A nil error stays nil.
func ToStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	e := Classify(err)
	code, ok := grpcCodes[e.Code]
	if !ok {
		code = codes.Unknown
	}
	return status.Error(code, e.Error())
}
