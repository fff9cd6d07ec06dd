// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package errors

import (
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// grpcCode maps our taxonomy onto gRPC status codes.
func grpcCode(c Code) codes.Code {
	switch c {
	case CodeOK:
		return codes.OK
	case CodeInvalidArgument:
		return codes.InvalidArgument
	case CodeNotFound:
		return codes.NotFound
	case CodeUnavailable:
		return codes.Unavailable
	case CodeResourceExhausted:
		return codes.ResourceExhausted
	case CodeDeadlineExceeded:
		return codes.DeadlineExceeded
	case CodeCancelled:
		return codes.Canceled
	case CodeAborted:
		return codes.Aborted
	default:
		return codes.Internal
	}
}

// fromGRPCCode maps a gRPC status code back into our taxonomy.
func fromGRPCCode(c codes.Code) Code {
	switch c {
	case codes.OK:
		return CodeOK
	case codes.InvalidArgument, codes.FailedPrecondition, codes.OutOfRange:
		return CodeInvalidArgument
	case codes.NotFound:
		return CodeNotFound
	case codes.Unavailable:
		return CodeUnavailable
	case codes.ResourceExhausted:
		return CodeResourceExhausted
	case codes.DeadlineExceeded:
		return CodeDeadlineExceeded
	case codes.Canceled:
		return CodeCancelled
	case codes.Aborted:
		return CodeAborted
	default:
		return CodeInternal
	}
}

// ToGRPC converts an error to a gRPC status error suitable for returning
// from a service handler. Nil passes through.
func ToGRPC(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok && !isWrapped(err) {
		return err
	}
	return status.Error(grpcCode(CodeOf(err)), err.Error())
}

// FromGRPC converts a gRPC client error into a coded error.
func FromGRPC(err error) *Error {
	if err == nil {
		return nil
	}
	s, ok := status.FromError(err)
	if !ok {
		return Wrap(err, "non-status error")
	}
	return New(fromGRPCCode(s.Code()), "%s", s.Message())
}

// isWrapped reports whether err is one of ours rather than a raw status.
func isWrapped(err error) bool {
	var e *Error
	return errors.As(err, &e)
}
