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
	stderrors "errors"
	"testing"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestWrapPreservesCode(t *testing.T) {
	base := New(CodeNotFound, "blob %s missing", "abc")
	wrapped := Wrap(base, "fetching input root")

	if got := CodeOf(wrapped); got != CodeNotFound {
		t.Errorf("expected NotFound, got %s", got)
	}
	want := "NotFound: fetching input root: blob abc missing"
	if wrapped.Error() != want {
		t.Errorf("expected %q, got %q", want, wrapped.Error())
	}
	if !stderrors.Is(wrapped, base) {
		t.Error("expected wrapped error to match base via errors.Is")
	}
}

func TestWrapNil(t *testing.T) {
	if Wrap(nil, "context") != nil {
		t.Error("expected nil for wrapped nil error")
	}
}

func TestWrapPlainError(t *testing.T) {
	err := Wrap(stderrors.New("boom"), "doing work")
	if CodeOf(err) != CodeInternal {
		t.Errorf("expected Internal, got %s", CodeOf(err))
	}
}

func TestWrapWithCode(t *testing.T) {
	err := WrapWithCode(stderrors.New("conn reset"), CodeUnavailable, "sending update")
	if !IsCode(err, CodeUnavailable) {
		t.Errorf("expected Unavailable, got %s", CodeOf(err))
	}
	if !err.Code.Transient() {
		t.Error("expected Unavailable to be transient")
	}
}

func TestCodeOfNil(t *testing.T) {
	if CodeOf(nil) != CodeOK {
		t.Error("expected CodeOK for nil error")
	}
}

func TestToGRPC(t *testing.T) {
	tests := []struct {
		name string
		code Code
		want codes.Code
	}{
		{name: "invalid argument", code: CodeInvalidArgument, want: codes.InvalidArgument},
		{name: "not found", code: CodeNotFound, want: codes.NotFound},
		{name: "unavailable", code: CodeUnavailable, want: codes.Unavailable},
		{name: "resource exhausted", code: CodeResourceExhausted, want: codes.ResourceExhausted},
		{name: "deadline exceeded", code: CodeDeadlineExceeded, want: codes.DeadlineExceeded},
		{name: "cancelled", code: CodeCancelled, want: codes.Canceled},
		{name: "aborted", code: CodeAborted, want: codes.Aborted},
		{name: "internal", code: CodeInternal, want: codes.Internal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, ok := status.FromError(ToGRPC(New(tt.code, "msg")))
			if !ok {
				t.Fatal("expected a status error")
			}
			if s.Code() != tt.want {
				t.Errorf("expected %s, got %s", tt.want, s.Code())
			}
		})
	}
}

func TestFromGRPCRoundTrip(t *testing.T) {
	orig := New(CodeResourceExhausted, "worker paused")
	back := FromGRPC(ToGRPC(orig))
	if back.Code != CodeResourceExhausted {
		t.Errorf("expected ResourceExhausted, got %s", back.Code)
	}
}
