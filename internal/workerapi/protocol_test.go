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

package workerapi

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/turbine/internal/scheduler/action"
	"github.com/tombee/turbine/pkg/errors"
)

func TestActionRefRoundTrip(t *testing.T) {
	d, err := action.NewDigest(strings.Repeat("ab", 32), 42)
	require.NoError(t, err)
	key := action.Key{InstanceName: "main", Digest: d, Salt: 9}

	ref := NewActionRef(key)
	back, err := ref.Key()
	require.NoError(t, err)
	assert.Equal(t, key, back)
}

func TestActionRefRejectsBadHash(t *testing.T) {
	ref := ActionRef{InstanceName: "main", ActionDigest: DigestRef{Hash: "zz", SizeBytes: 1}}
	_, err := ref.Key()
	assert.True(t, errors.IsCode(err, errors.CodeInvalidArgument))
}

func TestWireResultCarriesMetadata(t *testing.T) {
	d, err := action.NewDigest(strings.Repeat("cd", 32), 7)
	require.NoError(t, err)
	started := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	completed := started.Add(3 * time.Second)
	queued := started.Add(-time.Second)

	wire := &WireResult{
		ExitCode:          1,
		OutputFiles:       []WireOutputFile{{Path: "out/a.o", Digest: NewDigestRef(d), IsExecutable: true}},
		Message:           "compile failed",
		WorkerStartedAt:   started,
		WorkerCompletedAt: completed,
	}

	r, err := wire.Result("worker-7", queued)
	require.NoError(t, err)
	assert.Equal(t, int32(1), r.ExitCode)
	assert.Equal(t, "worker-7", r.ExecutionMetadata.Worker)
	assert.Equal(t, queued, r.ExecutionMetadata.QueuedTimestamp)
	assert.Equal(t, started, r.ExecutionMetadata.WorkerStartTimestamp)
	assert.Equal(t, completed, r.ExecutionMetadata.WorkerCompletedTimestamp)
	require.Len(t, r.OutputFiles, 1)
	assert.Equal(t, d, r.OutputFiles[0].Digest)
	assert.True(t, r.OutputFiles[0].IsExecutable)
}

func TestWireErrorRoundTrip(t *testing.T) {
	orig := errors.Wrap(
		errors.New(errors.CodeUnavailable, "disk offline"),
		"setup failed")

	wire := NewWireError(orig)
	assert.Equal(t, "Unavailable", wire.Code)

	back := wire.Err()
	assert.Equal(t, errors.CodeUnavailable, errors.CodeOf(back))
	assert.Contains(t, back.Error(), "setup failed")
	assert.Contains(t, back.Error(), "disk offline")
}

func TestParseCode(t *testing.T) {
	assert.Equal(t, errors.CodeResourceExhausted, parseCode("ResourceExhausted"))
	assert.Equal(t, errors.CodeCancelled, parseCode("Cancelled"))
	assert.Equal(t, errors.CodeInternal, parseCode("NoSuchCode"))
}

func TestNewStartAction(t *testing.T) {
	d, err := action.NewDigest(strings.Repeat("ef", 32), 3)
	require.NoError(t, err)
	queued := time.Now()
	info := &action.Info{
		CommandDigest:   d,
		InputRootDigest: d,
		Timeout:         90 * time.Second,
		UniqueQualifier: action.Key{InstanceName: "main", Digest: d},
		DigestFunction:  action.BLAKE3,
	}

	sa := NewStartAction(info, queued)
	assert.Equal(t, int64(90), sa.TimeoutSeconds)
	assert.Equal(t, "blake3", sa.DigestFunction)
	assert.Equal(t, "main", sa.Action.InstanceName)
	assert.Equal(t, queued, sa.QueuedAt)
}
