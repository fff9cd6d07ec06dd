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

package local

import (
	"context"
	"crypto/sha256"
	"runtime"
	"testing"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"

	"github.com/tombee/turbine/internal/scheduler/action"
	"github.com/tombee/turbine/internal/store"
	"github.com/tombee/turbine/internal/workerapi"
	"github.com/tombee/turbine/pkg/errors"
)

const instance = "main"

func putBlob(t *testing.T, s store.Store, data []byte) workerapi.DigestRef {
	t.Helper()
	sum := sha256.Sum256(data)
	d := action.Digest{Hash: sum, SizeBytes: int64(len(data))}
	require.NoError(t, s.Put(context.Background(), instance, d, data))
	return workerapi.NewDigestRef(d)
}

func putMsg(t *testing.T, s store.Store, m proto.Message) workerapi.DigestRef {
	t.Helper()
	raw, err := proto.Marshal(m)
	require.NoError(t, err)
	return putBlob(t, s, raw)
}

func shellCommand(script string, outputs ...string) *repb.Command {
	return &repb.Command{
		Arguments:   []string{"/bin/sh", "-c", script},
		OutputPaths: outputs,
	}
}

func newTestRunner(t *testing.T) (*Runner, *store.Memory) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("needs a POSIX shell")
	}
	mem := store.NewMemory()
	r, err := New(Config{WorkDirectory: t.TempDir(), Store: mem})
	require.NoError(t, err)
	return r, mem
}

func startFrame(cmd, root workerapi.DigestRef) *workerapi.StartAction {
	return &workerapi.StartAction{
		Action:          workerapi.ActionRef{InstanceName: instance},
		CommandDigest:   cmd,
		InputRootDigest: root,
	}
}

func fetch(t *testing.T, s store.Store, ref *workerapi.DigestRef) []byte {
	t.Helper()
	require.NotNil(t, ref)
	d, err := ref.Digest()
	require.NoError(t, err)
	data, err := s.Get(context.Background(), instance, d)
	require.NoError(t, err)
	return data
}

func TestRunMaterializesInputsAndCollectsOutputs(t *testing.T) {
	r, mem := newTestRunner(t)

	greeting := putBlob(t, mem, []byte("hello"))
	gd, err := greeting.Digest()
	require.NoError(t, err)
	root := putMsg(t, mem, &repb.Directory{
		Files: []*repb.FileNode{{
			Name:   "greeting.txt",
			Digest: &repb.Digest{Hash: gd.HashString(), SizeBytes: gd.SizeBytes},
		}},
	})
	cmd := putMsg(t, mem, shellCommand("cat greeting.txt; printf world > out.txt", "out.txt"))

	result, err := r.Run(context.Background(), startFrame(cmd, root))
	require.NoError(t, err)
	assert.Equal(t, int32(0), result.ExitCode)
	assert.Equal(t, []byte("hello"), fetch(t, mem, result.StdoutDigest))
	require.Len(t, result.OutputFiles, 1)
	assert.Equal(t, "out.txt", result.OutputFiles[0].Path)
	assert.Equal(t, []byte("world"), fetch(t, mem, &result.OutputFiles[0].Digest))
	assert.False(t, result.WorkerCompletedAt.Before(result.WorkerStartedAt))
}

func TestRunNonZeroExitIsAResult(t *testing.T) {
	r, mem := newTestRunner(t)
	root := putMsg(t, mem, &repb.Directory{})
	cmd := putMsg(t, mem, shellCommand("echo oops >&2; exit 3"))

	result, err := r.Run(context.Background(), startFrame(cmd, root))
	require.NoError(t, err)
	assert.Equal(t, int32(3), result.ExitCode)
	assert.Equal(t, []byte("oops\n"), fetch(t, mem, result.StderrDigest))
	assert.Nil(t, result.StdoutDigest)
}

func TestRunMissingOutputIsSkipped(t *testing.T) {
	r, mem := newTestRunner(t)
	root := putMsg(t, mem, &repb.Directory{})
	cmd := putMsg(t, mem, shellCommand("true", "never-written.txt"))

	result, err := r.Run(context.Background(), startFrame(cmd, root))
	require.NoError(t, err)
	assert.Empty(t, result.OutputFiles)
}

func TestRunMissingCommandBlob(t *testing.T) {
	r, mem := newTestRunner(t)
	root := putMsg(t, mem, &repb.Directory{})
	missing := workerapi.DigestRef{
		Hash:      "00112233445566778899aabbccddeeff00112233445566778899aabbccddeeff",
		SizeBytes: 1,
	}

	_, err := r.Run(context.Background(), startFrame(missing, root))
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeNotFound))
}

func TestRunCancelledContext(t *testing.T) {
	r, mem := newTestRunner(t)
	root := putMsg(t, mem, &repb.Directory{})
	cmd := putMsg(t, mem, shellCommand("sleep 30"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.Run(ctx, startFrame(cmd, root))
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeDeadlineExceeded))
}
