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

package services

import (
	"context"
	"crypto/sha256"
	"sync"
	"testing"
	"time"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genproto/googleapis/longrunning"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"

	"github.com/tombee/turbine/internal/scheduler"
	"github.com/tombee/turbine/internal/scheduler/action"
	"github.com/tombee/turbine/internal/scheduler/platform"
	"github.com/tombee/turbine/internal/store"
)

type fakeExecStream struct {
	grpc.ServerStream
	ctx context.Context

	mu   sync.Mutex
	sent []*longrunning.Operation
	done chan struct{}
}

func newFakeExecStream(ctx context.Context) *fakeExecStream {
	return &fakeExecStream{ctx: ctx, done: make(chan struct{}, 16)}
}

func (s *fakeExecStream) Context() context.Context { return s.ctx }

func (s *fakeExecStream) Send(op *longrunning.Operation) error {
	s.mu.Lock()
	s.sent = append(s.sent, op)
	s.mu.Unlock()
	s.done <- struct{}{}
	return nil
}

func (s *fakeExecStream) operations() []*longrunning.Operation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*longrunning.Operation, len(s.sent))
	copy(out, s.sent)
	return out
}

// startSender owns the dispatched action key so the test can complete it.
type startSender struct {
	mu   sync.Mutex
	keys []action.Key
}

func (s *startSender) StartAction(info *action.Info, _ time.Time) error {
	s.mu.Lock()
	s.keys = append(s.keys, info.UniqueQualifier)
	s.mu.Unlock()
	return nil
}

func (s *startSender) KillAction(action.Key) error { return nil }
func (s *startSender) KillAll() error              { return nil }

type execFixture struct {
	sched  *scheduler.SimpleScheduler
	mem    *store.Memory
	exec   *Execution
	sender *startSender

	actionDigest *repb.Digest
	workerID     string
}

func newExecFixture(t *testing.T, actionPb *repb.Action) *execFixture {
	t.Helper()
	sched := scheduler.New(scheduler.Config{
		PlatformSchema: map[string]platform.PropertyType{"os": platform.Exact},
	}, nil)
	mem := store.NewMemory()

	cmd := &repb.Command{
		Arguments: []string{"cc", "-c", "main.c"},
		Platform: &repb.Platform{Properties: []*repb.Platform_Property{
			{Name: "os", Value: "linux"},
		}},
	}
	cmdDigest := putProto(t, mem, cmd)
	actionPb.CommandDigest = cmdDigest
	actionPb.InputRootDigest = putProto(t, mem, &repb.Directory{})
	actionDigest := putProto(t, mem, actionPb)

	wp, err := sched.PlatformPropertyManager().WorkerProperties(
		[]platform.Pair{{Name: "os", Value: "linux"}})
	require.NoError(t, err)
	sender := &startSender{}
	require.NoError(t, sched.AddWorker(&scheduler.Worker{ID: "w1", Properties: wp, Sender: sender}))

	return &execFixture{
		sched:        sched,
		mem:          mem,
		exec:         NewExecution(sched, mem, mem, nil, nil),
		sender:       sender,
		actionDigest: actionDigest,
		workerID:     "w1",
	}
}

func putProto(t *testing.T, s store.Store, m proto.Message) *repb.Digest {
	t.Helper()
	raw, err := proto.Marshal(m)
	require.NoError(t, err)
	sum := sha256.Sum256(raw)
	d := action.Digest{Hash: sum, SizeBytes: int64(len(raw))}
	require.NoError(t, s.Put(context.Background(), "main", d, raw))
	return digestToProto(d)
}

func waitDispatch(t *testing.T, s *startSender) action.Key {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		n := len(s.keys)
		var key action.Key
		if n > 0 {
			key = s.keys[n-1]
		}
		s.mu.Unlock()
		if n > 0 {
			return key
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("action was never dispatched")
	return action.Key{}
}

func TestExecuteStreamsToCompletion(t *testing.T) {
	f := newExecFixture(t, &repb.Action{})
	stream := newFakeExecStream(context.Background())

	errc := make(chan error, 1)
	go func() {
		errc <- f.exec.Execute(&repb.ExecuteRequest{
			InstanceName: "main",
			ActionDigest: f.actionDigest,
		}, stream)
	}()

	key := waitDispatch(t, f.sender)
	require.NoError(t, f.sched.UpdateAction(f.workerID, key,
		action.Completed(&action.Result{ExitCode: 0})))

	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Execute did not finish")
	}

	ops := stream.operations()
	require.NotEmpty(t, ops)
	final := ops[len(ops)-1]
	assert.True(t, final.Done)
	assert.Equal(t, operationName(key), final.Name)

	var resp repb.ExecuteResponse
	require.NoError(t, final.GetResponse().UnmarshalTo(&resp))
	assert.False(t, resp.CachedResult)
	require.NotNil(t, resp.Result)
	assert.Equal(t, int32(0), resp.Result.ExitCode)

	// A successful cacheable run lands in the action cache.
	d, err := digestFromProto(f.actionDigest)
	require.NoError(t, err)
	_, ok, err := f.mem.GetResult(context.Background(), "main", d)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestExecuteServesCachedResult(t *testing.T) {
	f := newExecFixture(t, &repb.Action{})
	d, err := digestFromProto(f.actionDigest)
	require.NoError(t, err)
	require.NoError(t, f.mem.PutResult(context.Background(), "main", d,
		&action.Result{ExitCode: 0, Message: "cached"}))

	stream := newFakeExecStream(context.Background())
	require.NoError(t, f.exec.Execute(&repb.ExecuteRequest{
		InstanceName: "main",
		ActionDigest: f.actionDigest,
	}, stream))

	ops := stream.operations()
	require.Len(t, ops, 1)
	require.True(t, ops[0].Done)
	var resp repb.ExecuteResponse
	require.NoError(t, ops[0].GetResponse().UnmarshalTo(&resp))
	assert.True(t, resp.CachedResult)

	// Nothing was dispatched.
	f.sender.mu.Lock()
	defer f.sender.mu.Unlock()
	assert.Empty(t, f.sender.keys)
}

func TestExecuteSkipCacheLookupForcesRun(t *testing.T) {
	f := newExecFixture(t, &repb.Action{})
	d, err := digestFromProto(f.actionDigest)
	require.NoError(t, err)
	require.NoError(t, f.mem.PutResult(context.Background(), "main", d,
		&action.Result{ExitCode: 0, Message: "stale"}))

	stream := newFakeExecStream(context.Background())
	errc := make(chan error, 1)
	go func() {
		errc <- f.exec.Execute(&repb.ExecuteRequest{
			InstanceName:    "main",
			ActionDigest:    f.actionDigest,
			SkipCacheLookup: true,
		}, stream)
	}()

	key := waitDispatch(t, f.sender)
	require.NoError(t, f.sched.UpdateAction(f.workerID, key,
		action.Completed(&action.Result{ExitCode: 1})))
	require.NoError(t, <-errc)
}

func TestExecuteMissingActionBlob(t *testing.T) {
	f := newExecFixture(t, &repb.Action{})
	stream := newFakeExecStream(context.Background())
	missing := putProto(t, store.NewMemory(), &repb.Action{Salt: []byte("elsewhere")})

	err := f.exec.Execute(&repb.ExecuteRequest{
		InstanceName: "main",
		ActionDigest: missing,
	}, stream)
	require.Error(t, err)
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestWaitExecutionUnknownOperation(t *testing.T) {
	f := newExecFixture(t, &repb.Action{})
	stream := newFakeExecStream(context.Background())
	name := operationName(action.Key{InstanceName: "main", Digest: mustDigest(t, "aa", 1)})

	err := f.exec.WaitExecution(&repb.WaitExecutionRequest{Name: name}, stream)
	require.Error(t, err)
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestWaitExecutionReattaches(t *testing.T) {
	f := newExecFixture(t, &repb.Action{})
	stream := newFakeExecStream(context.Background())

	errc := make(chan error, 1)
	go func() {
		errc <- f.exec.Execute(&repb.ExecuteRequest{
			InstanceName: "main",
			ActionDigest: f.actionDigest,
		}, stream)
	}()
	key := waitDispatch(t, f.sender)

	waitStream := newFakeExecStream(context.Background())
	waitErrc := make(chan error, 1)
	go func() {
		waitErrc <- f.exec.WaitExecution(&repb.WaitExecutionRequest{
			Name: operationName(key),
		}, waitStream)
	}()

	// Give the waiter a moment to subscribe, then finish the action.
	<-waitStream.done
	require.NoError(t, f.sched.UpdateAction(f.workerID, key,
		action.Completed(&action.Result{ExitCode: 0})))

	require.NoError(t, <-errc)
	require.NoError(t, <-waitErrc)
	ops := waitStream.operations()
	require.NotEmpty(t, ops)
	assert.True(t, ops[len(ops)-1].Done)
}
