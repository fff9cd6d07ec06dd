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
	"log/slog"
	"time"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"golang.org/x/time/rate"
	"google.golang.org/genproto/googleapis/longrunning"
	statuspb "google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"

	"github.com/tombee/turbine/internal/log"
	"github.com/tombee/turbine/internal/scheduler"
	"github.com/tombee/turbine/internal/scheduler/action"
	"github.com/tombee/turbine/internal/scheduler/platform"
	"github.com/tombee/turbine/internal/scheduler/watch"
	"github.com/tombee/turbine/internal/store"
	"github.com/tombee/turbine/pkg/errors"
)

// Execution serves the REAPI Execution service: action submission and
// progress streaming as long-running operations.
type Execution struct {
	repb.UnimplementedExecutionServer

	sched   scheduler.ActionScheduler
	cas     store.Store
	ac      store.ActionCache
	limiter *rate.Limiter
	logger  *slog.Logger
	now     func() time.Time
}

// NewExecution creates the Execution service. limiter bounds the admission
// rate of new Execute calls; nil means unlimited.
func NewExecution(sched scheduler.ActionScheduler, cas store.Store, ac store.ActionCache, limiter *rate.Limiter, logger *slog.Logger) *Execution {
	if logger == nil {
		logger = slog.Default()
	}
	return &Execution{
		sched:   sched,
		cas:     cas,
		ac:      ac,
		limiter: limiter,
		logger:  log.WithComponent(logger, "execution"),
		now:     time.Now,
	}
}

// Execute submits an action and streams its state transitions until a
// terminal stage.
func (e *Execution) Execute(req *repb.ExecuteRequest, stream repb.Execution_ExecuteServer) error {
	ctx := stream.Context()

	if _, err := e.sched.GetPlatformPropertyManager(req.InstanceName); err != nil {
		return errors.ToGRPC(err)
	}
	if e.limiter != nil && !e.limiter.Allow() {
		return errors.ToGRPC(errors.New(errors.CodeResourceExhausted,
			"execution queue is saturated, retry later"))
	}

	actionDigest, err := digestFromProto(req.ActionDigest)
	if err != nil {
		return errors.ToGRPC(errors.Wrap(err, "action digest"))
	}

	raw, err := e.cas.Get(ctx, req.InstanceName, actionDigest)
	if err != nil {
		return errors.ToGRPC(errors.Wrap(err, "action blob"))
	}
	var actionPb repb.Action
	if err := proto.Unmarshal(raw, &actionPb); err != nil {
		return errors.ToGRPC(errors.New(errors.CodeInvalidArgument,
			"action blob %s does not parse: %v", actionDigest, err))
	}

	commandDigest, err := digestFromProto(actionPb.CommandDigest)
	if err != nil {
		return errors.ToGRPC(errors.Wrap(err, "command digest"))
	}
	inputRootDigest, err := digestFromProto(actionPb.InputRootDigest)
	if err != nil {
		return errors.ToGRPC(errors.Wrap(err, "input root digest"))
	}

	pairs, err := e.actionPlatform(ctx, req.InstanceName, &actionPb, commandDigest)
	if err != nil {
		return errors.ToGRPC(err)
	}
	ppm, _ := e.sched.GetPlatformPropertyManager(req.InstanceName)
	props, err := ppm.ActionProperties(pairs)
	if err != nil {
		return errors.ToGRPC(err)
	}

	key := action.Key{
		InstanceName: req.InstanceName,
		Digest:       actionDigest,
		Salt:         saltFromBytes(actionPb.Salt),
	}

	// Serve straight from the action cache when allowed.
	if !req.SkipCacheLookup && !actionPb.DoNotCache {
		if result, ok, err := e.ac.GetResult(ctx, req.InstanceName, actionDigest); err == nil && ok {
			op, err := terminalOperation(key, action.CompletedFromCache(result))
			if err != nil {
				return errors.ToGRPC(err)
			}
			return stream.Send(op)
		}
	}

	var priority int32
	if req.ExecutionPolicy != nil {
		priority = req.ExecutionPolicy.Priority
	}
	now := e.now()
	info := &action.Info{
		CommandDigest:      commandDigest,
		InputRootDigest:    inputRootDigest,
		Timeout:            actionPb.Timeout.AsDuration(),
		PlatformProperties: props,
		Priority:           priority,
		LoadTimestamp:      now,
		InsertTimestamp:    now,
		UniqueQualifier:    key,
		SkipCacheLookup:    req.SkipCacheLookup,
	}

	obs, err := e.sched.AddAction(info)
	if err != nil {
		return errors.ToGRPC(err)
	}
	e.logger.Info("action submitted",
		slog.String(log.InstanceKey, req.InstanceName),
		slog.String(log.ActionKey, key.String()))

	return e.streamStates(ctx, stream, obs, &actionPb)
}

// WaitExecution re-attaches to an in-flight operation by name.
func (e *Execution) WaitExecution(req *repb.WaitExecutionRequest, stream repb.Execution_WaitExecutionServer) error {
	key, err := parseOperationName(req.Name)
	if err != nil {
		return errors.ToGRPC(err)
	}
	obs := e.sched.FindExistingAction(key)
	if obs == nil {
		return errors.ToGRPC(errors.New(errors.CodeNotFound,
			"operation %q is not in flight", req.Name))
	}
	return e.streamStates(stream.Context(), stream, obs, nil)
}

// operationStream is the send side shared by Execute and WaitExecution.
type operationStream interface {
	Send(*longrunning.Operation) error
}

func (e *Execution) streamStates(ctx context.Context, stream operationStream, obs *watch.Observer[action.State], actionPb *repb.Action) error {
	defer obs.Cancel()
	for {
		select {
		case <-ctx.Done():
			// The client went away; the action keeps running for other
			// (or future) subscribers.
			return ctx.Err()
		case st, ok := <-obs.C:
			if !ok {
				return nil
			}
			op, err := operationFromState(st)
			if err != nil {
				return errors.ToGRPC(err)
			}
			if err := stream.Send(op); err != nil {
				return err
			}
			if st.Stage.Terminal() {
				e.maybeCacheResult(ctx, st, actionPb)
				return nil
			}
		}
	}
}

// maybeCacheResult writes a successful, cacheable result to the action
// cache so later submissions can skip execution entirely.
func (e *Execution) maybeCacheResult(ctx context.Context, st action.State, actionPb *repb.Action) {
	if actionPb == nil || actionPb.DoNotCache {
		return
	}
	if st.Stage.Name != action.StageCompleted || st.Stage.Result == nil || st.Stage.Result.ExitCode != 0 {
		return
	}
	if err := e.ac.PutResult(ctx, st.UniqueQualifier.InstanceName, st.UniqueQualifier.Digest, st.Stage.Result); err != nil {
		e.logger.Warn("failed to cache action result",
			slog.String(log.ActionKey, st.UniqueQualifier.String()), log.Error(err))
	}
}

// operationFromState renders one published state as an Operation.
func operationFromState(st action.State) (*longrunning.Operation, error) {
	if st.Stage.Terminal() {
		return terminalOperation(st.UniqueQualifier, st.Stage)
	}
	md, err := anypb.New(&repb.ExecuteOperationMetadata{
		Stage:        stageToProto(st.Stage.Name),
		ActionDigest: digestToProto(st.UniqueQualifier.Digest),
	})
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.CodeInternal, "failed to encode operation metadata")
	}
	return &longrunning.Operation{
		Name:     operationName(st.UniqueQualifier),
		Metadata: md,
	}, nil
}

func terminalOperation(key action.Key, stage action.Stage) (*longrunning.Operation, error) {
	md, err := anypb.New(&repb.ExecuteOperationMetadata{
		Stage:        repb.ExecutionStage_COMPLETED,
		ActionDigest: digestToProto(key.Digest),
	})
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.CodeInternal, "failed to encode operation metadata")
	}
	resp := &repb.ExecuteResponse{
		CachedResult: stage.Name == action.StageCompletedFromCache,
	}
	if stage.Err != nil {
		resp.Status = statusProto(stage.Err)
	} else {
		resp.Result = resultToProto(stage.Result)
		resp.Status = &statuspb.Status{}
	}
	packed, err := anypb.New(resp)
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.CodeInternal, "failed to encode execute response")
	}
	return &longrunning.Operation{
		Name:     operationName(key),
		Metadata: md,
		Done:     true,
		Result:   &longrunning.Operation_Response{Response: packed},
	}, nil
}

// actionPlatform prefers the platform on the Action, falling back to the
// Command for clients on older API revisions.
func (e *Execution) actionPlatform(ctx context.Context, instance string, actionPb *repb.Action, commandDigest action.Digest) ([]platform.Pair, error) {
	if actionPb.Platform != nil {
		return platformPairs(actionPb.Platform), nil
	}
	raw, err := e.cas.Get(ctx, instance, commandDigest)
	if err != nil {
		return nil, errors.Wrap(err, "command blob")
	}
	var cmd repb.Command
	if err := proto.Unmarshal(raw, &cmd); err != nil {
		return nil, errors.New(errors.CodeInvalidArgument,
			"command blob %s does not parse: %v", commandDigest, err)
	}
	return platformPairs(cmd.Platform), nil
}
