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

// Package services implements the Bazel Remote Execution API surface:
// Execution, ActionCache, ContentAddressableStorage, ByteStream and
// Capabilities, all backed by the scheduler and the blob store.
package services

import (
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	statuspb "google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/tombee/turbine/internal/scheduler/action"
	"github.com/tombee/turbine/internal/scheduler/platform"
	"github.com/tombee/turbine/pkg/errors"
)

// digestFromProto validates and converts a wire digest.
func digestFromProto(d *repb.Digest) (action.Digest, error) {
	if d == nil {
		return action.Digest{}, errors.New(errors.CodeInvalidArgument, "digest is required")
	}
	return action.NewDigest(d.Hash, d.SizeBytes)
}

// digestToProto converts an internal digest to the wire form.
func digestToProto(d action.Digest) *repb.Digest {
	return &repb.Digest{Hash: d.HashString(), SizeBytes: d.SizeBytes}
}

// saltFromBytes folds an Action salt into the fingerprint's salt field.
// An absent salt is zero, so unsalted submissions deduplicate.
func saltFromBytes(salt []byte) uint64 {
	if len(salt) == 0 {
		return 0
	}
	h := fnv.New64a()
	h.Write(salt)
	return h.Sum64()
}

// platformPairs flattens a wire platform into schema-checkable pairs.
func platformPairs(p *repb.Platform) []platform.Pair {
	if p == nil {
		return nil
	}
	pairs := make([]platform.Pair, 0, len(p.Properties))
	for _, prop := range p.Properties {
		pairs = append(pairs, platform.Pair{Name: prop.Name, Value: prop.Value})
	}
	return pairs
}

// stageToProto maps an action stage onto the wire execution stage.
func stageToProto(name action.StageName) repb.ExecutionStage_Value {
	switch name {
	case action.StageQueued:
		return repb.ExecutionStage_QUEUED
	case action.StageExecuting:
		return repb.ExecutionStage_EXECUTING
	case action.StageCacheCheckMissing:
		return repb.ExecutionStage_CACHE_CHECK
	case action.StageCompleted, action.StageCompletedFromCache, action.StageError:
		return repb.ExecutionStage_COMPLETED
	default:
		return repb.ExecutionStage_UNKNOWN
	}
}

// resultToProto converts an internal result to the wire ActionResult.
func resultToProto(r *action.Result) *repb.ActionResult {
	if r == nil {
		return nil
	}
	out := &repb.ActionResult{
		ExitCode: r.ExitCode,
		ExecutionMetadata: &repb.ExecutedActionMetadata{
			Worker:                   r.ExecutionMetadata.Worker,
			QueuedTimestamp:          timestamppb.New(r.ExecutionMetadata.QueuedTimestamp),
			WorkerStartTimestamp:     timestamppb.New(r.ExecutionMetadata.WorkerStartTimestamp),
			WorkerCompletedTimestamp: timestamppb.New(r.ExecutionMetadata.WorkerCompletedTimestamp),
		},
	}
	for _, f := range r.OutputFiles {
		out.OutputFiles = append(out.OutputFiles, &repb.OutputFile{
			Path:         f.Path,
			Digest:       digestToProto(f.Digest),
			IsExecutable: f.IsExecutable,
		})
	}
	if r.StdoutDigest != (action.Digest{}) {
		out.StdoutDigest = digestToProto(r.StdoutDigest)
	}
	if r.StderrDigest != (action.Digest{}) {
		out.StderrDigest = digestToProto(r.StderrDigest)
	}
	return out
}

// resultFromProto converts a wire ActionResult to the internal form,
// keeping the fields the scheduler models.
func resultFromProto(p *repb.ActionResult) (*action.Result, error) {
	if p == nil {
		return nil, errors.New(errors.CodeInvalidArgument, "action result is required")
	}
	r := &action.Result{ExitCode: p.ExitCode}
	for _, f := range p.OutputFiles {
		d, err := digestFromProto(f.Digest)
		if err != nil {
			return nil, errors.Wrap(err, "output file %q", f.Path)
		}
		r.OutputFiles = append(r.OutputFiles, action.OutputFile{
			Path:         f.Path,
			Digest:       d,
			IsExecutable: f.IsExecutable,
		})
	}
	if p.StdoutDigest != nil {
		d, err := digestFromProto(p.StdoutDigest)
		if err != nil {
			return nil, errors.Wrap(err, "stdout digest")
		}
		r.StdoutDigest = d
	}
	if p.StderrDigest != nil {
		d, err := digestFromProto(p.StderrDigest)
		if err != nil {
			return nil, errors.Wrap(err, "stderr digest")
		}
		r.StderrDigest = d
	}
	if m := p.ExecutionMetadata; m != nil {
		r.ExecutionMetadata.Worker = m.Worker
		if m.QueuedTimestamp != nil {
			r.ExecutionMetadata.QueuedTimestamp = m.QueuedTimestamp.AsTime()
		}
		if m.WorkerStartTimestamp != nil {
			r.ExecutionMetadata.WorkerStartTimestamp = m.WorkerStartTimestamp.AsTime()
		}
		if m.WorkerCompletedTimestamp != nil {
			r.ExecutionMetadata.WorkerCompletedTimestamp = m.WorkerCompletedTimestamp.AsTime()
		}
	}
	return r, nil
}

// statusProto renders an error as a wire status for ExecuteResponse.
func statusProto(err error) *statuspb.Status {
	s, _ := status.FromError(errors.ToGRPC(err))
	return s.Proto()
}

const operationSegment = "/operations/"

// operationName renders a fingerprint as a long-running operation name:
// {instance}/operations/{hash}-{size}/{salt}.
func operationName(key action.Key) string {
	return fmt.Sprintf("%s%s%s/%d", key.InstanceName, operationSegment, key.Digest, key.Salt)
}

// parseOperationName is the inverse of operationName. Instance names may
// contain slashes, so the name is parsed from the right.
func parseOperationName(name string) (action.Key, error) {
	idx := strings.LastIndex(name, operationSegment)
	if idx < 0 {
		return action.Key{}, errors.New(errors.CodeInvalidArgument, "malformed operation name %q", name)
	}
	instance := name[:idx]
	rest := strings.Split(name[idx+len(operationSegment):], "/")
	if len(rest) != 2 {
		return action.Key{}, errors.New(errors.CodeInvalidArgument, "malformed operation name %q", name)
	}
	hashSize := strings.SplitN(rest[0], "-", 2)
	if len(hashSize) != 2 {
		return action.Key{}, errors.New(errors.CodeInvalidArgument, "malformed operation digest in %q", name)
	}
	size, err := strconv.ParseInt(hashSize[1], 10, 64)
	if err != nil {
		return action.Key{}, errors.New(errors.CodeInvalidArgument, "malformed digest size in %q", name)
	}
	digest, err := action.NewDigest(hashSize[0], size)
	if err != nil {
		return action.Key{}, errors.Wrap(err, "operation name %q", name)
	}
	salt, err := strconv.ParseUint(rest[1], 10, 64)
	if err != nil {
		return action.Key{}, errors.New(errors.CodeInvalidArgument, "malformed salt in %q", name)
	}
	return action.Key{InstanceName: instance, Digest: digest, Salt: salt}, nil
}
