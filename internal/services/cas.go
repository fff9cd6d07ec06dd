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

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"google.golang.org/protobuf/proto"

	"github.com/tombee/turbine/internal/log"
	"github.com/tombee/turbine/internal/scheduler/action"
	"github.com/tombee/turbine/internal/store"
	"github.com/tombee/turbine/pkg/errors"
)

// maxBatchTotalSizeBytes bounds BatchUpdateBlobs and BatchReadBlobs
// payloads, advertised through Capabilities.
const maxBatchTotalSizeBytes = 4 * 1024 * 1024

// CAS serves the REAPI ContentAddressableStorage service over a blob store.
type CAS struct {
	repb.UnimplementedContentAddressableStorageServer

	store  store.Store
	logger *slog.Logger
}

// NewCAS creates the CAS service.
func NewCAS(s store.Store, logger *slog.Logger) *CAS {
	if logger == nil {
		logger = slog.Default()
	}
	return &CAS{store: s, logger: log.WithComponent(logger, "cas")}
}

// FindMissingBlobs reports which of the requested digests are absent.
func (c *CAS) FindMissingBlobs(ctx context.Context, req *repb.FindMissingBlobsRequest) (*repb.FindMissingBlobsResponse, error) {
	digests := make([]action.Digest, 0, len(req.BlobDigests))
	for _, d := range req.BlobDigests {
		digest, err := digestFromProto(d)
		if err != nil {
			return nil, errors.ToGRPC(err)
		}
		digests = append(digests, digest)
	}
	missing, err := c.store.FindMissing(ctx, req.InstanceName, digests)
	if err != nil {
		return nil, errors.ToGRPC(err)
	}
	resp := &repb.FindMissingBlobsResponse{}
	for _, d := range missing {
		resp.MissingBlobDigests = append(resp.MissingBlobDigests, digestToProto(d))
	}
	return resp, nil
}

// BatchUpdateBlobs stores a batch of blobs, with per-blob status.
func (c *CAS) BatchUpdateBlobs(ctx context.Context, req *repb.BatchUpdateBlobsRequest) (*repb.BatchUpdateBlobsResponse, error) {
	var total int64
	for _, r := range req.Requests {
		total += int64(len(r.Data))
	}
	if total > maxBatchTotalSizeBytes {
		return nil, errors.ToGRPC(errors.New(errors.CodeInvalidArgument,
			"batch of %d bytes exceeds the %d byte limit", total, maxBatchTotalSizeBytes))
	}

	resp := &repb.BatchUpdateBlobsResponse{}
	for _, r := range req.Requests {
		st := func() error {
			digest, err := digestFromProto(r.Digest)
			if err != nil {
				return err
			}
			return c.store.Put(ctx, req.InstanceName, digest, r.Data)
		}()
		resp.Responses = append(resp.Responses, &repb.BatchUpdateBlobsResponse_Response{
			Digest: r.Digest,
			Status: statusProto(st),
		})
	}
	return resp, nil
}

// BatchReadBlobs reads a batch of blobs, with per-blob status.
func (c *CAS) BatchReadBlobs(ctx context.Context, req *repb.BatchReadBlobsRequest) (*repb.BatchReadBlobsResponse, error) {
	resp := &repb.BatchReadBlobsResponse{}
	var total int64
	for _, d := range req.Digests {
		r := &repb.BatchReadBlobsResponse_Response{Digest: d}
		digest, err := digestFromProto(d)
		if err == nil {
			var data []byte
			data, err = c.store.Get(ctx, req.InstanceName, digest)
			if err == nil {
				total += int64(len(data))
				if total > maxBatchTotalSizeBytes {
					return nil, errors.ToGRPC(errors.New(errors.CodeInvalidArgument,
						"requested blobs exceed the %d byte batch limit", maxBatchTotalSizeBytes))
				}
				r.Data = data
			}
		}
		r.Status = statusProto(err)
		resp.Responses = append(resp.Responses, r)
	}
	return resp, nil
}

// GetTree streams every directory reachable from a root directory digest.
func (c *CAS) GetTree(req *repb.GetTreeRequest, stream repb.ContentAddressableStorage_GetTreeServer) error {
	ctx := stream.Context()
	rootDigest, err := digestFromProto(req.RootDigest)
	if err != nil {
		return errors.ToGRPC(err)
	}

	// Breadth-first over directory nodes, deduplicating shared subtrees.
	queue := []action.Digest{rootDigest}
	seen := map[action.Digest]struct{}{rootDigest: {}}
	for len(queue) > 0 {
		d := queue[0]
		queue = queue[1:]

		raw, err := c.store.Get(ctx, req.InstanceName, d)
		if err != nil {
			return errors.ToGRPC(errors.Wrap(err, "directory blob"))
		}
		var dir repb.Directory
		if err := proto.Unmarshal(raw, &dir); err != nil {
			return errors.ToGRPC(errors.New(errors.CodeInvalidArgument,
				"directory blob %s does not parse: %v", d, err))
		}
		if err := stream.Send(&repb.GetTreeResponse{Directories: []*repb.Directory{&dir}}); err != nil {
			return err
		}
		for _, node := range dir.Directories {
			child, err := digestFromProto(node.Digest)
			if err != nil {
				return errors.ToGRPC(errors.Wrap(err, "directory node %q", node.Name))
			}
			if _, ok := seen[child]; !ok {
				seen[child] = struct{}{}
				queue = append(queue, child)
			}
		}
	}
	return nil
}

// ActionCacheService serves the REAPI ActionCache over the result cache.
type ActionCacheService struct {
	repb.UnimplementedActionCacheServer

	cache  store.ActionCache
	logger *slog.Logger
}

// NewActionCache creates the ActionCache service.
func NewActionCache(cache store.ActionCache, logger *slog.Logger) *ActionCacheService {
	if logger == nil {
		logger = slog.Default()
	}
	return &ActionCacheService{cache: cache, logger: log.WithComponent(logger, "actioncache")}
}

// GetActionResult returns the cached result for an action digest.
func (a *ActionCacheService) GetActionResult(ctx context.Context, req *repb.GetActionResultRequest) (*repb.ActionResult, error) {
	digest, err := digestFromProto(req.ActionDigest)
	if err != nil {
		return nil, errors.ToGRPC(err)
	}
	result, ok, err := a.cache.GetResult(ctx, req.InstanceName, digest)
	if err != nil {
		return nil, errors.ToGRPC(err)
	}
	if !ok {
		return nil, errors.ToGRPC(errors.New(errors.CodeNotFound,
			"no cached result for action %s", digest))
	}
	return resultToProto(result), nil
}

// UpdateActionResult stores a result for an action digest.
func (a *ActionCacheService) UpdateActionResult(ctx context.Context, req *repb.UpdateActionResultRequest) (*repb.ActionResult, error) {
	digest, err := digestFromProto(req.ActionDigest)
	if err != nil {
		return nil, errors.ToGRPC(err)
	}
	result, err := resultFromProto(req.ActionResult)
	if err != nil {
		return nil, errors.ToGRPC(err)
	}
	if err := a.cache.PutResult(ctx, req.InstanceName, digest, result); err != nil {
		return nil, errors.ToGRPC(err)
	}
	return req.ActionResult, nil
}
