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
	"bytes"
	"context"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"google.golang.org/genproto/googleapis/bytestream"

	"github.com/tombee/turbine/internal/log"
	"github.com/tombee/turbine/internal/scheduler/action"
	"github.com/tombee/turbine/internal/store"
	"github.com/tombee/turbine/pkg/errors"
)

// readChunkSize is the per-message payload for ByteStream reads.
const readChunkSize = 64 * 1024

// ByteStream serves streaming blob transfer against the blob store.
type ByteStream struct {
	bytestream.UnimplementedByteStreamServer

	store  store.Store
	logger *slog.Logger
}

// NewByteStream creates the ByteStream service.
func NewByteStream(s store.Store, logger *slog.Logger) *ByteStream {
	if logger == nil {
		logger = slog.Default()
	}
	return &ByteStream{store: s, logger: log.WithComponent(logger, "bytestream")}
}

// blobResource is a parsed ByteStream resource name.
type blobResource struct {
	instance string
	digest   action.Digest
}

// parseReadResource parses "{instance}/blobs/{hash}/{size}". The instance
// name may contain slashes, so segments are taken from the right.
func parseReadResource(name string) (blobResource, error) {
	segs := strings.Split(name, "/")
	if len(segs) < 3 || segs[len(segs)-3] != "blobs" {
		return blobResource{}, errors.New(errors.CodeInvalidArgument,
			"malformed read resource %q, want .../blobs/{hash}/{size}", name)
	}
	return resourceFrom(segs[:len(segs)-3], segs[len(segs)-2], segs[len(segs)-1], name)
}

// parseWriteResource parses
// "{instance}/uploads/{uuid}/blobs/{hash}/{size}[/{metadata}]".
func parseWriteResource(name string) (blobResource, error) {
	segs := strings.Split(name, "/")
	// Find the "uploads" marker from the left so trailing metadata after
	// the size segment is tolerated.
	for i := 0; i+4 < len(segs); i++ {
		if segs[i] == "uploads" && segs[i+2] == "blobs" {
			return resourceFrom(segs[:i], segs[i+3], segs[i+4], name)
		}
	}
	return blobResource{}, errors.New(errors.CodeInvalidArgument,
		"malformed write resource %q, want .../uploads/{uuid}/blobs/{hash}/{size}", name)
}

func resourceFrom(instanceSegs []string, hash, sizeStr, name string) (blobResource, error) {
	size, err := strconv.ParseInt(sizeStr, 10, 64)
	if err != nil {
		return blobResource{}, errors.New(errors.CodeInvalidArgument,
			"malformed size in resource %q", name)
	}
	digest, err := action.NewDigest(hash, size)
	if err != nil {
		return blobResource{}, errors.Wrap(err, "resource %q", name)
	}
	return blobResource{instance: strings.Join(instanceSegs, "/"), digest: digest}, nil
}

// Read streams a blob in chunks, honoring offset and limit.
func (b *ByteStream) Read(req *bytestream.ReadRequest, stream bytestream.ByteStream_ReadServer) error {
	res, err := parseReadResource(req.ResourceName)
	if err != nil {
		return errors.ToGRPC(err)
	}
	data, err := b.store.Get(stream.Context(), res.instance, res.digest)
	if err != nil {
		return errors.ToGRPC(err)
	}
	if req.ReadOffset < 0 || req.ReadOffset > int64(len(data)) {
		return errors.ToGRPC(errors.New(errors.CodeInvalidArgument,
			"read offset %d out of range for %d byte blob", req.ReadOffset, len(data)))
	}
	data = data[req.ReadOffset:]
	if req.ReadLimit > 0 && req.ReadLimit < int64(len(data)) {
		data = data[:req.ReadLimit]
	}
	for len(data) > 0 {
		n := readChunkSize
		if n > len(data) {
			n = len(data)
		}
		if err := stream.Send(&bytestream.ReadResponse{Data: data[:n]}); err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}

// Write accepts an upload stream and commits the blob once finished.
func (b *ByteStream) Write(stream bytestream.ByteStream_WriteServer) error {
	var (
		res     blobResource
		started bool
		buf     bytes.Buffer
	)
	for {
		req, err := stream.Recv()
		if err == io.EOF {
			return errors.ToGRPC(errors.New(errors.CodeInvalidArgument,
				"upload ended without finish_write"))
		}
		if err != nil {
			return err
		}
		if !started {
			res, err = parseWriteResource(req.ResourceName)
			if err != nil {
				return errors.ToGRPC(err)
			}
			started = true
		}
		if req.WriteOffset != int64(buf.Len()) {
			return errors.ToGRPC(errors.New(errors.CodeInvalidArgument,
				"write offset %d does not match committed size %d", req.WriteOffset, buf.Len()))
		}
		buf.Write(req.Data)
		if req.FinishWrite {
			if err := b.store.Put(stream.Context(), res.instance, res.digest, buf.Bytes()); err != nil {
				return errors.ToGRPC(err)
			}
			return stream.SendAndClose(&bytestream.WriteResponse{
				CommittedSize: int64(buf.Len()),
			})
		}
	}
}

// QueryWriteStatus reports whether a blob already exists; uploads are not
// resumable, so an existing blob is complete and anything else restarts.
func (b *ByteStream) QueryWriteStatus(ctx context.Context, req *bytestream.QueryWriteStatusRequest) (*bytestream.QueryWriteStatusResponse, error) {
	res, err := parseWriteResource(req.ResourceName)
	if err != nil {
		return nil, errors.ToGRPC(err)
	}
	ok, err := b.store.Has(ctx, res.instance, res.digest)
	if err != nil {
		return nil, errors.ToGRPC(err)
	}
	if ok {
		return &bytestream.QueryWriteStatusResponse{
			CommittedSize: res.digest.SizeBytes,
			Complete:      true,
		}, nil
	}
	return &bytestream.QueryWriteStatusResponse{}, nil
}
