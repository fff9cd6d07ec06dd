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

// Package store defines the content-addressed blob store and action result
// cache backing the CAS and ActionCache services.
package store

import (
	"context"

	"github.com/tombee/turbine/internal/scheduler/action"
)

// Store is a content-addressed blob store. Blobs are keyed by instance name
// and digest; a stored blob's content always matches its digest.
type Store interface {
	// Has reports whether the blob exists.
	Has(ctx context.Context, instance string, d action.Digest) (bool, error)

	// Get returns the blob content, or NotFound.
	Get(ctx context.Context, instance string, d action.Digest) ([]byte, error)

	// Put stores a blob. The content length must match the digest size.
	Put(ctx context.Context, instance string, d action.Digest, data []byte) error

	// FindMissing returns the subset of digests not present in the store,
	// preserving input order.
	FindMissing(ctx context.Context, instance string, digests []action.Digest) ([]action.Digest, error)

	// Close releases backend resources.
	Close() error
}

// ActionCache maps action digests to their cached results.
type ActionCache interface {
	// GetResult returns the cached result for an action digest, or
	// (nil, false, nil) on a miss.
	GetResult(ctx context.Context, instance string, d action.Digest) (*action.Result, bool, error)

	// PutResult caches a result under an action digest, replacing any
	// previous entry.
	PutResult(ctx context.Context, instance string, d action.Digest, r *action.Result) error
}
