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

package store

import (
	"context"
	"sync"

	"github.com/tombee/turbine/internal/scheduler/action"
	"github.com/tombee/turbine/pkg/errors"
)

type blobKey struct {
	instance string
	digest   action.Digest
}

// Memory is an in-process store, the default for single-node deployments
// and tests. With a byte budget set, least recently used blobs are evicted
// to make room for new ones.
type Memory struct {
	maxBytes int64

	mu      sync.Mutex
	blobs   map[blobKey][]byte
	order   []blobKey // LRU order, oldest first
	used    int64
	results map[blobKey]*action.Result
}

var (
	_ Store       = (*Memory)(nil)
	_ ActionCache = (*Memory)(nil)
)

// NewMemory creates an unbounded in-memory store.
func NewMemory() *Memory {
	return NewMemoryWithLimit(0)
}

// NewMemoryWithLimit creates an in-memory store holding at most maxBytes of
// blob content. Zero means unbounded.
func NewMemoryWithLimit(maxBytes int64) *Memory {
	return &Memory{
		maxBytes: maxBytes,
		blobs:    make(map[blobKey][]byte),
		results:  make(map[blobKey]*action.Result),
	}
}

// touch moves key to the back of the LRU order.
func (m *Memory) touch(key blobKey) {
	for i, k := range m.order {
		if k == key {
			m.order = append(append(m.order[:i:i], m.order[i+1:]...), key)
			return
		}
	}
}

// Has reports whether the blob exists.
func (m *Memory) Has(_ context.Context, instance string, d action.Digest) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.blobs[blobKey{instance, d}]
	return ok, nil
}

// Get returns the blob content, or NotFound.
func (m *Memory) Get(_ context.Context, instance string, d action.Digest) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := blobKey{instance, d}
	data, ok := m.blobs[key]
	if !ok {
		return nil, errors.New(errors.CodeNotFound, "blob %s not found in instance %q", d, instance)
	}
	m.touch(key)
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// Put stores a blob after checking the content length against the digest.
func (m *Memory) Put(_ context.Context, instance string, d action.Digest, data []byte) error {
	if int64(len(data)) != d.SizeBytes {
		return errors.New(errors.CodeInvalidArgument,
			"blob size mismatch: digest says %d bytes, got %d", d.SizeBytes, len(data))
	}
	if m.maxBytes > 0 && d.SizeBytes > m.maxBytes {
		return errors.New(errors.CodeResourceExhausted,
			"blob of %d bytes exceeds the store budget of %d", d.SizeBytes, m.maxBytes)
	}
	stored := make([]byte, len(data))
	copy(stored, data)
	key := blobKey{instance, d}

	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.blobs[key]; ok {
		m.used -= int64(len(old))
		m.touch(key)
	} else {
		m.order = append(m.order, key)
	}
	m.blobs[key] = stored
	m.used += d.SizeBytes
	for m.maxBytes > 0 && m.used > m.maxBytes && len(m.order) > 0 {
		victim := m.order[0]
		m.order = m.order[1:]
		if victim == key {
			m.order = append(m.order, key)
			continue
		}
		m.used -= int64(len(m.blobs[victim]))
		delete(m.blobs, victim)
	}
	return nil
}

// FindMissing returns the digests not present, preserving input order.
func (m *Memory) FindMissing(_ context.Context, instance string, digests []action.Digest) ([]action.Digest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var missing []action.Digest
	for _, d := range digests {
		if _, ok := m.blobs[blobKey{instance, d}]; !ok {
			missing = append(missing, d)
		}
	}
	return missing, nil
}

// Close is a no-op for the in-memory store.
func (m *Memory) Close() error {
	return nil
}

// GetResult returns the cached result for an action digest.
func (m *Memory) GetResult(_ context.Context, instance string, d action.Digest) (*action.Result, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.results[blobKey{instance, d}]
	return r, ok, nil
}

// PutResult caches a result under an action digest.
func (m *Memory) PutResult(_ context.Context, instance string, d action.Digest, r *action.Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results[blobKey{instance, d}] = r
	return nil
}
