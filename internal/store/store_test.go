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
	"crypto/sha256"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/turbine/internal/scheduler/action"
	"github.com/tombee/turbine/pkg/errors"
)

func digestOf(data []byte) action.Digest {
	return action.Digest{Hash: sha256.Sum256(data), SizeBytes: int64(len(data))}
}

// Both backends implement the same contract; run the suite against each.
func testBackends(t *testing.T) map[string]interface {
	Store
	ActionCache
} {
	t.Helper()
	sq, err := NewSQLite(SQLiteConfig{Path: filepath.Join(t.TempDir(), "store.db"), WAL: true})
	require.NoError(t, err)
	t.Cleanup(func() { sq.Close() })
	return map[string]interface {
		Store
		ActionCache
	}{
		"memory": NewMemory(),
		"sqlite": sq,
	}
}

func TestBlobRoundTrip(t *testing.T) {
	for name, s := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			data := []byte("the quick brown fox")
			d := digestOf(data)

			ok, err := s.Has(ctx, "main", d)
			require.NoError(t, err)
			assert.False(t, ok)

			_, err = s.Get(ctx, "main", d)
			assert.True(t, errors.IsCode(err, errors.CodeNotFound))

			require.NoError(t, s.Put(ctx, "main", d, data))

			ok, err = s.Has(ctx, "main", d)
			require.NoError(t, err)
			assert.True(t, ok)

			got, err := s.Get(ctx, "main", d)
			require.NoError(t, err)
			assert.Equal(t, data, got)

			// Instances are isolated namespaces.
			ok, err = s.Has(ctx, "other", d)
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestPutSizeMismatch(t *testing.T) {
	for name, s := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			data := []byte("abc")
			d := digestOf(data)
			d.SizeBytes = 99
			err := s.Put(context.Background(), "main", d, data)
			assert.True(t, errors.IsCode(err, errors.CodeInvalidArgument))
		})
	}
}

func TestFindMissing(t *testing.T) {
	for name, s := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			present := []byte("present")
			absent := []byte("absent")
			dp, da := digestOf(present), digestOf(absent)
			require.NoError(t, s.Put(ctx, "main", dp, present))

			missing, err := s.FindMissing(ctx, "main", []action.Digest{dp, da})
			require.NoError(t, err)
			assert.Equal(t, []action.Digest{da}, missing)

			missing, err = s.FindMissing(ctx, "main", []action.Digest{dp})
			require.NoError(t, err)
			assert.Empty(t, missing)
		})
	}
}

func TestMemoryEvictsLeastRecentlyUsed(t *testing.T) {
	ctx := context.Background()
	a, b, c := []byte("aaaa"), []byte("bbbb"), []byte("cccc")
	da, db, dc := digestOf(a), digestOf(b), digestOf(c)

	m := NewMemoryWithLimit(8)
	require.NoError(t, m.Put(ctx, "main", da, a))
	require.NoError(t, m.Put(ctx, "main", db, b))

	// Touch a so b becomes the eviction candidate.
	_, err := m.Get(ctx, "main", da)
	require.NoError(t, err)

	require.NoError(t, m.Put(ctx, "main", dc, c))

	ok, err := m.Has(ctx, "main", da)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = m.Has(ctx, "main", db)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = m.Has(ctx, "main", dc)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryRejectsOversizedBlob(t *testing.T) {
	m := NewMemoryWithLimit(4)
	data := []byte("too big to fit")
	err := m.Put(context.Background(), "main", digestOf(data), data)
	assert.True(t, errors.IsCode(err, errors.CodeResourceExhausted))
}

func TestActionResultCache(t *testing.T) {
	for name, s := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			d := digestOf([]byte("action"))

			_, ok, err := s.GetResult(ctx, "main", d)
			require.NoError(t, err)
			assert.False(t, ok)

			want := &action.Result{
				ExitCode: 2,
				Message:  "flaky test",
				OutputFiles: []action.OutputFile{
					{Path: "bazel-out/foo.o", Digest: digestOf([]byte("obj"))},
				},
			}
			require.NoError(t, s.PutResult(ctx, "main", d, want))

			got, ok, err := s.GetResult(ctx, "main", d)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, want.ExitCode, got.ExitCode)
			assert.Equal(t, want.Message, got.Message)
			require.Len(t, got.OutputFiles, 1)
			assert.Equal(t, want.OutputFiles[0], got.OutputFiles[0])
		})
	}
}
