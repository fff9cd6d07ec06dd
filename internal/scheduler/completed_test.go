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

package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/turbine/internal/scheduler/action"
)

func TestCompletedCacheBoundAndEvictionOrder(t *testing.T) {
	c := newCompletedCache(3)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	key := func(n int) action.Key {
		return action.Key{InstanceName: "main", Digest: testDigest(t, n)}
	}
	add := func(n int) {
		now = now.Add(time.Second)
		c.Add(key(n), action.State{UniqueQualifier: key(n)}, now)
	}

	for n := 1; n <= 3; n++ {
		add(n)
	}
	require.Equal(t, 3, c.Len())

	// Reading an entry does not refresh its age.
	_, ok := c.Get(key(1))
	require.True(t, ok)

	add(4)
	assert.Equal(t, 3, c.Len())
	_, ok = c.Get(key(1))
	assert.False(t, ok, "oldest insertion should have been evicted")

	add(5)
	assert.Equal(t, 3, c.Len())
	_, ok = c.Get(key(2))
	assert.False(t, ok)
	for n := 3; n <= 5; n++ {
		_, ok := c.Get(key(n))
		assert.True(t, ok, "entry %d should be retained", n)
	}
}
