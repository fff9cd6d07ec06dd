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
	"time"

	"github.com/tombee/turbine/internal/scheduler/action"
)

// completedCache is the bounded, TTL-expiring map of fingerprint → terminal
// state used to short-circuit re-submits. Callers hold the scheduler mutex.
type completedCache struct {
	bound   int
	entries map[action.Key]completedEntry
}

type completedEntry struct {
	state      action.State
	insertedAt time.Time
}

func newCompletedCache(bound int) *completedCache {
	return &completedCache{
		bound:   bound,
		entries: make(map[action.Key]completedEntry),
	}
}

// Add records a terminal state, evicting oldest-inserted entries to stay
// within the bound.
func (c *completedCache) Add(key action.Key, state action.State, now time.Time) {
	c.entries[key] = completedEntry{state: state, insertedAt: now}
	for len(c.entries) > c.bound {
		var oldestKey action.Key
		var oldest time.Time
		first := true
		for k, e := range c.entries {
			if first || e.insertedAt.Before(oldest) {
				oldestKey = k
				oldest = e.insertedAt
				first = false
			}
		}
		delete(c.entries, oldestKey)
	}
}

// Get returns the cached terminal state for a fingerprint.
func (c *completedCache) Get(key action.Key) (action.State, bool) {
	e, ok := c.entries[key]
	return e.state, ok
}

// Remove drops a fingerprint, used when a salt-matched resubmit with
// skip_cache_lookup creates a fresh record.
func (c *completedCache) Remove(key action.Key) {
	delete(c.entries, key)
}

// CleanOlderThan drops entries inserted before the cutoff and returns how
// many were removed.
func (c *completedCache) CleanOlderThan(cutoff time.Time) int {
	removed := 0
	for k, e := range c.entries {
		if e.insertedAt.Before(cutoff) {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}

func (c *completedCache) Len() int {
	return len(c.entries)
}
