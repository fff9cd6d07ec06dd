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
	"container/heap"
	"sort"

	"github.com/tombee/turbine/internal/scheduler/action"
)

// actionQueue orders pending actions by priority (descending) then insert
// time (ascending), with an index for O(log n) removal by fingerprint.
// Callers hold the scheduler mutex.
type actionQueue struct {
	items []*queueItem
	byKey map[action.Key]*queueItem
}

type queueItem struct {
	rec   *record
	index int
}

func newActionQueue() *actionQueue {
	return &actionQueue{byKey: make(map[action.Key]*queueItem)}
}

func (q *actionQueue) Len() int { return len(q.items) }

func (q *actionQueue) Less(i, j int) bool {
	return q.items[i].rec.info.RunsBefore(q.items[j].rec.info)
}

func (q *actionQueue) Swap(i, j int) {
	q.items[i], q.items[j] = q.items[j], q.items[i]
	q.items[i].index = i
	q.items[j].index = j
}

func (q *actionQueue) Push(x any) {
	item := x.(*queueItem)
	item.index = len(q.items)
	q.items = append(q.items, item)
}

func (q *actionQueue) Pop() any {
	old := q.items
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	q.items = old[:n-1]
	return item
}

// Enqueue adds a record. Enqueueing an already-queued fingerprint is a
// no-op.
func (q *actionQueue) Enqueue(rec *record) {
	key := rec.info.UniqueQualifier
	if _, ok := q.byKey[key]; ok {
		return
	}
	item := &queueItem{rec: rec}
	q.byKey[key] = item
	heap.Push(q, item)
}

// Remove drops a fingerprint from the queue, reporting whether it was
// present.
func (q *actionQueue) Remove(key action.Key) bool {
	item, ok := q.byKey[key]
	if !ok {
		return false
	}
	delete(q.byKey, key)
	heap.Remove(q, item.index)
	return true
}

// Contains reports whether the fingerprint is queued.
func (q *actionQueue) Contains(key action.Key) bool {
	_, ok := q.byKey[key]
	return ok
}

// InOrder returns a snapshot of queued records in dispatch order.
func (q *actionQueue) InOrder() []*record {
	out := make([]*record, len(q.items))
	for i, item := range q.items {
		out[i] = item.rec
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].info.RunsBefore(out[j].info)
	})
	return out
}
