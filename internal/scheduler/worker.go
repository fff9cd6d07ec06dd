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
	"github.com/tombee/turbine/internal/scheduler/platform"
)

// UpdateSender is the abstract send handle to one worker's control stream.
// Implementations must not block: sends are queued on the session's
// outbound channel and flushed by its writer goroutine.
type UpdateSender interface {
	// StartAction dispatches an action to the worker.
	StartAction(info *action.Info, queuedAt time.Time) error

	// KillAction asks the worker to terminate one running action.
	KillAction(key action.Key) error

	// KillAll asks the worker to terminate everything it is running.
	KillAll() error
}

// Worker is one registered execution node.
type Worker struct {
	// ID is the server-issued worker identifier.
	ID string

	// Properties are the validated advertised platform properties.
	Properties *platform.WorkerProperties

	// Sender carries control messages to the worker.
	Sender UpdateSender

	// LastKeepAlive is the most recent heartbeat. Monotonically
	// non-decreasing.
	LastKeepAlive time.Time

	// RunningAction is the fingerprint currently assigned, if any.
	RunningAction *action.Key

	// Paused workers do not participate in matching.
	Paused bool

	lastAssigned time.Time
}

// Available reports whether the worker can accept an action.
func (w *Worker) Available() bool {
	return !w.Paused && w.RunningAction == nil
}

// workerRegistry is the set of live workers. Callers hold the scheduler
// mutex.
type workerRegistry struct {
	workers map[string]*Worker
}

func newWorkerRegistry() *workerRegistry {
	return &workerRegistry{workers: make(map[string]*Worker)}
}

func (r *workerRegistry) Get(id string) (*Worker, bool) {
	w, ok := r.workers[id]
	return w, ok
}

func (r *workerRegistry) Add(w *Worker) bool {
	if _, ok := r.workers[w.ID]; ok {
		return false
	}
	r.workers[w.ID] = w
	return true
}

func (r *workerRegistry) Remove(id string) (*Worker, bool) {
	w, ok := r.workers[id]
	if ok {
		delete(r.workers, id)
	}
	return w, ok
}

func (r *workerRegistry) Len() int {
	return len(r.workers)
}

// TimedOut returns the ids of workers whose last keepalive is strictly
// older than timeout relative to now.
func (r *workerRegistry) TimedOut(now time.Time, timeout time.Duration) []string {
	var ids []string
	for id, w := range r.workers {
		if now.Sub(w.LastKeepAlive) > timeout {
			ids = append(ids, id)
		}
	}
	return ids
}

// FindBest returns the available worker satisfying the requirements with
// the oldest last assignment, or nil. The LRU tie-break spreads load across
// equally capable workers.
func (r *workerRegistry) FindBest(reqs *platform.Properties) *Worker {
	var best *Worker
	for _, w := range r.workers {
		if !w.Available() || !w.Properties.Satisfies(reqs) {
			continue
		}
		if best == nil || w.lastAssigned.Before(best.lastAssigned) {
			best = w
		}
	}
	return best
}
