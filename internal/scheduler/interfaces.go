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

// Package scheduler contains the scheduling and worker-dispatch core: it
// accepts action submissions, deduplicates in-flight work, pairs queued
// actions with compatible workers and publishes state transitions to
// subscribers.
package scheduler

import (
	"time"

	"github.com/tombee/turbine/internal/scheduler/action"
	"github.com/tombee/turbine/internal/scheduler/platform"
	"github.com/tombee/turbine/internal/scheduler/watch"
)

// ActionScheduler is the capability set exposed to the client-facing
// frontends (Execution, Capabilities).
type ActionScheduler interface {
	// GetPlatformPropertyManager returns the property manager serving the
	// given instance, or NotFound.
	GetPlatformPropertyManager(instanceName string) (*platform.Manager, error)

	// AddAction submits an action for remote execution and returns a
	// subscription to its state stream. Identical fingerprints join the
	// same in-flight record.
	AddAction(info *action.Info) (*watch.Observer[action.State], error)

	// FindExistingAction returns a subscription to an in-flight action,
	// or nil if the fingerprint is unknown.
	FindExistingAction(key action.Key) *watch.Observer[action.State]

	// KillAction cancels an in-flight action, telling the owning worker to
	// stop it and finalizing the record with a Cancelled error.
	KillAction(key action.Key) error

	// CleanRecentlyCompletedActions drops recently-completed entries older
	// than the configured retention. Called periodically.
	CleanRecentlyCompletedActions()
}

// WorkerScheduler is the capability set exposed to worker sessions.
type WorkerScheduler interface {
	// PlatformPropertyManager returns the property manager workers
	// validate their advertised properties against.
	PlatformPropertyManager() *platform.Manager

	// AddWorker registers a connected worker and begins dispatching to it.
	AddWorker(w *Worker) error

	// UpdateAction applies a stage reported by the worker that owns the
	// action. Terminal stages free the worker and nudge matching.
	UpdateAction(workerID string, key action.Key, stage action.Stage) error

	// UpdateActionWithInternalError handles a failure that is about the
	// worker rather than the action. The action is either re-queued (when
	// the failure is transient and retries remain) or marked failed.
	UpdateActionWithInternalError(workerID string, key action.Key, cause error)

	// WorkerKeepAliveReceived records a liveness heartbeat.
	WorkerKeepAliveReceived(workerID string, timestamp time.Time) error

	// SetWorkerPaused marks a worker in or out of the matching pool.
	SetWorkerPaused(workerID string, paused bool) error

	// RemoveWorker removes a worker and re-queues anything running on it.
	RemoveWorker(workerID string)

	// RemoveTimedoutWorkers removes every worker whose last keepalive is
	// older than the configured timeout relative to now.
	RemoveTimedoutWorkers(now time.Time)
}

// Config configures a SimpleScheduler.
type Config struct {
	// PlatformSchema declares the valid platform property keys and their
	// match semantics.
	PlatformSchema map[string]platform.PropertyType

	// SupportedInstances restricts which instance names this scheduler
	// serves. Empty means all.
	SupportedInstances []string

	// WorkerTimeout is how long a worker may go without a keepalive
	// before being removed. Default: 30s.
	WorkerTimeout time.Duration

	// RetainCompletedFor is the TTL of the recently-completed cache.
	// Default: 60s.
	RetainCompletedFor time.Duration

	// MaxCompletedActions bounds the recently-completed cache. Default: 512.
	MaxCompletedActions int

	// MaxActionRetries bounds how many times an action may be re-queued
	// after worker-side internal errors before it is aborted. Default: 3.
	MaxActionRetries int

	// RescheduleOnInternalError re-queues actions that failed with a
	// worker internal error instead of surfacing the error, as long as
	// retries remain.
	RescheduleOnInternalError bool

	// Now is the clock; nil uses time.Now. Injected for tests.
	Now func() time.Time
}

func (c *Config) applyDefaults() {
	if c.WorkerTimeout <= 0 {
		c.WorkerTimeout = 30 * time.Second
	}
	if c.RetainCompletedFor <= 0 {
		c.RetainCompletedFor = 60 * time.Second
	}
	if c.MaxCompletedActions <= 0 {
		c.MaxCompletedActions = 512
	}
	if c.MaxActionRetries <= 0 {
		c.MaxActionRetries = 3
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}
