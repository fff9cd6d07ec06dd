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
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/tombee/turbine/internal/log"
	"github.com/tombee/turbine/internal/scheduler/action"
	"github.com/tombee/turbine/internal/scheduler/platform"
	"github.com/tombee/turbine/internal/scheduler/watch"
	"github.com/tombee/turbine/pkg/errors"
)

// record is the canonical in-flight entry for one fingerprint. The
// authoritative stage lives here, guarded by the scheduler mutex; the watch
// channel mirrors it to subscribers.
type record struct {
	info           *action.Info
	stage          action.Stage
	ch             *watch.Channel[action.State]
	assignedWorker string
	attempts       int
}

// SimpleScheduler is the in-memory scheduler. It implements both
// ActionScheduler and WorkerScheduler. All structures are guarded by one
// mutex held only for non-suspending critical sections; state broadcasts go
// through independently synchronized, non-blocking watch channels.
type SimpleScheduler struct {
	mu        sync.Mutex
	cfg       Config
	ppm       *platform.Manager
	logger    *slog.Logger
	queue     *actionQueue
	active    map[action.Key]*record
	workers   *workerRegistry
	completed *completedCache
	now       func() time.Time
	metrics   *Metrics
}

var (
	_ ActionScheduler = (*SimpleScheduler)(nil)
	_ WorkerScheduler = (*SimpleScheduler)(nil)
)

// New creates a SimpleScheduler.
func New(cfg Config, logger *slog.Logger) *SimpleScheduler {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &SimpleScheduler{
		cfg:       cfg,
		ppm:       platform.NewManager(cfg.PlatformSchema),
		logger:    log.WithComponent(logger, "scheduler"),
		queue:     newActionQueue(),
		active:    make(map[action.Key]*record),
		workers:   newWorkerRegistry(),
		completed: newCompletedCache(cfg.MaxCompletedActions),
		now:       cfg.Now,
		metrics:   newMetrics(),
	}
}

// GetPlatformPropertyManager returns the property manager for the given
// instance, or NotFound when the scheduler does not serve it.
func (s *SimpleScheduler) GetPlatformPropertyManager(instanceName string) (*platform.Manager, error) {
	if len(s.cfg.SupportedInstances) > 0 && !slices.Contains(s.cfg.SupportedInstances, instanceName) {
		return nil, errors.New(errors.CodeNotFound, "unknown instance name %q", instanceName)
	}
	return s.ppm, nil
}

// PlatformPropertyManager returns the property manager for worker-side
// callers, satisfying the WorkerScheduler half of the facade.
func (s *SimpleScheduler) PlatformPropertyManager() *platform.Manager {
	return s.ppm
}

// AddAction submits an action. A fingerprint already in flight joins the
// existing record; a recently completed fingerprint is served from cache
// unless the submission asked to skip the lookup.
func (s *SimpleScheduler) AddAction(info *action.Info) (*watch.Observer[action.State], error) {
	if _, err := s.GetPlatformPropertyManager(info.UniqueQualifier.InstanceName); err != nil {
		return nil, errors.WrapWithCode(err, errors.CodeInvalidArgument,
			"action %s targets an unserved instance", info.UniqueQualifier)
	}

	key := info.UniqueQualifier

	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.active[key]; ok {
		return rec.ch.Subscribe(), nil
	}

	if state, ok := s.completed.Get(key); ok {
		if !info.SkipCacheLookup {
			return closedObserver(cacheHitState(state)), nil
		}
		// The client explicitly wants a fresh run; forget the old result
		// so the new record owns the fingerprint.
		s.completed.Remove(key)
	}

	rec := &record{
		info:  info,
		stage: action.Queued(),
		ch: watch.NewChannel(action.State{
			Stage:           action.Queued(),
			UniqueQualifier: key,
		}),
	}
	s.active[key] = rec
	s.queue.Enqueue(rec)
	s.metrics.actionsAdded.Inc()
	obs := rec.ch.Subscribe()
	s.matchLocked()
	return obs, nil
}

// cacheHitState rewrites a cached terminal Completed state as
// CompletedFromCache; error results are replayed as-is.
func cacheHitState(state action.State) action.State {
	if state.Stage.Name == action.StageCompleted {
		state.Stage = action.CompletedFromCache(state.Stage.Result)
	}
	return state
}

// closedObserver wraps a final state in an already-closed subscription.
func closedObserver(state action.State) *watch.Observer[action.State] {
	ch := watch.NewChannel(state)
	obs := ch.Subscribe()
	ch.Close()
	return obs
}

// FindExistingAction returns a subscription to an in-flight fingerprint,
// or nil.
func (s *SimpleScheduler) FindExistingAction(key action.Key) *watch.Observer[action.State] {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.active[key]
	if !ok {
		return nil
	}
	return rec.ch.Subscribe()
}

// KillAction cancels an in-flight action: the record is finalized with
// Error(Cancelled), and the owning worker, if any, is told to kill it.
func (s *SimpleScheduler) KillAction(key action.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.active[key]
	if !ok {
		return errors.New(errors.CodeNotFound, "action %s is not in flight", key)
	}
	if w, ok := s.workers.Get(rec.assignedWorker); ok {
		if err := w.Sender.KillAction(key); err != nil {
			s.logger.Warn("kill message failed", slog.String(log.WorkerIDKey, w.ID), log.Error(err))
		}
		w.RunningAction = nil
	}
	s.queue.Remove(key)
	s.setStageLocked(rec, action.ErrorStage(errors.New(errors.CodeCancelled, "action killed by request")))
	s.matchLocked()
	return nil
}

// CleanRecentlyCompletedActions drops cache entries older than the
// configured retention.
func (s *SimpleScheduler) CleanRecentlyCompletedActions() {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-s.cfg.RetainCompletedFor)
	if removed := s.completed.CleanOlderThan(cutoff); removed > 0 {
		s.logger.Debug("cleaned recently completed actions", slog.Int("removed", removed))
	}
}

// AddWorker registers a worker and immediately tries to pair it with
// queued work.
func (s *SimpleScheduler) AddWorker(w *Worker) error {
	if w.ID == "" {
		return errors.New(errors.CodeInvalidArgument, "worker id must not be empty")
	}
	if w.Sender == nil {
		return errors.New(errors.CodeInvalidArgument, "worker %s has no send handle", w.ID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if w.LastKeepAlive.IsZero() {
		w.LastKeepAlive = s.now()
	}
	if !s.workers.Add(w) {
		return errors.New(errors.CodeInvalidArgument, "worker id %s is already registered", w.ID)
	}
	s.metrics.workersAdded.Inc()
	s.logger.Info("worker registered", slog.String(log.WorkerIDKey, w.ID))
	s.matchLocked()
	return nil
}

// UpdateAction applies a stage reported by a worker for an action it owns.
func (s *SimpleScheduler) UpdateAction(workerID string, key action.Key, stage action.Stage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.workers.Get(workerID)
	if !ok {
		return errors.New(errors.CodeNotFound, "unknown worker id %s", workerID)
	}
	rec, ok := s.active[key]
	if !ok {
		return errors.New(errors.CodeNotFound, "action %s is not in flight", key)
	}
	if rec.assignedWorker != workerID || w.RunningAction == nil || *w.RunningAction != key {
		return errors.New(errors.CodeInternal,
			"worker %s reported on action %s it does not own", workerID, key)
	}
	if !rec.stage.CanTransition(stage) {
		return errors.New(errors.CodeInternal,
			"illegal transition %s -> %s for action %s", rec.stage.Name, stage.Name, key)
	}

	s.setStageLocked(rec, stage)
	if stage.Terminal() {
		w.RunningAction = nil
		s.matchLocked()
	}
	return nil
}

// UpdateActionWithInternalError handles a worker-side failure that is about
// the worker rather than the action. ResourceExhausted pauses the worker
// and re-queues the action; transient or operator-permitted failures
// re-queue while retries remain; everything else finalizes the action.
func (s *SimpleScheduler) UpdateActionWithInternalError(workerID string, key action.Key, cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.active[key]
	if !ok {
		s.logger.Warn("internal error for unknown action",
			slog.String(log.WorkerIDKey, workerID), slog.String(log.ActionKey, key.String()))
		return
	}

	w, workerKnown := s.workers.Get(workerID)
	if workerKnown && w.RunningAction != nil && *w.RunningAction == key {
		w.RunningAction = nil
	}

	code := errors.CodeOf(cause)
	logger := s.logger.With(
		slog.String(log.WorkerIDKey, workerID),
		slog.String(log.ActionKey, key.String()))

	switch {
	case code == errors.CodeResourceExhausted:
		// The worker's precondition failed; it paused itself. The action
		// goes back to the queue for some other worker.
		if workerKnown {
			w.Paused = true
		}
		logger.Info("worker paused, re-queueing action", log.Error(cause))
		s.requeueLocked(rec)

	case (code.Transient() || s.cfg.RescheduleOnInternalError) && rec.attempts < s.cfg.MaxActionRetries:
		rec.attempts++
		logger.Warn("re-queueing action after worker failure",
			slog.Int("attempt", rec.attempts), log.Error(cause))
		s.requeueLocked(rec)

	case code.Transient():
		logger.Error("action exhausted reschedule budget", log.Error(cause))
		s.queue.Remove(key)
		s.setStageLocked(rec, action.ErrorStage(errors.WrapWithCode(cause, errors.CodeAborted,
			"action failed on %d workers", rec.attempts+1)))

	default:
		logger.Error("action failed with worker internal error", log.Error(cause))
		s.queue.Remove(key)
		// Timeouts and kills keep their own codes so clients see
		// DeadlineExceeded or Cancelled, not a blanket Internal.
		final := errors.CodeInternal
		if code == errors.CodeDeadlineExceeded || code == errors.CodeCancelled {
			final = code
		}
		s.setStageLocked(rec, action.ErrorStage(errors.WrapWithCode(cause, final,
			"action failed on worker %s", workerID)))
	}

	s.matchLocked()
}

// WorkerKeepAliveReceived records a heartbeat. Timestamps never move
// backwards.
func (s *SimpleScheduler) WorkerKeepAliveReceived(workerID string, timestamp time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.workers.Get(workerID)
	if !ok {
		return errors.New(errors.CodeNotFound, "unknown worker id %s", workerID)
	}
	if timestamp.After(w.LastKeepAlive) {
		w.LastKeepAlive = timestamp
	}
	return nil
}

// SetWorkerPaused marks a worker in or out of the matching pool.
func (s *SimpleScheduler) SetWorkerPaused(workerID string, paused bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.workers.Get(workerID)
	if !ok {
		return errors.New(errors.CodeNotFound, "unknown worker id %s", workerID)
	}
	if w.Paused == paused {
		return nil
	}
	w.Paused = paused
	s.logger.Info("worker pause state changed",
		slog.String(log.WorkerIDKey, workerID), slog.Bool("paused", paused))
	if !paused {
		s.matchLocked()
	}
	return nil
}

// RemoveWorker removes a worker and re-queues anything it was running.
func (s *SimpleScheduler) RemoveWorker(workerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.removeWorkerLocked(workerID)
	s.matchLocked()
}

// RemoveTimedoutWorkers removes every worker whose keepalive is older than
// the configured timeout relative to now.
func (s *SimpleScheduler) RemoveTimedoutWorkers(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range s.workers.TimedOut(now, s.cfg.WorkerTimeout) {
		s.logger.Warn("worker keepalive timed out", slog.String(log.WorkerIDKey, id))
		s.metrics.workerTimeouts.Inc()
		s.removeWorkerLocked(id)
	}
	s.matchLocked()
}

func (s *SimpleScheduler) removeWorkerLocked(workerID string) {
	w, ok := s.workers.Remove(workerID)
	if !ok {
		return
	}
	if err := w.Sender.KillAll(); err != nil {
		s.logger.Debug("kill_all on removal failed", slog.String(log.WorkerIDKey, workerID), log.Error(err))
	}
	if w.RunningAction == nil {
		return
	}
	key := *w.RunningAction
	w.RunningAction = nil
	rec, ok := s.active[key]
	if !ok || rec.stage.Terminal() {
		return
	}
	s.logger.Info("re-queueing action from removed worker",
		slog.String(log.WorkerIDKey, workerID), slog.String(log.ActionKey, key.String()))
	s.requeueLocked(rec)
}

// requeueLocked returns a record to the queue and broadcasts Queued.
func (s *SimpleScheduler) requeueLocked(rec *record) {
	rec.assignedWorker = ""
	s.setStageLocked(rec, action.Queued())
	s.queue.Enqueue(rec)
	s.metrics.requeues.Inc()
}

// setStageLocked is the single place stage transitions happen. Terminal
// stages finalize the record: it leaves the active map, enters the
// recently-completed cache and its broadcast channel closes.
func (s *SimpleScheduler) setStageLocked(rec *record, stage action.Stage) {
	rec.stage = stage
	state := action.State{Stage: stage, UniqueQualifier: rec.info.UniqueQualifier}
	if !stage.Terminal() {
		rec.ch.Publish(state)
		return
	}
	key := rec.info.UniqueQualifier
	delete(s.active, key)
	s.completed.Add(key, state, s.now())
	s.metrics.actionsCompleted.WithLabelValues(stage.Name.String()).Inc()
	rec.ch.Publish(state)
	rec.ch.Close()
}

// matchLocked is the matching engine: walk queued actions in priority
// order and dispatch each to the best available compatible worker. It is
// idempotent and re-entrant with respect to the nested removal paths.
func (s *SimpleScheduler) matchLocked() {
	for _, rec := range s.queue.InOrder() {
		key := rec.info.UniqueQualifier
		if !s.queue.Contains(key) {
			continue
		}
		w := s.workers.FindBest(rec.info.PlatformProperties)
		if w == nil {
			continue
		}
		s.dispatchLocked(rec, w)
	}
}

func (s *SimpleScheduler) dispatchLocked(rec *record, w *Worker) {
	key := rec.info.UniqueQualifier
	s.queue.Remove(key)
	keyCopy := key
	w.RunningAction = &keyCopy
	w.lastAssigned = s.now()
	rec.assignedWorker = w.ID
	s.setStageLocked(rec, action.Executing())
	s.metrics.matches.Inc()
	s.logger.Debug("dispatched action",
		slog.String(log.WorkerIDKey, w.ID), slog.String(log.ActionKey, key.String()))

	if err := w.Sender.StartAction(rec.info, rec.info.InsertTimestamp); err != nil {
		s.logger.Warn("start message failed, removing worker",
			slog.String(log.WorkerIDKey, w.ID), log.Error(err))
		s.removeWorkerLocked(w.ID)
	}
}

// Stats is a point-in-time snapshot used by metrics and diagnostics.
type Stats struct {
	QueuedActions     int
	ActiveActions     int
	Workers           int
	CompletedRetained int
}

// Snapshot returns current counts.
func (s *SimpleScheduler) Snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		QueuedActions:     s.queue.Len(),
		ActiveActions:     len(s.active),
		Workers:           s.workers.Len(),
		CompletedRetained: s.completed.Len(),
	}
}
