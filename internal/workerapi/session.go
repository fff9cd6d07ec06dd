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

package workerapi

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/turbine/internal/log"
	"github.com/tombee/turbine/internal/scheduler"
	"github.com/tombee/turbine/internal/scheduler/action"
	"github.com/tombee/turbine/pkg/errors"
)

// outboundBuffer is the per-session send queue depth. The scheduler's send
// contract is non-blocking, so a worker that stops draining its socket
// overflows this and gets removed.
const outboundBuffer = 64

// Conn is the subset of a WebSocket connection the session needs.
// *websocket.Conn satisfies it.
type Conn interface {
	ReadJSON(v any) error
	WriteJSON(v any) error
	Close() error
}

// Session drives one worker connection: registration, heartbeats, result
// reporting and the outbound dispatch queue. It is the scheduler's
// UpdateSender for the worker it registered.
type Session struct {
	conn   Conn
	sched  scheduler.WorkerScheduler
	logger *slog.Logger
	now    func() time.Time

	workerID string

	outbound  chan *ServerMessage
	done      chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	queuedAt map[action.Key]time.Time
	paused   bool
}

var _ scheduler.UpdateSender = (*Session)(nil)

// NewSession wraps a connection. Run must be called to start the protocol.
func NewSession(conn Conn, sched scheduler.WorkerScheduler, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		conn:     conn,
		sched:    sched,
		logger:   log.WithComponent(logger, "workerapi"),
		now:      time.Now,
		outbound: make(chan *ServerMessage, outboundBuffer),
		done:     make(chan struct{}),
		queuedAt: make(map[action.Key]time.Time),
	}
}

// WorkerID returns the server-issued identity, empty before registration.
func (s *Session) WorkerID() string {
	return s.workerID
}

// Run performs registration and then pumps messages until the connection
// drops, the worker says goodbye or ctx is cancelled. The worker is always
// deregistered on return.
func (s *Session) Run(ctx context.Context) error {
	defer s.terminate()

	var hello WorkerMessage
	if err := s.conn.ReadJSON(&hello); err != nil {
		return errors.WrapWithCode(err, errors.CodeUnavailable, "worker hung up before registering")
	}
	if hello.Type != TypeSupportedProperties || hello.SupportedProperties == nil {
		return errors.New(errors.CodeInvalidArgument,
			"first message must be supported_properties, got %q", hello.Type)
	}

	props, err := s.sched.PlatformPropertyManager().WorkerProperties(
		PlatformPairs(hello.SupportedProperties.Properties))
	if err != nil {
		return errors.Wrap(err, "worker advertised invalid properties")
	}

	s.workerID = uuid.New().String()
	logger := s.logger.With(slog.String(log.WorkerIDKey, s.workerID))

	go s.writeLoop(logger)

	// The connection result must be queued before AddWorker: the scheduler
	// may dispatch immediately and the worker needs its id first.
	if err := s.enqueue(&ServerMessage{
		Type:             TypeConnectionResult,
		ConnectionResult: &ConnectionResult{WorkerID: s.workerID, Version: ProtocolVersion},
	}); err != nil {
		return err
	}

	if err := s.sched.AddWorker(&scheduler.Worker{
		ID:         s.workerID,
		Properties: props,
		Sender:     s,
	}); err != nil {
		return errors.Wrap(err, "worker registration rejected")
	}
	defer s.sched.RemoveWorker(s.workerID)

	stop := context.AfterFunc(ctx, s.terminate)
	defer stop()

	for {
		var msg WorkerMessage
		if err := s.conn.ReadJSON(&msg); err != nil {
			select {
			case <-s.done:
				return nil
			default:
			}
			logger.Info("worker connection lost", log.Error(err))
			return nil
		}

		switch msg.Type {
		case TypeKeepAlive:
			s.handleKeepAlive(logger, msg.KeepAlive)
		case TypeExecuteResult:
			s.handleExecuteResult(logger, msg.ExecuteResult)
		case TypeGoingAway:
			logger.Info("worker going away")
			return nil
		default:
			logger.Warn("unknown message from worker", slog.String("type", string(msg.Type)))
		}
	}
}

func (s *Session) handleKeepAlive(logger *slog.Logger, ka *KeepAlive) {
	if err := s.sched.WorkerKeepAliveReceived(s.workerID, s.now()); err != nil {
		logger.Warn("keepalive rejected", log.Error(err))
		return
	}
	if ka == nil {
		return
	}
	s.mu.Lock()
	changed := s.paused != ka.Paused
	s.paused = ka.Paused
	s.mu.Unlock()
	if changed {
		if err := s.sched.SetWorkerPaused(s.workerID, ka.Paused); err != nil {
			logger.Warn("pause update rejected", log.Error(err))
		}
	}
}

func (s *Session) handleExecuteResult(logger *slog.Logger, er *ExecuteResult) {
	if er == nil {
		logger.Warn("execute_result frame without payload")
		return
	}
	key, err := er.Action.Key()
	if err != nil {
		logger.Warn("execute_result with invalid action", log.Error(err))
		return
	}

	s.mu.Lock()
	queuedAt := s.queuedAt[key]
	delete(s.queuedAt, key)
	s.mu.Unlock()

	switch {
	case er.InternalError != nil:
		s.sched.UpdateActionWithInternalError(s.workerID, key, er.InternalError.Err())
	case er.Result != nil:
		result, err := er.Result.Result(s.workerID, queuedAt)
		if err != nil {
			s.sched.UpdateActionWithInternalError(s.workerID, key, err)
			return
		}
		if err := s.sched.UpdateAction(s.workerID, key, action.Completed(result)); err != nil {
			logger.Warn("result rejected", slog.String(log.ActionKey, key.String()), log.Error(err))
		}
	default:
		logger.Warn("execute_result with neither result nor error",
			slog.String(log.ActionKey, key.String()))
	}
}

func (s *Session) writeLoop(logger *slog.Logger) {
	for {
		select {
		case <-s.done:
			return
		case msg := <-s.outbound:
			if err := s.conn.WriteJSON(msg); err != nil {
				logger.Info("worker write failed", log.Error(err))
				s.terminate()
				return
			}
		}
	}
}

// terminate closes the connection and stops the writer. Idempotent.
func (s *Session) terminate() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

func (s *Session) enqueue(msg *ServerMessage) error {
	select {
	case <-s.done:
		return errors.New(errors.CodeUnavailable, "worker connection is closed")
	default:
	}
	select {
	case s.outbound <- msg:
		return nil
	default:
		return errors.New(errors.CodeUnavailable, "worker outbound queue is full")
	}
}

// StartAction queues a dispatch frame. Never blocks.
func (s *Session) StartAction(info *action.Info, queuedAt time.Time) error {
	s.mu.Lock()
	s.queuedAt[info.UniqueQualifier] = queuedAt
	s.mu.Unlock()
	return s.enqueue(&ServerMessage{
		Type:        TypeStartAction,
		StartAction: NewStartAction(info, queuedAt),
	})
}

// KillAction queues a kill frame for one action. Never blocks.
func (s *Session) KillAction(key action.Key) error {
	ref := NewActionRef(key)
	return s.enqueue(&ServerMessage{Type: TypeKillAction, KillAction: &ref})
}

// KillAll queues a kill-everything frame. Never blocks.
func (s *Session) KillAll() error {
	return s.enqueue(&ServerMessage{Type: TypeKillAll})
}
