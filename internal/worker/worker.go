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

// Package worker implements the execution node client: it connects to the
// scheduler's worker API, advertises its platform, heartbeats, and runs the
// actions it is assigned.
package worker

import (
	"context"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tombee/turbine/internal/log"
	"github.com/tombee/turbine/internal/workerapi"
	"github.com/tombee/turbine/pkg/errors"
	"github.com/tombee/turbine/pkg/retry"
)

// Runner executes one assigned action. Implementations run the command in
// an execution root built from the input tree and return the measured
// result. Run must honor ctx cancellation: that is the kill path.
type Runner interface {
	Run(ctx context.Context, start *workerapi.StartAction) (*workerapi.WireResult, error)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, start *workerapi.StartAction) (*workerapi.WireResult, error)

// Run calls f.
func (f RunnerFunc) Run(ctx context.Context, start *workerapi.StartAction) (*workerapi.WireResult, error) {
	return f(ctx, start)
}

// outboundBuffer is the send queue depth toward the scheduler.
const outboundBuffer = 64

// outbox serializes every write to the control connection onto one
// goroutine; the websocket permits only a single concurrent writer.
type outbox struct {
	conn workerapi.Conn
	ch   chan *workerapi.WorkerMessage
}

func newOutbox(conn workerapi.Conn) *outbox {
	return &outbox{conn: conn, ch: make(chan *workerapi.WorkerMessage, outboundBuffer)}
}

// run pumps queued frames until ctx ends. A write failure closes the
// connection, which fails the read loop and triggers a reconnect.
func (o *outbox) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-o.ch:
			if err := o.conn.WriteJSON(msg); err != nil {
				o.conn.Close()
				return
			}
		}
	}
}

// send queues a frame without blocking.
func (o *outbox) send(msg *workerapi.WorkerMessage) error {
	select {
	case o.ch <- msg:
		return nil
	default:
		return errors.New(errors.CodeUnavailable, "outbound queue to scheduler is full")
	}
}

// Dialer opens the control connection. The default dials a WebSocket.
type Dialer func(ctx context.Context, url string) (workerapi.Conn, error)

func wsDial(ctx context.Context, url string) (workerapi.Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.CodeUnavailable, "failed to dial scheduler at %s", url)
	}
	return conn, nil
}

// Property is one advertised platform property. Either Values lists the
// values directly, or QueryCmd is a shell command whose output lines become
// the values.
type Property struct {
	Name     string
	Values   []string
	QueryCmd string
}

// Config configures a Worker.
type Config struct {
	// SchedulerURL is the worker API endpoint, e.g.
	// ws://scheduler:50061/worker_api.
	SchedulerURL string

	// Properties are the platform properties to advertise.
	Properties []Property

	// PreconditionScript, if set, runs before each assigned action. A
	// non-zero exit pauses the worker until the script passes again.
	PreconditionScript string

	// KeepAliveInterval is the heartbeat period. Default: 5s.
	KeepAliveInterval time.Duration

	// ReconnectDelays yields the backoff between reconnect attempts.
	// Nil uses exponential backoff capped at 30 attempts.
	ReconnectDelays func() retry.DelayIter

	// Dial overrides the connection dialer. Nil dials a WebSocket.
	Dial Dialer

	// Logger is the structured logger. Nil uses slog.Default.
	Logger *slog.Logger

	// RunCommand runs a shell command and returns its combined output.
	// Nil uses /bin/sh. Injected for tests.
	RunCommand func(ctx context.Context, command string) ([]byte, error)
}

// Worker is the execution node client.
type Worker struct {
	cfg    Config
	runner Runner
	logger *slog.Logger

	mu       sync.Mutex
	workerID string
	paused   bool
	running  map[string]context.CancelFunc
}

// New creates a Worker that executes actions with the given runner.
func New(cfg Config, runner Runner) *Worker {
	if cfg.KeepAliveInterval <= 0 {
		cfg.KeepAliveInterval = 5 * time.Second
	}
	if cfg.Dial == nil {
		cfg.Dial = wsDial
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.RunCommand == nil {
		cfg.RunCommand = func(ctx context.Context, command string) ([]byte, error) {
			return exec.CommandContext(ctx, "/bin/sh", "-c", command).CombinedOutput()
		}
	}
	if cfg.ReconnectDelays == nil {
		cfg.ReconnectDelays = func() retry.DelayIter {
			return retry.Exponential(time.Second, time.Minute, 30)
		}
	}
	return &Worker{
		cfg:     cfg,
		runner:  runner,
		logger:  log.WithComponent(cfg.Logger, "worker"),
		running: make(map[string]context.CancelFunc),
	}
}

// Run connects to the scheduler and serves assignments until ctx is
// cancelled, reconnecting with backoff when the connection drops.
func (w *Worker) Run(ctx context.Context) error {
	for {
		err := w.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		w.logger.Warn("connection to scheduler lost, reconnecting", log.Error(err))
	}
}

func (w *Worker) runOnce(ctx context.Context) error {
	r := retry.New(nil)
	conn, err := retry.Do(ctx, r, w.cfg.ReconnectDelays(),
		func(ctx context.Context) retry.Outcome[workerapi.Conn] {
			c, err := w.cfg.Dial(ctx, w.cfg.SchedulerURL)
			if err != nil {
				return retry.Retry[workerapi.Conn](err)
			}
			return retry.Ok(c)
		})
	if err != nil {
		return err
	}
	defer conn.Close()

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer w.killAll()

	out := newOutbox(conn)
	go out.run(sessionCtx)

	if err := w.register(ctx, conn, out); err != nil {
		return err
	}

	go w.keepAliveLoop(sessionCtx, out)

	for {
		var msg workerapi.ServerMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return errors.WrapWithCode(err, errors.CodeUnavailable, "scheduler connection read failed")
		}
		switch msg.Type {
		case workerapi.TypeStartAction:
			if msg.StartAction == nil {
				w.logger.Warn("start_action frame without payload")
				continue
			}
			go w.runAction(sessionCtx, out, msg.StartAction)
		case workerapi.TypeKillAction:
			if msg.KillAction != nil {
				w.killOne(*msg.KillAction)
			}
		case workerapi.TypeKillAll:
			w.killAll()
		default:
			w.logger.Warn("unknown message from scheduler", slog.String("type", string(msg.Type)))
		}
	}
}

// register advertises properties and waits for the server-issued identity.
func (w *Worker) register(ctx context.Context, conn workerapi.Conn, out *outbox) error {
	props, err := w.resolveProperties(ctx)
	if err != nil {
		return err
	}
	if err := out.send(&workerapi.WorkerMessage{
		Type:                workerapi.TypeSupportedProperties,
		SupportedProperties: &workerapi.SupportedProperties{Properties: props},
	}); err != nil {
		return errors.Wrap(err, "failed to send properties")
	}

	var reply workerapi.ServerMessage
	if err := conn.ReadJSON(&reply); err != nil {
		return errors.WrapWithCode(err, errors.CodeUnavailable, "scheduler hung up during registration")
	}
	if reply.Type != workerapi.TypeConnectionResult || reply.ConnectionResult == nil {
		return errors.New(errors.CodeInternal,
			"expected connection_result, got %q", reply.Type)
	}

	w.mu.Lock()
	w.workerID = reply.ConnectionResult.WorkerID
	w.mu.Unlock()
	w.logger.Info("registered with scheduler",
		slog.String(log.WorkerIDKey, reply.ConnectionResult.WorkerID))
	return nil
}

// resolveProperties expands QueryCmd properties into concrete values, one
// per output line.
func (w *Worker) resolveProperties(ctx context.Context) ([]workerapi.PropertyPair, error) {
	var pairs []workerapi.PropertyPair
	for _, p := range w.cfg.Properties {
		values := p.Values
		if p.QueryCmd != "" {
			out, err := w.cfg.RunCommand(ctx, p.QueryCmd)
			if err != nil {
				return nil, errors.WrapWithCode(err, errors.CodeInternal,
					"property query command for %q failed", p.Name)
			}
			for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
				if line = strings.TrimSpace(line); line != "" {
					values = append(values, line)
				}
			}
		}
		for _, v := range values {
			pairs = append(pairs, workerapi.PropertyPair{Name: p.Name, Value: v})
		}
	}
	return pairs, nil
}

func (w *Worker) keepAliveLoop(ctx context.Context, out *outbox) {
	ticker := time.NewTicker(w.cfg.KeepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.mu.Lock()
			paused := w.paused
			w.mu.Unlock()
			if paused && w.preconditionPasses(ctx) {
				w.mu.Lock()
				w.paused = false
				paused = false
				w.mu.Unlock()
				w.logger.Info("precondition passing again, unpausing")
			}
			if err := out.send(&workerapi.WorkerMessage{
				Type:      workerapi.TypeKeepAlive,
				KeepAlive: &workerapi.KeepAlive{Paused: paused},
			}); err != nil {
				return
			}
		}
	}
}

func (w *Worker) preconditionPasses(ctx context.Context) bool {
	if w.cfg.PreconditionScript == "" {
		return true
	}
	_, err := w.cfg.RunCommand(ctx, w.cfg.PreconditionScript)
	return err == nil
}

// runAction checks the precondition, executes the action and reports the
// outcome. Runs on its own goroutine per assignment.
func (w *Worker) runAction(ctx context.Context, out *outbox, start *workerapi.StartAction) {
	logger := w.logger.With(slog.String(log.ActionKey, start.Action.ActionDigest.Hash))

	if !w.preconditionPasses(ctx) {
		w.mu.Lock()
		w.paused = true
		w.mu.Unlock()
		logger.Warn("precondition failed, pausing")
		w.report(out, &workerapi.ExecuteResult{
			Action: start.Action,
			InternalError: workerapi.NewWireError(errors.New(
				errors.CodeResourceExhausted, "worker precondition script failed")),
		})
		return
	}

	var (
		actionCtx context.Context
		cancel    context.CancelFunc
	)
	if start.TimeoutSeconds > 0 {
		actionCtx, cancel = context.WithTimeout(ctx, time.Duration(start.TimeoutSeconds)*time.Second)
	} else {
		actionCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	key := start.Action.ActionDigest.Hash
	w.mu.Lock()
	w.running[key] = cancel
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		delete(w.running, key)
		w.mu.Unlock()
	}()

	result, err := w.runner.Run(actionCtx, start)
	switch {
	case err != nil:
		logger.Warn("action failed on worker", log.Error(err))
		w.report(out, &workerapi.ExecuteResult{
			Action:        start.Action,
			InternalError: workerapi.NewWireError(err),
		})
	default:
		logger.Info("action finished", slog.Int("exit_code", int(result.ExitCode)))
		w.report(out, &workerapi.ExecuteResult{Action: start.Action, Result: result})
	}
}

func (w *Worker) report(out *outbox, er *workerapi.ExecuteResult) {
	if err := out.send(&workerapi.WorkerMessage{
		Type:          workerapi.TypeExecuteResult,
		ExecuteResult: er,
	}); err != nil {
		w.logger.Warn("failed to report result", log.Error(err))
	}
}

func (w *Worker) killOne(ref workerapi.ActionRef) {
	w.mu.Lock()
	cancel, ok := w.running[ref.ActionDigest.Hash]
	w.mu.Unlock()
	if ok {
		w.logger.Info("killing action", slog.String(log.ActionKey, ref.ActionDigest.Hash))
		cancel()
	}
}

func (w *Worker) killAll() {
	w.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(w.running))
	for _, cancel := range w.running {
		cancels = append(cancels, cancel)
	}
	w.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}
