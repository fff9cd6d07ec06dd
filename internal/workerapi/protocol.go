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

// Package workerapi implements the control protocol between the scheduler
// and its workers: JSON messages over a long-lived WebSocket per worker.
package workerapi

import (
	stderrors "errors"
	"time"

	"github.com/tombee/turbine/internal/scheduler/action"
	"github.com/tombee/turbine/internal/scheduler/platform"
	"github.com/tombee/turbine/pkg/errors"
)

const (
	// ProtocolVersion is sent in the connection result for version
	// negotiation.
	ProtocolVersion = "1.0"

	// Path is the HTTP path workers connect to.
	Path = "/worker_api"
)

// ServerMessageType identifies a scheduler-to-worker message.
type ServerMessageType string

const (
	// TypeConnectionResult acknowledges registration and carries the
	// server-issued worker id.
	TypeConnectionResult ServerMessageType = "connection_result"

	// TypeStartAction dispatches an action to the worker.
	TypeStartAction ServerMessageType = "start_action"

	// TypeKillAction asks the worker to terminate one action.
	TypeKillAction ServerMessageType = "kill_action"

	// TypeKillAll asks the worker to terminate everything it is running.
	TypeKillAll ServerMessageType = "kill_all"
)

// ServerMessage is the scheduler-to-worker frame. Exactly the payload named
// by Type is set.
type ServerMessage struct {
	Type             ServerMessageType `json:"type"`
	ConnectionResult *ConnectionResult `json:"connection_result,omitempty"`
	StartAction      *StartAction      `json:"start_action,omitempty"`
	KillAction       *ActionRef        `json:"kill_action,omitempty"`
}

// ConnectionResult carries the identity the scheduler assigned this worker.
type ConnectionResult struct {
	WorkerID string `json:"worker_id"`
	Version  string `json:"version"`
}

// DigestRef is the wire form of a digest.
type DigestRef struct {
	Hash      string `json:"hash"`
	SizeBytes int64  `json:"size_bytes"`
}

// NewDigestRef converts a digest to its wire form.
func NewDigestRef(d action.Digest) DigestRef {
	return DigestRef{Hash: d.HashString(), SizeBytes: d.SizeBytes}
}

// Digest converts the wire form back, validating the hash.
func (r DigestRef) Digest() (action.Digest, error) {
	return action.NewDigest(r.Hash, r.SizeBytes)
}

// ActionRef is the wire form of an action fingerprint.
type ActionRef struct {
	InstanceName string    `json:"instance_name"`
	ActionDigest DigestRef `json:"action_digest"`
	Salt         uint64    `json:"salt,omitempty"`
}

// NewActionRef converts a fingerprint to its wire form.
func NewActionRef(k action.Key) ActionRef {
	return ActionRef{
		InstanceName: k.InstanceName,
		ActionDigest: NewDigestRef(k.Digest),
		Salt:         k.Salt,
	}
}

// Key converts the wire form back, validating the digest.
func (r ActionRef) Key() (action.Key, error) {
	d, err := r.ActionDigest.Digest()
	if err != nil {
		return action.Key{}, err
	}
	return action.Key{InstanceName: r.InstanceName, Digest: d, Salt: r.Salt}, nil
}

// PropertyPair is one platform property key/value on the wire.
type PropertyPair struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// StartAction tells the worker to begin executing an action.
type StartAction struct {
	Action          ActionRef      `json:"action"`
	CommandDigest   DigestRef      `json:"command_digest"`
	InputRootDigest DigestRef      `json:"input_root_digest"`
	TimeoutSeconds  int64          `json:"timeout_seconds,omitempty"`
	Platform        []PropertyPair `json:"platform,omitempty"`
	DigestFunction  string         `json:"digest_function,omitempty"`
	QueuedAt        time.Time      `json:"queued_at"`
}

// WorkerMessageType identifies a worker-to-scheduler message.
type WorkerMessageType string

const (
	// TypeSupportedProperties is the first message on a connection: the
	// worker advertising what it can run.
	TypeSupportedProperties WorkerMessageType = "supported_properties"

	// TypeKeepAlive is the periodic liveness heartbeat.
	TypeKeepAlive WorkerMessageType = "keep_alive"

	// TypeExecuteResult reports the outcome of a dispatched action.
	TypeExecuteResult WorkerMessageType = "execute_result"

	// TypeGoingAway announces a clean disconnect.
	TypeGoingAway WorkerMessageType = "going_away"
)

// WorkerMessage is the worker-to-scheduler frame.
type WorkerMessage struct {
	Type                WorkerMessageType    `json:"type"`
	SupportedProperties *SupportedProperties `json:"supported_properties,omitempty"`
	KeepAlive           *KeepAlive           `json:"keep_alive,omitempty"`
	ExecuteResult       *ExecuteResult       `json:"execute_result,omitempty"`
}

// SupportedProperties is the worker's advertised platform properties.
type SupportedProperties struct {
	Properties []PropertyPair `json:"properties"`
}

// KeepAlive is the heartbeat. Paused reports whether the worker has taken
// itself out of the matching pool.
type KeepAlive struct {
	Paused bool `json:"paused"`
}

// ExecuteResult reports one finished (or failed) action. Exactly one of
// Result and InternalError is set.
type ExecuteResult struct {
	Action        ActionRef   `json:"action"`
	Result        *WireResult `json:"result,omitempty"`
	InternalError *WireError  `json:"internal_error,omitempty"`
}

// WireOutputFile is one produced file on the wire.
type WireOutputFile struct {
	Path         string    `json:"path"`
	Digest       DigestRef `json:"digest"`
	IsExecutable bool      `json:"is_executable,omitempty"`
}

// WireResult is the wire form of an action result.
type WireResult struct {
	ExitCode          int32            `json:"exit_code"`
	OutputFiles       []WireOutputFile `json:"output_files,omitempty"`
	StdoutDigest      *DigestRef       `json:"stdout_digest,omitempty"`
	StderrDigest      *DigestRef       `json:"stderr_digest,omitempty"`
	Message           string           `json:"message,omitempty"`
	WorkerStartedAt   time.Time        `json:"worker_started_at"`
	WorkerCompletedAt time.Time        `json:"worker_completed_at"`
}

// Result converts the wire form into a scheduler result, stamping the
// reporting worker and queue time into the execution metadata.
func (w *WireResult) Result(workerID string, queuedAt time.Time) (*action.Result, error) {
	r := &action.Result{
		ExitCode: w.ExitCode,
		Message:  w.Message,
		ExecutionMetadata: action.ExecutionMetadata{
			Worker:                   workerID,
			QueuedTimestamp:          queuedAt,
			WorkerStartTimestamp:     w.WorkerStartedAt,
			WorkerCompletedTimestamp: w.WorkerCompletedAt,
		},
	}
	for _, f := range w.OutputFiles {
		d, err := f.Digest.Digest()
		if err != nil {
			return nil, errors.Wrap(err, "output file %q has a bad digest", f.Path)
		}
		r.OutputFiles = append(r.OutputFiles, action.OutputFile{
			Path:         f.Path,
			Digest:       d,
			IsExecutable: f.IsExecutable,
		})
	}
	if w.StdoutDigest != nil {
		d, err := w.StdoutDigest.Digest()
		if err != nil {
			return nil, errors.Wrap(err, "stdout digest is invalid")
		}
		r.StdoutDigest = d
	}
	if w.StderrDigest != nil {
		d, err := w.StderrDigest.Digest()
		if err != nil {
			return nil, errors.Wrap(err, "stderr digest is invalid")
		}
		r.StderrDigest = d
	}
	return r, nil
}

// NewWireResult converts a scheduler result to its wire form.
func NewWireResult(r *action.Result) *WireResult {
	w := &WireResult{
		ExitCode:          r.ExitCode,
		Message:           r.Message,
		WorkerStartedAt:   r.ExecutionMetadata.WorkerStartTimestamp,
		WorkerCompletedAt: r.ExecutionMetadata.WorkerCompletedTimestamp,
	}
	for _, f := range r.OutputFiles {
		w.OutputFiles = append(w.OutputFiles, WireOutputFile{
			Path:         f.Path,
			Digest:       NewDigestRef(f.Digest),
			IsExecutable: f.IsExecutable,
		})
	}
	if r.StdoutDigest != (action.Digest{}) {
		d := NewDigestRef(r.StdoutDigest)
		w.StdoutDigest = &d
	}
	if r.StderrDigest != (action.Digest{}) {
		d := NewDigestRef(r.StderrDigest)
		w.StderrDigest = &d
	}
	return w
}

// WireError is a coded error on the wire.
type WireError struct {
	Code     string   `json:"code"`
	Messages []string `json:"messages"`
}

// NewWireError converts any error to its wire form.
func NewWireError(err error) *WireError {
	code := errors.CodeOf(err)
	var e *errors.Error
	if stderrors.As(err, &e) {
		return &WireError{Code: code.String(), Messages: e.Messages}
	}
	return &WireError{Code: code.String(), Messages: []string{err.Error()}}
}

// Err converts the wire form back to a coded error.
func (w *WireError) Err() *errors.Error {
	code := parseCode(w.Code)
	if len(w.Messages) == 0 {
		return errors.New(code, "worker reported an error")
	}
	e := errors.New(code, "%s", w.Messages[len(w.Messages)-1])
	for i := len(w.Messages) - 2; i >= 0; i-- {
		e = errors.WrapWithCode(e, code, "%s", w.Messages[i])
	}
	return e
}

func parseCode(s string) errors.Code {
	for c := errors.CodeOK; c <= errors.CodeInternal; c++ {
		if c.String() == s {
			return c
		}
	}
	return errors.CodeInternal
}

// NewStartAction builds the dispatch frame for an action submission.
func NewStartAction(info *action.Info, queuedAt time.Time) *StartAction {
	return &StartAction{
		Action:          NewActionRef(info.UniqueQualifier),
		CommandDigest:   NewDigestRef(info.CommandDigest),
		InputRootDigest: NewDigestRef(info.InputRootDigest),
		TimeoutSeconds:  int64(info.Timeout / time.Second),
		DigestFunction:  info.DigestFunction.String(),
		QueuedAt:        queuedAt,
	}
}

// PlatformPairs converts wire pairs to the platform package's form.
func PlatformPairs(pairs []PropertyPair) []platform.Pair {
	out := make([]platform.Pair, len(pairs))
	for i, p := range pairs {
		out[i] = platform.Pair{Name: p.Name, Value: p.Value}
	}
	return out
}
