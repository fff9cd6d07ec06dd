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

package action

import (
	"time"

	"github.com/tombee/turbine/pkg/errors"
)

// StageName enumerates the variants of the action state machine.
type StageName int

const (
	// StageQueued means the action is waiting for a compatible worker.
	StageQueued StageName = iota
	// StageExecuting means the action has been dispatched to a worker.
	StageExecuting
	// StageCompleted means the worker finished and produced a result.
	StageCompleted
	// StageCompletedFromCache means the result was served from a cache.
	StageCompletedFromCache
	// StageCacheCheckMissing means the cache lookup found nothing; the
	// action proceeds to queueing.
	StageCacheCheckMissing
	// StageError is the terminal failure variant.
	StageError
)

// String returns the stage name for logs.
func (n StageName) String() string {
	switch n {
	case StageQueued:
		return "Queued"
	case StageExecuting:
		return "Executing"
	case StageCompleted:
		return "Completed"
	case StageCompletedFromCache:
		return "CompletedFromCache"
	case StageCacheCheckMissing:
		return "CacheCheckMissing"
	case StageError:
		return "Error"
	default:
		return "Unknown"
	}
}

// Stage is one tagged value of the action state machine. Result is set for
// the Completed variants, Err for the Error variant.
type Stage struct {
	Name   StageName
	Result *Result
	Err    *errors.Error
}

// Queued returns the Queued stage.
func Queued() Stage { return Stage{Name: StageQueued} }

// Executing returns the Executing stage.
func Executing() Stage { return Stage{Name: StageExecuting} }

// Completed returns the terminal Completed stage carrying the result.
func Completed(r *Result) Stage { return Stage{Name: StageCompleted, Result: r} }

// CompletedFromCache returns the terminal cache-hit stage.
func CompletedFromCache(r *Result) Stage { return Stage{Name: StageCompletedFromCache, Result: r} }

// CacheCheckMissing returns the cache-miss stage.
func CacheCheckMissing() Stage { return Stage{Name: StageCacheCheckMissing} }

// ErrorStage returns the terminal Error stage.
func ErrorStage(err *errors.Error) Stage { return Stage{Name: StageError, Err: err} }

// Terminal reports whether no further transitions are allowed out of s,
// other than identity.
func (s Stage) Terminal() bool {
	switch s.Name {
	case StageCompleted, StageCompletedFromCache, StageError:
		return true
	default:
		return false
	}
}

// CanTransition reports whether moving from s to next is a legal step.
// Terminal stages admit no transitions. Executing may move back to Queued:
// that is the re-queue path when a worker is lost.
func (s Stage) CanTransition(next Stage) bool {
	if s.Terminal() {
		return false
	}
	switch s.Name {
	case StageQueued:
		return next.Name != StageCacheCheckMissing
	case StageExecuting:
		return next.Name != StageCacheCheckMissing
	case StageCacheCheckMissing:
		return true
	default:
		return false
	}
}

// State is the published view of an action: its current stage plus the
// originating fingerprint.
type State struct {
	Stage           Stage
	UniqueQualifier Key
}

// OutputFile is one file produced by an action.
type OutputFile struct {
	Path         string
	Digest       Digest
	IsExecutable bool
}

// ExecutionMetadata records where and when an action actually ran.
type ExecutionMetadata struct {
	Worker                   string
	QueuedTimestamp          time.Time
	WorkerStartTimestamp     time.Time
	WorkerCompletedTimestamp time.Time
}

// Result is the outcome of a completed action.
type Result struct {
	OutputFiles       []OutputFile
	ExitCode          int32
	StdoutDigest      Digest
	StderrDigest      Digest
	ExecutionMetadata ExecutionMetadata
	Message           string
}
