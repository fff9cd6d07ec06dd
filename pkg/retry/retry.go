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

// Package retry provides a generic retry driver over a lazy sequence of
// delays. The sleep mechanism is injected so tests can control time.
package retry

import (
	"context"
	"time"

	"github.com/tombee/turbine/pkg/errors"
)

// Outcome is the result of one attempt.
type Outcome[T any] struct {
	value T
	err   error
	retry bool
}

// Ok returns a successful outcome carrying value.
func Ok[T any](value T) Outcome[T] {
	return Outcome[T]{value: value}
}

// Retry returns an outcome that asks the driver to sleep and re-attempt.
func Retry[T any](err error) Outcome[T] {
	return Outcome[T]{err: err, retry: true}
}

// Fail returns a terminal outcome; the driver gives up immediately.
func Fail[T any](err error) Outcome[T] {
	return Outcome[T]{err: err}
}

// DelayIter yields the next retry delay, or ok=false when exhausted.
type DelayIter func() (d time.Duration, ok bool)

// Fixed returns an iterator yielding d exactly n times.
func Fixed(d time.Duration, n int) DelayIter {
	remaining := n
	return func() (time.Duration, bool) {
		if remaining <= 0 {
			return 0, false
		}
		remaining--
		return d, true
	}
}

// Exponential returns an iterator yielding n delays starting at base and
// doubling each time, capped at max.
func Exponential(base, max time.Duration, n int) DelayIter {
	next := base
	remaining := n
	return func() (time.Duration, bool) {
		if remaining <= 0 {
			return 0, false
		}
		remaining--
		d := next
		next *= 2
		if next > max {
			next = max
		}
		return d, true
	}
}

// SleepFunc pauses for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration)

// Retrier drives attempts with an injected sleep function.
type Retrier struct {
	sleep SleepFunc
}

// New creates a Retrier. A nil sleep uses a real timer that honors ctx.
func New(sleep SleepFunc) *Retrier {
	if sleep == nil {
		sleep = func(ctx context.Context, d time.Duration) {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
			case <-t.C:
			}
		}
	}
	return &Retrier{sleep: sleep}
}

// Do runs attempt until it returns Ok or Fail, sleeping between retries
// using delays from the iterator. When the iterator is exhausted the last
// retry error is returned. The attempt function runs exactly once more than
// the number of delays consumed.
func Do[T any](ctx context.Context, r *Retrier, delays DelayIter, attempt func(ctx context.Context) Outcome[T]) (T, error) {
	var zero T
	for {
		out := attempt(ctx)
		if !out.retry {
			if out.err != nil {
				return zero, out.err
			}
			return out.value, nil
		}
		d, ok := delays()
		if !ok {
			return zero, out.err
		}
		r.sleep(ctx, d)
		if err := ctx.Err(); err != nil {
			return zero, errors.WrapWithCode(out.err, errors.CodeCancelled, "retry aborted: %v", err)
		}
	}
}
