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

package retry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/turbine/pkg/errors"
)

func noSleep(ctx context.Context, d time.Duration) {}

func TestSimpleSuccess(t *testing.T) {
	r := New(noSleep)
	runs := 0

	v, err := Do(context.Background(), r, Fixed(time.Millisecond, 5), func(ctx context.Context) Outcome[bool] {
		runs++
		return Ok(true)
	})

	require.NoError(t, err)
	assert.True(t, v)
	assert.Equal(t, 1, runs, "expected a single attempt")
}

func TestFailsAfterDelaysExhausted(t *testing.T) {
	r := New(noSleep)
	runs := 0

	_, err := Do(context.Background(), r, Fixed(time.Millisecond, 2), func(ctx context.Context) Outcome[bool] {
		runs++
		return Retry[bool](errors.New(errors.CodeUnavailable, "attempt %d failed", runs))
	})

	require.Error(t, err)
	assert.Equal(t, 3, runs, "two delays allow three attempts")
	assert.True(t, errors.IsCode(err, errors.CodeUnavailable))
	assert.Contains(t, err.Error(), "attempt 3 failed", "the last retry error is returned")
}

func TestSuccessAfterRetries(t *testing.T) {
	r := New(noSleep)
	runs := 0

	v, err := Do(context.Background(), r, Fixed(time.Millisecond, 5), func(ctx context.Context) Outcome[bool] {
		runs++
		if runs == 2 {
			return Ok(true)
		}
		return Retry[bool](errors.New(errors.CodeUnavailable, "not yet"))
	})

	require.NoError(t, err)
	assert.True(t, v)
	assert.Equal(t, 2, runs)
}

func TestTerminalErrorStopsImmediately(t *testing.T) {
	r := New(noSleep)
	runs := 0

	_, err := Do(context.Background(), r, Fixed(time.Millisecond, 5), func(ctx context.Context) Outcome[int] {
		runs++
		return Fail[int](errors.New(errors.CodeInvalidArgument, "bad digest"))
	})

	require.Error(t, err)
	assert.Equal(t, 1, runs, "terminal errors must not be retried")
	assert.True(t, errors.IsCode(err, errors.CodeInvalidArgument))
}

func TestSleepCalledBetweenRetries(t *testing.T) {
	const want = 71 * time.Millisecond
	sleeps := 0
	r := New(func(ctx context.Context, d time.Duration) {
		sleeps++
		assert.Equal(t, want, d)
	})
	runs := 0

	v, err := Do(context.Background(), r, Fixed(want, 5), func(ctx context.Context) Outcome[bool] {
		runs++
		if runs == 3 {
			return Ok(true)
		}
		return Retry[bool](errors.New(errors.CodeUnavailable, "not yet"))
	})

	require.NoError(t, err)
	assert.True(t, v)
	assert.Equal(t, 3, runs, "attempt invoked three times")
	assert.Equal(t, 2, sleeps, "sleep invoked only between attempts")
}

func TestSleepCountWhenLimitHit(t *testing.T) {
	sleeps := 0
	r := New(func(ctx context.Context, d time.Duration) { sleeps++ })

	_, err := Do(context.Background(), r, Fixed(time.Millisecond, 5), func(ctx context.Context) Outcome[bool] {
		return Retry[bool](errors.New(errors.CodeUnavailable, "never"))
	})

	require.Error(t, err)
	assert.Equal(t, 5, sleeps)
}

func TestContextCancelledDuringSleep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := New(func(ctx context.Context, d time.Duration) { cancel() })

	_, err := Do(ctx, r, Fixed(time.Millisecond, 5), func(ctx context.Context) Outcome[bool] {
		return Retry[bool](errors.New(errors.CodeUnavailable, "transient"))
	})

	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeCancelled))
}

func TestExponentialDelays(t *testing.T) {
	it := Exponential(10*time.Millisecond, 40*time.Millisecond, 4)

	var got []time.Duration
	for {
		d, ok := it()
		if !ok {
			break
		}
		got = append(got, d)
	}

	want := []time.Duration{
		10 * time.Millisecond,
		20 * time.Millisecond,
		40 * time.Millisecond,
		40 * time.Millisecond,
	}
	assert.Equal(t, want, got)
}
