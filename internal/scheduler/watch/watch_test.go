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

package watch

import (
	"sync"
	"testing"
	"time"
)

func recvOne[T any](t *testing.T, o *Observer[T]) T {
	t.Helper()
	select {
	case v, ok := <-o.C:
		if !ok {
			t.Fatal("channel closed before a value arrived")
		}
		return v
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for a value")
		panic("unreachable")
	}
}

func TestSubscriberSeesCurrentValueOnAttach(t *testing.T) {
	c := NewChannel(1)
	c.Publish(2)

	o := c.Subscribe()
	if got := recvOne(t, o); got != 2 {
		t.Errorf("expected current value 2 on attach, got %d", got)
	}
}

func TestSubscriberSeesSubsequentPublishes(t *testing.T) {
	c := NewChannel(0)
	o := c.Subscribe()
	if got := recvOne(t, o); got != 0 {
		t.Fatalf("expected initial 0, got %d", got)
	}

	c.Publish(1)
	if got := recvOne(t, o); got != 1 {
		t.Errorf("expected 1, got %d", got)
	}
}

func TestSlowSubscriberCoalescesToLatest(t *testing.T) {
	c := NewChannel(0)
	o := c.Subscribe()

	c.Publish(1)
	c.Publish(2)
	c.Publish(3)

	if got := recvOne(t, o); got != 3 {
		t.Errorf("expected latest value 3, got %d", got)
	}
}

func TestCloseEndsAllObservers(t *testing.T) {
	c := NewChannel(0)
	o1 := c.Subscribe()
	o2 := c.Subscribe()

	c.Publish(9)
	c.Close()

	for _, o := range []*Observer[int]{o1, o2} {
		if got := recvOne(t, o); got != 9 {
			t.Errorf("expected buffered final value 9, got %d", got)
		}
		if _, ok := <-o.C; ok {
			t.Error("expected channel closed after final value")
		}
	}
}

func TestSubscribeAfterCloseYieldsFinalValue(t *testing.T) {
	c := NewChannel(0)
	c.Publish(5)
	c.Close()

	o := c.Subscribe()
	if got := recvOne(t, o); got != 5 {
		t.Errorf("expected final value 5, got %d", got)
	}
	if _, ok := <-o.C; ok {
		t.Error("expected closed channel for late subscriber")
	}
}

func TestCancelDetachesObserver(t *testing.T) {
	c := NewChannel(0)
	o := c.Subscribe()
	if c.Subscribers() != 1 {
		t.Fatalf("expected 1 subscriber, got %d", c.Subscribers())
	}

	o.Cancel()
	if c.Subscribers() != 0 {
		t.Errorf("expected 0 subscribers after cancel, got %d", c.Subscribers())
	}

	// Publishing afterwards must not panic or block.
	c.Publish(1)
	c.Close()
}

func TestPublishAfterClosePanics(t *testing.T) {
	c := NewChannel(0)
	c.Close()

	defer func() {
		if recover() == nil {
			t.Error("expected panic on publish after close")
		}
	}()
	c.Publish(1)
}

func TestConcurrentPublishAndSubscribe(t *testing.T) {
	c := NewChannel(0)
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o := c.Subscribe()
			for range o.C {
			}
		}()
	}

	for i := 1; i <= 100; i++ {
		c.Publish(i)
	}
	c.Close()
	wg.Wait()

	if got := c.Current(); got != 100 {
		t.Errorf("expected final current 100, got %d", got)
	}
}
