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

// Package watch provides a single-producer, multi-consumer latest-value
// channel. Each subscriber holds a capacity-1 buffer: it always observes the
// newest value on attach and every later publish, with intermediate values
// coalesced away if the subscriber is slow.
package watch

import "sync"

// Channel broadcasts the latest value of type T to all subscribers.
type Channel[T any] struct {
	mu      sync.Mutex
	current T
	subs    map[*Observer[T]]struct{}
	closed  bool
}

// Observer is one subscription. Receive from C; a closed C means the
// channel reached its final value.
type Observer[T any] struct {
	// C delivers the current value on attach and each subsequent publish.
	C <-chan T

	ch     chan T
	parent *Channel[T]
}

// NewChannel creates a Channel seeded with an initial value.
func NewChannel[T any](initial T) *Channel[T] {
	return &Channel[T]{
		current: initial,
		subs:    make(map[*Observer[T]]struct{}),
	}
}

// Subscribe attaches a new observer. The observer immediately has the
// current value buffered. Subscribing to a closed channel yields the final
// value followed by close.
func (c *Channel[T]) Subscribe() *Observer[T] {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan T, 1)
	ch <- c.current
	o := &Observer[T]{C: ch, ch: ch, parent: c}
	if c.closed {
		close(ch)
		return o
	}
	c.subs[o] = struct{}{}
	return o
}

// Publish replaces the current value and wakes all subscribers. A slow
// subscriber's stale buffered value is dropped in favor of the new one.
// Publishing after Close panics: that is a programmer error.
func (c *Channel[T]) Publish(v T) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		panic("watch: publish on closed channel")
	}
	c.current = v
	for o := range c.subs {
		select {
		case o.ch <- v:
		default:
			select {
			case <-o.ch:
			default:
			}
			o.ch <- v
		}
	}
}

// Close marks the current value as final and closes every subscriber
// channel. Values already buffered are still receivable before the close is
// observed. Close is idempotent.
func (c *Channel[T]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	for o := range c.subs {
		close(o.ch)
		delete(c.subs, o)
	}
}

// Current returns the most recently published value.
func (c *Channel[T]) Current() T {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Subscribers returns the number of attached observers.
func (c *Channel[T]) Subscribers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

// Cancel detaches the observer and closes its channel. Cancelling after the
// parent closed is a no-op.
func (o *Observer[T]) Cancel() {
	c := o.parent
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.subs[o]; !ok {
		return
	}
	delete(c.subs, o)
	close(o.ch)
}
