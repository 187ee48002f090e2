// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
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

// Package limiter implements ResourceLimiter, an async byte-budget
// semaphore: callers acquire bytes before queuing work and release them
// once that work is durably handed off, so the total footprint a shuffle
// run holds in flight never exceeds its configured cap. Waiters are
// served strictly FIFO; a request larger than the cap is let through
// alone, once nothing else is outstanding, rather than starving forever.
package limiter

import (
	"context"
	"sync"
)

type waiter struct {
	n     int64
	ready chan struct{}
}

// ResourceLimiter is a byte-budget semaphore with FIFO-fair, oversized-aware
// acquisition. The zero value is not usable; construct with New.
type ResourceLimiter struct {
	mu       sync.Mutex
	capacity int64
	inUse    int64
	queue    []*waiter
}

// New returns a ResourceLimiter with the given byte capacity.
func New(capacity int64) *ResourceLimiter {
	return &ResourceLimiter{capacity: capacity}
}

// Acquire blocks until n bytes are available (or ctx is done) and then
// charges them against the budget. A request for more bytes than the
// total capacity is granted only once in_use drops to zero, and is
// serialized against every other request queued ahead of or behind it.
func (r *ResourceLimiter) Acquire(ctx context.Context, n int64) error {
	r.mu.Lock()
	if len(r.queue) == 0 && r.fitsLocked(n) {
		r.inUse += n
		r.mu.Unlock()
		return nil
	}
	w := &waiter{n: n, ready: make(chan struct{})}
	r.queue = append(r.queue, w)
	r.mu.Unlock()

	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
		r.cancel(w)
		return ctx.Err()
	}
}

// Release returns n bytes to the budget and wakes any waiters at the head
// of the queue whose request now fits.
func (r *ResourceLimiter) Release(n int64) {
	if n == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inUse -= n
	if r.inUse < 0 {
		r.inUse = 0
	}
	for len(r.queue) > 0 {
		head := r.queue[0]
		if !r.fitsLocked(head.n) {
			break
		}
		r.inUse += head.n
		r.queue = r.queue[1:]
		close(head.ready)
	}
}

// InUse reports the bytes currently charged against the budget.
func (r *ResourceLimiter) InUse() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inUse
}

// Capacity reports the configured byte budget.
func (r *ResourceLimiter) Capacity() int64 {
	return r.capacity
}

func (r *ResourceLimiter) fitsLocked(n int64) bool {
	if n > r.capacity {
		return r.inUse == 0
	}
	return r.inUse+n <= r.capacity
}

// cancel removes w from the queue if it is still waiting; if it had
// already been granted in the race between ctx firing and Release waking
// it, the grant is unwound so the budget isn't leaked.
func (r *ResourceLimiter) cancel(w *waiter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, q := range r.queue {
		if q == w {
			r.queue = append(r.queue[:i], r.queue[i+1:]...)
			return
		}
	}
	select {
	case <-w.ready:
		r.inUse -= w.n
		if r.inUse < 0 {
			r.inUse = 0
		}
	default:
	}
}
