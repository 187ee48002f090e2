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

// Package shardsbuffer implements the generic multi-destination, multi-
// flusher sink every shuffle run writes through: a Buffer[T] fans writes
// out across per-destination queues, flushes the largest queue first with
// up to `concurrency` flushers running at once, and never runs two
// flushes against the same destination concurrently. CommBuffer and
// DiskBuffer specialize it with an RPC and a file-append sink respectively.
package shardsbuffer

import (
	"context"
	"sync"

	"github.com/etalazz/shuffleworker/internal/shuffle/limiter"
	"github.com/etalazz/shuffleworker/internal/shuffle/shuffleerr"
)

// SizeFunc reports the byte cost of one item, charged against a
// limiter.ResourceLimiter on write and released on flush.
type SizeFunc[T any] func(T) int64

// FlushFunc hands a batch of items for one destination to a sink. Errors
// are sticky: the first one latches the buffer's exception and is
// returned by every future RaiseOnException call, but bytes are always
// released regardless of outcome.
type FlushFunc[T any] func(ctx context.Context, dest string, items []T) error

// Heartbeat is a point-in-time snapshot of a Buffer's throughput, shaped
// to be embedded directly into a run's heartbeat payload.
type Heartbeat struct {
	TotalWritten        int64
	TotalReleased       int64
	PendingDestinations int
}

// Buffer is a generic multi-queue flush sink.
type Buffer[T any] struct {
	mu          sync.Mutex
	changed     chan struct{}
	queues      map[string][]T
	queueBytes  map[string]int64
	inFlight    map[string]bool
	limiter     *limiter.ResourceLimiter
	flush       FlushFunc[T]
	size        SizeFunc[T]
	concurrency int

	closed    bool
	closeDone chan struct{}
	exception error

	enqueued      int64
	processed     int64
	totalWritten  int64
	totalReleased int64

	wg sync.WaitGroup
}

// New starts a Buffer backed by lim, running concurrency flusher
// goroutines that call flush. concurrency < 1 is treated as 1.
func New[T any](lim *limiter.ResourceLimiter, concurrency int, size SizeFunc[T], flush FlushFunc[T]) *Buffer[T] {
	if concurrency < 1 {
		concurrency = 1
	}
	b := &Buffer[T]{
		queues:      map[string][]T{},
		queueBytes:  map[string]int64{},
		inFlight:    map[string]bool{},
		limiter:     lim,
		flush:       flush,
		size:        size,
		concurrency: concurrency,
		changed:     make(chan struct{}),
		closeDone:   make(chan struct{}),
	}
	b.wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go b.flusherLoop()
	}
	return b
}

// Write charges the total byte cost of batch against the limiter (blocking
// until it fits), then appends each destination's items to its queue.
func (b *Buffer[T]) Write(ctx context.Context, batch map[string][]T) error {
	if err := b.RaiseOnException(); err != nil {
		return err
	}
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return shuffleerr.ErrClosed
	}

	var total int64
	count := 0
	for _, items := range batch {
		for _, it := range items {
			total += b.size(it)
			count++
		}
	}
	if count == 0 {
		return nil
	}
	if err := b.limiter.Acquire(ctx, total); err != nil {
		return err
	}

	b.mu.Lock()
	for dest, items := range batch {
		if len(items) == 0 {
			continue
		}
		var bytes int64
		for _, it := range items {
			bytes += b.size(it)
		}
		b.queues[dest] = append(b.queues[dest], items...)
		b.queueBytes[dest] += bytes
		b.totalWritten += bytes
	}
	b.enqueued += int64(count)
	b.notifyLocked()
	b.mu.Unlock()
	return nil
}

// Flush blocks until every item enqueued prior to this call has been
// handed to the sink (successfully or not) and its bytes released.
func (b *Buffer[T]) Flush(ctx context.Context) error {
	b.mu.Lock()
	target := b.enqueued
	for {
		if b.processed >= target {
			b.mu.Unlock()
			return nil
		}
		if b.closed && b.allEmptyLocked() {
			b.mu.Unlock()
			return nil
		}
		ch := b.changed
		b.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
		b.mu.Lock()
	}
}

// RaiseOnException returns the first flush error observed, if any.
func (b *Buffer[T]) RaiseOnException() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.exception
}

// Heartbeat reports a snapshot of throughput and pending work.
func (b *Buffer[T]) Heartbeat() Heartbeat {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Heartbeat{
		TotalWritten:        b.totalWritten,
		TotalReleased:       b.totalReleased,
		PendingDestinations: len(b.queues),
	}
}

// Close drains every queued item, stops the flushers, and releases any
// bytes that were never handed to a flush (defensive; normally zero once
// draining completes). Idempotent.
func (b *Buffer[T]) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		done := b.closeDone
		b.mu.Unlock()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	b.closed = true
	b.notifyLocked()
	b.mu.Unlock()

	b.wg.Wait()

	b.mu.Lock()
	var leftover int64
	for d, bz := range b.queueBytes {
		leftover += bz
		delete(b.queueBytes, d)
	}
	for d := range b.queues {
		delete(b.queues, d)
	}
	b.mu.Unlock()
	if leftover > 0 {
		b.limiter.Release(leftover)
	}

	close(b.closeDone)
	return nil
}

func (b *Buffer[T]) notifyLocked() {
	close(b.changed)
	b.changed = make(chan struct{})
}

func (b *Buffer[T]) allEmptyLocked() bool {
	return len(b.queues) == 0
}

// takeLargestLocked pops the largest non-in-flight queue, if any, and
// marks its destination in-flight so a second flusher can't pick it up
// while this one is still running.
func (b *Buffer[T]) takeLargestLocked() (dest string, items []T, bytes int64, ok bool) {
	best := 0
	for d, q := range b.queues {
		if b.inFlight[d] {
			continue
		}
		if len(q) > best {
			best = len(q)
			dest = d
		}
	}
	if best == 0 {
		return "", nil, 0, false
	}
	items = b.queues[dest]
	bytes = b.queueBytes[dest]
	delete(b.queues, dest)
	delete(b.queueBytes, dest)
	b.inFlight[dest] = true
	return dest, items, bytes, true
}

func (b *Buffer[T]) flusherLoop() {
	defer b.wg.Done()
	for {
		b.mu.Lock()
		dest, items, bytes, ok := b.takeLargestLocked()
		if !ok {
			if b.closed {
				b.mu.Unlock()
				return
			}
			ch := b.changed
			b.mu.Unlock()
			<-ch
			continue
		}
		b.mu.Unlock()

		err := b.flush(context.Background(), dest, items)

		b.limiter.Release(bytes)

		b.mu.Lock()
		if err != nil && b.exception == nil {
			b.exception = err
		}
		delete(b.inFlight, dest)
		b.processed += int64(len(items))
		b.totalReleased += bytes
		b.notifyLocked()
		b.mu.Unlock()
	}
}
