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

// Package run implements ShuffleRun, the per-worker state machine for one
// run of one shuffle: INGEST accepts add_partition calls and fans them out
// to the workers that own each row's output partition; BARRIER is the
// transition triggered by inputs_done; OUTPUT serves get_output_partition
// from what landed on disk; CLOSED/FAILED tear everything down and release
// every resource. There is no separate async façade vs. thread façade:
// every method here is an ordinary, directly callable Go method, and a
// mutex protects the small bit of bookkeeping state (transferred,
// received, exception). CPU-bound splitting and serialization still run
// off this goroutine, on a workerpool.Pool, so a slow shuffle never
// blocks a caller that's just checking a run's state.
package run

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/etalazz/shuffleworker/internal/shuffle/limiter"
	"github.com/etalazz/shuffleworker/internal/shuffle/scheduler"
	"github.com/etalazz/shuffleworker/internal/shuffle/shardsbuffer"
	"github.com/etalazz/shuffleworker/internal/shuffle/shuffleerr"
	"github.com/etalazz/shuffleworker/internal/shuffle/split"
	"github.com/etalazz/shuffleworker/internal/shuffle/table"
	"github.com/etalazz/shuffleworker/internal/shuffle/workerpool"
)

// PeerClient delivers shards to a named worker over the peer RPC channel.
// Defined here (rather than in internal/shuffle/transport) so run doesn't
// have to import the transport package; transport.HTTPPeerClient
// satisfies this interface structurally.
type PeerClient interface {
	ShuffleReceive(ctx context.Context, address, shuffleID string, runID int64, shards []shardsbuffer.Shard) error
}

const (
	defaultCommConcurrency = 10
	defaultDiskConcurrency = 4
)

// Config fully describes one run; it is built by the registry once it has
// resolved the current run for a shuffle id from the scheduler.
type Config struct {
	ShuffleID       string
	RunID           int64
	LocalAddress    string
	WorkerFor       map[int64]string
	OutputWorkers   []string
	Column          string
	Schema          table.Schema
	Directory       string
	NThreads        int
	CommLimiter     *limiter.ResourceLimiter
	DiskLimiter     *limiter.ResourceLimiter
	CommConcurrency int
	DiskConcurrency int
	Peers           PeerClient
	Scheduler       scheduler.Client
}

// Heartbeat mirrors the shape the worker extension reports upstream:
// throughput from each buffer, accumulated diagnostic timings, and the
// run's start time.
type Heartbeat struct {
	RunID       int64
	Disk        shardsbuffer.Heartbeat
	Comm        shardsbuffer.Heartbeat
	Read        int64
	Diagnostics map[string]float64
	Start       time.Time
}

// Run is one worker's view of one shuffle run.
type Run struct {
	cfg Config

	mu          sync.Mutex
	transferred bool
	received    map[int64]struct{}
	totalRecvd  int64
	exception   error
	closed      bool
	closeDone   chan struct{}
	diagnostics map[string]float64
	start       time.Time

	pool *workerpool.Pool
	comm *shardsbuffer.Buffer[shardsbuffer.Shard]
	disk *shardsbuffer.DiskBuffer
}

// New constructs and starts a Run: its local scratch directory, CPU
// offload pool, and both shards buffers.
func New(cfg Config) (*Run, error) {
	if cfg.NThreads < 1 {
		cfg.NThreads = 1
	}
	if cfg.CommConcurrency < 1 {
		cfg.CommConcurrency = defaultCommConcurrency
	}
	if cfg.DiskConcurrency < 1 {
		cfg.DiskConcurrency = defaultDiskConcurrency
	}

	disk, err := shardsbuffer.NewDiskBuffer(cfg.Directory, cfg.DiskLimiter, cfg.DiskConcurrency)
	if err != nil {
		return nil, err
	}

	r := &Run{
		cfg:         cfg,
		received:    map[int64]struct{}{},
		diagnostics: map[string]float64{},
		start:       time.Now(),
		closeDone:   make(chan struct{}),
		pool:        workerpool.New(cfg.NThreads),
		disk:        disk,
	}
	r.comm = shardsbuffer.NewCommBuffer(cfg.CommLimiter, cfg.CommConcurrency, func(ctx context.Context, address string, shards []shardsbuffer.Shard) error {
		return cfg.Peers.ShuffleReceive(ctx, address, cfg.ShuffleID, cfg.RunID, shards)
	})
	return r, nil
}

// RunID reports the run id the scheduler assigned.
func (r *Run) RunID() int64 { return r.cfg.RunID }

// String gives a short debug identity, e.g. for log lines.
func (r *Run) String() string {
	return fmt.Sprintf("<Shuffle %s[%d] on %s>", r.cfg.ShuffleID, r.cfg.RunID, r.cfg.LocalAddress)
}

// Exception reports the first sticky failure latched onto this run, if any.
func (r *Run) Exception() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.exception
}

func (r *Run) raiseIfClosed() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.exception != nil {
		return r.exception
	}
	if r.closed {
		return shuffleerr.ErrClosed
	}
	return nil
}

func (r *Run) timeSpan(name string) func() {
	started := time.Now()
	return func() {
		d := time.Since(started).Seconds()
		r.mu.Lock()
		r.diagnostics[name] += d
		r.mu.Unlock()
	}
}

// AddPartition splits t by destination worker and queues it on the comm
// buffer. It is the worker-side half of the ingest task entrypoint.
func (r *Run) AddPartition(ctx context.Context, t table.Table, inputPartition int64) (int64, error) {
	if err := r.raiseIfClosed(); err != nil {
		return 0, err
	}
	r.mu.Lock()
	transferred := r.transferred
	r.mu.Unlock()
	if transferred {
		return 0, fmt.Errorf("%w: add_partition after inputs_done", shuffleerr.ErrBarrierOrderingViolation)
	}

	done := r.timeSpan("cpu")
	batch, err := workerpool.Submit(ctx, r.pool, func() (map[string][]shardsbuffer.Shard, error) {
		groups, err := split.SplitByWorker(t, r.cfg.Column, r.cfg.WorkerFor)
		if err != nil {
			return nil, err
		}
		out := make(map[string][]shardsbuffer.Shard, len(groups))
		for worker, sub := range groups {
			bytes, err := table.Serialize(sub)
			if err != nil {
				return nil, err
			}
			out[worker] = []shardsbuffer.Shard{{InputPartition: inputPartition, Bytes: bytes}}
		}
		return out, nil
	})
	done()
	if err != nil {
		r.fail(err)
		return 0, err
	}

	if err := r.comm.Write(ctx, batch); err != nil {
		r.fail(err)
		return 0, err
	}
	return r.cfg.RunID, nil
}

// Receive accepts shards delivered by a peer's comm buffer flush,
// deduplicates by input partition, and writes the survivors to disk
// grouped by output partition.
func (r *Run) Receive(ctx context.Context, shards []shardsbuffer.Shard) error {
	if err := r.raiseIfClosed(); err != nil {
		return err
	}

	r.mu.Lock()
	survivors := make([]shardsbuffer.Shard, 0, len(shards))
	for _, s := range shards {
		if _, dup := r.received[s.InputPartition]; dup {
			continue
		}
		r.received[s.InputPartition] = struct{}{}
		r.totalRecvd += int64(len(s.Bytes))
		survivors = append(survivors, s)
	}
	r.mu.Unlock()

	if len(survivors) == 0 {
		return nil
	}

	done := r.timeSpan("cpu")
	diskBatch, err := workerpool.Submit(ctx, r.pool, func() (map[string][]byte, error) {
		tables := make([]table.Table, 0, len(survivors))
		for _, s := range survivors {
			t, err := table.Deserialize(s.Bytes)
			if err != nil {
				return nil, err
			}
			tables = append(tables, t)
		}
		merged, err := table.Concat(tables)
		if err != nil {
			return nil, err
		}
		groups, err := split.SplitByPartition(merged, r.cfg.Column)
		if err != nil {
			return nil, err
		}
		out := make(map[string][]byte, len(groups))
		for partitionID, sub := range groups {
			b, err := table.Serialize(sub)
			if err != nil {
				return nil, err
			}
			out[strconv.FormatInt(partitionID, 10)] = b
		}
		return out, nil
	})
	done()
	if err != nil {
		r.fail(err)
		return err
	}

	writeBatch := make(map[string][][]byte, len(diskBatch))
	for dest, b := range diskBatch {
		writeBatch[dest] = [][]byte{b}
	}
	if err := r.disk.Write(ctx, writeBatch); err != nil {
		r.fail(err)
		return err
	}
	return nil
}

// Barrier asks the scheduler to fan shuffle_inputs_done out to every
// participant. It does not itself flip this run to OUTPUT state; that
// happens locally when InputsDone arrives back from the scheduler.
func (r *Run) Barrier(ctx context.Context) error {
	if err := r.raiseIfClosed(); err != nil {
		return err
	}
	return r.cfg.Scheduler.ShuffleBarrier(ctx, r.cfg.ShuffleID, r.cfg.RunID)
}

// InputsDone flushes the comm buffer and transitions this run to OUTPUT.
// Calling it twice is a barrier ordering violation.
func (r *Run) InputsDone(ctx context.Context) error {
	r.mu.Lock()
	if r.transferred {
		r.mu.Unlock()
		return fmt.Errorf("%w: inputs_done called more than once", shuffleerr.ErrBarrierOrderingViolation)
	}
	r.transferred = true
	r.mu.Unlock()

	if err := r.comm.Flush(ctx); err != nil {
		r.fail(err)
		return err
	}
	if err := r.comm.RaiseOnException(); err != nil {
		r.fail(err)
		return err
	}
	return nil
}

// GetOutputPartition returns the locally-owned output partition i, reading
// it off disk. A never-written partition returns an empty table of this
// run's schema rather than an error.
func (r *Run) GetOutputPartition(ctx context.Context, i int64) (table.Table, error) {
	if err := r.raiseIfClosed(); err != nil {
		return table.Table{}, err
	}
	r.mu.Lock()
	transferred := r.transferred
	r.mu.Unlock()
	if !transferred {
		return table.Table{}, shuffleerr.ErrOutputNotReady
	}
	if owner, ok := r.cfg.WorkerFor[i]; !ok || owner != r.cfg.LocalAddress {
		return table.Table{}, shuffleerr.ErrWrongWorker
	}

	if err := r.disk.Flush(ctx); err != nil {
		return table.Table{}, err
	}

	done := r.timeSpan("disk-read")
	b, err := r.disk.Read(strconv.FormatInt(i, 10))
	done()
	if err != nil {
		if err == shardsbuffer.ErrNoData {
			return table.Empty(r.cfg.Schema), nil
		}
		return table.Table{}, err
	}
	return table.Deserialize(b)
}

// Heartbeat reports throughput and diagnostics for this run.
func (r *Run) Heartbeat() Heartbeat {
	r.mu.Lock()
	diag := make(map[string]float64, len(r.diagnostics))
	for k, v := range r.diagnostics {
		diag[k] = v
	}
	totalRecvd := r.totalRecvd
	start := r.start
	r.mu.Unlock()

	return Heartbeat{
		RunID:       r.cfg.RunID,
		Disk:        r.disk.Heartbeat(),
		Comm:        r.comm.Heartbeat(),
		Read:        totalRecvd,
		Diagnostics: diag,
		Start:       start,
	}
}

// fail latches the first error onto this run without closing it; the
// caller (registry) decides when to actually tear the run down.
func (r *Run) fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.closed && r.exception == nil {
		r.exception = err
	}
}

// Fail latches err as this run's sticky exception, as when a peer reports
// shuffle_fail for it.
func (r *Run) Fail(err error) {
	r.fail(err)
}

// Close drains and stops both shards buffers and the offload pool.
// Idempotent.
func (r *Run) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		done := r.closeDone
		r.mu.Unlock()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	r.closed = true
	r.mu.Unlock()

	var firstErr error
	if err := r.comm.Close(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := r.disk.Close(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	r.pool.Close()

	close(r.closeDone)
	return firstErr
}
