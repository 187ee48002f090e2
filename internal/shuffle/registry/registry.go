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

// Package registry implements ShuffleWorkerExtension: the per-worker
// registry of live ShuffleRuns, keyed by shuffle id, that resolves which
// run is current against the scheduler, supersedes stale runs, and
// fans RPCs and task-entrypoint calls down onto the right run.
package registry

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/etalazz/shuffleworker/internal/shuffle/limiter"
	"github.com/etalazz/shuffleworker/internal/shuffle/run"
	"github.com/etalazz/shuffleworker/internal/shuffle/scheduler"
	"github.com/etalazz/shuffleworker/internal/shuffle/shardsbuffer"
	"github.com/etalazz/shuffleworker/internal/shuffle/shuffleerr"
	"github.com/etalazz/shuffleworker/internal/shuffle/table"
)

// AuditSink records run lifecycle events outside the hot path. A nil
// sink (the default) makes auditing a no-op; internal/shuffle/audit.Ledger
// is the Postgres-backed implementation a worker wires in if it was given
// a database.
type AuditSink interface {
	RecordRunCreated(ctx context.Context, shuffleID string, runID int64) error
	RecordEvent(ctx context.Context, shuffleID string, runID int64, event, detail string) error
}

// Config wires an Extension to this worker's identity and shared resources.
type Config struct {
	LocalAddress    string
	LocalDir        string
	NThreads        int
	CommLimiter     *limiter.ResourceLimiter
	DiskLimiter     *limiter.ResourceLimiter
	CommConcurrency int
	DiskConcurrency int
	Peers           run.PeerClient
	Scheduler       scheduler.Client
	Audit           AuditSink
}

func (e *Extension) audit(ctx context.Context, shuffleID string, runID int64, event, detail string) {
	if e.cfg.Audit == nil {
		return
	}
	_ = e.cfg.Audit.RecordEvent(ctx, shuffleID, runID, event, detail)
}

func (e *Extension) auditCreated(ctx context.Context, shuffleID string, runID int64) {
	if e.cfg.Audit == nil {
		return
	}
	_ = e.cfg.Audit.RecordRunCreated(ctx, shuffleID, runID)
}

// Extension is one worker's registry of live shuffle runs.
type Extension struct {
	cfg Config

	mu     sync.Mutex
	runs   map[string]*run.Run
	closed bool
	wg     sync.WaitGroup // in-flight background closes from supersession/fail
}

// New builds an empty registry.
func New(cfg Config) *Extension {
	return &Extension{cfg: cfg, runs: map[string]*run.Run{}}
}

// GetShuffleRun resolves the run for shuffleID that the caller believes is
// at runID, refreshing from the scheduler if the registry doesn't yet
// know about it or is behind. A runID behind what the registry holds is
// StaleShuffle; a runID ahead of it is InvalidShuffleState.
func (e *Extension) GetShuffleRun(ctx context.Context, shuffleID string, runID int64) (*run.Run, error) {
	e.mu.Lock()
	r, ok := e.runs[shuffleID]
	e.mu.Unlock()

	if !ok || r.RunID() < runID {
		var err error
		r, err = e.refresh(ctx, shuffleID, nil, "", 0)
		if err != nil {
			return nil, err
		}
	}
	if runID < r.RunID() {
		return nil, shuffleerr.ErrStaleShuffle
	}
	if runID > r.RunID() {
		return nil, shuffleerr.ErrInvalidShuffleState
	}
	if err := r.Exception(); err != nil {
		return nil, err
	}
	return r, nil
}

// GetOrCreateShuffle resolves the current run for shuffleID, registering
// one against the scheduler (with schema/column/npartitions) if none
// exists yet. This is the ingest-side call shape; refreshOrCreate below
// is its scheduler-facing half.
func (e *Extension) GetOrCreateShuffle(ctx context.Context, shuffleID string, schema table.Schema, column string, npartitions int) (*run.Run, error) {
	e.mu.Lock()
	r, ok := e.runs[shuffleID]
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return nil, shuffleerr.ErrClosed
	}

	if !ok {
		var err error
		r, err = e.refreshOrCreate(ctx, shuffleID, schema, column, npartitions)
		if err != nil {
			return nil, err
		}
	}
	if err := r.Exception(); err != nil {
		return nil, err
	}
	return r, nil
}

// refresh asks the scheduler for the current run and installs it. Called
// with a nil schema it is the lookup-only call shape, offering nothing to
// register a new shuffle against; refreshOrCreate passes a schema through it.
func (e *Extension) refresh(ctx context.Context, shuffleID string, schema *table.Schema, column string, npartitions int) (*run.Run, error) {
	reply, err := e.cfg.Scheduler.ShuffleGet(ctx, scheduler.GetRequest{
		ShuffleID:   shuffleID,
		Schema:      schema,
		Column:      column,
		NPartitions: npartitions,
		Worker:      e.cfg.LocalAddress,
	})
	if err != nil {
		return nil, err
	}
	return e.installRun(reply, shuffleID)
}

// refreshOrCreate is the lookup-or-create call shape: schema is always
// provided, so the scheduler can register a brand new shuffle if this is
// the first worker to see it.
func (e *Extension) refreshOrCreate(ctx context.Context, shuffleID string, schema table.Schema, column string, npartitions int) (*run.Run, error) {
	return e.refresh(ctx, shuffleID, &schema, column, npartitions)
}

func (e *Extension) installRun(reply scheduler.GetReply, shuffleID string) (*run.Run, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, shuffleerr.ErrClosed
	}
	supersededPrior := false
	if existing, ok := e.runs[shuffleID]; ok {
		if existing.RunID() >= reply.RunID {
			e.mu.Unlock()
			return existing, nil
		}
		delete(e.runs, shuffleID)
		e.superseded(shuffleID, existing)
		supersededPrior = true
	}

	newRun, err := run.New(run.Config{
		ShuffleID:       shuffleID,
		RunID:           reply.RunID,
		LocalAddress:    e.cfg.LocalAddress,
		WorkerFor:       reply.WorkerFor,
		OutputWorkers:   reply.OutputWorkers,
		Column:          reply.Column,
		Schema:          reply.Schema,
		Directory:       filepath.Join(e.cfg.LocalDir, fmt.Sprintf("shuffle-%s-%d", shuffleID, reply.RunID)),
		NThreads:        e.cfg.NThreads,
		CommLimiter:     e.cfg.CommLimiter,
		DiskLimiter:     e.cfg.DiskLimiter,
		CommConcurrency: e.cfg.CommConcurrency,
		DiskConcurrency: e.cfg.DiskConcurrency,
		Peers:           e.cfg.Peers,
		Scheduler:       e.cfg.Scheduler,
	})
	if err != nil {
		e.mu.Unlock()
		return nil, err
	}
	e.runs[shuffleID] = newRun
	e.mu.Unlock()

	e.auditCreated(context.Background(), shuffleID, reply.RunID)
	if supersededPrior {
		e.audit(context.Background(), shuffleID, reply.RunID, "created", "superseded prior run")
	}
	return newRun, nil
}

// superseded kicks off a background close for a run that's being replaced
// or failed, tracked in e.wg so Close() always waits for it: a cold close
// never outlives the registry's own shutdown.
func (e *Extension) superseded(shuffleID string, r *run.Run) {
	r.Fail(shuffleerr.ErrStaleShuffle)
	e.audit(context.Background(), shuffleID, r.RunID(), "superseded", "")
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		_ = r.Close(context.Background())
		e.audit(context.Background(), shuffleID, r.RunID(), "closed", "")
	}()
}

// ShuffleReceive is the peer RPC handler for inbound shards.
func (e *Extension) ShuffleReceive(ctx context.Context, shuffleID string, runID int64, shards []shardsbuffer.Shard) error {
	r, err := e.GetShuffleRun(ctx, shuffleID, runID)
	if err != nil {
		return err
	}
	return r.Receive(ctx, shards)
}

// ShuffleInputsDone is the peer RPC handler fanned out by the scheduler's
// barrier.
func (e *Extension) ShuffleInputsDone(ctx context.Context, shuffleID string, runID int64) error {
	r, err := e.GetShuffleRun(ctx, shuffleID, runID)
	if err != nil {
		return err
	}
	return r.InputsDone(ctx)
}

// ShuffleFail is the synchronous peer RPC handler for shuffle_fail: it
// poisons the named run (if it's still the one this registry holds) and
// schedules its close in the background, tracked the same way a
// supersession close is.
func (e *Extension) ShuffleFail(shuffleID string, runID int64, message string) {
	e.mu.Lock()
	r, ok := e.runs[shuffleID]
	if !ok || r.RunID() != runID {
		e.mu.Unlock()
		return
	}
	delete(e.runs, shuffleID)
	e.mu.Unlock()

	r.Fail(fmt.Errorf("%w: %s", shuffleerr.ErrPeerFailed, message))
	e.audit(context.Background(), shuffleID, runID, "failed", message)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		_ = r.Close(context.Background())
		e.audit(context.Background(), shuffleID, runID, "closed", "")
	}()
}

// AddPartition is the ingest-side task entrypoint: it resolves or
// registers the run for shuffleID and hands t down to it.
func (e *Extension) AddPartition(ctx context.Context, t table.Table, shuffleID string, inputPartition int64, npartitions int, column string) (int64, error) {
	r, err := e.GetOrCreateShuffle(ctx, shuffleID, t.Schema, column, npartitions)
	if err != nil {
		return 0, err
	}
	return r.AddPartition(ctx, t, inputPartition)
}

// Barrier is the task entrypoint the scheduler's task graph calls after
// every input partition has been added, once per run id it saw; runIDs
// must all agree, matching a task graph rewrite that fans one barrier
// task in from every ingest task.
func (e *Extension) Barrier(ctx context.Context, shuffleID string, runIDs []int64) (int64, error) {
	if len(runIDs) == 0 {
		return 0, fmt.Errorf("shuffle barrier: no run ids provided")
	}
	runID := runIDs[0]
	for _, id := range runIDs {
		if id != runID {
			return 0, fmt.Errorf("shuffle barrier: mismatched run ids %v", runIDs)
		}
	}
	r, err := e.GetShuffleRun(ctx, shuffleID, runID)
	if err != nil {
		return 0, err
	}
	if err := r.Barrier(ctx); err != nil {
		return 0, err
	}
	return runID, nil
}

// GetOutputPartition is the output-side task entrypoint.
func (e *Extension) GetOutputPartition(ctx context.Context, shuffleID string, runID int64, outputPartition int64) (table.Table, error) {
	r, err := e.GetShuffleRun(ctx, shuffleID, runID)
	if err != nil {
		return table.Table{}, err
	}
	return r.GetOutputPartition(ctx, outputPartition)
}

// Heartbeat snapshots every live run's heartbeat, keyed by shuffle id.
func (e *Extension) Heartbeat() map[string]run.Heartbeat {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]run.Heartbeat, len(e.runs))
	for id, r := range e.runs {
		out[id] = r.Heartbeat()
	}
	return out
}

// Close closes every live run and waits for any background closes from
// supersession or shuffle_fail to finish, so nothing outlives the
// registry's own shutdown.
func (e *Extension) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	ids := make([]string, 0, len(e.runs))
	runs := make([]*run.Run, 0, len(e.runs))
	for id, r := range e.runs {
		ids = append(ids, id)
		runs = append(runs, r)
		delete(e.runs, id)
	}
	e.mu.Unlock()

	var firstErr error
	for i, r := range runs {
		if err := r.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
		e.audit(ctx, ids[i], r.RunID(), "closed", "")
	}
	e.wg.Wait()
	return firstErr
}
