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

package scheduler

import (
	"context"
	"hash/fnv"
	"strconv"
	"sync"

	"github.com/dgryski/go-rendezvous"

	"github.com/etalazz/shuffleworker/internal/shuffle/table"
)

// NotifyFunc delivers shuffle_inputs_done to one participant during a
// barrier fan-out.
type NotifyFunc func(ctx context.Context, shuffleID string, runID int64) error

type runRecord struct {
	runID         int64
	column        string
	npartitions   int
	schema        table.Schema
	workerFor     map[int64]string
	outputWorkers []string
	participants  map[string]struct{}
}

// InMemory is a single-process reference scheduler: it assigns output
// partitions to workers via rendezvous hashing and fans barriers out to
// every worker that has touched the shuffle, either because it ingested a
// partition or because the rendezvous ring assigned it an output. It is
// test/demo tooling, not the production scheduler this module assumes
// exists externally.
type InMemory struct {
	mu   sync.Mutex
	runs map[string]*runRecord

	workers         []string
	notify          map[string]NotifyFunc
	notifierFactory func(address string) NotifyFunc
}

// NewInMemory builds a reference scheduler that assigns output partitions
// across outputWorkers. notifierFactory, if non-nil, is used to lazily
// build a NotifyFunc the first time a worker address is seen, so a caller
// doesn't have to pre-register every participant by hand (see
// RegisterWorker for the explicit alternative).
func NewInMemory(outputWorkers []string, notifierFactory func(address string) NotifyFunc) *InMemory {
	return &InMemory{
		runs:            map[string]*runRecord{},
		workers:         append([]string(nil), outputWorkers...),
		notify:          map[string]NotifyFunc{},
		notifierFactory: notifierFactory,
	}
}

// RegisterWorker explicitly wires a barrier notifier for address, useful
// in tests that want to control fan-out without a notifierFactory.
func (s *InMemory) RegisterWorker(address string, fn NotifyFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notify[address] = fn
}

func fnvHash(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}

func (s *InMemory) ensureNotifierLocked(address string) {
	if address == "" {
		return
	}
	if _, ok := s.notify[address]; ok {
		return
	}
	if s.notifierFactory == nil {
		return
	}
	s.notify[address] = s.notifierFactory(address)
}

// ShuffleGet implements Client.ShuffleGet: lookup-or-register.
func (s *InMemory) ShuffleGet(ctx context.Context, req GetRequest) (GetReply, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.runs[req.ShuffleID]
	if !ok {
		if req.Schema == nil {
			return GetReply{}, &Error{Message: "unknown shuffle " + req.ShuffleID + " and no schema provided to register one"}
		}
		if len(s.workers) == 0 {
			return GetReply{}, &Error{Message: "no participating workers registered"}
		}
		ring := rendezvous.New(s.workers, fnvHash)
		workerFor := make(map[int64]string, req.NPartitions)
		outputSet := map[string]struct{}{}
		for p := 0; p < req.NPartitions; p++ {
			addr := ring.Lookup(strconv.Itoa(p))
			workerFor[int64(p)] = addr
			outputSet[addr] = struct{}{}
		}
		outputWorkers := make([]string, 0, len(outputSet))
		for w := range outputSet {
			outputWorkers = append(outputWorkers, w)
			s.ensureNotifierLocked(w)
		}
		rec = &runRecord{
			runID:         1,
			column:        req.Column,
			npartitions:   req.NPartitions,
			schema:        *req.Schema,
			workerFor:     workerFor,
			outputWorkers: outputWorkers,
			participants:  map[string]struct{}{},
		}
		s.runs[req.ShuffleID] = rec
	}

	if req.Worker != "" {
		rec.participants[req.Worker] = struct{}{}
		s.ensureNotifierLocked(req.Worker)
	}

	return GetReply{
		RunID:         rec.runID,
		WorkerFor:     copyWorkerFor(rec.workerFor),
		OutputWorkers: append([]string(nil), rec.outputWorkers...),
		Schema:        rec.schema,
		Column:        rec.column,
		NPartitions:   rec.npartitions,
	}, nil
}

// Supersede bumps the run id for shuffleID, simulating the scheduler
// deciding the prior run is no longer current (e.g. a restart). It is
// test-only surface, not part of the Client interface.
func (s *InMemory) Supersede(shuffleID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.runs[shuffleID]
	if !ok {
		return 0, &Error{Message: "unknown shuffle " + shuffleID}
	}
	rec.runID++
	rec.participants = map[string]struct{}{}
	return rec.runID, nil
}

// ShuffleBarrier implements Client.ShuffleBarrier: fan shuffle_inputs_done
// out to every worker that has touched this run.
func (s *InMemory) ShuffleBarrier(ctx context.Context, shuffleID string, runID int64) error {
	s.mu.Lock()
	rec, ok := s.runs[shuffleID]
	if !ok || rec.runID != runID {
		s.mu.Unlock()
		return &Error{Message: "stale or unknown shuffle in barrier"}
	}
	targets := make(map[string]struct{}, len(rec.participants)+len(rec.outputWorkers))
	for w := range rec.participants {
		targets[w] = struct{}{}
	}
	for _, w := range rec.outputWorkers {
		targets[w] = struct{}{}
	}
	notifiers := make([]NotifyFunc, 0, len(targets))
	for w := range targets {
		if fn, ok := s.notify[w]; ok {
			notifiers = append(notifiers, fn)
		}
	}
	s.mu.Unlock()

	for _, fn := range notifiers {
		if err := fn(ctx, shuffleID, runID); err != nil {
			return err
		}
	}
	return nil
}

func copyWorkerFor(m map[int64]string) map[int64]string {
	out := make(map[int64]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
