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

// Package scheduler defines the client interface a worker uses to ask the
// (external, out of scope) scheduler which run is current for a shuffle id
// and to fan a barrier out to every participant. It also ships an
// in-memory reference implementation for tests and a small demo daemon,
// neither of which is the production scheduler this module assumes exists
// elsewhere.
package scheduler

import (
	"context"
	"fmt"

	"github.com/etalazz/shuffleworker/internal/shuffle/table"
)

// GetRequest is what a worker sends on shuffle_get. Schema is non-nil only
// when the caller is prepared to register a brand-new shuffle if none
// exists yet (the ingest path); a pure refresh leaves it nil.
type GetRequest struct {
	ShuffleID   string
	Schema      *table.Schema
	Column      string
	NPartitions int
	Worker      string
}

// GetReply describes the current run for a shuffle id.
type GetReply struct {
	RunID         int64
	WorkerFor     map[int64]string
	OutputWorkers []string
	Schema        table.Schema
	Column        string
	NPartitions   int
}

// Client is what internal/shuffle/registry depends on to resolve and
// barrier shuffle runs.
type Client interface {
	ShuffleGet(ctx context.Context, req GetRequest) (GetReply, error)
	ShuffleBarrier(ctx context.Context, shuffleID string, runID int64) error
}

// Error reports a scheduler-side rejection: an unknown shuffle id with no
// schema to register one against, a stale barrier, or no workers to
// assign partitions to.
type Error struct {
	Message string
}

func (e *Error) Error() string { return fmt.Sprintf("scheduler: %s", e.Message) }
