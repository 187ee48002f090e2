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

// Package shuffleerr holds the error taxonomy shared by every component in
// internal/shuffle. Every public entry point checks against these sentinels
// instead of inventing a new error type per package.
package shuffleerr

import "errors"

// ErrClosed is returned by any operation on a shuffle run or the worker
// extension after Close has been called on it.
var ErrClosed = errors.New("shuffle: closed")

// ErrStaleShuffle is returned when a caller addresses a run_id older than
// the one the registry currently holds for that shuffle id.
var ErrStaleShuffle = errors.New("shuffle: stale run id")

// ErrInvalidShuffleState is returned when a caller addresses a run_id newer
// than the one the registry currently holds; the caller has outrun the
// registry's own refresh from the scheduler.
var ErrInvalidShuffleState = errors.New("shuffle: invalid run id")

// ErrBarrierOrderingViolation is returned when inputs_done is observed more
// than once, or add_partition is called after inputs_done.
var ErrBarrierOrderingViolation = errors.New("shuffle: barrier ordering violation")

// ErrOutputNotReady is returned by GetOutputPartition before InputsDone has
// run on this worker.
var ErrOutputNotReady = errors.New("shuffle: output requested before barrier")

// ErrWrongWorker is returned when a caller asks this run for an output
// partition the scheduler assigned to a different worker.
var ErrWrongWorker = errors.New("shuffle: output partition not owned by this worker")

// ErrPeerFailed marks a run poisoned by a peer-reported failure (shuffle_fail).
var ErrPeerFailed = errors.New("shuffle: peer reported failure")

// ErrCodec wraps failures from the columnar codec (serialize/deserialize/concat).
var ErrCodec = errors.New("shuffle: codec error")
