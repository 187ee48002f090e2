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

package telemetry

import (
	"fmt"
	"sync"

	"github.com/etalazz/shuffleworker/internal/shuffle/run"
)

// runCounterState remembers the last cumulative totals seen for one run so
// Observe can report the monotonic Prometheus deltas the shards buffers'
// own Heartbeat only exposes as running totals.
type runCounterState struct {
	diskWritten, diskReleased int64
	commWritten, commReleased int64
	diagnostics               map[string]float64
}

// HeartbeatReporter turns a stream of run.Heartbeat snapshots (as produced
// periodically by a registry.Extension) into Prometheus observations. It
// is the bridge between the core's plain data heartbeat and this
// package's metrics: the core never imports telemetry itself, so nothing
// here is load-bearing for a run's correctness.
type HeartbeatReporter struct {
	mu    sync.Mutex
	state map[string]*runCounterState
}

// NewHeartbeatReporter returns an empty reporter.
func NewHeartbeatReporter() *HeartbeatReporter {
	return &HeartbeatReporter{state: map[string]*runCounterState{}}
}

func stateKey(shuffleID string, runID int64) string {
	return fmt.Sprintf("%s/%d", shuffleID, runID)
}

// Observe records one heartbeat snapshot for shuffleID, updating
// BytesWritten/BytesReleased by the delta since the last observation and
// FlushDuration with the delta time spent in each diagnostic span this
// tick.
func (r *HeartbeatReporter) Observe(shuffleID string, hb run.Heartbeat) {
	key := stateKey(shuffleID, hb.RunID)

	r.mu.Lock()
	st, ok := r.state[key]
	if !ok {
		st = &runCounterState{diagnostics: map[string]float64{}}
		r.state[key] = st
	}
	diskWrittenDelta := hb.Disk.TotalWritten - st.diskWritten
	diskReleasedDelta := hb.Disk.TotalReleased - st.diskReleased
	commWrittenDelta := hb.Comm.TotalWritten - st.commWritten
	commReleasedDelta := hb.Comm.TotalReleased - st.commReleased
	st.diskWritten, st.diskReleased = hb.Disk.TotalWritten, hb.Disk.TotalReleased
	st.commWritten, st.commReleased = hb.Comm.TotalWritten, hb.Comm.TotalReleased

	diagDeltas := make(map[string]float64, len(hb.Diagnostics))
	for name, total := range hb.Diagnostics {
		diagDeltas[name] = total - st.diagnostics[name]
		st.diagnostics[name] = total
	}
	r.mu.Unlock()

	if diskWrittenDelta > 0 {
		BytesWritten.WithLabelValues(shuffleID, "disk").Add(float64(diskWrittenDelta))
	}
	if diskReleasedDelta > 0 {
		BytesReleased.WithLabelValues(shuffleID, "disk").Add(float64(diskReleasedDelta))
	}
	if commWrittenDelta > 0 {
		BytesWritten.WithLabelValues(shuffleID, "comm").Add(float64(commWrittenDelta))
	}
	if commReleasedDelta > 0 {
		BytesReleased.WithLabelValues(shuffleID, "comm").Add(float64(commReleasedDelta))
	}
	for name, delta := range diagDeltas {
		if delta > 0 {
			FlushDuration.WithLabelValues(name).Observe(delta)
		}
	}
}

// Forget drops tracked state for a finished run so a reused shuffle id
// starting a fresh run doesn't inherit stale deltas.
func (r *HeartbeatReporter) Forget(shuffleID string, runID int64) {
	r.mu.Lock()
	delete(r.state, stateKey(shuffleID, runID))
	r.mu.Unlock()
}
