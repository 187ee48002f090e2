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

// Package telemetry carries the ambient metrics and diagnostic-publishing
// stack for shuffle runs: Prometheus counters/gauges exposed over
// /metrics, plus optional Redis and Kafka sinks for external dashboards
// and audit consumers. None of these are load-bearing for a run's
// correctness; they are observability only.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"net/http"
)

var (
	// BytesWritten counts bytes handed to a shards buffer's Write, by
	// shuffle id and buffer kind ("comm" or "disk").
	BytesWritten = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "shuffle_bytes_written_total",
		Help: "Bytes written into a shards buffer, labeled by shuffle id and buffer kind.",
	}, []string{"shuffle_id", "buffer"})

	// BytesReleased counts bytes released back to a ResourceLimiter once
	// their flush completed, regardless of outcome.
	BytesReleased = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "shuffle_bytes_released_total",
		Help: "Bytes released from a shards buffer after flush, labeled by shuffle id and buffer kind.",
	}, []string{"shuffle_id", "buffer"})

	// FlushDuration observes, once per heartbeat, the time a run spent in
	// each named diagnostic span ("cpu", "disk-read") since the previous
	// heartbeat.
	FlushDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "shuffle_flush_duration_seconds",
		Help:    "Time spent in one diagnostic span since the previous heartbeat, labeled by span name.",
		Buckets: prometheus.DefBuckets,
	}, []string{"span"})

	// ActiveRuns reports the number of shuffle runs currently live on
	// this worker.
	ActiveRuns = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "shuffle_active_runs",
		Help: "Number of shuffle runs currently registered on this worker.",
	})
)

func init() {
	prometheus.MustRegister(BytesWritten, BytesReleased, FlushDuration, ActiveRuns)
}

// Handler exposes the registered metrics for scraping.
func Handler() http.Handler {
	return promhttp.Handler()
}
