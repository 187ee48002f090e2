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

// Package main runs one shuffle worker: a registry of live shuffle runs
// exposed over HTTP for peer-to-peer comm traffic, talking to an external
// (or, for local smoke-testing, the reference) scheduler over its own
// HTTP RPCs.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/etalazz/shuffleworker/internal/shuffle/audit"
	"github.com/etalazz/shuffleworker/internal/shuffle/limiter"
	"github.com/etalazz/shuffleworker/internal/shuffle/registry"
	"github.com/etalazz/shuffleworker/internal/shuffle/scheduler"
	"github.com/etalazz/shuffleworker/internal/shuffle/telemetry"
	"github.com/etalazz/shuffleworker/internal/shuffle/transport"
)

func main() {
	// --- What this is ---
	// A shuffle worker holds one ShuffleRun per live shuffle id: it
	// accepts add_partition calls from local tasks, routes rows to
	// whichever worker owns their output partition over the comm buffer,
	// and stores what lands here to disk until the barrier flips it to
	// OUTPUT and local tasks can read their partitions back out.
	httpAddr := flag.String("http_addr", ":8081", "HTTP listen address for peer RPCs (shuffle_receive/inputs_done/fail)")
	localAddress := flag.String("local_address", "http://127.0.0.1:8081", "This worker's own address, as advertised to the scheduler and other peers")
	schedulerAddr := flag.String("scheduler_addr", "http://127.0.0.1:8090", "Base URL of the scheduler RPC service")
	localDir := flag.String("local_dir", "", "Scratch directory for this worker's disk shards buffers (defaults to a temp dir)")
	commBudget := flag.Int64("comm_budget_bytes", 1<<30, "Byte budget for the comm shards buffer's ResourceLimiter")
	diskBudget := flag.Int64("disk_budget_bytes", 1<<31, "Byte budget for the disk shards buffer's ResourceLimiter")
	commConcurrency := flag.Int("comm_concurrency", 10, "Number of concurrent comm buffer flushers")
	diskConcurrency := flag.Int("disk_concurrency", 4, "Number of concurrent disk buffer flushers")
	nThreads := flag.Int("threads", 4, "Number of goroutines in the CPU offload pool used for splitting/serializing tables")
	metricsAddr := flag.String("metrics_addr", "", "If non-empty, expose Prometheus /metrics on this address (e.g., :9091)")
	redisHeartbeatAddr := flag.String("redis_heartbeat_addr", "", "If non-empty, push run heartbeats to this Redis address")
	postgresDSN := flag.String("postgres_dsn", "", "If non-empty, record run lifecycle events to this Postgres DSN via an already-registered driver")
	flag.Parse()

	if *localDir == "" {
		dir, err := os.MkdirTemp("", "shuffle-worker-")
		if err != nil {
			log.Fatalf("could not create scratch dir: %v", err)
		}
		*localDir = dir
	}

	commLimiter := limiter.New(*commBudget)
	diskLimiter := limiter.New(*diskBudget)
	peers := transport.NewHTTPPeerClient()
	schedClient := scheduler.NewHTTPClient(*schedulerAddr)

	var auditSink registry.AuditSink
	if *postgresDSN != "" {
		db, err := sql.Open("postgres", *postgresDSN)
		if err != nil {
			log.Fatalf("could not open postgres audit ledger: %v", err)
		}
		defer db.Close()
		auditSink = audit.NewLedger(db)
	}

	ext := registry.New(registry.Config{
		LocalAddress:    *localAddress,
		LocalDir:        *localDir,
		NThreads:        *nThreads,
		CommLimiter:     commLimiter,
		DiskLimiter:     diskLimiter,
		CommConcurrency: *commConcurrency,
		DiskConcurrency: *diskConcurrency,
		Peers:           peers,
		Scheduler:       schedClient,
		Audit:           auditSink,
	})

	var heartbeatPublisher *telemetry.RedisHeartbeatPublisher
	if *redisHeartbeatAddr != "" {
		heartbeatPublisher = telemetry.NewRedisHeartbeatPublisher(*redisHeartbeatAddr, 30*time.Second)
		defer heartbeatPublisher.Close()
	}
	go runHeartbeatLoop(ext, heartbeatPublisher, telemetry.NewHeartbeatReporter())

	mux := http.NewServeMux()
	handlers := &transport.Handlers{Extension: ext}
	handlers.Register(mux)
	if *metricsAddr != "" {
		go func() {
			fmt.Printf("Shuffle worker metrics listening on %s\n", *metricsAddr)
			metricsMux := http.NewServeMux()
			metricsMux.Handle("/metrics", telemetry.Handler())
			if err := http.ListenAndServe(*metricsAddr, metricsMux); err != nil && err != http.ErrServerClosed {
				log.Printf("metrics server stopped: %v", err)
			}
		}()
	}

	httpServer := &http.Server{
		Addr:    *httpAddr,
		Handler: mux,
	}

	go func() {
		fmt.Printf("Shuffle worker listening on %s (advertised as %s)\n", *httpAddr, *localAddress)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("could not listen on %s: %v", *httpAddr, err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	fmt.Println("\nShutting down shuffle worker...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := ext.Close(ctx); err != nil {
		log.Printf("registry close reported an error: %v", err)
	}
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Fatalf("server shutdown failed: %v", err)
	}

	fmt.Println("Shuffle worker gracefully stopped.")
}

func runHeartbeatLoop(ext *registry.Extension, pub *telemetry.RedisHeartbeatPublisher, reporter *telemetry.HeartbeatReporter) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	seen := map[string]int64{} // shuffle id -> last observed run id
	for range ticker.C {
		heartbeats := ext.Heartbeat()
		telemetry.ActiveRuns.Set(float64(len(heartbeats)))

		live := make(map[string]int64, len(heartbeats))
		for shuffleID, hb := range heartbeats {
			live[shuffleID] = hb.RunID
			reporter.Observe(shuffleID, hb)
			if pub == nil {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if err := pub.Publish(ctx, shuffleID, hb.RunID, hb); err != nil {
				log.Printf("heartbeat publish failed for %s: %v", shuffleID, err)
			}
			cancel()
		}
		for shuffleID, runID := range seen {
			if _, ok := live[shuffleID]; !ok {
				reporter.Forget(shuffleID, runID)
			}
		}
		seen = live
	}
}
