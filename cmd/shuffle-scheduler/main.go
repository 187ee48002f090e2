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

// Package main runs the reference shuffle scheduler daemon: a single
// in-memory assignment table exposed over HTTP, used for local smoke
// testing and demos. It is not the production scheduler this module
// assumes exists elsewhere — a real deployment's task graph scheduler
// already does this bookkeeping as part of its own state.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/etalazz/shuffleworker/internal/shuffle/scheduler"
)

func main() {
	httpAddr := flag.String("http_addr", ":8090", "HTTP listen address for scheduler RPCs (shuffle_get/barrier)")
	outputWorkersFlag := flag.String("output_workers", "", "Comma-separated worker addresses eligible to own output partitions (e.g. http://127.0.0.1:8081,http://127.0.0.1:8082)")
	flag.Parse()

	var outputWorkers []string
	if *outputWorkersFlag != "" {
		for _, w := range strings.Split(*outputWorkersFlag, ",") {
			w = strings.TrimSpace(w)
			if w != "" {
				outputWorkers = append(outputWorkers, w)
			}
		}
	}
	if len(outputWorkers) == 0 {
		log.Fatal("output_workers must name at least one worker address")
	}

	httpClient := &http.Client{Timeout: 10 * time.Second}
	inner := scheduler.NewInMemory(outputWorkers, func(address string) scheduler.NotifyFunc {
		return func(ctx context.Context, shuffleID string, runID int64) error {
			return scheduler.PostInputsDone(httpClient, address, shuffleID, runID)
		}
	})
	server := &scheduler.Server{Inner: inner}

	mux := http.NewServeMux()
	server.Register(mux)
	httpServer := &http.Server{Addr: *httpAddr, Handler: mux}

	go func() {
		fmt.Printf("Shuffle scheduler (reference) listening on %s, output workers: %v\n", *httpAddr, outputWorkers)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("could not listen on %s: %v", *httpAddr, err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	fmt.Println("\nShutting down shuffle scheduler...")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Fatalf("server shutdown failed: %v", err)
	}
	fmt.Println("Shuffle scheduler gracefully stopped.")
}
