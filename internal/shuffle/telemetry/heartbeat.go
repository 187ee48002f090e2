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
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/etalazz/shuffleworker/internal/shuffle/run"
)

// RedisHeartbeatPublisher pushes a run's heartbeat snapshot to a Redis key
// so an external dashboard can read liveness without polling the worker
// directly. It is supplementary observability, never load-bearing for a
// run's own invariants.
type RedisHeartbeatPublisher struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisHeartbeatPublisher returns a publisher dialing addr, expiring
// each pushed heartbeat after ttl.
func NewRedisHeartbeatPublisher(addr string, ttl time.Duration) *RedisHeartbeatPublisher {
	return &RedisHeartbeatPublisher{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		ttl:    ttl,
	}
}

type heartbeatWire struct {
	Disk struct {
		TotalWritten        int64 `json:"total_written"`
		TotalReleased       int64 `json:"total_released"`
		PendingDestinations int   `json:"pending_destinations"`
	} `json:"disk"`
	Comm struct {
		TotalWritten        int64 `json:"total_written"`
		TotalReleased       int64 `json:"total_released"`
		PendingDestinations int   `json:"pending_destinations"`
	} `json:"comm"`
	Read        int64              `json:"read"`
	Diagnostics map[string]float64 `json:"diagnostics"`
	Start       int64              `json:"start_unix"`
}

// Publish writes hb to shuffle:<shuffleID>:<runID>:heartbeat.
func (p *RedisHeartbeatPublisher) Publish(ctx context.Context, shuffleID string, runID int64, hb run.Heartbeat) error {
	var wire heartbeatWire
	wire.Disk.TotalWritten = hb.Disk.TotalWritten
	wire.Disk.TotalReleased = hb.Disk.TotalReleased
	wire.Disk.PendingDestinations = hb.Disk.PendingDestinations
	wire.Comm.TotalWritten = hb.Comm.TotalWritten
	wire.Comm.TotalReleased = hb.Comm.TotalReleased
	wire.Comm.PendingDestinations = hb.Comm.PendingDestinations
	wire.Read = hb.Read
	wire.Diagnostics = hb.Diagnostics
	wire.Start = hb.Start.Unix()

	b, err := json.Marshal(wire)
	if err != nil {
		return err
	}
	key := fmt.Sprintf("shuffle:%s:%d:heartbeat", shuffleID, runID)
	return p.client.Set(ctx, key, b, p.ttl).Err()
}

// Close releases the underlying Redis connection pool.
func (p *RedisHeartbeatPublisher) Close() error {
	return p.client.Close()
}
