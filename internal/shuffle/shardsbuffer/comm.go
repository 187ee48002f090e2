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

package shardsbuffer

import (
	"context"

	"github.com/etalazz/shuffleworker/internal/shuffle/limiter"
)

// Shard is one outbound unit of work: the input partition it came from,
// tagged on for duplicate-delivery detection at the receiving end, paired
// with the serialized sub-table bound for one destination.
type Shard struct {
	InputPartition int64
	Bytes          []byte
}

// ShardSize is the SizeFunc for Shard, charging 8 bytes of bookkeeping
// overhead per shard on top of its payload.
func ShardSize(s Shard) int64 {
	return int64(len(s.Bytes)) + 8
}

// SendFunc delivers a batch of shards to a worker address over the peer
// RPC channel.
type SendFunc func(ctx context.Context, address string, shards []Shard) error

// NewCommBuffer builds the comm-side ShardsBuffer specialization: a
// Buffer[Shard] keyed by worker address, flushed via send.
func NewCommBuffer(lim *limiter.ResourceLimiter, concurrency int, send SendFunc) *Buffer[Shard] {
	return New(lim, concurrency, ShardSize, FlushFunc[Shard](send))
}
