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

// Package split holds the two pure functions that turn one table into many:
// SplitByWorker groups ingested rows by which worker owns their output
// partition, and SplitByPartition groups a worker's inbound rows by output
// partition id for disk storage. Both reduce to the same sort-then-slice
// pass over the partition column, against this module's own Table type.
package split

import (
	"github.com/etalazz/shuffleworker/internal/shuffle/table"
)

// SplitByWorker groups t's rows by the worker that owns each row's output
// partition, per workerFor. Rows whose partition id has no entry in
// workerFor are dropped — the equivalent of an inner join against the
// known worker set, for partitions nobody asked for.
func SplitByWorker(t table.Table, column string, workerFor map[int64]string) (map[string]table.Table, error) {
	groups, err := groupByColumn(t, column)
	if err != nil {
		return nil, err
	}
	out := make(map[string]table.Table, len(groups))
	for partitionID, sub := range groups {
		worker, ok := workerFor[partitionID]
		if !ok {
			continue
		}
		if existing, ok := out[worker]; ok {
			merged, err := table.Concat([]table.Table{existing, sub})
			if err != nil {
				return nil, err
			}
			out[worker] = merged
		} else {
			out[worker] = sub
		}
	}
	return out, nil
}

// SplitByPartition groups t's rows directly by output partition id.
func SplitByPartition(t table.Table, column string) (map[int64]table.Table, error) {
	return groupByColumn(t, column)
}

func groupByColumn(t table.Table, column string) (map[int64]table.Table, error) {
	if t.Len() == 0 {
		return map[int64]table.Table{}, nil
	}
	sorted, err := t.SortByColumn(column)
	if err != nil {
		return nil, err
	}

	out := map[int64]table.Table{}
	start := 0
	currentID, err := sorted.PartitionID(sorted.Rows[0], column)
	if err != nil {
		return nil, err
	}
	for i := 1; i <= sorted.Len(); i++ {
		var id int64
		if i < sorted.Len() {
			id, err = sorted.PartitionID(sorted.Rows[i], column)
			if err != nil {
				return nil, err
			}
		}
		if i == sorted.Len() || id != currentID {
			out[currentID] = sorted.Slice(start, i-start)
			start = i
			currentID = id
		}
	}
	return out, nil
}
