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
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/etalazz/shuffleworker/internal/shuffle/limiter"
	"github.com/etalazz/shuffleworker/internal/shuffle/shuffleerr"
	"github.com/etalazz/shuffleworker/internal/shuffle/table"
)

// ErrNoData is returned by DiskBuffer.Read when a partition never
// received any shards.
var ErrNoData = errors.New("shardsbuffer: no data for partition")

func byteSize(b []byte) int64 { return int64(len(b)) }

type openFile struct {
	f *os.File
	w *bufio.Writer
}

// DiskBuffer is the disk-side ShardsBuffer specialization: each
// destination is an output partition id (as a string), and each flush
// call appends its items as length-prefixed frames to that partition's
// file under dir. Read concatenates every frame written for a partition
// back into one table.
type DiskBuffer struct {
	*Buffer[[]byte]
	dir string

	mu    sync.Mutex
	files map[string]*openFile
}

// NewDiskBuffer creates dir if needed and returns a DiskBuffer backed by
// lim, running concurrency flushers.
func NewDiskBuffer(dir string, lim *limiter.ResourceLimiter, concurrency int) (*DiskBuffer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	d := &DiskBuffer{dir: dir, files: map[string]*openFile{}}
	d.Buffer = New(lim, concurrency, byteSize, d.dump)
	return d, nil
}

func (d *DiskBuffer) path(dest string) string {
	return filepath.Join(d.dir, dest)
}

func (d *DiskBuffer) openLocked(dest string) (*openFile, error) {
	if of, ok := d.files[dest]; ok {
		return of, nil
	}
	f, err := os.OpenFile(d.path(dest), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	of := &openFile{f: f, w: bufio.NewWriter(f)}
	d.files[dest] = of
	return of, nil
}

func (d *DiskBuffer) dump(_ context.Context, dest string, items [][]byte) error {
	d.mu.Lock()
	of, err := d.openLocked(dest)
	d.mu.Unlock()
	if err != nil {
		return err
	}

	var lenBuf [8]byte
	for _, item := range items {
		binary.BigEndian.PutUint64(lenBuf[:], uint64(len(item)))
		if _, err := of.w.Write(lenBuf[:]); err != nil {
			return err
		}
		if _, err := of.w.Write(item); err != nil {
			return err
		}
	}
	return of.w.Flush()
}

// Read returns the concatenated, re-serialized table built from every
// frame written for partitionID, or ErrNoData if none were.
func (d *DiskBuffer) Read(partitionID string) ([]byte, error) {
	f, err := os.Open(d.path(partitionID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoData
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var tables []table.Table
	r := bufio.NewReader(f)
	var lenBuf [8]byte
	for {
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			if err == io.EOF {
				break
			}
			return nil, err
		}
		n := binary.BigEndian.Uint64(lenBuf[:])
		buf := make([]byte, n)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		t, err := table.Deserialize(buf)
		if err != nil {
			return nil, err
		}
		tables = append(tables, t)
	}
	if len(tables) == 0 {
		return nil, ErrNoData
	}
	merged, err := table.Concat(tables)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", shuffleerr.ErrCodec, err)
	}
	return table.Serialize(merged)
}

// Close drains and stops the underlying Buffer, closes every open file
// handle, and removes dir entirely.
func (d *DiskBuffer) Close(ctx context.Context) error {
	if err := d.Buffer.Close(ctx); err != nil {
		return err
	}
	d.mu.Lock()
	for _, of := range d.files {
		_ = of.w.Flush()
		_ = of.f.Close()
	}
	d.files = map[string]*openFile{}
	d.mu.Unlock()
	return os.RemoveAll(d.dir)
}
