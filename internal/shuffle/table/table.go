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

// Package table is a minimal reference columnar codec. It exists so the
// shuffle core has a concrete row format to split, serialize, and concat
// against; it is not meant to be a production columnar engine. A real
// deployment swaps this out for an Arrow-backed (or similar) table and
// keeps the same operations: Concat, SortByColumn, Slice, Serialize.
package table

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"sort"

	"github.com/etalazz/shuffleworker/internal/shuffle/shuffleerr"
)

// Kind identifies the Go type backing a column's values.
type Kind int

const (
	KindInt64 Kind = iota
	KindString
)

// Column describes one field of a Schema.
type Column struct {
	Name string
	Kind Kind
}

// Schema is an ordered list of columns shared by every row in a Table.
type Schema struct {
	Columns []Column
}

// Index returns the position of the named column, or -1 if absent.
func (s Schema) Index(name string) int {
	for i, c := range s.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

func (s Schema) equal(other Schema) bool {
	if len(s.Columns) != len(other.Columns) {
		return false
	}
	for i, c := range s.Columns {
		if c != other.Columns[i] {
			return false
		}
	}
	return true
}

// Value is a tagged union holding exactly one column's worth of data. Only
// the field matching Kind is meaningful.
type Value struct {
	Kind Kind
	I64  int64
	Str  string
}

// Row is one record, positional against its Table's Schema.
type Row struct {
	Values []Value
}

// Table is a schema plus its rows, the row format every shuffle component
// in this module operates on.
type Table struct {
	Schema Schema
	Rows   []Row
}

// Empty returns a zero-row table of the given schema, used when a requested
// output partition never received any rows.
func Empty(schema Schema) Table {
	return Table{Schema: schema}
}

// Len reports the row count.
func (t Table) Len() int { return len(t.Rows) }

// PartitionID reads the int64 value of the named column in row. The
// designated partition column always carries an output partition id that
// was assigned upstream of this package (hashing the shuffle key happens
// before rows ever reach a Table here); see split.SplitByWorker.
func (t Table) PartitionID(row Row, column string) (int64, error) {
	idx := t.Schema.Index(column)
	if idx < 0 {
		return 0, fmt.Errorf("%w: column %q not in schema", shuffleerr.ErrCodec, column)
	}
	v := row.Values[idx]
	if v.Kind != KindInt64 {
		return 0, fmt.Errorf("%w: column %q is not an int64 column", shuffleerr.ErrCodec, column)
	}
	return v.I64, nil
}

// SortByColumn returns a new Table with rows stably sorted by the named
// int64 column, the precondition split.SplitByWorker and
// split.SplitByPartition rely on to group rows into contiguous runs.
func (t Table) SortByColumn(column string) (Table, error) {
	idx := t.Schema.Index(column)
	if idx < 0 {
		return Table{}, fmt.Errorf("%w: column %q not in schema", shuffleerr.ErrCodec, column)
	}
	rows := make([]Row, len(t.Rows))
	copy(rows, t.Rows)
	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].Values[idx].I64 < rows[j].Values[idx].I64
	})
	return Table{Schema: t.Schema, Rows: rows}, nil
}

// Slice returns the half-open row range [offset, offset+length).
func (t Table) Slice(offset, length int) Table {
	end := offset + length
	if end > len(t.Rows) {
		end = len(t.Rows)
	}
	if offset > end {
		offset = end
	}
	out := make([]Row, end-offset)
	copy(out, t.Rows[offset:end])
	return Table{Schema: t.Schema, Rows: out}
}

// Concat appends every table's rows together; all inputs must share a
// schema, otherwise a CodecError is returned.
func Concat(tables []Table) (Table, error) {
	if len(tables) == 0 {
		return Table{}, nil
	}
	schema := tables[0].Schema
	total := 0
	for _, t := range tables {
		if !t.Schema.equal(schema) {
			return Table{}, fmt.Errorf("%w: schema mismatch in concat", shuffleerr.ErrCodec)
		}
		total += len(t.Rows)
	}
	rows := make([]Row, 0, total)
	for _, t := range tables {
		rows = append(rows, t.Rows...)
	}
	return Table{Schema: schema, Rows: rows}, nil
}

// Serialize encodes a Table into a self-contained byte payload.
func Serialize(t Table) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(t); err != nil {
		return nil, fmt.Errorf("%w: %v", shuffleerr.ErrCodec, err)
	}
	return buf.Bytes(), nil
}

// Deserialize is the inverse of Serialize.
func Deserialize(b []byte) (Table, error) {
	var t Table
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&t); err != nil {
		return Table{}, fmt.Errorf("%w: %v", shuffleerr.ErrCodec, err)
	}
	return t, nil
}

// EncodeSchema/DecodeSchema let the scheduler RPCs ship a Schema as opaque
// bytes without every caller needing to know its internal shape.
func EncodeSchema(s Schema) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(s); err != nil {
		return nil, fmt.Errorf("%w: %v", shuffleerr.ErrCodec, err)
	}
	return buf.Bytes(), nil
}

func DecodeSchema(b []byte) (Schema, error) {
	var s Schema
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&s); err != nil {
		return Schema{}, fmt.Errorf("%w: %v", shuffleerr.ErrCodec, err)
	}
	return s, nil
}
