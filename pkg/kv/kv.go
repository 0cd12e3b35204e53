// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of occkey

// Package kv abstracts the wide-column store occkey is built on (spec §4.2).
// It is the only place backend specifics live: every other package in this
// module talks to a store exclusively through the Backend/Table contract
// defined here, the way pkg/kvstore.BackendOperations is the sole seam
// between the teacher's allocator and etcd/consul.
package kv

import (
	"context"
	"errors"
)

// ErrNotFound is a sentinel for a missing row or column. No Table method in
// this module returns it: Get, GetColumn and ScanByPrefix report absence as
// a nil/empty result, so GetColumn's "value | null" contract (spec §4.2) is
// expressed in Go as (nil, nil).
var ErrNotFound = errors.New("kv: not found")

// Cell is a single column value together with the timestamp the backend
// assigned it. Lock staleness (spec §3 invariant 5) is judged against this
// timestamp, not a client clock, so that skew between callers never affects
// the staleness decision.
type Cell struct {
	Data      []byte
	Timestamp int64 // unix nanoseconds, backend-assigned
}

// Row is a full-row read: column name to cell.
type Row map[string]Cell

// Pair is one result of a prefix scan.
type Pair struct {
	Row  string
	Cell Cell
	Err  error
}

// Backend opens per-table handles. A single Backend typically corresponds
// to one store connection (one HBase client, one in-memory store); the
// lookup, counter and occurrence tables of spec §3 are three Table handles
// obtained from the same Backend.
type Backend interface {
	Table(name string) Table
}

// Table is the exact operation set spec §4.2 requires, scoped to one table.
type Table interface {
	// Get performs a full-row read. Returns a nil Row if the row does not
	// exist.
	Get(ctx context.Context, row string) (Row, error)

	// GetColumn reads a single column. Returns (nil, nil) if the row or
	// column is absent.
	GetColumn(ctx context.Context, row, column string) (*Cell, error)

	// Put is an unconditional write. ts is the caller-supplied timestamp
	// spec §4.2 calls for; ts == 0 means "let the backend assign one",
	// which is what occkey uses for every cell whose staleness is later
	// judged from its timestamp (spec §9 prefers the backend's
	// cell-assigned time over a client clock).
	Put(ctx context.Context, row, column string, value []byte, ts int64) error

	// CheckAndPut atomically writes newValue to column iff the current
	// value of expectedColumn equals expectedValue. expectedValue == nil
	// means "expectedColumn must be absent". Returns whether the write
	// happened.
	CheckAndPut(ctx context.Context, row, column string, newValue []byte, expectedColumn string, expectedValue []byte) (bool, error)

	// IncrementColumn atomically adds delta to column, creating it at delta
	// if absent, and returns the post-increment value.
	IncrementColumn(ctx context.Context, row, column string, delta int64) (int64, error)

	// ScanByPrefix streams every row whose key starts with prefix, reporting
	// the value of column for each. The returned channel is closed when the
	// scan completes or fails; a failure is reported as a single Pair with
	// Err set as the last value before close.
	ScanByPrefix(ctx context.Context, prefix, column string) <-chan Pair

	// DeleteRows removes a batch of whole rows.
	DeleteRows(ctx context.Context, rows []string) error

	// DeleteColumn removes a single column from a single row.
	DeleteColumn(ctx context.Context, row, column string) error
}
