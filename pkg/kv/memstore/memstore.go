// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of occkey

// Package memstore is an in-memory kv.Backend used by occkey's own tests
// (including the randomized property checks spec §8 demands) and for local
// development without an HBase cluster. It has no direct teacher analogue —
// the retrieval pack doesn't carry cilium's etcd/consul test harness — so
// its shape is grounded purely on the pkg/kv.Backend/Table contract it must
// satisfy.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/darwincore/occkey/pkg/kv"
)

// Store is an in-memory, thread-safe collection of named tables.
type Store struct {
	mu     sync.Mutex
	tables map[string]*table
	clock  atomic.Int64
}

// New returns an empty Store.
func New() *Store {
	return &Store{tables: make(map[string]*table)}
}

// Table implements kv.Backend.
func (s *Store) Table(name string) kv.Table {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tables[name]
	if !ok {
		t = &table{rows: make(map[string]map[string]kv.Cell), clock: &s.clock}
		s.tables[name] = t
	}
	return t
}

// now hands out the wall-clock time in UnixNano, bumped forward when needed
// so two writes faster than the platform clock's resolution never collide
// and timestamps stay comparable to real time for the staleness check in
// pkg/lockengine.
func (t *table) now() int64 {
	for {
		prev := t.clock.Load()
		next := time.Now().UnixNano()
		if next <= prev {
			next = prev + 1
		}
		if t.clock.CompareAndSwap(prev, next) {
			return next
		}
	}
}

type table struct {
	mu    sync.Mutex
	rows  map[string]map[string]kv.Cell
	clock *atomic.Int64
}

func (t *table) Get(_ context.Context, row string) (kv.Row, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cols, ok := t.rows[row]
	if !ok {
		return nil, nil
	}
	out := make(kv.Row, len(cols))
	for k, v := range cols {
		out[k] = v
	}
	return out, nil
}

func (t *table) GetColumn(_ context.Context, row, column string) (*kv.Cell, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cols, ok := t.rows[row]
	if !ok {
		return nil, nil
	}
	cell, ok := cols[column]
	if !ok {
		return nil, nil
	}
	return &cell, nil
}

func (t *table) Put(_ context.Context, row, column string, value []byte, ts int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.putLocked(row, column, value, ts)
	return nil
}

func (t *table) putLocked(row, column string, value []byte, ts int64) {
	cols, ok := t.rows[row]
	if !ok {
		cols = make(map[string]kv.Cell)
		t.rows[row] = cols
	}
	if ts == 0 {
		ts = t.now()
	}
	cols[column] = kv.Cell{Data: value, Timestamp: ts}
}

func (t *table) CheckAndPut(_ context.Context, row, column string, newValue []byte, expectedColumn string, expectedValue []byte) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cols := t.rows[row]
	var current []byte
	if cols != nil {
		if cell, ok := cols[expectedColumn]; ok {
			current = cell.Data
		}
	}

	if expectedValue == nil {
		if current != nil {
			return false, nil
		}
	} else if string(current) != string(expectedValue) {
		return false, nil
	}

	t.putLocked(row, column, newValue, 0)
	return true, nil
}

func (t *table) IncrementColumn(_ context.Context, row, column string, delta int64) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cols, ok := t.rows[row]
	if !ok {
		cols = make(map[string]kv.Cell)
		t.rows[row] = cols
	}

	var current int64
	if cell, ok := cols[column]; ok {
		current = decodeInt64(cell.Data)
	}
	next := current + delta
	cols[column] = kv.Cell{Data: encodeInt64(next), Timestamp: t.now()}
	return next, nil
}

func (t *table) ScanByPrefix(ctx context.Context, prefix, column string) <-chan kv.Pair {
	out := make(chan kv.Pair)

	go func() {
		defer close(out)

		t.mu.Lock()
		var matches []string
		for row := range t.rows {
			if strings.HasPrefix(row, prefix) {
				matches = append(matches, row)
			}
		}
		sort.Strings(matches)

		pairs := make([]kv.Pair, 0, len(matches))
		for _, row := range matches {
			cell, ok := t.rows[row][column]
			if !ok {
				continue
			}
			pairs = append(pairs, kv.Pair{Row: row, Cell: cell})
		}
		t.mu.Unlock()

		for _, p := range pairs {
			select {
			case out <- p:
			case <-ctx.Done():
				out <- kv.Pair{Err: ctx.Err()}
				return
			}
		}
	}()

	return out
}

func (t *table) DeleteRows(_ context.Context, rows []string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, row := range rows {
		delete(t.rows, row)
	}
	return nil
}

func (t *table) DeleteColumn(_ context.Context, row, column string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cols, ok := t.rows[row]; ok {
		delete(cols, column)
	}
	return nil
}

func encodeInt64(v int64) []byte {
	return []byte(fmt.Sprintf("%020d", v))
}

func decodeInt64(b []byte) int64 {
	var v int64
	_, _ = fmt.Sscanf(string(b), "%020d", &v)
	return v
}
