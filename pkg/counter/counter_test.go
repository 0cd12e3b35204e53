// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of occkey

package counter

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/darwincore/occkey/pkg/kv/memstore"
)

func TestNextKeySequential(t *testing.T) {
	store := memstore.New()
	alloc := New(store.Table("counter"), WithBatchSize(100))
	ctx := context.Background()

	for i := int64(1); i <= 250; i++ {
		got, err := alloc.NextKey(ctx)
		if err != nil {
			t.Fatalf("NextKey(%d): %v", i, err)
		}
		if got != i {
			t.Fatalf("NextKey() = %d, want %d", got, i)
		}
	}
}

func TestNextKeyConcurrentWithinProcessHasNoDuplicates(t *testing.T) {
	store := memstore.New()
	alloc := New(store.Table("counter"), WithBatchSize(10))
	ctx := context.Background()

	const n = 500
	var wg sync.WaitGroup
	results := make([]int64, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := alloc.NextKey(ctx)
			if err != nil {
				t.Errorf("NextKey: %v", err)
			}
			results[i] = v
		}(i)
	}
	wg.Wait()

	seen := make(map[int64]struct{}, n)
	for _, v := range results {
		if _, ok := seen[v]; ok {
			t.Fatalf("duplicate key allocated: %d", v)
		}
		seen[v] = struct{}{}
	}
	if len(seen) != n {
		t.Fatalf("got %d distinct keys, want %d", len(seen), n)
	}
}

func TestNextKeyAcrossProcessesReservesDisjointBatches(t *testing.T) {
	store := memstore.New()
	table := store.Table("counter")
	a := New(table, WithBatchSize(10))
	b := New(table, WithBatchSize(10))
	ctx := context.Background()

	aKeys := map[int64]struct{}{}
	for i := 0; i < 10; i++ {
		v, err := a.NextKey(ctx)
		if err != nil {
			t.Fatalf("a.NextKey: %v", err)
		}
		aKeys[v] = struct{}{}
	}

	bKeys := map[int64]struct{}{}
	for i := 0; i < 10; i++ {
		v, err := b.NextKey(ctx)
		if err != nil {
			t.Fatalf("b.NextKey: %v", err)
		}
		bKeys[v] = struct{}{}
	}

	for k := range aKeys {
		if _, ok := bKeys[k]; ok {
			t.Fatalf("process a and process b were handed the same key %d", k)
		}
	}
}

func TestNextKeyCounterExhausted(t *testing.T) {
	store := memstore.New()
	table := store.Table("counter")
	ctx := context.Background()

	// Seed the counter just under int32 max so the next reservation
	// overflows.
	if _, err := table.IncrementColumn(ctx, Row, Column, math.MaxInt32-1); err != nil {
		t.Fatalf("seed: %v", err)
	}

	alloc := New(table, WithBatchSize(100))
	_, err := alloc.NextKey(ctx)

	var exhausted *ErrCounterExhausted
	if !errors.As(err, &exhausted) {
		t.Fatalf("NextKey() error = %v, want *ErrCounterExhausted", err)
	}
}
