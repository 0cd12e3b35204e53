// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of occkey

package memstore

import (
	"context"
	"testing"
)

func TestCheckAndPutAbsent(t *testing.T) {
	s := New()
	tbl := s.Table("lookup")
	ctx := context.Background()

	ok, err := tbl.CheckAndPut(ctx, "row1", "lock", []byte("token-a"), "lock", nil)
	if err != nil || !ok {
		t.Fatalf("CheckAndPut on absent column = %v, %v, want true, nil", ok, err)
	}

	ok, err = tbl.CheckAndPut(ctx, "row1", "lock", []byte("token-b"), "lock", nil)
	if err != nil || ok {
		t.Fatalf("CheckAndPut should fail once lock is held, got %v, %v", ok, err)
	}

	ok, err = tbl.CheckAndPut(ctx, "row1", "lock", []byte("token-b"), "lock", []byte("token-a"))
	if err != nil || !ok {
		t.Fatalf("CheckAndPut with correct expected value should succeed, got %v, %v", ok, err)
	}
}

func TestIncrementColumn(t *testing.T) {
	s := New()
	tbl := s.Table("counter")
	ctx := context.Background()

	v, err := tbl.IncrementColumn(ctx, "1", "next", 100)
	if err != nil || v != 100 {
		t.Fatalf("first increment = %d, %v, want 100, nil", v, err)
	}

	v, err = tbl.IncrementColumn(ctx, "1", "next", 100)
	if err != nil || v != 200 {
		t.Fatalf("second increment = %d, %v, want 200, nil", v, err)
	}
}

func TestScanByPrefix(t *testing.T) {
	s := New()
	tbl := s.Table("lookup")
	ctx := context.Background()

	_ = tbl.Put(ctx, "ds|a", "k", []byte("1"), 0)
	_ = tbl.Put(ctx, "ds|b", "k", []byte("2"), 0)
	_ = tbl.Put(ctx, "other|c", "k", []byte("3"), 0)

	var rows []string
	for p := range tbl.ScanByPrefix(ctx, "ds|", "k") {
		if p.Err != nil {
			t.Fatalf("scan error: %v", p.Err)
		}
		rows = append(rows, p.Row)
	}

	if len(rows) != 2 {
		t.Fatalf("ScanByPrefix returned %v, want 2 rows under ds|", rows)
	}
}

func TestDeleteRowsAndColumn(t *testing.T) {
	s := New()
	tbl := s.Table("lookup")
	ctx := context.Background()

	_ = tbl.Put(ctx, "ds|a", "k", []byte("1"), 0)
	_ = tbl.Put(ctx, "ds|a", "lock", []byte("tok"), 0)

	if err := tbl.DeleteColumn(ctx, "ds|a", "lock"); err != nil {
		t.Fatalf("DeleteColumn: %v", err)
	}
	cell, _ := tbl.GetColumn(ctx, "ds|a", "lock")
	if cell != nil {
		t.Fatalf("lock column should be gone after DeleteColumn")
	}

	if err := tbl.DeleteRows(ctx, []string{"ds|a"}); err != nil {
		t.Fatalf("DeleteRows: %v", err)
	}
	row, _ := tbl.Get(ctx, "ds|a")
	if row != nil {
		t.Fatalf("row should be gone after DeleteRows, got %v", row)
	}
}

func TestTimestampsStrictlyIncrease(t *testing.T) {
	s := New()
	tbl := s.Table("lookup")
	ctx := context.Background()

	var last int64
	for i := 0; i < 1000; i++ {
		_ = tbl.Put(ctx, "row", "col", []byte("v"), 0)
		cell, _ := tbl.GetColumn(ctx, "row", "col")
		if cell.Timestamp <= last {
			t.Fatalf("timestamp did not strictly increase: %d <= %d", cell.Timestamp, last)
		}
		last = cell.Timestamp
	}
}
