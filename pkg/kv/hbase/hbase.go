// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of occkey

// Package hbase implements kv.Backend against a real HBase cluster via
// github.com/tsuna/gohbase, the production target spec §1/§6 names. This is
// the only file in occkey that imports gohbase — every other package talks
// to pkg/kv.Backend, never to HBase directly.
package hbase

import (
	"context"
	"fmt"
	"io"

	"github.com/tsuna/gohbase"
	"github.com/tsuna/gohbase/hrpc"

	"github.com/darwincore/occkey/pkg/kv"
)

// Backend is a kv.Backend backed by a single gohbase client shared across
// all tables, matching the single-connection-per-process model the caller
// typically wants for a cluster-wide HBase client.
type Backend struct {
	client       gohbase.Client
	columnFamily string
}

// New returns a Backend connected to the given ZooKeeper quorum.
// columnFamily is the single column family (spec §6) every table in this
// module uses.
func New(zkQuorum, columnFamily string, opts ...gohbase.Option) *Backend {
	return &Backend{
		client:       gohbase.NewClient(zkQuorum, opts...),
		columnFamily: columnFamily,
	}
}

// Table implements kv.Backend.
func (b *Backend) Table(name string) kv.Table {
	return &table{backend: b, name: name}
}

// Close releases the underlying HBase connection.
func (b *Backend) Close() {
	b.client.Close()
}

type table struct {
	backend *Backend
	name    string
}

func (t *table) family() string { return t.backend.columnFamily }

func (t *table) Get(ctx context.Context, row string) (kv.Row, error) {
	get, err := hrpc.NewGetStr(ctx, t.name, row)
	if err != nil {
		return nil, fmt.Errorf("hbase: build get %q/%q: %w", t.name, row, err)
	}

	res, err := t.backend.client.Get(get)
	if err != nil {
		return nil, fmt.Errorf("hbase: get %q/%q: %w", t.name, row, err)
	}
	if len(res.Cells) == 0 {
		return nil, nil
	}

	out := make(kv.Row, len(res.Cells))
	for _, c := range res.Cells {
		out[string(c.Qualifier)] = kv.Cell{Data: c.Value, Timestamp: unixNanoFromTimestamp(c.Timestamp)}
	}
	return out, nil
}

func (t *table) GetColumn(ctx context.Context, row, column string) (*kv.Cell, error) {
	get, err := hrpc.NewGetStr(ctx, t.name, row,
		hrpc.Families(map[string][]string{t.family(): {column}}))
	if err != nil {
		return nil, fmt.Errorf("hbase: build get %q/%q/%q: %w", t.name, row, column, err)
	}

	res, err := t.backend.client.Get(get)
	if err != nil {
		return nil, fmt.Errorf("hbase: get %q/%q/%q: %w", t.name, row, column, err)
	}
	if len(res.Cells) == 0 {
		return nil, nil
	}
	c := res.Cells[0]
	return &kv.Cell{Data: c.Value, Timestamp: unixNanoFromTimestamp(c.Timestamp)}, nil
}

func (t *table) values(column string, value []byte) map[string]map[string][]byte {
	return map[string]map[string][]byte{t.family(): {column: value}}
}

func (t *table) Put(ctx context.Context, row, column string, value []byte, ts int64) error {
	opts := []func(hrpc.Call) error{}
	if ts != 0 {
		opts = append(opts, hrpc.Timestamp(timestampFromUnixNano(ts)))
	}

	put, err := hrpc.NewPutStr(ctx, t.name, row, t.values(column, value), opts...)
	if err != nil {
		return fmt.Errorf("hbase: build put %q/%q/%q: %w", t.name, row, column, err)
	}
	if _, err := t.backend.client.Put(put); err != nil {
		return fmt.Errorf("hbase: put %q/%q/%q: %w", t.name, row, column, err)
	}
	return nil
}

func (t *table) CheckAndPut(ctx context.Context, row, column string, newValue []byte, expectedColumn string, expectedValue []byte) (bool, error) {
	put, err := hrpc.NewPutStr(ctx, t.name, row, t.values(column, newValue))
	if err != nil {
		return false, fmt.Errorf("hbase: build checkandput %q/%q/%q: %w", t.name, row, column, err)
	}

	ok, err := t.backend.client.CheckAndPut(put, t.family(), expectedColumn, expectedValue)
	if err != nil {
		return false, fmt.Errorf("hbase: checkandput %q/%q/%q: %w", t.name, row, column, err)
	}
	return ok, nil
}

func (t *table) IncrementColumn(ctx context.Context, row, column string, delta int64) (int64, error) {
	inc, err := hrpc.NewIncStrSingle(ctx, t.name, row, t.family(), column, delta)
	if err != nil {
		return 0, fmt.Errorf("hbase: build increment %q/%q/%q: %w", t.name, row, column, err)
	}

	res, err := t.backend.client.Increment(inc)
	if err != nil {
		return 0, fmt.Errorf("hbase: increment %q/%q/%q: %w", t.name, row, column, err)
	}
	return res, nil
}

func (t *table) ScanByPrefix(ctx context.Context, prefix, column string) <-chan kv.Pair {
	out := make(chan kv.Pair)

	go func() {
		defer close(out)

		scan, err := hrpc.NewScanRangeStr(ctx, t.name, prefix, prefixUpperBound(prefix),
			hrpc.Families(map[string][]string{t.family(): {column}}))
		if err != nil {
			out <- kv.Pair{Err: fmt.Errorf("hbase: build scan %q/%q*: %w", t.name, prefix, err)}
			return
		}

		scanner := t.backend.client.Scan(scan)
		defer scanner.Close()

		for {
			res, err := scanner.Next()
			if err == io.EOF {
				return
			}
			if err != nil {
				out <- kv.Pair{Err: fmt.Errorf("hbase: scan %q/%q*: %w", t.name, prefix, err)}
				return
			}
			if len(res.Cells) == 0 {
				continue
			}
			c := res.Cells[0]
			pair := kv.Pair{
				Row:  string(c.Row),
				Cell: kv.Cell{Data: c.Value, Timestamp: unixNanoFromTimestamp(c.Timestamp)},
			}
			select {
			case out <- pair:
			case <-ctx.Done():
				out <- kv.Pair{Err: ctx.Err()}
				return
			}
		}
	}()

	return out
}

func (t *table) DeleteRows(ctx context.Context, rows []string) error {
	for _, row := range rows {
		del, err := hrpc.NewDelStr(ctx, t.name, row, nil)
		if err != nil {
			return fmt.Errorf("hbase: build delete %q/%q: %w", t.name, row, err)
		}
		if _, err := t.backend.client.Delete(del); err != nil {
			return fmt.Errorf("hbase: delete %q/%q: %w", t.name, row, err)
		}
	}
	return nil
}

func (t *table) DeleteColumn(ctx context.Context, row, column string) error {
	del, err := hrpc.NewDelStr(ctx, t.name, row, t.values(column, nil))
	if err != nil {
		return fmt.Errorf("hbase: build delete column %q/%q/%q: %w", t.name, row, column, err)
	}
	if _, err := t.backend.client.Delete(del); err != nil {
		return fmt.Errorf("hbase: delete column %q/%q/%q: %w", t.name, row, column, err)
	}
	return nil
}

// prefixUpperBound returns the smallest string that is strictly greater
// than every string with the given prefix, for use as a scan's exclusive
// stop row.
func prefixUpperBound(prefix string) string {
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] != 0xff {
			b[i]++
			return string(b[:i+1])
		}
	}
	return "" // prefix was all 0xff: unbounded scan
}

func timestampFromUnixNano(ts int64) uint64 {
	return uint64(ts / 1_000_000)
}

// unixNanoFromTimestamp is the inverse of timestampFromUnixNano: HBase cell
// timestamps are milliseconds since epoch on the wire, but kv.Cell.Timestamp
// is unix nanoseconds (the unit pkg/lockengine's staleness check assumes),
// so every read path must scale back up.
func unixNanoFromTimestamp(ts uint64) int64 {
	return int64(ts) * 1_000_000
}
