// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of occkey

// Package counter implements the process-local batched counter allocator of
// spec §4.3: it amortizes the backend's globally-serialized atomic-increment
// primitive by reserving a whole batch of integers at once and handing them
// out one at a time from memory.
//
// Grounded on the teacher's idpool.IDPool, which plays the same "mutex-
// guarded, process-wide allocation window" role around a different backing
// primitive (a local bitmap instead of a backend counter column).
package counter

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/darwincore/occkey/pkg/kv"
	"github.com/darwincore/occkey/pkg/logfields"
)

// Default column/row layout (spec §6): a single well-known counter row.
const (
	Row    = "1"
	Column = "counter"
)

// DefaultBatchSize is spec §6's BATCH_SIZE.
const DefaultBatchSize = 100

// ErrCounterExhausted is returned when the backend counter would overflow a
// signed 32-bit integer (spec §3, §7.3). It is fatal: the caller process
// cannot allocate any more keys.
type ErrCounterExhausted struct {
	NewMax int64
}

func (e *ErrCounterExhausted) Error() string {
	return fmt.Sprintf("counter: reserved max %d exceeds int32 range", e.NewMax)
}

// Recorder observes batch reservations for metrics. An Allocator uses a
// no-op Recorder unless WithRecorder supplies a non-nil one.
type Recorder interface {
	BatchReserved(batchSize int64)
}

type noopRecorder struct{}

func (noopRecorder) BatchReserved(int64) {}

// Allocator hands out strictly increasing integers, reserving batches from
// table via IncrementColumn as needed.
type Allocator struct {
	table     kv.Table
	batchSize int64
	logger    *slog.Logger
	recorder  Recorder

	mu                      sync.Mutex
	currentKey              int64
	maxReservedKeyInclusive int64
}

// Option configures an Allocator.
type Option func(*Allocator)

// WithBatchSize overrides DefaultBatchSize.
func WithBatchSize(n int64) Option {
	return func(a *Allocator) { a.batchSize = n }
}

// WithLogger attaches a logger; nil keeps the default.
func WithLogger(l *slog.Logger) Option {
	return func(a *Allocator) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithRecorder attaches a metrics recorder; nil keeps the no-op default.
func WithRecorder(r Recorder) Option {
	return func(a *Allocator) {
		if r != nil {
			a.recorder = r
		}
	}
}

// New returns an Allocator backed by table, which must be the counter table
// handle (spec §3's counter table).
func New(table kv.Table, opts ...Option) *Allocator {
	a := &Allocator{
		table:     table,
		batchSize: DefaultBatchSize,
		logger:    slog.Default(),
		recorder:  noopRecorder{},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// NextKey returns the next integer key, reserving a new batch from the
// backend when the current one is exhausted. It is safe for concurrent use
// by multiple goroutines within this process; it never coordinates with
// other processes beyond the single atomic IncrementColumn call used to
// claim a batch (spec §5: the counter window is process-local).
func (a *Allocator) NextKey(ctx context.Context) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.currentKey == a.maxReservedKeyInclusive {
		newMax, err := a.table.IncrementColumn(ctx, Row, Column, a.batchSize)
		if err != nil {
			return 0, fmt.Errorf("counter: reserve batch: %w", err)
		}
		if newMax > math.MaxInt32 {
			return 0, &ErrCounterExhausted{NewMax: newMax}
		}

		a.maxReservedKeyInclusive = newMax
		a.currentKey = newMax - a.batchSize

		a.logger.Debug("reserved key batch",
			logfields.BatchSize, a.batchSize,
			"newMax", newMax,
		)
		a.recorder.BatchReserved(a.batchSize)
	}

	a.currentKey++
	return a.currentKey, nil
}
