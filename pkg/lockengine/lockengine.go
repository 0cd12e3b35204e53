// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of occkey

// Package lockengine implements the per-lookup-key ALLOCATING → ALLOCATED
// state machine of spec §4.4: the distributed, optimistic lock protocol
// that lets N processes race to assign exactly one integer key to a set of
// natural-key lookup rows, with stale-lock takeover and retry-on-conflict.
//
// Grounded on the teacher's Allocator.lockedAllocate/AllocateID/
// AcquireReference (pkg/kvstore/allocator/allocator.go): the same shape of
// "CAS for a lock, read-or-create the mapping, release the lock" critical
// section, adapted from etcd leases to spec §3's cell-timestamp lock
// tokens and from the teacher's master/slave key scheme to spec §3's single
// lookup row carrying lock/key/status columns.
package lockengine

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/google/uuid"

	"github.com/darwincore/occkey/pkg/kv"
	"github.com/darwincore/occkey/pkg/logfields"
)

// Lookup-row column names and the one persisted status value, fixed by
// spec §6 for backward compatibility with existing deployments.
const (
	ColumnLock   = "lock"
	ColumnKey    = "k"
	ColumnStatus = "status"

	StatusAllocated = "ALLOCATED"
)

// Defaults from spec §6.
const (
	DefaultStaleLockTime   = 5 * time.Minute
	DefaultWaitBeforeRetry = 5 * time.Second
	DefaultWaitSkew        = 4 * time.Second
)

// KeyAllocator is the single method lockengine needs from the counter
// allocator (spec §4.3); a narrow interface so lockengine's tests don't need
// a real counter.Allocator.
type KeyAllocator interface {
	NextKey(ctx context.Context) (int64, error)
}

// Recorder observes protocol events for metrics. An Engine uses a no-op
// Recorder unless WithRecorder supplies a non-nil one, so passing a
// Recorder is never required.
type Recorder interface {
	AllocationAttempt()
	ProtocolConflict()
	StaleLockTakeover()
	FatalInconsistency()
}

type noopRecorder struct{}

func (noopRecorder) AllocationAttempt()  {}
func (noopRecorder) ProtocolConflict()   {}
func (noopRecorder) StaleLockTakeover()  {}
func (noopRecorder) FatalInconsistency() {}

// FatalInconsistencyError is spec §7.2: two or more lookup keys that are
// supposed to name the same occurrence record carry conflicting ALLOCATED
// integer keys. State is not mutated when this is returned.
type FatalInconsistencyError struct {
	Conflicts map[string]int64 // lookup key -> occurrence key
}

func (e *FatalInconsistencyError) Error() string {
	return fmt.Sprintf("lockengine: conflicting allocated keys across natural-key set: %v", e.Conflicts)
}

// Engine runs the allocation algorithm of spec §4.4 over one lookup table.
type Engine struct {
	table     kv.Table
	allocator KeyAllocator
	logger    *slog.Logger
	recorder  Recorder

	staleLockTime   time.Duration
	waitBeforeRetry time.Duration
	waitSkew        time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

func WithStaleLockTime(d time.Duration) Option {
	return func(e *Engine) { e.staleLockTime = d }
}

func WithRetryBackoff(wait, skew time.Duration) Option {
	return func(e *Engine) {
		e.waitBeforeRetry = wait
		e.waitSkew = skew
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

func WithRecorder(r Recorder) Option {
	return func(e *Engine) {
		if r != nil {
			e.recorder = r
		}
	}
}

// New returns an Engine over the lookup table, reserving new integers from
// allocator when a natural-key set has never been seen before.
func New(table kv.Table, allocator KeyAllocator, opts ...Option) *Engine {
	e := &Engine{
		table:           table,
		allocator:       allocator,
		logger:          slog.Default(),
		recorder:        noopRecorder{},
		staleLockTime:   DefaultStaleLockTime,
		waitBeforeRetry: DefaultWaitBeforeRetry,
		waitSkew:        DefaultWaitSkew,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Allocate runs spec §4.4's algorithm to completion: it retries protocol
// conflicts indefinitely with randomized backoff (spec §5) until either a
// key is resolved, a fatal inconsistency is detected, or ctx is cancelled.
// lookupKeys must already be in canonical sorted order (pkg/keybuilder
// guarantees this); Allocate does not re-sort, since doing so is the
// caller's job exactly once rather than every retry.
func (e *Engine) Allocate(ctx context.Context, lookupKeys []string) (key int64, created bool, err error) {
	if len(lookupKeys) == 0 {
		panic("lockengine: Allocate called with no lookup keys")
	}

	for attempt := 0; ; attempt++ {
		e.recorder.AllocationAttempt()

		key, created, done, err := e.attempt(ctx, lookupKeys)
		if done {
			return key, created, err
		}

		e.logger.Debug("allocation attempt lost a race, retrying",
			logfields.Attempt, attempt,
		)
		e.recorder.ProtocolConflict()

		if werr := e.waitBackoff(ctx); werr != nil {
			return 0, false, werr
		}
	}
}

// attempt runs one pass of spec §4.4 steps 1–7. done is false exactly when
// the attempt lost a lock race and should be retried after backoff; in that
// case err is always nil (protocol conflicts are never surfaced, spec §7.1).
func (e *Engine) attempt(ctx context.Context, lookupKeys []string) (key int64, created bool, done bool, err error) {
	lockID := uuid.New()
	lockIDBytes := lockID[:]

	var acquired []string // lookup keys this attempt put into ALLOCATING
	existingKeyMap := make(map[string]int64)
	foundKey, foundKeySet := int64(0), false

	release := func() {
		for _, lk := range acquired {
			if derr := e.table.DeleteColumn(context.Background(), lk, ColumnLock); derr != nil {
				e.logger.Warn("failed to release lock, will self-heal via stale-lock takeover",
					logfields.LookupKey, lk,
					logfields.Error, derr,
				)
			}
		}
	}

	for _, lk := range lookupKeys {
		row, gerr := e.table.Get(ctx, lk)
		if gerr != nil {
			release()
			return 0, false, true, fmt.Errorf("lockengine: read %q: %w", lk, gerr)
		}

		if status, ok := row[ColumnStatus]; ok && string(status.Data) == StatusAllocated {
			keyCell, ok := row[ColumnKey]
			if !ok {
				release()
				return 0, false, true, fmt.Errorf("lockengine: row %q is ALLOCATED with no key column", lk)
			}
			k, derr := kv.DecodeUint32(keyCell.Data)
			if derr != nil {
				release()
				return 0, false, true, fmt.Errorf("lockengine: row %q: %w", lk, derr)
			}

			existingKeyMap[lk] = int64(k)
			if !foundKeySet {
				foundKey, foundKeySet = int64(k), true
			} else if foundKey != int64(k) {
				release()
				e.recorder.FatalInconsistency()
				return 0, false, true, &FatalInconsistencyError{Conflicts: existingKeyMap}
			}
			continue
		}

		lockCell, hasLock := row[ColumnLock]
		switch {
		case !hasLock:
			ok, perr := e.table.CheckAndPut(ctx, lk, ColumnLock, lockIDBytes, ColumnLock, nil)
			if perr != nil {
				release()
				return 0, false, true, fmt.Errorf("lockengine: acquire lock %q: %w", lk, perr)
			}
			if !ok {
				release()
				return 0, false, false, nil
			}
			acquired = append(acquired, lk)

		case time.Since(time.Unix(0, lockCell.Timestamp)) > e.staleLockTime:
			ok, perr := e.table.CheckAndPut(ctx, lk, ColumnLock, lockIDBytes, ColumnLock, lockCell.Data)
			if perr != nil {
				release()
				return 0, false, true, fmt.Errorf("lockengine: take over stale lock %q: %w", lk, perr)
			}
			if !ok {
				release()
				return 0, false, false, nil
			}
			acquired = append(acquired, lk)
			e.recorder.StaleLockTakeover()
			e.logger.Warn("took over stale lock", logfields.LookupKey, lk)

		default:
			release()
			return 0, false, false, nil
		}
	}

	if foundKeySet {
		key, created = foundKey, false
	} else {
		key, err = e.allocator.NextKey(ctx)
		if err != nil {
			release()
			return 0, false, true, fmt.Errorf("lockengine: allocate new key: %w", err)
		}
		created = true
	}

	// Key before status: an observer must never see ALLOCATED without a
	// key (spec §4.4 step 5, invariant 1). The two puts are intentionally
	// not atomic — a writer dying between them leaves a self-healing HELD
	// row that the next reader either waits out or takes over.
	for _, lk := range acquired {
		if perr := e.table.Put(ctx, lk, ColumnKey, kv.EncodeUint32(uint32(key)), 0); perr != nil {
			release()
			return key, created, true, fmt.Errorf("lockengine: write key for %q: %w", lk, perr)
		}
		if perr := e.table.Put(ctx, lk, ColumnStatus, []byte(StatusAllocated), 0); perr != nil {
			release()
			return key, created, true, fmt.Errorf("lockengine: write status for %q: %w", lk, perr)
		}
	}

	release()
	return key, created, true, nil
}

// waitBackoff sleeps WAIT_BEFORE_RETRY_MS ± uniform(0, WAIT_SKEW), or
// returns ctx.Err() if ctx is cancelled first. spec §9 leaves cancellation
// during this wait unresolved upstream; this repo resolves it by making the
// wait cancellable via ctx. The counter allocator's mutex wait is not
// cancellable.
func (e *Engine) waitBackoff(ctx context.Context) error {
	skew, err := randSignedDuration(e.waitSkew)
	if err != nil {
		skew = 0
	}

	wait := e.waitBeforeRetry + skew
	if wait < 0 {
		wait = 0
	}

	select {
	case <-time.After(wait):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// randSignedDuration draws uniformly from [-max, max], matching spec §5's
// "WAIT_BEFORE_RETRY_MS ± uniform(0, WAIT_SKEW)" jitter.
func randSignedDuration(max time.Duration) (time.Duration, error) {
	if max <= 0 {
		return 0, nil
	}
	n, err := rand.Int(rand.Reader, big.NewInt(2*int64(max)+1))
	if err != nil {
		return 0, err
	}
	return time.Duration(n.Int64() - int64(max)), nil
}
