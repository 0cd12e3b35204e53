// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of occkey

// Package keyservice implements the Allocation Coordinator of spec §4.5:
// the public entry points (GenerateKey, FindKey, DeleteKey,
// DeleteKeyByUniques, FindKeysByScope) that compose the key builder, lock
// engine, and counter allocator into one cohesive API.
//
// Grounded on the teacher's Allocator (pkg/kvstore/allocator/allocator.go),
// which plays the identical "public facade over a lock-protected KV
// allocation scheme, with a Config+Option constructor" role.
package keyservice

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"golang.org/x/time/rate"

	"github.com/darwincore/occkey/pkg/counter"
	"github.com/darwincore/occkey/pkg/keybuilder"
	"github.com/darwincore/occkey/pkg/kv"
	"github.com/darwincore/occkey/pkg/lockengine"
	"github.com/darwincore/occkey/pkg/logfields"
)

// Constants from spec §6.
const (
	DefaultClientCaching = 200 // scan throttle rate (rows/s) and burst; not passed to the backend as a scan batch size

	// OccurrenceDatasetColumn is the occurrence-table column DeleteKey
	// consults to narrow an unscoped prefix scan to the record's dataset,
	// when the occurrence table is configured.
	OccurrenceDatasetColumn = "datasetKey"
)

// Config names the three logical tables and the column family occkey uses,
// plus tunables (spec §6). Zero-value BatchSize/ClientCaching fields fall
// back to their package defaults. Stale-lock time and retry backoff are not
// set through Config: the Coordinator's lock engine uses lockengine's
// defaults for them.
type Config struct {
	LookupTable     string
	CounterTable    string
	OccurrenceTable string
	ColumnFamily    string

	// DatasetID is the optional default scope (spec §4.5, §9): "the
	// optional per-instance datasetId is a convenience; the core contract
	// is the two-argument form."
	DatasetID string

	BatchSize     int64
	ClientCaching int
}

// Coordinator is the public entry point described in spec §4.5. It is safe
// for concurrent use by multiple goroutines, matching spec §5's "all
// coordinator operations are thread-safe" requirement.
type Coordinator struct {
	lookup     kv.Table
	occurrence kv.Table

	engine    *lockengine.Engine
	allocator *counter.Allocator

	datasetID string
	logger    *slog.Logger
	scanLimit *rate.Limiter
}

// options collects Option effects before the engine and counter allocator
// are constructed, so a single New call wires logging and metrics through
// every layer without rebuilding anything after the fact.
type options struct {
	logger  *slog.Logger
	metrics *Metrics
}

// Option configures a Coordinator.
type Option func(*options)

// WithLogger attaches a logger used by the coordinator and the components
// it constructs (the lock engine and the counter allocator).
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetrics wires m into the lock engine and counter allocator so every
// allocation attempt, protocol conflict, stale-lock takeover, fatal
// inconsistency found during allocation, and batch reservation is
// observable. Fatal inconsistencies returned by FindKey are not counted.
func WithMetrics(m *Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// New builds a Coordinator over backend using cfg.
func New(backend kv.Backend, cfg Config, opts ...Option) *Coordinator {
	if cfg.LookupTable == "" || cfg.CounterTable == "" {
		panic("keyservice: Config.LookupTable and Config.CounterTable are required")
	}

	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	batchSize := cfg.BatchSize
	if batchSize == 0 {
		batchSize = counter.DefaultBatchSize
	}
	caching := cfg.ClientCaching
	if caching == 0 {
		caching = DefaultClientCaching
	}

	lookup := backend.Table(cfg.LookupTable)
	var occurrence kv.Table
	if cfg.OccurrenceTable != "" {
		occurrence = backend.Table(cfg.OccurrenceTable)
	}

	counterOpts := []counter.Option{counter.WithBatchSize(batchSize), counter.WithLogger(o.logger)}
	engineOpts := []lockengine.Option{lockengine.WithLogger(o.logger)}
	if o.metrics != nil {
		counterOpts = append(counterOpts, counter.WithRecorder(o.metrics))
		engineOpts = append(engineOpts, lockengine.WithRecorder(o.metrics))
	}

	alloc := counter.New(backend.Table(cfg.CounterTable), counterOpts...)
	engine := lockengine.New(lookup, alloc, engineOpts...)

	return &Coordinator{
		lookup:     lookup,
		occurrence: occurrence,
		engine:     engine,
		allocator:  alloc,
		datasetID:  cfg.DatasetID,
		logger:     o.logger,
		scanLimit:  rate.NewLimiter(rate.Limit(caching), caching),
	}
}

func (c *Coordinator) resolveScope(scope string) string {
	if scope != "" {
		return scope
	}
	if c.datasetID == "" {
		panic("keyservice: no scope given and no default DatasetID configured")
	}
	return c.datasetID
}

// GenerateKey implements spec §4.4/§4.5: it returns the single integer key
// for uniqueStrings under scope, allocating a fresh one if this natural-key
// set has never been seen. scope may be "" to use the configured default.
func (c *Coordinator) GenerateKey(ctx context.Context, uniqueStrings []string, scope string) (key int64, created bool, err error) {
	scope = c.resolveScope(scope)
	lookupKeys := keybuilder.LookupKeys(uniqueStrings, scope)
	if len(lookupKeys) == 0 {
		panic("keyservice: GenerateKey called with no non-empty unique strings")
	}
	return c.engine.Allocate(ctx, lookupKeys)
}

// FindKey implements spec §4.5's read-only variant: it reads the key column
// for every derived lookup key, self-heals rows that are missing a key but
// agree with the rest, and raises a *lockengine.FatalInconsistencyError if
// two rows disagree. found is false when none of the rows carry a key yet.
func (c *Coordinator) FindKey(ctx context.Context, uniqueStrings []string, scope string) (key int64, found bool, err error) {
	scope = c.resolveScope(scope)
	lookupKeys := keybuilder.LookupKeys(uniqueStrings, scope)
	if len(lookupKeys) == 0 {
		panic("keyservice: FindKey called with no non-empty unique strings")
	}

	conflicts := make(map[string]int64)
	var missing []string
	var agreedKey int64
	agreedSet := false

	for _, lk := range lookupKeys {
		cell, gerr := c.lookup.GetColumn(ctx, lk, lockengine.ColumnKey)
		if gerr != nil {
			return 0, false, fmt.Errorf("keyservice: read key for %q: %w", lk, gerr)
		}
		if cell == nil {
			missing = append(missing, lk)
			continue
		}
		k, derr := kv.DecodeUint32(cell.Data)
		if derr != nil {
			return 0, false, fmt.Errorf("keyservice: decode key for %q: %w", lk, derr)
		}
		conflicts[lk] = int64(k)
		if !agreedSet {
			agreedKey, agreedSet = int64(k), true
		} else if agreedKey != int64(k) {
			return 0, false, &lockengine.FatalInconsistencyError{Conflicts: conflicts}
		}
	}

	if !agreedSet {
		return 0, false, nil
	}

	for _, lk := range missing {
		if perr := c.lookup.Put(ctx, lk, lockengine.ColumnKey, kv.EncodeUint32(uint32(agreedKey)), 0); perr != nil {
			return 0, false, fmt.Errorf("keyservice: self-heal %q: %w", lk, perr)
		}
		if perr := c.lookup.Put(ctx, lk, lockengine.ColumnStatus, []byte(lockengine.StatusAllocated), 0); perr != nil {
			return 0, false, fmt.Errorf("keyservice: self-heal %q: %w", lk, perr)
		}
		c.logger.Info("self-healed lookup row with missing key",
			logfields.LookupKey, lk,
			logfields.OccurrenceKey, agreedKey,
		)
	}

	return agreedKey, true, nil
}

// FindKeysByScope implements spec §4.5: it scans every lookup row under
// scope and returns the set of distinct integer keys found.
func (c *Coordinator) FindKeysByScope(ctx context.Context, scope string) ([]int64, error) {
	scope = c.resolveScope(scope)
	prefix := keybuilder.ScopePrefix(scope)

	seen := make(map[int64]struct{})
	var keys []int64
	for pair := range c.lookup.ScanByPrefix(ctx, prefix, lockengine.ColumnKey) {
		if pair.Err != nil {
			return nil, fmt.Errorf("keyservice: scan scope %q: %w", scope, pair.Err)
		}
		if err := c.scanLimit.Wait(ctx); err != nil {
			return nil, fmt.Errorf("keyservice: scan scope %q: %w", scope, err)
		}

		k, err := kv.DecodeUint32(pair.Cell.Data)
		if err != nil {
			return nil, fmt.Errorf("keyservice: decode key at %q: %w", pair.Row, err)
		}
		if _, ok := seen[int64(k)]; ok {
			continue
		}
		seen[int64(k)] = struct{}{}
		keys = append(keys, int64(k))
	}
	return keys, nil
}

// DeleteKey implements spec §4.5: it removes every lookup row carrying
// occurrenceKey, scoped to scope when known. When scope is "" and no
// default DatasetID is configured, it first tries the occurrence table (if
// configured) to recover the owning dataset, and falls back to a full-table
// scan with a warning (spec §4.5, "full table if not — emit warning").
func (c *Coordinator) DeleteKey(ctx context.Context, occurrenceKey int64, scope string) error {
	prefix, err := c.scopePrefixForDelete(ctx, occurrenceKey, scope)
	if err != nil {
		return err
	}

	var toDelete []string
	for pair := range c.lookup.ScanByPrefix(ctx, prefix, lockengine.ColumnKey) {
		if pair.Err != nil {
			return fmt.Errorf("keyservice: scan for delete: %w", pair.Err)
		}
		if err := c.scanLimit.Wait(ctx); err != nil {
			return fmt.Errorf("keyservice: scan for delete: %w", err)
		}

		k, derr := kv.DecodeUint32(pair.Cell.Data)
		if derr != nil {
			return fmt.Errorf("keyservice: decode key at %q: %w", pair.Row, derr)
		}
		if int64(k) == occurrenceKey {
			toDelete = append(toDelete, pair.Row)
		}
	}

	if len(toDelete) == 0 {
		return nil
	}
	if err := c.lookup.DeleteRows(ctx, toDelete); err != nil {
		return fmt.Errorf("keyservice: delete rows for key %d: %w", occurrenceKey, err)
	}

	if scopeFromPrefix, ok := strings.CutSuffix(prefix, keybuilder.Separator); ok {
		for _, lk := range toDelete {
			if frag, ok := keybuilder.Fragment(lk, scopeFromPrefix); ok {
				c.logger.Debug("deleted lookup row",
					logfields.OccurrenceKey, occurrenceKey,
					logfields.Scope, scopeFromPrefix,
					logfields.Fragment, frag,
				)
			}
		}
	}
	return nil
}

func (c *Coordinator) scopePrefixForDelete(ctx context.Context, occurrenceKey int64, scope string) (string, error) {
	if scope != "" {
		return keybuilder.ScopePrefix(scope), nil
	}
	if c.datasetID != "" {
		return keybuilder.ScopePrefix(c.datasetID), nil
	}

	if c.occurrence != nil {
		row := strconv.FormatInt(occurrenceKey, 10)
		cell, err := c.occurrence.GetColumn(ctx, row, OccurrenceDatasetColumn)
		if err != nil {
			return "", fmt.Errorf("keyservice: look up dataset for key %d: %w", occurrenceKey, err)
		}
		if cell != nil {
			return keybuilder.ScopePrefix(string(cell.Data)), nil
		}
	}

	c.logger.Warn("deleteKey has no scope and no dataset hint, scanning the entire lookup table",
		logfields.OccurrenceKey, occurrenceKey,
	)
	return "", nil
}

// DeleteKeyByUniques implements spec §4.5: it deletes exactly the lookup
// rows derived from uniqueStrings, with no scan.
func (c *Coordinator) DeleteKeyByUniques(ctx context.Context, uniqueStrings []string, scope string) error {
	scope = c.resolveScope(scope)
	lookupKeys := keybuilder.LookupKeys(uniqueStrings, scope)
	if len(lookupKeys) == 0 {
		panic("keyservice: DeleteKeyByUniques called with no non-empty unique strings")
	}
	if err := c.lookup.DeleteRows(ctx, lookupKeys); err != nil {
		return fmt.Errorf("keyservice: delete lookup rows: %w", err)
	}
	return nil
}
