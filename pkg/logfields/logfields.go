// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of occkey

// Package logfields defines the slog field-name constants used across
// occkey, so every component logs the same attribute under the same key
// instead of drifting to "key" here and "Key" there.
package logfields

const (
	Scope         = "scope"
	LookupKey     = "lookupKey"
	OccurrenceKey = "occurrenceKey"
	LockID        = "lockID"
	Attempt       = "attempt"
	Error         = "error"
	Table         = "table"
	Column        = "column"
	Row           = "row"
	Prefix        = "prefix"
	Duration      = "duration"
	BatchSize     = "batchSize"
	Created       = "created"
	Entries       = "entries"
	Fragment      = "fragment"
)
