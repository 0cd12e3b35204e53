// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of occkey

// Package keybuilder canonicalizes a set of natural-key fragments plus a
// scope into the sorted, order-stable set of lookup keys the rest of occkey
// operates on.
package keybuilder

import (
	"sort"
	"strings"
)

// Separator joins a scope and a fragment into a lookup key.
const Separator = "|"

// LookupKeys derives the canonical, sorted set of fully-qualified lookup
// keys for the given natural-key fragments under scope. Empty fragments are
// dropped. Duplicate fragments collapse to a single lookup key.
//
// The sort is mandatory, not cosmetic: two processes racing to allocate
// overlapping fragment sets must visit their shared lookup keys in the same
// order, or the lock protocol engine's canonical-order deadlock-freedom
// argument (spec §4.4) does not hold.
func LookupKeys(fragments []string, scope string) []string {
	seen := make(map[string]struct{}, len(fragments))
	keys := make([]string, 0, len(fragments))

	for _, f := range fragments {
		if f == "" {
			continue
		}
		key := scope + Separator + f
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
	}

	sort.Strings(keys)
	return keys
}

// ScopePrefix returns the prefix all lookup keys within scope share, for use
// with a backend prefix scan.
func ScopePrefix(scope string) string {
	return scope + Separator
}

// Fragment strips the scope prefix from a lookup key, returning the raw
// natural-key fragment. It is the inverse of the per-fragment half of
// LookupKeys for a known scope.
func Fragment(lookupKey, scope string) (string, bool) {
	prefix := ScopePrefix(scope)
	if !strings.HasPrefix(lookupKey, prefix) {
		return "", false
	}
	return lookupKey[len(prefix):], true
}
