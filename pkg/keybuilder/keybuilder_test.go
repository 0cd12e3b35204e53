// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of occkey

package keybuilder

import (
	"reflect"
	"testing"
)

func TestLookupKeys(t *testing.T) {
	tests := []struct {
		name      string
		fragments []string
		scope     string
		want      []string
	}{
		{
			name:      "sorted and prefixed",
			fragments: []string{"ic|cc|cat1", "occ-42"},
			scope:     "ds1",
			want:      []string{"ds1|ic|cc|cat1", "ds1|occ-42"},
		},
		{
			name:      "empty fragments dropped",
			fragments: []string{"", "a", ""},
			scope:     "ds",
			want:      []string{"ds|a"},
		},
		{
			name:      "duplicate fragments collapse",
			fragments: []string{"a", "a", "b"},
			scope:     "ds",
			want:      []string{"ds|a", "ds|b"},
		},
		{
			name:      "order stable regardless of input order",
			fragments: []string{"z", "a", "m"},
			scope:     "ds",
			want:      []string{"ds|a", "ds|m", "ds|z"},
		},
		{
			name:      "no fragments",
			fragments: nil,
			scope:     "ds",
			want:      []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := LookupKeys(tt.fragments, tt.scope)
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("LookupKeys(%v, %q) = %v, want %v", tt.fragments, tt.scope, got, tt.want)
			}
		})
	}
}

func TestLookupKeysDeterministicAcrossCallers(t *testing.T) {
	// Two "processes" deriving lookup keys for overlapping fragment sets
	// must agree on the traversal order for the shared keys.
	a := LookupKeys([]string{"a"}, "ds")
	b := LookupKeys([]string{"b", "a"}, "ds")

	if a[0] != b[0] {
		t.Fatalf("shared fragment must occupy the same relative position: a=%v b=%v", a, b)
	}
}

func TestScopePrefix(t *testing.T) {
	if got := ScopePrefix("ds1"); got != "ds1|" {
		t.Fatalf("ScopePrefix(ds1) = %q, want %q", got, "ds1|")
	}
}

func TestFragment(t *testing.T) {
	frag, ok := Fragment("ds1|occ-42", "ds1")
	if !ok || frag != "occ-42" {
		t.Fatalf("Fragment() = %q, %v, want occ-42, true", frag, ok)
	}

	if _, ok := Fragment("ds2|occ-42", "ds1"); ok {
		t.Fatalf("Fragment() should fail for mismatched scope")
	}
}
