// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of occkey

package kv

import (
	"encoding/binary"
	"fmt"
)

// EncodeUint32 packs v as a big-endian 4-byte cell value. Spec §6 requires
// this exact on-wire layout for the occurrence-key column so that existing
// deployments reading the lookup table directly keep working.
func EncodeUint32(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

// DecodeUint32 is the inverse of EncodeUint32.
func DecodeUint32(b []byte) (uint32, error) {
	if len(b) != 4 {
		return 0, fmt.Errorf("kv: expected 4-byte big-endian uint32, got %d bytes", len(b))
	}
	return binary.BigEndian.Uint32(b), nil
}
