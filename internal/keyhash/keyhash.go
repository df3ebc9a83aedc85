// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package keyhash provides ready-made ttg.Key implementations backed
// by a fast non-cryptographic hash, for users who don't need a custom
// key type.
package keyhash

import (
	"encoding/gob"
	"fmt"
	"strconv"

	"github.com/OneOfOne/xxhash"

	"github.com/grailbio/ttg"
)

func init() {
	// These key types flow through ttg.Key-typed fields of RPC request
	// structs (e.g. exec's setArgStreamSizeRequest.Key), which gob only
	// knows how to decode into the interface's dynamic type once it has
	// been registered.
	gob.Register(StringKey(""))
	gob.Register(Int64Key(0))
	gob.Register(BytesKey{})
}

// StringKey is a ttg.Key backed by a plain string.
type StringKey string

var _ ttg.Key = StringKey("")

// Equal implements ttg.Key.
func (k StringKey) Equal(other ttg.Key) bool {
	o, ok := other.(StringKey)
	return ok && k == o
}

// Hash64 implements ttg.Key.
func (k StringKey) Hash64() uint64 { return xxhash.ChecksumString64(string(k)) }

// String implements ttg.Key.
func (k StringKey) String() string { return string(k) }

// Int64Key is a ttg.Key backed by a 64-bit integer, the most common
// key type for iterative, index-parameterized operators (see S1/S2 in
// spec.md §8).
type Int64Key int64

var _ ttg.Key = Int64Key(0)

// Equal implements ttg.Key.
func (k Int64Key) Equal(other ttg.Key) bool {
	o, ok := other.(Int64Key)
	return ok && k == o
}

// Hash64 implements ttg.Key.
func (k Int64Key) Hash64() uint64 {
	var buf [8]byte
	v := uint64(k)
	for i := 0; i < 8; i++ {
		buf[i] = byte(v)
		v >>= 8
	}
	return xxhash.Checksum64(buf[:])
}

// String implements ttg.Key.
func (k Int64Key) String() string { return strconv.FormatInt(int64(k), 10) }

// BytesKey is a ttg.Key backed by an opaque byte slice, useful for
// composite or externally-serialized keys.
type BytesKey struct{ B []byte }

var _ ttg.Key = BytesKey{}

// Equal implements ttg.Key.
func (k BytesKey) Equal(other ttg.Key) bool {
	o, ok := other.(BytesKey)
	if !ok || len(k.B) != len(o.B) {
		return false
	}
	for i := range k.B {
		if k.B[i] != o.B[i] {
			return false
		}
	}
	return true
}

// Hash64 implements ttg.Key.
func (k BytesKey) Hash64() uint64 { return xxhash.Checksum64(k.B) }

// String implements ttg.Key.
func (k BytesKey) String() string { return fmt.Sprintf("%x", k.B) }
