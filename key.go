// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package ttg

// Key is the opaque, user-supplied key type that parameterizes an
// operator instance. Implementations must have total equality, a
// cheap copy, and a stable 64-bit hash: the runtime uses the hash to
// shard the pending-task table (see internal/pendingtask) and to
// choose a task's owning rank via an operator's keymap.
type Key interface {
	// Equal reports whether k and other identify the same task
	// instance.
	Equal(other Key) bool
	// Hash64 returns a 64-bit hash of k. It must agree with Equal:
	// k.Equal(k2) implies k.Hash64() == k2.Hash64().
	Hash64() uint64
	// String returns a printable form, used only for logging and
	// debug output.
	String() string
}

// voidKey is the distinguished key used by operators that have
// exactly one instance (arity-0 producers, terminal consumers). All
// voidKey values compare equal and hash to the same bucket.
type voidKey struct{}

// Void is the key shared by every instance of a void-keyed operator.
var Void Key = voidKey{}

func (voidKey) Equal(other Key) bool {
	_, ok := other.(voidKey)
	return ok
}

func (voidKey) Hash64() uint64 { return 0 }

func (voidKey) String() string { return "<void>" }

// IsVoid reports whether k is the void key.
func IsVoid(k Key) bool {
	_, ok := k.(voidKey)
	return ok
}
