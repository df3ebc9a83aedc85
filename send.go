// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package ttg

// Send emits value for key on out, the Go realization of spec.md §6's
// send<out_i>(key, value, terminals). It is meant to be called from
// within an operator's body; out.Op() must already be registered with
// a runtime (exec.World.Register).
func Send(key Key, value any, out *OutTerminal) error {
	if out.op.runtime == nil {
		return &WiringError{Op: out.op.name, Msg: "Send called on an unregistered operator"}
	}
	return out.op.runtime.Send(out.op, out.index, key, value)
}

// Broadcast emits value for every key in keys on out, the Go
// realization of spec.md §6's broadcast<out_i>(keys, value,
// terminals). Per spec.md §8's broadcast-equivalence property, this
// is observationally equivalent to calling Send for every key, except
// for message count: one active message is produced per destination
// rank instead of one per key.
func Broadcast(keys []Key, value any, out *OutTerminal) error {
	if out.op.runtime == nil {
		return &WiringError{Op: out.op.name, Msg: "Broadcast called on an unregistered operator"}
	}
	return out.op.runtime.Broadcast(out.op, out.index, keys, value)
}
