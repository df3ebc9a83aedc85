// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package ttg

import "reflect"

// isPointerType reports whether A is a pointer type, the signal this
// package uses to decide whether a Wrap-bound input should register
// for write (mutable, in-place) rather than read (const, shared).
func isPointerType[A any]() bool {
	var zero A
	return reflect.TypeOf(&zero).Elem().Kind() == reflect.Pointer
}

// Wrap0 adapts a zero-input operator body into an OpBase, the Go
// realization of original_source/ttg.cc's wrap(&p, edges(), edges(P2A), ...)
// for a producer. K is the key type every instance of this operator
// will be invoked with.
func Wrap0[K Key](
	fn func(key K, outs []*OutTerminal) error,
	name string, onames []string,
	keymap func(Key) int, priomap func(Key) int32,
) *OpBase {
	o := New(name, nil, onames, keymap, priomap)
	o.SetBody(func(key Key, _ []any, outs []*OutTerminal) error {
		k, ok := key.(K)
		if !ok {
			return &WiringError{Op: name, Msg: "key type mismatch in Wrap0 body"}
		}
		return fn(k, outs)
	})
	return o
}

// Wrap1 adapts a single-input operator body into an OpBase.
func Wrap1[K Key, A any](
	fn func(key K, a A, outs []*OutTerminal) error,
	name string, inames, onames []string,
	keymap func(Key) int, priomap func(Key) int32,
) *OpBase {
	o := New(name, inames, onames, keymap, priomap)
	if isPointerType[A]() {
		o.SetMutable(0)
	}
	o.SetBody(func(key Key, ins []any, outs []*OutTerminal) error {
		k, ok := key.(K)
		if !ok {
			return &WiringError{Op: name, Msg: "key type mismatch in Wrap1 body"}
		}
		a, _ := ins[0].(A)
		return fn(k, a, outs)
	})
	return o
}

// Wrap2 adapts a two-input operator body into an OpBase.
func Wrap2[K Key, A, B any](
	fn func(key K, a A, b B, outs []*OutTerminal) error,
	name string, inames, onames []string,
	keymap func(Key) int, priomap func(Key) int32,
) *OpBase {
	o := New(name, inames, onames, keymap, priomap)
	if isPointerType[A]() {
		o.SetMutable(0)
	}
	if isPointerType[B]() {
		o.SetMutable(1)
	}
	o.SetBody(func(key Key, ins []any, outs []*OutTerminal) error {
		k, ok := key.(K)
		if !ok {
			return &WiringError{Op: name, Msg: "key type mismatch in Wrap2 body"}
		}
		a, _ := ins[0].(A)
		b, _ := ins[1].(B)
		return fn(k, a, b, outs)
	})
	return o
}

// Wrap3 adapts a three-input operator body into an OpBase.
func Wrap3[K Key, A, B, C any](
	fn func(key K, a A, b B, c C, outs []*OutTerminal) error,
	name string, inames, onames []string,
	keymap func(Key) int, priomap func(Key) int32,
) *OpBase {
	o := New(name, inames, onames, keymap, priomap)
	if isPointerType[A]() {
		o.SetMutable(0)
	}
	if isPointerType[B]() {
		o.SetMutable(1)
	}
	if isPointerType[C]() {
		o.SetMutable(2)
	}
	o.SetBody(func(key Key, ins []any, outs []*OutTerminal) error {
		k, ok := key.(K)
		if !ok {
			return &WiringError{Op: name, Msg: "key type mismatch in Wrap3 body"}
		}
		a, _ := ins[0].(A)
		b, _ := ins[1].(B)
		c, _ := ins[2].(C)
		return fn(k, a, b, c, outs)
	})
	return o
}
