// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package ttg

// ReducerFunc folds a newly arrived value into an input's existing
// accumulator, under the pending-task table's bucket lock (spec.md
// §4.5). It must be fast and need not be commutative, but must be
// associative across the arrival order.
type ReducerFunc func(acc, next any) (any, error)

// InputCallbacks are the callbacks an InTerminal exposes to the
// dispatch engine (exec.World), per spec.md §3's Terminal definition.
// They are wired up by exec.World.Register when an operator is
// registered; a freshly constructed InTerminal has all of them nil.
type InputCallbacks struct {
	// Send binds a single value to this input for key.
	Send func(key Key, value any) error
	// SetSize declares the stream goal for key on this input.
	SetSize func(key Key, n int) error
	// Finalize forces immediate release of key's stream on this
	// input, regardless of size.
	Finalize func(key Key) error
}

// InTerminal is an operator's input endpoint: spec.md's Terminal in
// its Input form. Index is the input's position in the operator's
// argument list; Name is for diagnostics and dot-free debug dumps.
type InTerminal struct {
	op       *OpBase
	index    int
	name     string
	reducer  ReducerFunc
	cb       InputCallbacks
	wired    bool // has at least one Edge connected to it
	constant bool // const inputs register-for-read; non-const register-for-write
}

// Op returns the operator that owns this terminal.
func (t *InTerminal) Op() *OpBase { return t.op }

// Index returns the terminal's position in its operator's input list.
func (t *InTerminal) Index() int { return t.index }

// Name returns the terminal's diagnostic name.
func (t *InTerminal) Name() string { return t.name }

// IsStream reports whether a reducer has been registered for this
// input (spec.md §4.5).
func (t *InTerminal) IsStream() bool { return t.reducer != nil }

// Reducer returns the input's reducer, or nil for a non-streaming
// input.
func (t *InTerminal) Reducer() ReducerFunc { return t.reducer }

// Constant reports whether this input registers for read (true,
// default) or write (false, see OpBase.SetMutable).
func (t *InTerminal) Constant() bool { return t.constant }

// Wired reports whether at least one Edge terminates at this input.
func (t *InTerminal) Wired() bool { return t.wired }

// Bind attaches the dispatch-engine callbacks for this input. Called
// once by exec.World.Register.
func (t *InTerminal) Bind(cb InputCallbacks) { t.cb = cb }

// Callbacks returns the bound callbacks, for use by the runtime that
// owns this terminal's Bind call.
func (t *InTerminal) Callbacks() InputCallbacks { return t.cb }

// OutTerminal is an operator's output endpoint: spec.md's Terminal in
// its Output form, fanning out to every connected InTerminal.
type OutTerminal struct {
	op    *OpBase
	index int
	name  string
	conns []*InTerminal
}

// Op returns the operator that owns this terminal.
func (t *OutTerminal) Op() *OpBase { return t.op }

// Index returns the terminal's position in its operator's output list.
func (t *OutTerminal) Index() int { return t.index }

// Name returns the terminal's diagnostic name.
func (t *OutTerminal) Name() string { return t.name }

// Connections returns the input terminals this output fans out to.
// The returned slice must not be mutated; use Connect.
func (t *OutTerminal) Connections() []*InTerminal { return t.conns }
