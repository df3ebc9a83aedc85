// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package ttg

import "fmt"

// BodyFunc is the canonical, untyped shape of an operator's body: it
// is handed the instance key, the bound input values in terminal
// order (already unwrapped from their DataCopy holders by the
// dispatch engine), and the operator's output terminals to Send/
// Broadcast on. Wrap0..Wrap3 adapt a typed Go function into this
// shape, the Go realization of original_source/ttg.cc's wrapt/wrap
// helpers (spec.md §9's "tagged variant per input arity" guidance).
type BodyFunc func(key Key, ins []any, outs []*OutTerminal) error

// Registrar is implemented by the runtime (exec.World) that an OpBase
// is registered against. It is the seam that lets this package stay
// free of any dependency on the dispatch engine: OpBase never imports
// exec, it only calls back through this interface once bound.
type Registrar interface {
	Invoke(op *OpBase, key Key, args []any) error
	Send(op *OpBase, outIndex int, key Key, value any) error
	Broadcast(op *OpBase, outIndex int, keys []Key, value any) error
	SetArgstreamSize(op *OpBase, inIndex int, key Key, n int) error
	FinalizeArgstream(op *OpBase, inIndex int, key Key) error
}

// OpBase is a template-task definition: spec.md's Operator. It holds
// its terminals, keymap/priomap, per-input reducers and stream goals,
// and the body function; the pending-task table and task memory pool
// that actually drive execution belong to the runtime an OpBase is
// registered with (exec.World.Register), not to OpBase itself.
type OpBase struct {
	name    string
	ins     []*InTerminal
	outs    []*OutTerminal
	keymap  func(Key) int
	priomap func(Key) int32
	body    BodyFunc

	staticGoal map[int]int

	frozen  bool
	runtime Registrar
}

// defaultPriomap assigns every key priority zero.
func defaultPriomap(Key) int32 { return 0 }

// defaultKeymap assigns every key to rank 0, suitable for
// single-process graphs and tests.
func defaultKeymap(Key) int { return 0 }

// New builds an operator with the given input/output terminal names.
// keymap and priomap may be nil, defaulting to "always rank 0" and
// "always priority 0" respectively.
func New(name string, inames, onames []string, keymap func(Key) int, priomap func(Key) int32) *OpBase {
	if keymap == nil {
		keymap = defaultKeymap
	}
	if priomap == nil {
		priomap = defaultPriomap
	}
	o := &OpBase{
		name:       name,
		keymap:     keymap,
		priomap:    priomap,
		staticGoal: make(map[int]int),
	}
	o.ins = make([]*InTerminal, len(inames))
	for i, n := range inames {
		o.ins[i] = &InTerminal{op: o, index: i, name: n, constant: true}
	}
	o.outs = make([]*OutTerminal, len(onames))
	for i, n := range onames {
		o.outs[i] = &OutTerminal{op: o, index: i, name: n}
	}
	return o
}

// Name returns the operator's diagnostic name.
func (o *OpBase) Name() string { return o.name }

// NumIns returns the operator's input arity.
func (o *OpBase) NumIns() int { return len(o.ins) }

// NumOuts returns the operator's output arity.
func (o *OpBase) NumOuts() int { return len(o.outs) }

// In returns the i'th input terminal.
func (o *OpBase) In(i int) *InTerminal { return o.ins[i] }

// Out returns the i'th output terminal.
func (o *OpBase) Out(i int) *OutTerminal { return o.outs[i] }

// Ins returns all input terminals, in declaration order.
func (o *OpBase) Ins() []*InTerminal { return o.ins }

// Outs returns all output terminals, in declaration order.
func (o *OpBase) Outs() []*OutTerminal { return o.outs }

// Keymap returns the operator's key-to-rank function.
func (o *OpBase) Keymap() func(Key) int { return o.keymap }

// Priomap returns the operator's key-to-priority function.
func (o *OpBase) Priomap() func(Key) int32 { return o.priomap }

// Body returns the operator's body function, or nil if SetBody was
// never called. MakeExecutable rejects an operator with no body, so a
// registered operator always has one.
func (o *OpBase) Body() BodyFunc { return o.body }

// SetBody installs the operator's body. Wrap0..Wrap3 call this for
// callers using the typed helper style; callers building an OpBase
// directly (the original_source/ttg.cc "manual class" style) call it
// themselves.
func (o *OpBase) SetBody(fn BodyFunc) { o.body = fn }

// SetInputReducer declares input i as a streaming input (spec.md
// §4.5): every arrival is folded via fn instead of simply binding,
// and the input's readiness is governed by a stream goal rather than
// single-arrival arity.
func (o *OpBase) SetInputReducer(i int, fn ReducerFunc) {
	o.ins[i].reducer = fn
	if _, ok := o.staticGoal[i]; !ok {
		o.staticGoal[i] = 1
	}
}

// SetMutable marks input i as non-const: the dispatch engine
// register-for-writes its DataCopy instead of register-for-reading
// it, giving the body exclusive, in-place-mutable access (spec.md
// §4.2's writer-isolation invariant).
func (o *OpBase) SetMutable(i int) { o.ins[i].constant = false }

// SetStaticArgstreamSize sets the default stream goal used for every
// key of input i that never receives an explicit per-key
// SetArgstreamSize call.
func (o *OpBase) SetStaticArgstreamSize(i int, n int) {
	o.staticGoal[i] = n
}

// StaticArgstreamSize returns the default stream goal for input i, or
// (0, false) if none was set (non-streaming input).
func (o *OpBase) StaticArgstreamSize(i int) (int, bool) {
	n, ok := o.staticGoal[i]
	return n, ok
}

// MakeExecutable freezes the operator's wiring and verifies it: the
// operator must have a body, and every declared output must have at
// least one connection. Inputs are not checked; an input with no edge
// is accepted. This is the Go
// realization of original_source/ttg.cc's TTGVerify/TTGTraverse pass,
// run once up front instead of failing lazily at the first dangling
// Send.
//
// MakeExecutable only verifies local wiring; it does not talk to any
// runtime. Pair it with exec.World.Register to actually activate
// dispatch for this operator.
func (o *OpBase) MakeExecutable() error {
	if o.frozen {
		return nil
	}
	if o.body == nil {
		return &WiringError{Op: o.name, Msg: "no body set"}
	}
	for _, out := range o.outs {
		if len(out.conns) == 0 {
			return &WiringError{Op: o.name, Msg: fmt.Sprintf("output %q is unterminated", out.name)}
		}
	}
	o.frozen = true
	return nil
}

// Frozen reports whether MakeExecutable has run.
func (o *OpBase) Frozen() bool { return o.frozen }

// BindRuntime attaches the registrar that will actually execute this
// operator's body and route its sends. Called once by
// exec.World.Register.
func (o *OpBase) BindRuntime(r Registrar) { o.runtime = r }

// Runtime returns the registrar this operator is bound to, or nil if
// it has not been registered with a World yet.
func (o *OpBase) Runtime() Registrar { return o.runtime }

// Invoke injects an initial task instance for key, the entry point
// for a root operator (spec.md §6's Op::invoke). args are bound to
// the operator's inputs in order; a void-keyed, zero-input operator
// is invoked with Invoke(Void).
func (o *OpBase) Invoke(key Key, args ...any) error {
	if o.runtime == nil {
		return &WiringError{Op: o.name, Msg: "Invoke called before the operator was registered with a World"}
	}
	return o.runtime.Invoke(o, key, args)
}

// WiringError is a fatal, graph-build-time error (spec.md §7): arity
// mismatch, an unterminated output, or a double-set non-stream input.
type WiringError struct {
	Op  string
	Msg string
}

func (e *WiringError) Error() string { return fmt.Sprintf("ttg: op %q: %s", e.Op, e.Msg) }
