// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"fmt"
	"runtime/debug"
	"sync/atomic"

	"github.com/grailbio/base/backgroundcontext"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/limitbuf"
	"github.com/grailbio/base/log"
	"golang.org/x/sync/errgroup"

	"github.com/grailbio/ttg"
	"github.com/grailbio/ttg/internal/datacopy"
	"github.com/grailbio/ttg/internal/pendingtask"
)

// Invoke implements ttg.Registrar: it injects a task instance with
// every input preloaded (args must hold exactly one value per input),
// delivering each through the input's callbacks rather than through an
// upstream Send. This is spec.md §6's Op::invoke, the entry point for a
// graph's root operators.
func (w *World) Invoke(op *ttg.OpBase, key ttg.Key, args []any) error {
	if !w.executed() {
		return &ttg.WiringError{Op: op.Name(), Msg: "Invoke called before World.Execute armed the taskpool epoch"}
	}
	r, ok := w.registered(op.Name())
	if !ok {
		return &ttg.WiringError{Op: op.Name(), Msg: "Invoke called before the operator was registered"}
	}
	if op.NumIns() == 0 {
		b := r.table.BucketFor(key)
		b.Lock()
		task, isNew := b.FindOrInsert(key, func() *pendingtask.PartialTask { return r.table.NewPartialTask(key) })
		if isNew {
			task.Priority = op.Priomap()(key)
			w.term.taskCreated()
			tasksCreatedTotal.WithLabelValues(op.Name()).Inc()
		}
		b.Remove(key)
		b.Unlock()
		w.sched.push(op.Name(), task, task.Priority)
		return nil
	}
	if len(args) != op.NumIns() {
		return &ttg.WiringError{Op: op.Name(), Msg: "Invoke called with the wrong number of arguments"}
	}
	for i, a := range args {
		if err := op.In(i).Callbacks().Send(key, a); err != nil {
			return err
		}
	}
	return nil
}

// Send implements ttg.Registrar: it fans value out to every InTerminal
// connected to op's outIndex'th output, locally binding it into each
// destination's pending task or, for a destination whose keymap routes
// key to another rank, shipping it as an active message (spec.md §4.4,
// §6).
func (w *World) Send(op *ttg.OpBase, outIndex int, key ttg.Key, value any) error {
	return w.fanout(op.Out(outIndex), []ttg.Key{key}, value)
}

// Broadcast implements ttg.Registrar. Per spec.md §8's
// broadcast-equivalence property it must be observationally equivalent
// to calling Send for every key in keys; this implementation differs
// from that loop only in producing a single active message per
// destination rank rather than one per key.
func (w *World) Broadcast(op *ttg.OpBase, outIndex int, keys []ttg.Key, value any) error {
	return w.fanout(op.Out(outIndex), keys, value)
}

// fanout is the shared body of Send and Broadcast: out.Connections()
// may include both local and remote destinations, and a single value
// may need to be shared (refcounted) across several local consumer
// instances without being copied, per spec.md §4.2.
func (w *World) fanout(out *ttg.OutTerminal, keys []ttg.Key, value any) error {
	conns := out.Connections()
	if len(conns) == 0 {
		return nil
	}
	dc := datacopy.Create(value)
	remoteByRank := map[int][]remoteTarget{}
	for _, in := range conns {
		for _, key := range keys {
			rank := in.Op().Keymap()(key)
			if rank == w.rank || w.machines == nil {
				if err := w.deliverShared(in, key, dc); err != nil {
					datacopy.Release(dc)
					return err
				}
				continue
			}
			remoteByRank[rank] = append(remoteByRank[rank], remoteTarget{Op: in.Op().Name(), Index: in.Index(), Key: key})
		}
	}
	datacopy.Release(dc)
	if len(remoteByRank) == 0 {
		return nil
	}
	// Every rank's send is independent, so they go out concurrently
	// rather than serialized one rank at a time, the same shape
	// bigmachineExecutor.Run uses errgroup for when committing several
	// machines' combiner output in parallel.
	g, _ := errgroup.WithContext(backgroundcontext.Get())
	for rank, targets := range remoteByRank {
		rank, targets := rank, targets
		g.Go(func() error { return w.sendRemote(rank, targets, value) })
	}
	return g.Wait()
}

// remoteTarget is exported field-for-field because it travels inside
// setArgRequest.Targets over bigmachine's gob-based RPC codec, which
// silently drops unexported struct fields.
type remoteTarget struct {
	Op    string
	Index int
	Key   ttg.Key
}

// deliverShared registers a new reader or writer of dc for in's slot
// and binds the result, the fan-out path that exercises
// internal/datacopy's reader/writer discipline.
func (w *World) deliverShared(in *ttg.InTerminal, key ttg.Key, dc *datacopy.DataCopy) error {
	if in.Constant() {
		regDC, err := datacopy.RegisterForRead(dc)
		if err != nil {
			return err
		}
		return w.bindArrival(in.Op(), in.Index(), key, regDC, false)
	}
	op, idx := in.Op(), in.Index()
	regDC, deferred, err := datacopy.RegisterForWrite(dc, func(ready *datacopy.DataCopy) {
		if err := w.bindArrival(op, idx, key, ready, true); err != nil {
			log.Error.Printf("exec: deferred writer bind for %s[%d] failed: %v", op.Name(), idx, err)
		}
	})
	if err != nil {
		return err
	}
	if deferred {
		w.reserveDeferredSlot(op, key)
		return nil
	}
	return w.bindArrival(op, idx, key, regDC, false)
}

// inputArrived is the InputCallbacks.Send implementation bound by
// World.Register: the single front door for delivering a fresh,
// singly-owned value into one operator input, used by Invoke and by
// the remote active-message handler, neither of which has an
// already-refcounted DataCopy to share.
func (w *World) inputArrived(op *ttg.OpBase, inIndex int, key ttg.Key, value any) error {
	in := op.In(inIndex)
	dc := datacopy.Create(value)
	if in.Constant() {
		return w.bindArrival(op, inIndex, key, dc, false)
	}
	regDC, deferred, err := datacopy.RegisterForWrite(dc, func(ready *datacopy.DataCopy) {
		if err := w.bindArrival(op, inIndex, key, ready, true); err != nil {
			log.Error.Printf("exec: deferred writer bind for %s[%d] failed: %v", op.Name(), inIndex, err)
		}
	})
	if err != nil {
		return err
	}
	if deferred {
		w.reserveDeferredSlot(op, key)
		return nil
	}
	return w.bindArrival(op, inIndex, key, regDC, false)
}

func (w *World) deliverSetSize(op *ttg.OpBase, inIndex int, key ttg.Key, n int) error {
	return w.SetArgstreamSize(op, inIndex, key, n)
}

func (w *World) deliverFinalize(op *ttg.OpBase, inIndex int, key ttg.Key) error {
	return w.FinalizeArgstream(op, inIndex, key)
}

// newTaskFunc returns the constructor FindOrInsert uses to materialize
// a not-yet-seen key in op's pending-task table.
func (w *World) newTaskFunc(r *registeredOp, key ttg.Key) func() *pendingtask.PartialTask {
	return func() *pendingtask.PartialTask { return r.table.NewPartialTask(key) }
}

// reserveDeferredSlot marks that inIndex's value for key will arrive
// later, once a deferred writer registration resolves (spec.md §9):
// it must still materialize the task and count it against the
// termination detector now, so Fence does not declare quiescence while
// the deferred write is outstanding.
func (w *World) reserveDeferredSlot(op *ttg.OpBase, key ttg.Key) {
	r, ok := w.registered(op.Name())
	if !ok {
		log.Error.Printf("exec: reserveDeferredSlot for unregistered op %q", op.Name())
		return
	}
	b := r.table.BucketFor(key)
	b.Lock()
	task, isNew := b.FindOrInsert(key, w.newTaskFunc(r, key))
	if isNew {
		task.Priority = op.Priomap()(key)
		w.term.taskCreated()
		tasksCreatedTotal.WithLabelValues(op.Name()).Inc()
	}
	task.DeferredSlots++
	b.Unlock()
}

// bindArrival binds dc into op's pending task for key at inIndex,
// folding it through the input's reducer if it is a streaming input,
// and schedules the task once every slot is filled and no deferred
// writer remains outstanding (spec.md §4.3).
func (w *World) bindArrival(op *ttg.OpBase, inIndex int, key ttg.Key, dc *datacopy.DataCopy, wasDeferred bool) error {
	r, ok := w.registered(op.Name())
	if !ok {
		return &ttg.WiringError{Op: op.Name(), Msg: "arrival for an unregistered operator"}
	}
	if w.cfg.TraceAll {
		log.Debug.Printf("exec: arrival %s[%d](%v) deferred=%v", op.Name(), inIndex, key, wasDeferred)
	}
	in := op.In(inIndex)
	b := r.table.BucketFor(key)
	b.Lock()

	task, isNew := b.FindOrInsert(key, w.newTaskFunc(r, key))
	if isNew {
		task.Priority = op.Priomap()(key)
		w.term.taskCreated()
		tasksCreatedTotal.WithLabelValues(op.Name()).Inc()
	}

	var bindErr error
	switch {
	case in.IsStream():
		bindErr = foldStream(op, in, task, inIndex, dc)
	case wasDeferred:
		task.DeferredSlots--
		task.InData[inIndex] = dc
		atomic.AddInt32(&task.InCount, 1)
	case task.InData[inIndex] != nil:
		bindErr = &ttg.WiringError{Op: op.Name(), Msg: "non-streaming input received more than one value for the same key"}
	default:
		task.InData[inIndex] = dc
		atomic.AddInt32(&task.InCount, 1)
	}

	ready := bindErr == nil && task.Ready()
	if ready {
		b.Remove(key)
	}
	b.Unlock()

	if bindErr != nil {
		return bindErr
	}
	if ready {
		w.sched.push(op.Name(), task, task.Priority)
	}
	return nil
}

// foldStream merges dc's value into a streaming input's accumulator
// (spec.md §4.5), running the input's reducer under the caller's
// bucket lock.
func foldStream(op *ttg.OpBase, in *ttg.InTerminal, task *pendingtask.PartialTask, inIndex int, dc *datacopy.DataCopy) error {
	st := &task.Stream[inIndex]
	if !task.FirstArrival[inIndex] {
		task.FirstArrival[inIndex] = true
		task.InData[inIndex] = dc
		st.Size = 1
		if goal, ok := op.StaticArgstreamSize(inIndex); ok && st.Goal == 0 {
			st.Goal = goal
		}
	} else {
		merged, err := in.Reducer()(task.InData[inIndex].Value(), dc.Value())
		if err != nil {
			return errors.E(errors.Invalid, err, "exec: stream reducer failed")
		}
		datacopy.Set(task.InData[inIndex], merged)
		datacopy.Release(dc)
		st.Size++
	}
	if st.Goal > 0 && st.Size == st.Goal {
		atomic.AddInt32(&task.InCount, 1)
	}
	return nil
}

// SetArgstreamSize implements ttg.Registrar (spec.md §4.5): it
// declares, for a specific key, how many values input inIndex should
// expect before its stream is considered complete.
func (w *World) SetArgstreamSize(op *ttg.OpBase, inIndex int, key ttg.Key, n int) error {
	r, ok := w.registered(op.Name())
	if !ok {
		return &ttg.WiringError{Op: op.Name(), Msg: "SetArgstreamSize on an unregistered operator"}
	}
	b := r.table.BucketFor(key)
	b.Lock()
	task, isNew := b.FindOrInsert(key, w.newTaskFunc(r, key))
	if isNew {
		task.Priority = op.Priomap()(key)
		w.term.taskCreated()
		tasksCreatedTotal.WithLabelValues(op.Name()).Inc()
	}
	st := &task.Stream[inIndex]
	wasComplete := st.Goal > 0 && st.Size >= st.Goal
	st.Goal = n
	nowComplete := task.FirstArrival[inIndex] && st.Goal > 0 && st.Size >= st.Goal
	if nowComplete && !wasComplete {
		atomic.AddInt32(&task.InCount, 1)
	}
	ready := task.Ready()
	if ready {
		b.Remove(key)
	}
	b.Unlock()
	if ready {
		w.sched.push(op.Name(), task, task.Priority)
	}
	return nil
}

// FinalizeArgstream implements ttg.Registrar (spec.md §4.5): it closes
// input inIndex's stream for key immediately, at whatever size it has
// currently accumulated. It fails if the input never received a
// value, matching original_source/ttg.h's assertion that a stream
// input must be touched before it can be finalized.
func (w *World) FinalizeArgstream(op *ttg.OpBase, inIndex int, key ttg.Key) error {
	r, ok := w.registered(op.Name())
	if !ok {
		return &ttg.WiringError{Op: op.Name(), Msg: "FinalizeArgstream on an unregistered operator"}
	}
	b := r.table.BucketFor(key)
	b.Lock()
	task, found := b.Find(key)
	if !found || !task.FirstArrival[inIndex] {
		b.Unlock()
		return &ttg.WiringError{Op: op.Name(), Msg: "FinalizeArgstream called on an input that never received a value"}
	}
	st := &task.Stream[inIndex]
	wasComplete := st.Goal > 0 && st.Size >= st.Goal
	st.Goal = st.Size
	if !wasComplete {
		atomic.AddInt32(&task.InCount, 1)
	}
	ready := task.Ready()
	if ready {
		b.Remove(key)
	}
	b.Unlock()
	if ready {
		w.sched.push(op.Name(), task, task.Priority)
	}
	return nil
}

// handleMessage replays a previously stashed activeMessage once its
// target operator has registered.
func (w *World) handleMessage(am activeMessage) error {
	op, ok := w.opByName(am.OpName)
	if !ok {
		return &ttg.WiringError{Op: am.OpName, Msg: "replay of stashed message for an operator that is still unregistered"}
	}
	cb := op.In(am.InIndex).Callbacks()
	switch am.Kind {
	case amSetArg:
		return cb.Send(am.Key, am.Value)
	case amSetArgStreamSize:
		return cb.SetSize(am.Key, am.StreamN)
	case amFinalizeArgstream:
		return cb.Finalize(am.Key)
	default:
		return &ttg.WiringError{Op: am.OpName, Msg: "unknown stashed active-message kind"}
	}
}

// runTask executes a ready task's body and releases every input slot
// it held, the scheduler's per-worker entry point (spec.md §6).
func (w *World) runTask(opName string, task *pendingtask.PartialTask) {
	r, ok := w.registered(opName)
	if !ok {
		log.Error.Printf("exec: runnable task for unregistered op %q dropped", opName)
		w.term.taskCompleted()
		tasksCompletedTotal.WithLabelValues(opName).Inc()
		return
	}
	op := r.op
	ins := make([]any, task.NumIns())
	for i, dc := range task.InData {
		if dc != nil {
			ins[i] = dc.Value()
		}
	}
	st := w.status.Startf("%s(%v)", opName, task.Key)
	defer st.Done()
	if err := w.invokeBody(op, task.Key, ins); err != nil {
		log.Fatalf("exec: task %s(%v) failed: %v", opName, task.Key, err)
	}
	for i, in := range op.Ins() {
		dc := task.InData[i]
		if dc == nil {
			continue
		}
		if !in.Constant() {
			datacopy.ResetAfterWrite(dc)
		}
		if w.cfg.TraceAll {
			log.Debug.Printf("exec: release %s[%d](%v)", opName, i, task.Key)
		}
		datacopy.Release(dc)
	}
	r.table.Release(task)
	w.term.taskCompleted()
	tasksCompletedTotal.WithLabelValues(opName).Inc()
}

// invokeBody calls op's body function, recovering a panic into an
// error instead of taking down the worker goroutine, the same
// protection bigmachineExecutor.runTask gives a slice task's
// evaluation in psampaz-bigslice/exec/bigmachine.go. The panic value
// is truncated through limitbuf before it goes into the error message,
// since a body can panic with an arbitrarily large value (e.g. the
// very data it was just handed).
func (w *World) invokeBody(op *ttg.OpBase, key ttg.Key, ins []any) (err error) {
	defer func() {
		if e := recover(); e != nil {
			b := limitbuf.NewLogger(512)
			fmt.Fprintf(b, "%v\n%s", e, debug.Stack())
			err = errors.E(errors.Fatal, fmt.Errorf("panic while running task body: %s", b.String()))
		}
		if err != nil {
			err = errors.Recover(err)
		}
	}()
	return op.Body()(key, ins, op.Outs())
}
