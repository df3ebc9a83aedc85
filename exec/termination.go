// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/grailbio/base/sync/ctxsync"
)

// termination implements spec.md §6's termination detector: a World is
// quiescent once every task it has ever created has finished running
// and no active message it has sent is still in flight to a remote
// rank. It is tracked with three independent counters rather than one,
// the same shape original_source/ttg.h's parsec_taskpool_t upcall
// bookkeeping uses (nb_tasks, nb_pending_actions), so that a task
// finishing and an active message landing can never be mistaken for
// each other mid-update.
type termination struct {
	tasksCreated   int64 // atomic
	tasksCompleted int64 // atomic
	amInFlight     int64 // atomic

	mu   sync.Mutex
	cond *ctxsync.Cond
}

func newTermination() *termination {
	t := &termination{}
	t.cond = ctxsync.NewCond(&t.mu)
	return t
}

// taskCreated records that a new (possibly partial) task instance now
// exists in some operator's pending-task table.
func (t *termination) taskCreated() { atomic.AddInt64(&t.tasksCreated, 1) }

// taskCompleted records that a task has run its body and released
// every input slot.
func (t *termination) taskCompleted() {
	atomic.AddInt64(&t.tasksCompleted, 1)
	t.wake()
}

// amSent records that an active message was handed to the transport
// for a remote rank.
func (t *termination) amSent() { atomic.AddInt64(&t.amInFlight, 1) }

// amDelivered records that a previously sent active message has been
// applied at its destination.
func (t *termination) amDelivered() {
	atomic.AddInt64(&t.amInFlight, -1)
	t.wake()
}

func (t *termination) wake() {
	t.mu.Lock()
	t.cond.Broadcast()
	t.mu.Unlock()
}

// quiescent reports whether every created task has completed and no
// active message is outstanding.
func (t *termination) quiescent() bool {
	return atomic.LoadInt64(&t.tasksCreated) == atomic.LoadInt64(&t.tasksCompleted) &&
		atomic.LoadInt64(&t.amInFlight) == 0
}

// wait blocks until quiescent, or ctx is done. It uses a
// context-aware condition variable, woken on every
// taskCompleted/amDelivered, the same coarse-wakeup design bigslice's
// exec.state uses for its own done/pending bookkeeping, adapted here
// to a simple quiescence predicate instead of a dependency graph.
func (t *termination) wait(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for !t.quiescent() {
		if err := t.cond.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}
