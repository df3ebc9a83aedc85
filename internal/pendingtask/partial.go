// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package pendingtask implements the per-operator pending-task table
// described in spec.md §4.1: a hash map from Key to PartialTask,
// sharded into fixed-count buckets each guarded by its own mutex.
package pendingtask

import (
	"github.com/grailbio/ttg"
	"github.com/grailbio/ttg/internal/datacopy"
)

// StreamState tracks a streaming input's goal/size pair (spec.md
// §4.5): the input becomes ready when Size reaches Goal rather than on
// its first arrival.
type StreamState struct {
	Goal int
	Size int
}

// PartialTask is the accumulated state for one (operator, key)
// instance: spec.md §3's Partial Task. All mutation of a PartialTask's
// fields (other than atomic InCount) must happen while the owning
// Bucket's lock is held; see exec/dispatch.go for the binding protocol
// that enforces this.
type PartialTask struct {
	Key     ttg.Key
	OpName  string
	InData  []*datacopy.DataCopy
	InCount int32 // atomic; task is ready when InCount == len(InData)
	Stream  []StreamState
	// FirstArrival records whether any value has ever arrived for a
	// given streaming input, so FinalizeArgstream can fail loudly on
	// an input that was never touched (spec.md §4.5).
	FirstArrival []bool
	Priority     int32
	// DeferredSlots counts how many of this task's input slots are
	// currently blocked on a deferred writer registration (spec.md
	// §4.3): the task cannot be scheduled while this is nonzero, even
	// if InCount has reached NumIns.
	DeferredSlots int32
}

// New allocates a PartialTask for key with numIns input slots.
func New(key ttg.Key, opName string, numIns int) *PartialTask {
	return &PartialTask{
		Key:          key,
		OpName:       opName,
		InData:       make([]*datacopy.DataCopy, numIns),
		Stream:       make([]StreamState, numIns),
		FirstArrival: make([]bool, numIns),
	}
}

// NumIns returns the task's input arity.
func (p *PartialTask) NumIns() int { return len(p.InData) }

// Ready reports whether every input slot has been bound and no slot
// is waiting on a deferred writer.
func (p *PartialTask) Ready() bool {
	return int(p.InCount) == len(p.InData) && p.DeferredSlots == 0
}

// Reset clears a PartialTask so it can be returned to a pool and
// reused for a different key, matching spec.md §4.3's "return task
// memory to the pool" step.
func (p *PartialTask) Reset() {
	p.Key = nil
	p.OpName = ""
	for i := range p.InData {
		p.InData[i] = nil
		p.Stream[i] = StreamState{}
		p.FirstArrival[i] = false
	}
	p.InCount = 0
	p.Priority = 0
	p.DeferredSlots = 0
}
