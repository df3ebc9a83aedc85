// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package datacopy implements the refcounted, possibly-mutable value
// holder described in spec.md §4.2: a DataCopy wraps exactly one user
// value and tracks readers and a deferred writer so that a runtime can
// preserve single-assignment semantics while still letting one writer
// mutate a value shared by multiple pending tasks.
package datacopy

import (
	"math"
	"sync"
	"sync/atomic"

	"github.com/grailbio/base/errors"
)

// Cloner is implemented by values that can be copy-constructed. A
// DataCopy forks into a fresh copy (rather than blocking) whenever a
// write registration contends with concurrent readers and cannot wait
// for a deferred hand-off (see RegisterForWrite); that fork requires
// the value to know how to clone itself, since the runtime treats user
// values as opaque.
type Cloner interface {
	Clone() any
}

// readersExclusive is the spec.md §4.2 sentinel meaning "one writer
// has exclusive mutable access; no readers may be added". It plays
// the role of C's INT32_MIN.
const readersExclusive = math.MinInt32

// DataCopy is a reference-counted container of exactly one value, per
// spec.md §4.2. The zero value is not usable; construct with Create.
type DataCopy struct {
	value   any
	readers int32 // atomic; >0 shared, readersExclusive exclusive, 0 transient

	mu       sync.Mutex
	deferred *deferredWriter
}

type deferredWriter struct {
	resume func(*DataCopy)
}

// Create wraps value in a new DataCopy with a single reader (its
// creator).
func Create(value any) *DataCopy {
	return &DataCopy{value: value, readers: 1}
}

// Value returns the wrapped value. Callers must not retain it past
// Release unless they hold their own registration.
func (c *DataCopy) Value() any { return c.value }

// Readers returns the current raw reader count, for diagnostics and
// tests only; it is not meaningful to compare against anything but
// the documented sentinels.
func (c *DataCopy) Readers() int32 { return atomic.LoadInt32(&c.readers) }

// RegisterForRead registers a new reader of c. If c is currently
// exclusively held by a writer (readers <= 0), RegisterForRead instead
// returns a fresh DataCopy, copy-constructed from c's current value:
// spec.md §4.2's "a register-for-write that finds readers==1 and no
// writer atomically flips to INT32_MIN; otherwise it forks".
func RegisterForRead(c *DataCopy) (*DataCopy, error) {
	for {
		r := atomic.LoadInt32(&c.readers)
		if r <= 0 {
			return fork(c)
		}
		if atomic.CompareAndSwapInt32(&c.readers, r, r+1) {
			return c, nil
		}
	}
}

// RegisterForWrite registers a writer on c.
//
// If c has exactly one reader (the common case: no other task
// currently holds c), the registration succeeds immediately:
// result == c, deferred == false, and the caller has exclusive,
// in-place-mutable access.
//
// If c has more than one reader, the writer registration cannot
// proceed without risking a reader observing a partially-written
// value, so it is deferred (spec.md §9's "Deferred writer release"):
// deferred == true, and onDeferred is invoked later, from whichever
// goroutine calls Release and drains the last outstanding reader,
// with the same c now safely exclusive. The caller must not treat c
// as bound until onDeferred fires.
//
// If a deferred writer is already registered on c (a second writer
// contending for the same copy), RegisterForWrite forks instead of
// queuing a second deferral, since this design only tracks one
// pending writer per copy.
func RegisterForWrite(c *DataCopy, onDeferred func(*DataCopy)) (result *DataCopy, deferred bool, err error) {
	if atomic.CompareAndSwapInt32(&c.readers, 1, readersExclusive) {
		return c, false, nil
	}
	r := atomic.LoadInt32(&c.readers)
	if r > 1 {
		c.mu.Lock()
		if c.deferred != nil {
			c.mu.Unlock()
			nc, ferr := fork(c)
			return nc, false, ferr
		}
		c.deferred = &deferredWriter{resume: onDeferred}
		c.mu.Unlock()
		return c, true, nil
	}
	// r <= 0: already exclusive, or mid fork transition. Fork.
	nc, ferr := fork(c)
	return nc, false, ferr
}

// Release decrements c's reader count. If this was the last
// outstanding reader and a writer registration is deferred on c, the
// writer is promoted to exclusive and its onDeferred callback fires
// with c.
func Release(c *DataCopy) {
	r := atomic.AddInt32(&c.readers, -1)
	if r != 0 {
		return
	}
	c.mu.Lock()
	dw := c.deferred
	c.deferred = nil
	c.mu.Unlock()
	if dw == nil {
		return
	}
	if atomic.CompareAndSwapInt32(&c.readers, 0, readersExclusive) {
		dw.resume(c)
	}
}

// ResetAfterWrite resets c's reader count to 1 once its writer task
// has returned, per spec.md §4.3 step 3: "reset any writer's readers
// back to 1 so followers see a valid refcount".
func ResetAfterWrite(c *DataCopy) {
	atomic.StoreInt32(&c.readers, 1)
}

// Set replaces c's wrapped value in place. It is used by the streaming
// reducer path (spec.md §4.5), where successive arrivals are folded
// into a single accumulator DataCopy; callers must hold whatever lock
// (the owning pending-task bucket) serializes concurrent folds, since
// Set itself does no synchronization beyond the plain store.
func Set(c *DataCopy, value any) { c.value = value }

func fork(c *DataCopy) (*DataCopy, error) {
	cl, ok := c.value.(Cloner)
	if !ok {
		return nil, errors.E(errors.Invalid, "datacopy: value does not implement Cloner; cannot fork under contention")
	}
	return Create(cl.Clone()), nil
}
