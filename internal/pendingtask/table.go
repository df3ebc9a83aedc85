// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package pendingtask

import (
	"sync"

	"github.com/grailbio/ttg"
)

// Bucket is one shard of a Table: a chained hash map guarded by its
// own mutex. The critical section it protects is meant to be short —
// spec.md §4.1 requires reducer calls to happen under this same lock,
// so callers must not block while holding it.
type Bucket struct {
	mu      sync.Mutex
	entries map[uint64][]*PartialTask
}

// Lock acquires the bucket's mutex. Callers are responsible for a
// matching Unlock; this low-level access is what lets exec/dispatch.go
// bind a DataCopy into a slot and run a reducer in the same critical
// section FindOrInsert used to locate or create the task.
func (b *Bucket) Lock() { b.mu.Lock() }

// Unlock releases the bucket's mutex.
func (b *Bucket) Unlock() { b.mu.Unlock() }

// FindOrInsert returns the PartialTask for key, creating one via
// newTask if absent. Must be called with the bucket locked.
func (b *Bucket) FindOrInsert(key ttg.Key, newTask func() *PartialTask) (task *PartialTask, existed bool) {
	h := key.Hash64()
	for _, t := range b.entries[h] {
		if t.Key.Equal(key) {
			return t, true
		}
	}
	t := newTask()
	b.entries[h] = append(b.entries[h], t)
	return t, false
}

// Find returns the PartialTask for key without creating one. Must be
// called with the bucket locked.
func (b *Bucket) Find(key ttg.Key) (*PartialTask, bool) {
	h := key.Hash64()
	for _, t := range b.entries[h] {
		if t.Key.Equal(key) {
			return t, true
		}
	}
	return nil, false
}

// Remove deletes key's PartialTask, e.g. because it is about to be
// submitted to the scheduler. Must be called with the bucket locked.
func (b *Bucket) Remove(key ttg.Key) {
	h := key.Hash64()
	chain := b.entries[h]
	for i, t := range chain {
		if t.Key.Equal(key) {
			b.entries[h] = append(chain[:i], chain[i+1:]...)
			if len(b.entries[h]) == 0 {
				delete(b.entries, h)
			}
			return
		}
	}
}

// Table is a per-operator hash map Key → PartialTask, sharded into a
// fixed number of lock-protected buckets (spec.md §4.1).
type Table struct {
	buckets []Bucket
	opName  string
	numIns  int
	pool    sync.Pool
}

// NewTable builds a Table with the given number of shards for an
// operator with numIns inputs. numBuckets is typically
// ttg.Config.TableBuckets.
func NewTable(opName string, numIns, numBuckets int) *Table {
	if numBuckets < 1 {
		numBuckets = 1
	}
	t := &Table{
		buckets: make([]Bucket, numBuckets),
		opName:  opName,
		numIns:  numIns,
	}
	for i := range t.buckets {
		t.buckets[i].entries = make(map[uint64][]*PartialTask)
	}
	t.pool.New = func() any { return New(nil, opName, numIns) }
	return t
}

// BucketFor returns the shard that owns key. The index is derived
// from the key's hash, so a given key always maps to the same bucket
// for the lifetime of the Table.
func (t *Table) BucketFor(key ttg.Key) *Bucket {
	return &t.buckets[key.Hash64()%uint64(len(t.buckets))]
}

// NewPartialTask returns a PartialTask for key from the table's task
// pool, the per-worker slab-pool discipline spec.md §9 calls for
// ("tasks are small and hot; use per-worker slab pools with a free
// list"). Pair with Release once the task has been scheduled and its
// removed from the table.
func (t *Table) NewPartialTask(key ttg.Key) *PartialTask {
	pt := t.pool.Get().(*PartialTask)
	pt.Key = key
	pt.OpName = t.opName
	return pt
}

// Release returns a PartialTask to the table's pool after its body
// has run and every slot has been released.
func (t *Table) Release(pt *PartialTask) {
	pt.Reset()
	t.pool.Put(pt)
}

// ForAll iterates every pending task across every bucket, without
// synchronization. Per spec.md §4.1 this is "used only during teardown
// diagnostics" — never call it while tasks may still be arriving.
func (t *Table) ForAll(fn func(*PartialTask)) {
	for i := range t.buckets {
		for _, chain := range t.buckets[i].entries {
			for _, task := range chain {
				fn(task)
			}
		}
	}
}

// Len returns the total number of pending tasks across every bucket,
// for debug/metrics reporting. Like ForAll, it does not lock.
func (t *Table) Len() int {
	n := 0
	t.ForAll(func(*PartialTask) { n++ })
	return n
}
