// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"container/heap"
	"runtime"
	"sync"

	"github.com/grailbio/ttg/internal/pendingtask"
)

// readyTask is one task the scheduler has determined is ready to run:
// every input slot bound, no deferred writer outstanding (spec.md
// §4.3's "task is ready" condition).
type readyTask struct {
	op       string
	task     *pendingtask.PartialTask
	priority int32
	seq      int64 // FIFO tiebreaker among equal priorities
}

// readyHeap is a max-priority queue of readyTask, the Go realization
// of spec.md §6's "the scheduler pops the highest-priority ready task
// first"; this package's corpus precedent for reaching for
// container/heap over a third-party priority-queue library is
// other_examples/..._erigon__core-exec-txtask.go.go, which does the
// same for its own transaction execution queue.
type readyHeap []*readyTask

func (h readyHeap) Len() int { return len(h) }
func (h readyHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h readyHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *readyHeap) Push(x any)         { *h = append(*h, x.(*readyTask)) }
func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// scheduler is the worker-thread pool that drains the ready queue,
// spec.md §6's worker threads: "each worker pops the highest-priority
// ready task and runs its body function to completion". It is
// deliberately simple compared to eval.go's dependency-tracking state
// machine, since readiness here is already decided by dispatch.go
// before a task is ever pushed.
type scheduler struct {
	numWorkers int
	run        func(op string, task *pendingtask.PartialTask)

	mu      sync.Mutex
	cond    *sync.Cond
	heap    readyHeap
	nextSeq int64
	closed  bool

	wg sync.WaitGroup
}

// newScheduler builds a scheduler with numWorkers goroutines (0 means
// runtime.GOMAXPROCS(0)) that invoke run for each popped task.
func newScheduler(numWorkers int, run func(op string, task *pendingtask.PartialTask)) *scheduler {
	if numWorkers <= 0 {
		numWorkers = runtime.GOMAXPROCS(0)
	}
	s := &scheduler{numWorkers: numWorkers, run: run}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// start launches the worker goroutines. Safe to call once; callers
// (World.Start) are responsible for not calling it twice.
func (s *scheduler) start() {
	for i := 0; i < s.numWorkers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
}

// stop closes the scheduler and waits for every worker goroutine to
// exit. Workers first run every task still in the queue, so stop
// returns only once the queue is empty and no task is running.
func (s *scheduler) stop() {
	s.mu.Lock()
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()
	s.wg.Wait()
}

// push enqueues task for op at the given priority, waking one worker.
func (s *scheduler) push(op string, task *pendingtask.PartialTask, priority int32) {
	s.mu.Lock()
	s.nextSeq++
	heap.Push(&s.heap, &readyTask{op: op, task: task, priority: priority, seq: s.nextSeq})
	readyQueueDepth.Set(float64(len(s.heap)))
	s.cond.Signal()
	s.mu.Unlock()
}

func (s *scheduler) worker() {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		for len(s.heap) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.heap) == 0 && s.closed {
			s.mu.Unlock()
			return
		}
		item := heap.Pop(&s.heap).(*readyTask)
		readyQueueDepth.Set(float64(len(s.heap)))
		s.mu.Unlock()
		s.run(item.op, item.task)
	}
}

// len reports the number of ready-but-not-yet-popped tasks, for debug
// and metrics reporting.
func (s *scheduler) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.heap)
}
