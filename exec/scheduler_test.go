// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"sync"
	"testing"
	"time"

	"github.com/grailbio/ttg/internal/pendingtask"
)

func TestSchedulerRunsEveryPushedTask(t *testing.T) {
	var mu sync.Mutex
	var ran []string
	s := newScheduler(2, func(op string, task *pendingtask.PartialTask) {
		mu.Lock()
		ran = append(ran, op)
		mu.Unlock()
	})
	s.start()
	defer s.stop()

	for i := 0; i < 10; i++ {
		s.push("op", pendingtask.New(nil, "op", 0), 0)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(ran)
		mu.Unlock()
		if n == 10 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("got %d runs, want 10", n)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestSchedulerPopsHighestPriorityFirst(t *testing.T) {
	var mu sync.Mutex
	var order []int32
	done := make(chan struct{})
	s := newScheduler(1, func(op string, task *pendingtask.PartialTask) {
		mu.Lock()
		order = append(order, task.Priority)
		if len(order) == 3 {
			close(done)
		}
		mu.Unlock()
	})

	// Push before starting workers so all three are queued together,
	// making pop order deterministic.
	low := pendingtask.New(nil, "op", 0)
	low.Priority = 1
	mid := pendingtask.New(nil, "op", 0)
	mid.Priority = 5
	high := pendingtask.New(nil, "op", 0)
	high.Priority = 9
	s.push("op", low, low.Priority)
	s.push("op", mid, mid.Priority)
	s.push("op", high, high.Priority)

	s.start()
	defer s.stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for all three tasks to run")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 || order[0] != 9 || order[1] != 5 || order[2] != 1 {
		t.Fatalf("got run order %v, want [9 5 1]", order)
	}
}

func TestSchedulerLenTracksQueueDepth(t *testing.T) {
	s := newScheduler(0, func(string, *pendingtask.PartialTask) {})
	if s.len() != 0 {
		t.Fatalf("len = %d, want 0", s.len())
	}
	s.push("op", pendingtask.New(nil, "op", 0), 0)
	s.push("op", pendingtask.New(nil, "op", 0), 0)
	if s.len() != 2 {
		t.Fatalf("len = %d, want 2", s.len())
	}
}

func TestSchedulerStopReleasesWorkers(t *testing.T) {
	s := newScheduler(4, func(string, *pendingtask.PartialTask) {})
	s.start()
	done := make(chan struct{})
	go func() {
		s.stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stop did not return")
	}
}
