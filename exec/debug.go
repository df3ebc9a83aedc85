// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"net/http"
	"sync/atomic"

	jsoniter "github.com/json-iterator/go"
)

// opStatus is one operator's row in the /debug/ttg/status report.
type opStatus struct {
	Op      string `json:"op"`
	Pending int    `json:"pending_tasks"`
}

// worldStatus is the full /debug/ttg/status payload: enough to tell
// whether a World is making progress or stuck, the same question
// bigslice's own debug handlers answer for a stalled evaluation.
type worldStatus struct {
	Rank            int        `json:"rank"`
	Ops             []opStatus `json:"ops"`
	ReadyQueueDepth int        `json:"ready_queue_depth"`
	StashedMessages int        `json:"stashed_messages"`
	TasksCreated    int64      `json:"tasks_created"`
	TasksCompleted  int64      `json:"tasks_completed"`
	ActiveMessages  int64      `json:"active_messages_in_flight"`
	Quiescent       bool       `json:"quiescent"`
}

// handleDebugStatus reports this World's pending-task tables,
// scheduler queue depth, stash size, and termination-detector
// counters as JSON, registered by HandleDebug at /debug/ttg/status.
func (w *World) handleDebugStatus(rw http.ResponseWriter, req *http.Request) {
	w.mu.Lock()
	ops := make([]opStatus, 0, len(w.ops))
	for name, r := range w.ops {
		ops = append(ops, opStatus{Op: name, Pending: r.table.Len()})
	}
	w.mu.Unlock()

	st := worldStatus{
		Rank:            w.rank,
		Ops:             ops,
		ReadyQueueDepth: w.sched.len(),
		StashedMessages: w.stash.len(),
		TasksCreated:    atomic.LoadInt64(&w.term.tasksCreated),
		TasksCompleted:  atomic.LoadInt64(&w.term.tasksCompleted),
		ActiveMessages:  atomic.LoadInt64(&w.term.amInFlight),
		Quiescent:       w.term.quiescent(),
	}

	rw.Header().Set("Content-Type", "application/json")
	if err := jsoniter.NewEncoder(rw).Encode(&st); err != nil {
		http.Error(rw, err.Error(), http.StatusInternalServerError)
	}
}
