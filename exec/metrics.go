// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the process-wide prometheus collectors a World reports
// through, mirroring the ambient observability surface every service
// in this corpus exposes even though spec.md itself scopes a
// dedicated metrics pipeline out (SPEC_FULL.md §9).
var (
	tasksCreatedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ttg",
		Name:      "tasks_created_total",
		Help:      "Number of task instances created, by operator.",
	}, []string{"op"})

	tasksCompletedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ttg",
		Name:      "tasks_completed_total",
		Help:      "Number of task instances whose body has returned, by operator.",
	}, []string{"op"})

	activeMessagesSentTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ttg",
		Name:      "active_messages_sent_total",
		Help:      "Number of active messages handed to the transport.",
	})

	readyQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ttg",
		Name:      "ready_queue_depth",
		Help:      "Number of ready tasks currently waiting for a worker goroutine.",
	})

	stashedMessages = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ttg",
		Name:      "stashed_active_messages",
		Help:      "Number of active messages held for an operator that has not registered yet.",
	})
)

func init() {
	prometheus.MustRegister(tasksCreatedTotal, tasksCompletedTotal, activeMessagesSentTotal, readyQueueDepth, stashedMessages)
}
