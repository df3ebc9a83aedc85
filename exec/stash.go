// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import "sync"

// stash holds active messages that arrived for an operator this World
// has not registered yet: a Register race inherent to a distributed
// graph, where a remote rank may start sending before every rank has
// finished wiring its local graph (spec.md §7's "out-of-order AM"
// category). Messages are replayed, in arrival order, the moment the
// target operator registers.
type stash struct {
	mu      sync.Mutex
	pending map[string][]activeMessage
}

func newStash() *stash {
	return &stash{pending: make(map[string][]activeMessage)}
}

// hold appends am to opName's stash.
func (s *stash) hold(opName string, am activeMessage) {
	s.mu.Lock()
	s.pending[opName] = append(s.pending[opName], am)
	n := 0
	for _, msgs := range s.pending {
		n += len(msgs)
	}
	stashedMessages.Set(float64(n))
	s.mu.Unlock()
}

// take removes and returns every stashed message for opName, in
// arrival order. Returns nil if nothing was stashed.
func (s *stash) take(opName string) []activeMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.pending[opName]
	delete(s.pending, opName)
	n := 0
	for _, m := range s.pending {
		n += len(m)
	}
	stashedMessages.Set(float64(n))
	return msgs
}

// len reports the total number of stashed messages across every
// operator, for debug/metrics reporting.
func (s *stash) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, msgs := range s.pending {
		n += len(msgs)
	}
	return n
}
