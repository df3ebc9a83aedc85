// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package ttg

// Edge is a named, one-to-many connection from one output terminal to
// one or more input terminals (spec.md §3). An Edge is realized
// eagerly as it is built and never mutated once any operator it
// touches has been made executable; it stores non-owning references,
// matching the ownership rule that terminals outlive any edge.
type Edge struct {
	name string
	out  *OutTerminal
	ins  []*InTerminal
}

// NewEdge names and returns an empty Edge; bind it to terminals with
// From and To before use.
func NewEdge(name string) *Edge {
	return &Edge{name: name}
}

// Name returns the edge's diagnostic name.
func (e *Edge) Name() string { return e.name }

// Connect wires out to in, appending in to any existing connections on
// out. It is the one operation that actually realizes the edge: it
// mutates both terminal objects, as spec.md §3 describes ("realized
// eagerly at wire-up").
//
// A terminal may be connected more than once (an output may fan out
// to many inputs; an input's Edge may also be the operator's own
// input, realizing a cyclic edge as in spec.md §9 / S1).
func Connect(out *OutTerminal, in *InTerminal) {
	out.conns = append(out.conns, in)
	in.wired = true
}

// Fuse collects several edges that all feed the same logical input
// into one list, the way original_source/ttg.cc's free function
// fuse(P2A, A2A) lets two producers feed the same input slot. Fuse
// returns edges unchanged and does no wiring of its own: each edge is
// still bound with From and To.
func Fuse(edges ...*Edge) []*Edge { return edges }

// From binds out as this edge's source, immediately connecting it to
// every input already added via To. Edges may be constructed before
// the operators that use them (original_source/ttg.cc: "Edges must be
// constructed before classes that use them"), so From and To may be
// called in either order.
func (e *Edge) From(out *OutTerminal) {
	e.out = out
	for _, in := range e.ins {
		Connect(out, in)
	}
}

// To adds in as one of this edge's destinations, immediately
// connecting it if the edge's source is already bound.
func (e *Edge) To(in *InTerminal) {
	e.ins = append(e.ins, in)
	if e.out != nil {
		Connect(e.out, in)
	}
}
