// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"testing"

	"github.com/grailbio/ttg/internal/keyhash"
)

func TestStashHoldAndTake(t *testing.T) {
	s := newStash()
	am1 := activeMessage{Kind: amSetArg, OpName: "sum", InIndex: 0, Key: keyhash.Int64Key(1), Value: 7}
	am2 := activeMessage{Kind: amSetArg, OpName: "sum", InIndex: 1, Key: keyhash.Int64Key(1), Value: 8}
	s.hold("sum", am1)
	s.hold("sum", am2)

	if n := s.len(); n != 2 {
		t.Fatalf("len = %d, want 2", n)
	}

	got := s.take("sum")
	if len(got) != 2 || got[0] != am1 || got[1] != am2 {
		t.Fatalf("take returned %v, want [%v %v] in arrival order", got, am1, am2)
	}
	if n := s.len(); n != 0 {
		t.Fatalf("len after take = %d, want 0", n)
	}
}

func TestStashTakeOnUnknownOpReturnsNil(t *testing.T) {
	s := newStash()
	if got := s.take("nonexistent"); got != nil {
		t.Fatalf("take on an empty stash returned %v, want nil", got)
	}
}

func TestStashTracksMultipleOps(t *testing.T) {
	s := newStash()
	s.hold("a", activeMessage{OpName: "a"})
	s.hold("b", activeMessage{OpName: "b"})
	s.hold("b", activeMessage{OpName: "b"})

	if n := s.len(); n != 3 {
		t.Fatalf("len = %d, want 3", n)
	}
	if got := s.take("a"); len(got) != 1 {
		t.Fatalf("take(a) = %v, want 1 message", got)
	}
	if n := s.len(); n != 2 {
		t.Fatalf("len after taking a = %d, want 2", n)
	}
}
