// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"testing"

	fuzz "github.com/google/gofuzz"

	"github.com/grailbio/ttg"
	"github.com/grailbio/ttg/internal/datacopy"
	"github.com/grailbio/ttg/internal/keyhash"
	"github.com/grailbio/ttg/internal/pendingtask"
)

// TestFoldStreamIsAssociativeForFuzzedArrivals exercises spec.md
// §4.5's streaming-reducer contract ("must be associative across the
// arrival order") against many random sequences of fuzzed int64
// values, the same fuzz-driven property-test shape
// sliceio/reader_test.go's fuzzFrame uses for its own frame contents.
func TestFoldStreamIsAssociativeForFuzzedArrivals(t *testing.T) {
	sumReducer := func(acc, next any) (any, error) {
		return acc.(int64) + next.(int64), nil
	}
	op := ttg.New("sum", []string{"in"}, nil, nil, nil)
	op.SetInputReducer(0, sumReducer)
	in := op.In(0)

	fz := fuzz.NewWithSeed(13579)
	for iter := 0; iter < 100; iter++ {
		n := 1 + iter%20 // 1..20 arrivals per iteration
		values := make([]int64, n)
		var want int64
		for i := range values {
			var v int32 // bound magnitude so sums don't overflow across 20 terms
			fz.Fuzz(&v)
			values[i] = int64(v)
			want += values[i]
		}

		task := pendingtask.New(keyhash.Int64Key(int64(iter)), "sum", 1)
		for _, v := range values {
			dc := datacopy.Create(v)
			if err := foldStream(op, in, task, 0, dc); err != nil {
				t.Fatalf("iter %d: foldStream failed: %v", iter, err)
			}
		}

		got := task.InData[0].Value().(int64)
		if got != want {
			t.Fatalf("iter %d: folded sum = %d, want %d (from %v)", iter, got, want, values)
		}
	}
}
