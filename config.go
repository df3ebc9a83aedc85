// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package ttg

import (
	"os"

	"github.com/BurntSushi/toml"
)

// Config is the ambient runtime configuration for a World: how many
// buckets each operator's pending-task table shards into, how many
// worker goroutines service the ready queue, and the size/compression
// thresholds the wire codec uses for active-message bodies. None of
// this is part of the SpMM example application spec.md scopes out; it
// is the same kind of ambient configuration surface every service in
// this corpus carries (see SPEC_FULL.md §9).
type Config struct {
	// NumThreads is the number of worker goroutines draining the
	// ready queue. Zero means runtime.GOMAXPROCS(0).
	NumThreads int `toml:"num_threads"`
	// TableBuckets is the bucket count each operator's pending-task
	// table shards into (spec.md §4.1).
	TableBuckets int `toml:"table_buckets"`
	// CompressMinBytes is the inline SET_ARG payload size, in bytes,
	// above which the wire codec lz4-compresses the body before
	// sending (SPEC_FULL.md §10).
	CompressMinBytes int `toml:"compress_min_bytes"`
	// RMAConcurrency caps the number of outstanding iovec pulls for a
	// single split-metadata activation (spec.md §4.4, §5).
	RMAConcurrency int `toml:"rma_concurrency"`
	// TraceAll gates verbose per-arrival/per-release debug logging,
	// the Go realization of original_source/ttg.h's
	// TTGOpBase::set_trace_all (SPEC_FULL.md §11).
	TraceAll bool `toml:"trace_all"`
}

// DefaultConfig returns the configuration used when no TOML file is
// supplied to Init.
func DefaultConfig() Config {
	return Config{
		NumThreads:       0,
		TableBuckets:     64,
		CompressMinBytes: 64 << 10,
		RMAConcurrency:   8,
		TraceAll:         false,
	}
}

// LoadConfig reads a TOML configuration file, starting from
// DefaultConfig and overriding only the fields the file sets.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if _, err := toml.Decode(string(data), &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}
