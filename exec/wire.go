// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"bytes"
	"encoding/gob"

	"github.com/grailbio/base/errors"
	"github.com/pierrec/lz4/v3"

	"github.com/grailbio/ttg"
)

// amKind distinguishes the three active-message shapes spec.md §4.4
// names: a single-arg set, a stream-size declaration, and a
// stream-finalize.
type amKind int

const (
	amSetArg amKind = iota
	amSetArgStreamSize
	amFinalizeArgstream
)

// activeMessage is a stashed record of an arrival this World could not
// yet apply because its target operator has not registered (spec.md
// §7's out-of-order AM category): just enough to replay the call once
// the operator does register.
type activeMessage struct {
	Kind    amKind
	OpName  string
	InIndex int
	Key     ttg.Key
	Value   any // amSetArg
	StreamN int // amSetArgStreamSize
}

// wireCodec packs and unpacks active-message bodies, the Go
// realization of spec.md §4.4's wire format: values above
// compressMinBytes are lz4-compressed before they leave the process,
// mirroring how bigslice's own RPC bodies move large frames
// uncompressed but its combiner spill files use lz4 (SPEC_FULL.md
// §10).
type wireCodec struct {
	compressMinBytes int
}

func newWireCodec(compressMinBytes int) *wireCodec {
	return &wireCodec{compressMinBytes: compressMinBytes}
}

// encodeValue gob-encodes value and, if the result is at least
// compressMinBytes, lz4-compresses it.
func (c *wireCodec) encodeValue(value any) (body []byte, compressed bool, err error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&value); err != nil {
		return nil, false, errors.E(errors.Invalid, err, "exec: failed to encode active-message body")
	}
	raw := buf.Bytes()
	if len(raw) < c.compressMinBytes {
		return raw, false, nil
	}
	var zbuf bytes.Buffer
	zw := lz4.NewWriter(&zbuf)
	if _, err := zw.Write(raw); err != nil {
		return nil, false, errors.E(errors.Invalid, err, "exec: lz4 compression of active-message body failed")
	}
	if err := zw.Close(); err != nil {
		return nil, false, errors.E(errors.Invalid, err, "exec: lz4 compression of active-message body failed")
	}
	return zbuf.Bytes(), true, nil
}

// decodeValue reverses encodeValue.
func (c *wireCodec) decodeValue(body []byte, compressed bool) (any, error) {
	raw := body
	if compressed {
		var out bytes.Buffer
		zr := lz4.NewReader(bytes.NewReader(body))
		if _, err := out.ReadFrom(zr); err != nil {
			return nil, errors.E(errors.Invalid, err, "exec: lz4 decompression of active-message body failed")
		}
		raw = out.Bytes()
	}
	var value any
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&value); err != nil {
		return nil, errors.E(errors.Invalid, err, "exec: failed to decode active-message body")
	}
	return value, nil
}

// encodeSplit packs a SplitMetadata value's small descriptor, leaving
// the bulk iovec payload to be pulled later via Worker.FetchIovec
// (spec.md §4.4's split-metadata RMA path).
func (c *wireCodec) encodeSplit(value ttg.SplitMetadata) ([]byte, error) {
	meta, err := value.Metadata()
	if err != nil {
		return nil, errors.E(errors.Invalid, err, "exec: SplitMetadata.Metadata failed")
	}
	return meta, nil
}
