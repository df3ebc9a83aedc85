// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package ttg

// Sized is implemented by values that can report their packed payload
// size without actually packing. The runtime uses it only to decide
// whether an inline active-message body is lz4-compressed (a size at
// or above Config.CompressMinBytes); whether a value travels as
// split-metadata is decided by SplitMetadata, not by size.
type Sized interface {
	PayloadSize() int
}

// Packer is implemented by values that know how to serialize
// themselves. The runtime's wire codec does not call Pack or Unpack:
// every inline active-message body is encoded with encoding/gob,
// whether or not the value implements Packer.
type Packer interface {
	Pack() ([]byte, error)
	Unpack([]byte) error
}

// IOVec describes one contiguous chunk of a split-metadata value's
// bulk payload: ptr is an opaque handle meaningful only to the sender
// (in practice, an offset into the value's backing buffer), and
// NumBytes is its length.
type IOVec struct {
	Ptr      int
	NumBytes int
}

// SplitMetadata is implemented by values whose bulk payload should
// move over RMA rather than be inlined in the active-message body
// (spec.md §3, §4.4): a small fixed-size Metadata descriptor travels
// inline and is enough for the receiver to allocate an empty shell via
// CreateFromMetadata, after which the runtime pulls each IOVec chunk
// directly from the sender.
type SplitMetadata interface {
	// Metadata returns a small, self-contained descriptor sufficient
	// to reconstruct an empty shell of the value via
	// CreateFromMetadata.
	Metadata() ([]byte, error)
	// IOVecs describes the bulk payload chunks backing this value.
	IOVecs() []IOVec
	// ReadIOVec returns the bytes backing iovec i, for the sender side
	// of an RMA pull.
	ReadIOVec(i int) ([]byte, error)
}

// MetadataCreator is implemented by a value's zero value (or a
// registered factory) to construct an empty shell from a remote peer's
// Metadata descriptor, into which RMA-pulled iovecs are written.
type MetadataCreator interface {
	CreateFromMetadata(meta []byte) (SplitMetadata, error)
}

// IOVecWriter is implemented by the shell CreateFromMetadata returns,
// giving the runtime somewhere to deposit each chunk it pulls over RMA
// from the sender's ReadIOVec (spec.md §4.4).
type IOVecWriter interface {
	WriteIOVec(i int, data []byte) error
}
