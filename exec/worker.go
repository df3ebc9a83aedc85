// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/grailbio/base/backgroundcontext"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigmachine"
	"golang.org/x/sync/errgroup"

	"github.com/grailbio/ttg"
)

// worker is the bigmachine RPC service every rank in a distributed
// World runs, the Go analogue of
// _examples/psampaz-bigslice/exec/bigmachine.go's own worker type:
// besides Init, its exported methods are spec.md §4.4's three
// active-message shapes, the split-metadata RMA pull and its release,
// and the one-time peer-table setup (SetPeers).
type worker struct{}

// Init satisfies bigmachine's service contract; this worker needs no
// per-machine setup beyond what SetLocalWorld already configured.
func (w *worker) Init(b *bigmachine.B) error { return nil }

var (
	localWorldMu sync.Mutex
	localWorld   *World
)

// SetLocalWorld registers w as the World this process's worker RPC
// service dispatches incoming active messages into. A binary that may
// run as a bigmachine worker process must call this once, before
// bigmachine.Start, exactly as bigslice's own worker binaries install
// their executor before entering the bigmachine driver loop.
func SetLocalWorld(w *World) {
	localWorldMu.Lock()
	localWorld = w
	localWorldMu.Unlock()
}

func currentLocalWorld() (*World, error) {
	localWorldMu.Lock()
	defer localWorldMu.Unlock()
	if localWorld == nil {
		return nil, errors.E(errors.Fatal, "exec: worker RPC invoked before SetLocalWorld")
	}
	return localWorld, nil
}

// splitTypeRegistry maps a SplitMetadata value's reflect type name to
// the factory its receiver-side shell is built from, since a
// split-metadata active message carries only opaque bytes, not a gob
// type descriptor for the eventual shell.
var (
	splitTypeMu sync.Mutex
	splitTypes  = map[string]ttg.MetadataCreator{}
)

// RegisterSplitType associates name (conventionally the value's
// reflect.Type.String()) with the MetadataCreator used to build a
// receive-side shell for it. Call it once at init time for every
// SplitMetadata type a graph sends across ranks.
func RegisterSplitType(name string, creator ttg.MetadataCreator) {
	splitTypeMu.Lock()
	splitTypes[name] = creator
	splitTypeMu.Unlock()
}

func lookupSplitType(name string) (ttg.MetadataCreator, bool) {
	splitTypeMu.Lock()
	defer splitTypeMu.Unlock()
	c, ok := splitTypes[name]
	return c, ok
}

// setArgRequest is the RPC payload for Worker.SetArg. Exactly one of
// Value, CompressedBody, or Split carries the actual data, chosen by
// World.sendRemote according to spec.md §4.4's size-based strategy.
type setArgRequest struct {
	Targets []remoteTarget

	Value any

	CompressedBody []byte
	Compressed     bool

	Split      bool
	SplitMeta  []byte
	SplitID    uint64
	TypeName   string
	SourceRank int
}

// SetArg applies a fanned-out value to every target this rank owns.
func (w *worker) SetArg(ctx context.Context, req setArgRequest, _ *struct{}) error {
	lw, err := currentLocalWorld()
	if err != nil {
		return err
	}
	value, err := lw.resolveIncoming(ctx, req)
	if err != nil {
		return err
	}
	for _, t := range req.Targets {
		op, ok := lw.opByName(t.Op)
		if !ok {
			lw.stash.hold(t.Op, activeMessage{Kind: amSetArg, OpName: t.Op, InIndex: t.Index, Key: t.Key, Value: value})
			continue
		}
		if err := op.In(t.Index).Callbacks().Send(t.Key, value); err != nil {
			return err
		}
	}
	return nil
}

type setArgStreamSizeRequest struct {
	Op      string
	InIndex int
	Key     ttg.Key
	N       int
}

func (w *worker) SetArgStreamSize(ctx context.Context, req setArgStreamSizeRequest, _ *struct{}) error {
	lw, err := currentLocalWorld()
	if err != nil {
		return err
	}
	op, ok := lw.opByName(req.Op)
	if !ok {
		lw.stash.hold(req.Op, activeMessage{Kind: amSetArgStreamSize, OpName: req.Op, InIndex: req.InIndex, Key: req.Key, StreamN: req.N})
		return nil
	}
	return op.In(req.InIndex).Callbacks().SetSize(req.Key, req.N)
}

type finalizeArgstreamRequest struct {
	Op      string
	InIndex int
	Key     ttg.Key
}

func (w *worker) FinalizeArgstream(ctx context.Context, req finalizeArgstreamRequest, _ *struct{}) error {
	lw, err := currentLocalWorld()
	if err != nil {
		return err
	}
	op, ok := lw.opByName(req.Op)
	if !ok {
		lw.stash.hold(req.Op, activeMessage{Kind: amFinalizeArgstream, OpName: req.Op, InIndex: req.InIndex, Key: req.Key})
		return nil
	}
	return op.In(req.InIndex).Callbacks().Finalize(req.Key)
}

type fetchIovecRequest struct {
	SplitID uint64
	Index   int
}

type setPeersRequest struct {
	Rank     int
	Machines []*bigmachine.Machine
}

// SetPeers installs this rank's view of every other rank's machine
// handle, so a worker can route an active message directly to another
// worker instead of bouncing every send through the driver. The
// driver pushes this once, right after every machine reaches
// bigmachine.Running, the same "hand out peer addresses once" shape
// bigslice's own machine managers use when assigning task locations.
func (w *worker) SetPeers(ctx context.Context, req setPeersRequest, _ *struct{}) error {
	lw, err := currentLocalWorld()
	if err != nil {
		return err
	}
	lw.SetRank(req.Rank)
	lw.setMachines(req.Machines)
	return nil
}

type releaseSplitRequest struct {
	SplitID uint64
}

// ReleaseSplit drops this rank's RMA registration for a split-metadata
// value once every target has finished pulling its iovecs (spec.md
// §4.4, §8 S4).
func (w *worker) ReleaseSplit(ctx context.Context, req releaseSplitRequest, _ *struct{}) error {
	lw, err := currentLocalWorld()
	if err != nil {
		return err
	}
	lw.releaseSplit(req.SplitID)
	return nil
}

// FetchIovec serves one chunk of a split-metadata value this rank is
// the source of, the RMA-pull half of spec.md §4.4's protocol.
func (w *worker) FetchIovec(ctx context.Context, req fetchIovecRequest, reply *[]byte) error {
	lw, err := currentLocalWorld()
	if err != nil {
		return err
	}
	sm, ok := lw.loadSplit(req.SplitID)
	if !ok {
		return errors.E(errors.NotExist, "exec: unknown split id in FetchIovec")
	}
	data, err := sm.ReadIOVec(req.Index)
	if err != nil {
		return errors.E(errors.Invalid, err, "exec: ReadIOVec failed")
	}
	*reply = data
	return nil
}

// resolveIncoming reconstructs the user value a setArgRequest carries,
// pulling split-metadata iovecs over RPC if necessary.
func (w *World) resolveIncoming(ctx context.Context, req setArgRequest) (any, error) {
	switch {
	case req.Split:
		creator, ok := lookupSplitType(req.TypeName)
		if !ok {
			return nil, errors.E(errors.Invalid, "exec: no MetadataCreator registered for split type %q", req.TypeName)
		}
		shell, err := creator.CreateFromMetadata(req.SplitMeta)
		if err != nil {
			return nil, errors.E(errors.Invalid, err, "exec: CreateFromMetadata failed")
		}
		writer, ok := shell.(ttg.IOVecWriter)
		if !ok {
			return nil, errors.E(errors.Invalid, "exec: split-metadata shell does not implement IOVecWriter")
		}
		m, err := w.machineForRank(req.SourceRank)
		if err != nil {
			return nil, err
		}
		iovecs := shell.IOVecs()
		g, gctx := errgroup.WithContext(ctx)
		limit := w.cfg.RMAConcurrency
		if limit <= 0 {
			limit = -1 // errgroup: no limit
		}
		g.SetLimit(limit)
		for i, iov := range iovecs {
			i, iov := i, iov
			g.Go(func() error {
				var data []byte
				if err := m.RetryCall(gctx, "Worker.FetchIovec", fetchIovecRequest{SplitID: req.SplitID, Index: i}, &data); err != nil {
					return errors.E(errors.Net, err, "exec: FetchIovec failed")
				}
				if len(data) != iov.NumBytes {
					return errors.E(errors.Invalid, "exec: FetchIovec returned %d bytes, want %d", len(data), iov.NumBytes)
				}
				return writer.WriteIOVec(i, data)
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
		// Every iovec has been pulled: tell the source rank its
		// registration can be dropped, the Go realization of spec.md
		// §4.4 and §8 S4's requirement that RMA registrations on both
		// sides are released before Fence returns. Counted as an
		// in-flight active message so Fence cannot observe quiescence
		// until the release lands.
		w.term.amSent()
		relErr := m.RetryCall(ctx, "Worker.ReleaseSplit", releaseSplitRequest{SplitID: req.SplitID}, nil)
		w.term.amDelivered()
		if relErr != nil {
			return nil, errors.E(errors.Net, relErr, "exec: ReleaseSplit failed")
		}
		return shell, nil
	case req.CompressedBody != nil:
		return w.wire.decodeValue(req.CompressedBody, req.Compressed)
	default:
		return req.Value, nil
	}
}

func (w *World) opByName(name string) (*ttg.OpBase, bool) {
	r, ok := w.registered(name)
	if !ok {
		return nil, false
	}
	return r.op, true
}

var nextSplitID uint64

// storeSplit registers sm under a fresh id so a later FetchIovec can
// find it. The registration is dropped by releaseSplit once the
// receiving rank's Worker.ReleaseSplit ack arrives, never left to
// accumulate across a long-running graph.
func (w *World) storeSplit(sm ttg.SplitMetadata) uint64 {
	id := atomic.AddUint64(&nextSplitID, 1)
	w.splitsMu.Lock()
	w.splits[id] = sm
	w.splitsMu.Unlock()
	return id
}

func (w *World) loadSplit(id uint64) (ttg.SplitMetadata, bool) {
	w.splitsMu.Lock()
	defer w.splitsMu.Unlock()
	sm, ok := w.splits[id]
	return sm, ok
}

// releaseSplit drops the RMA registration for id, the source-side half
// of spec.md §8 S4's "RMA registrations on both sides are released
// before fence() returns".
func (w *World) releaseSplit(id uint64) {
	w.splitsMu.Lock()
	delete(w.splits, id)
	w.splitsMu.Unlock()
}

// sendRemote ships value to every target in targets, all owned by the
// same destination rank, as a single active message (spec.md §4.4):
// split-metadata values go out small, with their bulk payload served
// on demand by FetchIovec; large non-split values are lz4-compressed
// above the configured threshold; everything else travels inline via
// bigmachine's own gob-based RPC codec.
//
// Rank 0 is always the in-process driver World, which runs no
// bigmachine worker service of its own and so cannot serve a
// FetchIovec pull; a value produced there takes the compressed-inline
// path instead of split-metadata, the same asymmetry bigslice's driver
// process has with its worker machines.
func (w *World) sendRemote(rank int, targets []remoteTarget, value any) error {
	ctx := backgroundcontext.Get()
	req := setArgRequest{Targets: targets, SourceRank: w.rank}
	if sm, ok := value.(ttg.SplitMetadata); ok && w.rank != 0 {
		meta, err := w.wire.encodeSplit(sm)
		if err != nil {
			return err
		}
		req.Split = true
		req.SplitMeta = meta
		req.SplitID = w.storeSplit(sm)
		req.TypeName = reflect.TypeOf(value).String()
	} else if sized, ok := value.(ttg.Sized); ok && sized.PayloadSize() >= w.cfg.CompressMinBytes {
		body, compressed, err := w.wire.encodeValue(value)
		if err != nil {
			return err
		}
		req.CompressedBody = body
		req.Compressed = compressed
	} else {
		req.Value = value
	}
	w.term.amSent()
	activeMessagesSentTotal.Inc()
	defer w.term.amDelivered()
	m, err := w.machineForRank(rank)
	if err != nil {
		return err
	}
	return m.Call(ctx, "Worker.SetArg", req, nil)
}

// machineForRank maps a graph rank to its bigmachine.Machine. Rank 0
// is the in-process driver and has no machine handle of its own: this
// revision does not support a worker rank sending an active message
// back to rank 0 directly (see DESIGN.md's Open Questions entry on
// driver addressability); ranks 1..N index w.machines[rank-1].
func (w *World) machineForRank(rank int) (*bigmachine.Machine, error) {
	if rank == 0 {
		return nil, errors.E(errors.Invalid, "exec: sending an active message to rank 0 (the driver) from a worker is not supported")
	}
	if rank-1 < 0 || rank-1 >= len(w.machines) {
		return nil, errors.E(errors.Invalid, "exec: no machine known for rank %d", rank)
	}
	return w.machines[rank-1], nil
}
