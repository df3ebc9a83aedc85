// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package exec is the TTG dispatch engine: the pending-task tables,
// the refcounted data-copy layer, the active-message wire protocol,
// and the worker-thread scheduler that actually run a graph built with
// the root ttg package. It is grounded on
// _examples/psampaz-bigslice/exec, generalized from bigslice's
// slice-task evaluator to the spec's keyed, streaming operator model.
package exec

import (
	"context"
	"encoding/gob"
	"net/http"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/retry"
	"github.com/grailbio/base/status"
	"github.com/grailbio/base/sync/once"
	"github.com/grailbio/bigmachine"

	"github.com/grailbio/ttg"
	"github.com/grailbio/ttg/internal/pendingtask"
)

// provisionRetry backs off machine-startup polling in
// NewDistributedWorld, the same backoff shape
// psampaz-bigslice/exec/bigmachine.go's retryPolicy uses for its own
// reconnect loop — never applied to active-message sends, which fail
// fast per spec.md §7.
var provisionRetry = retry.Backoff(time.Second, 5*time.Second, 1.5)

const maxProvisionRetries = 5

func init() {
	gob.Register(&worker{})
}

// registeredOp is everything World tracks for one ttg.OpBase once it
// has been registered: its pending-task table and the input callbacks
// wired back into its terminals.
type registeredOp struct {
	op    *ttg.OpBase
	table *pendingtask.Table
}

// World is a TTG runtime: one per process taking part in a graph's
// execution, the Go realization of spec.md's "runtime / world"
// concept and the direct analogue of bigslice's bigmachineExecutor.
// A World implements ttg.Registrar, so operators built with the root
// package call back into it without that package ever importing exec.
type World struct {
	cfg  ttg.Config
	rank int

	system bigmachine.System
	b      *bigmachine.B

	status *status.Group

	mu  sync.Mutex
	ops map[string]*registeredOp

	sched *scheduler
	term  *termination
	stash *stash
	wire  *wireCodec

	machines []*bigmachine.Machine // rank i's machine at index i-1; rank 0 (the driver) has none

	splitsMu sync.Mutex
	splits   map[uint64]ttg.SplitMetadata

	started bool

	execute once.Task
	armed   int32 // atomic; 1 once Execute has run
}

// NewWorld constructs a single-process World: every operator's keymap
// is expected to return rank 0, so Send/Broadcast never leave the
// process. Use NewDistributedWorld to run across bigmachine machines.
func NewWorld(cfg ttg.Config) *World {
	w := &World{
		cfg:    cfg,
		rank:   0,
		status: status.NewGroup(),
		ops:    make(map[string]*registeredOp),
		term:   newTermination(),
		stash:  newStash(),
		splits: make(map[uint64]ttg.SplitMetadata),
	}
	w.wire = newWireCodec(cfg.CompressMinBytes)
	w.sched = newScheduler(cfg.NumThreads, w.runTask)
	return w
}

// NewDistributedWorld constructs a World that dispatches across
// bigmachine machines started from system: active messages for rank i
// (1..nprocs) are delivered to machines[i-1]'s worker service. Call Start before
// registering operators whose keymap may return a nonzero rank.
func NewDistributedWorld(ctx context.Context, cfg ttg.Config, system bigmachine.System, nprocs int, params ...bigmachine.Param) (*World, error) {
	w := NewWorld(cfg)
	b := bigmachine.Start(system)
	machines, err := b.Start(ctx, nprocs, params...)
	if err != nil {
		b.Shutdown()
		return nil, errors.E(errors.Net, err, "exec: failed to start bigmachine machines")
	}
	for _, m := range machines {
		var lastErr error
		for retries := 0; retries < maxProvisionRetries; retries++ {
			if lastErr = m.Wait(ctx, bigmachine.Running); lastErr == nil {
				break
			}
			if werr := retry.Wait(ctx, provisionRetry, retries); werr != nil {
				lastErr = werr
				break
			}
		}
		if lastErr != nil {
			b.Shutdown()
			return nil, errors.E(errors.Net, lastErr, "exec: machine failed to start")
		}
	}
	w.system = system
	w.b = b
	w.machines = machines
	for i, m := range machines {
		req := setPeersRequest{Rank: i + 1, Machines: machines}
		if err := m.RetryCall(ctx, "Worker.SetPeers", req, nil); err != nil {
			b.Shutdown()
			return nil, errors.E(errors.Net, err, "exec: failed to distribute peer machine handles")
		}
	}
	return w, nil
}

// Rank returns this World's rank within its distributed group. A
// single-process World is always rank 0.
func (w *World) Rank() int { return w.rank }

// SetRank sets this World's rank. Call it before Register in a worker
// binary that builds its own World to run a distributed graph's
// non-driver ranks (1..N); the driver World returned by
// NewDistributedWorld keeps the default rank 0.
func (w *World) SetRank(rank int) { w.rank = rank }

// setMachines installs this World's view of every rank's machine
// handle.
func (w *World) setMachines(machines []*bigmachine.Machine) {
	w.mu.Lock()
	w.machines = machines
	w.mu.Unlock()
}

// NumThreads reports the worker goroutine count the scheduler was
// started with.
func (w *World) NumThreads() int {
	if w.cfg.NumThreads > 0 {
		return w.cfg.NumThreads
	}
	return runtime.GOMAXPROCS(0)
}

// Register activates dispatch for op: it allocates op's pending-task
// table, wires each input terminal's callbacks back to this World,
// and binds op to this World as its ttg.Registrar. op must already be
// frozen via OpBase.MakeExecutable.
func (w *World) Register(op *ttg.OpBase) error {
	if !op.Frozen() {
		if err := op.MakeExecutable(); err != nil {
			return err
		}
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, dup := w.ops[op.Name()]; dup {
		return &ttg.WiringError{Op: op.Name(), Msg: "registered twice with the same World"}
	}
	r := &registeredOp{
		op:    op,
		table: pendingtask.NewTable(op.Name(), op.NumIns(), w.cfg.TableBuckets),
	}
	w.ops[op.Name()] = r
	op.BindRuntime(w)
	for i := 0; i < op.NumIns(); i++ {
		idx := i
		op.In(idx).Bind(ttg.InputCallbacks{
			Send:     func(key ttg.Key, value any) error { return w.inputArrived(op, idx, key, value) },
			SetSize:  func(key ttg.Key, n int) error { return w.deliverSetSize(op, idx, key, n) },
			Finalize: func(key ttg.Key) error { return w.deliverFinalize(op, idx, key) },
		})
	}
	if replayed := w.stash.take(op.Name()); len(replayed) > 0 {
		log.Printf("exec: replaying %d stashed active messages for op %q", len(replayed), op.Name())
		for _, am := range replayed {
			if err := w.handleMessage(am); err != nil {
				log.Error.Printf("exec: replay of stashed message for %q failed: %v", op.Name(), err)
			}
		}
	}
	return nil
}

func (w *World) registered(name string) (*registeredOp, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	r, ok := w.ops[name]
	return r, ok
}

// Start launches the scheduler's worker goroutines. Execute/Fence
// call it lazily, so most callers never need to.
func (w *World) Start() {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return
	}
	w.started = true
	w.mu.Unlock()
	w.sched.start()
}

// Execute arms this World's taskpool epoch: spec.md §6's
// World::execute, the point after which Invoke is legal. Every
// operator that will ever be invoked must already be registered.
// Execute also starts the scheduler, so a caller that calls Execute
// need not call Start separately. It is idempotent — once.Task backs
// it the same way worker.Compile's once.Map makes repeated Compile
// calls for the same invocation safe in
// psampaz-bigslice/exec/bigmachine.go — so a distributed graph's
// driver and every worker can each call Execute on their own World
// without coordinating who goes first.
func (w *World) Execute() error {
	return w.execute.Do(func() error {
		w.Start()
		atomic.StoreInt32(&w.armed, 1)
		return nil
	})
}

// executed reports whether Execute has run.
func (w *World) executed() bool { return atomic.LoadInt32(&w.armed) == 1 }

// Fence blocks until every task this World knows about — locally
// enqueued or awaiting delivery from a remote rank — has run and no
// in-flight active message remains: the Go realization of spec.md
// §6's termination detection ("quiescence" in the GLOSSARY).
func (w *World) Fence(ctx context.Context) error {
	if err := w.Execute(); err != nil {
		return err
	}
	return w.term.wait(ctx)
}

// Finalize shuts down the scheduler and, for a distributed World, its
// bigmachine machines. It does not imply Fence; call Fence first if
// graph completion matters.
func (w *World) Finalize() error {
	w.sched.stop()
	if w.b != nil {
		w.b.Shutdown()
	}
	return nil
}

// HandleDebug registers this World's debug endpoints (pending-task
// counts, termination-detector counters) on handler, the same pattern
// bigslice's bigmachineExecutor.HandleDebug uses for its own
// diagnostics.
func (w *World) HandleDebug(handler *http.ServeMux) {
	handler.HandleFunc("/debug/ttg/status", w.handleDebugStatus)
}

