package cluster

import (
	"context"
	"sync"
	"time"

	"github.com/imalyk/gpu-video-engine/pkg/config"
	"github.com/imalyk/gpu-video-engine/pkg/pipeline"
)

// Dispatcher is the cluster dispatcher that runs on the master only
// (spec.md §4.2). It hands out work-item indices 0..N-1 to nodes on
// request, then hands out exactly one -1 sentinel per non-master
// node, then returns.
type Dispatcher struct {
	cfg      *config.Config
	total    int
	transport MasterTransport

	// The master's own local queues — it is also a local consumer of
	// the work it dispatches (spec.md §4.2).
	localLoadWork *pipeline.Queue[pipeline.LoadWorkEntry]
	localEvalWork []*pipeline.Queue[pipeline.EvalWorkEntry]

	// pollInterval bounds how long NextRequest is allowed to block
	// before the dispatcher re-checks its own local backlog — this is
	// the "cooperative yield between poll cycles" spec.md §5 calls
	// for, implemented as a context deadline on each NextRequest call
	// rather than a busy spin.
	pollInterval time.Duration

	mu          sync.Mutex
	nextIndex   int
	workersDone int
}

// NewDispatcher builds a Dispatcher for a plan of `total` work items.
// cfg.NumNodes is the full cluster size including the master; the
// dispatcher replies -1 to remote requests until cfg.NumNodes-1 -1
// replies have been sent. Replies are counted, not nodes: a node that
// asks again after its -1 is counted a second time.
func NewDispatcher(cfg *config.Config, total int, transport MasterTransport,
	localLoadWork *pipeline.Queue[pipeline.LoadWorkEntry], localEvalWork []*pipeline.Queue[pipeline.EvalWorkEntry]) *Dispatcher {
	return &Dispatcher{
		cfg:           cfg,
		total:         total,
		transport:     transport,
		localLoadWork: localLoadWork,
		localEvalWork: localEvalWork,
		pollInterval:  10 * time.Millisecond,
	}
}

// exhausted reports whether every index 0..total-1 has been handed out.
func (d *Dispatcher) exhausted() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.nextIndex >= d.total
}

// take returns the next index and increments the counter, or reports
// exhaustion. Guarded by mu since the master's self-assignment path
// and the remote-reply path both call it from the same goroutine in
// this implementation, but the lock keeps the invariant true even if
// a future caller runs them concurrently.
func (d *Dispatcher) take() (int32, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.nextIndex >= d.total {
		return -1, false
	}
	idx := d.nextIndex
	d.nextIndex++
	return int32(idx), true
}

func (d *Dispatcher) markWorkerDone() (allDone bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.workersDone++
	return d.workersDone >= d.cfg.NumNodes-1
}

// Run drives the dispatcher to completion. It alternates one
// self-assignment with one remote-request service per loop pass
// (SPEC_FULL.md §4 decision 1) rather than draining local backlog to
// the high-water mark before ever looking at a remote request, which
// is what the source's unconditional `continue` after self-assignment
// would do and which can starve remote nodes indefinitely.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		// A single-node cluster (master only) has no remote workers
		// to wait for: once dispatch is exhausted there is nothing
		// serviceOneRemote will ever observe, so finish immediately
		// rather than polling forever for a request that can't come.
		if d.cfg.NumNodes == 1 && d.exhausted() {
			return d.finish(ctx)
		}

		backlog := LocalBacklog(d.localLoadWork, d.localEvalWork)
		if backlog < d.cfg.HighWaterMark && !d.exhausted() {
			if err := d.selfAssign(ctx); err != nil {
				return err
			}
		}

		serviced, done, err := d.serviceOneRemote(ctx)
		if err != nil {
			return err
		}
		if done {
			return d.finish(ctx)
		}
		if !serviced {
			// Nothing to do this pass: neither self-assignment nor a
			// remote request was available. Yield cooperatively
			// instead of busy-spinning (spec.md §5).
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d.pollInterval):
			}
		}
	}
}

func (d *Dispatcher) selfAssign(ctx context.Context) error {
	idx, ok := d.take()
	if !ok {
		return nil
	}
	return d.localLoadWork.Push(ctx, pipeline.LoadWorkEntry{WorkItemIndex: int(idx)})
}

// serviceOneRemote waits up to pollInterval for a remote "more work"
// request and, if one arrives, replies with the next index or -1.
// done reports that every non-master node has now received its -1.
func (d *Dispatcher) serviceOneRemote(ctx context.Context) (serviced bool, done bool, err error) {
	waitCtx, cancel := context.WithTimeout(ctx, d.pollInterval)
	defer cancel()

	nodeID, err := d.transport.NextRequest(waitCtx)
	if err != nil {
		if err == ErrNoRequestPending {
			return false, false, nil
		}
		return false, false, err
	}

	idx, ok := d.take()
	if !ok {
		idx = -1
	}
	if err := d.transport.Reply(ctx, nodeID, idx); err != nil {
		return true, false, err
	}
	if !ok {
		if d.markWorkerDone() {
			return true, true, nil
		}
	}
	return true, false, nil
}

// finish pushes the master's own local shutdown sentinels once
// dispatch is fully complete, since the master is itself a node with
// local load workers to retire (spec.md §4.3 applies symmetrically to
// rank 0's own workers; only the remote-protocol half is special to
// the master).
func (d *Dispatcher) finish(ctx context.Context) error {
	return PushLoadSentinels(ctx, d.localLoadWork, d.cfg.LoadWorkersPerNode)
}
