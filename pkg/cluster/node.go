package cluster

import (
	"context"
	"fmt"
	"time"

	"github.com/imalyk/gpu-video-engine/pkg/config"
	"github.com/imalyk/gpu-video-engine/pkg/pipeline"
)

// NodeState is one stage of the state machine spec.md §4.3 names:
// Idle -> Requesting -> Working -> Draining -> Done.
type NodeState int

const (
	NodeIdle NodeState = iota
	NodeRequesting
	NodeWorking
	NodeDraining
	NodeDone
)

func (s NodeState) String() string {
	switch s {
	case NodeIdle:
		return "idle"
	case NodeRequesting:
		return "requesting"
	case NodeWorking:
		return "working"
	case NodeDraining:
		return "draining"
	case NodeDone:
		return "done"
	default:
		return "unknown"
	}
}

// NodeCoordinator runs on every non-master node (spec.md §4.3). It
// requests work from the master whenever local backlog falls below
// the high-water mark, pushes it into the local load_work queue, and
// drives the shutdown sequence once the master replies with the
// sentinel.
type NodeCoordinator struct {
	cfg       *config.Config
	nodeID    string
	transport NodeTransport

	loadWork *pipeline.Queue[pipeline.LoadWorkEntry]
	evalWork []*pipeline.Queue[pipeline.EvalWorkEntry]

	pollInterval time.Duration
	state        NodeState
}

// NewNodeCoordinator builds a coordinator for one node.
func NewNodeCoordinator(cfg *config.Config, nodeID string, transport NodeTransport,
	loadWork *pipeline.Queue[pipeline.LoadWorkEntry], evalWork []*pipeline.Queue[pipeline.EvalWorkEntry]) *NodeCoordinator {
	return &NodeCoordinator{
		cfg:          cfg,
		nodeID:       nodeID,
		transport:    transport,
		loadWork:     loadWork,
		evalWork:     evalWork,
		pollInterval: 10 * time.Millisecond,
		state:        NodeIdle,
	}
}

// State reports the coordinator's current stage, for introspection
// and tests.
func (n *NodeCoordinator) State() NodeState { return n.state }

// Run drives Idle -> Requesting -> Working -> Draining. On return, the
// node's load_work queue has received exactly LoadWorkersPerNode
// shutdown sentinels (spec.md §4.3); the caller is responsible for
// waiting for the load workers to join and then calling
// FinishLoadDrain to push the eval-side sentinels, matching the
// two-phase shutdown the spec requires (load workers must fully exit
// before eval_work[g] is told to stop, since a load worker might
// still be mid-push to it).
func (n *NodeCoordinator) Run(ctx context.Context) error {
	n.state = NodeRequesting
	n.state = NodeWorking

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		backlog := LocalBacklog(n.loadWork, n.evalWork)
		if backlog >= n.cfg.HighWaterMark {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(n.pollInterval):
			}
			continue
		}

		idx, err := n.transport.RequestWork(ctx, n.nodeID)
		if err != nil {
			return fmt.Errorf("cluster: node %s request work: %w", n.nodeID, err)
		}

		if idx == int32(pipeline.SentinelIndex) {
			n.state = NodeDraining
			return PushLoadSentinels(ctx, n.loadWork, n.cfg.LoadWorkersPerNode)
		}

		if err := n.loadWork.Push(ctx, pipeline.LoadWorkEntry{WorkItemIndex: int(idx)}); err != nil {
			return err
		}
	}
}

// FinishLoadDrain pushes the per-GPU eval_work sentinels. Call this
// only after every load worker on this node has exited (spec.md
// §4.3's "After all load workers join, push GPUS_PER_NODE sentinels
// into the respective eval_work[g] queues").
func (n *NodeCoordinator) FinishLoadDrain(ctx context.Context) error {
	return PushEvalSentinels(ctx, n.evalWork)
}

// Finish marks the coordinator Done. Call this only after every eval
// worker on this node has exited (spec.md §4.3's "After all eval
// workers join, release buffers, transition to Done" — buffer release
// itself is the caller dropping its *pipeline.BufferPool reference,
// since Go buffers have no explicit dealloc call).
func (n *NodeCoordinator) Finish() {
	n.state = NodeDone
}
