package cluster

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/imalyk/gpu-video-engine/pkg/pipeline"
	"github.com/stretchr/testify/require"
)

// TestNodeCoordinator_FullLifecycle drives a dispatcher and a single
// node coordinator end-to-end over a LocalTransport and asserts every
// work item is delivered exactly once across the master's and the
// node's load_work queues, each queue then receiving exactly
// LoadWorkersPerNode sentinels, matching
// testable property 1 (exactly-once) and property 4 (termination)
// scoped to the dispatcher<->coordinator boundary.
func TestNodeCoordinator_FullLifecycle(t *testing.T) {
	const total = 7
	cfg := clusterConfig(t, 2, 1, 2, 2) // master + one remote node, 2 load workers
	transport := NewLocalTransport(4)

	masterLoad, masterEval := newLocalQueues(cfg)
	dispatcher := NewDispatcher(cfg, total, transport, masterLoad, masterEval)
	dispatcher.pollInterval = time.Millisecond

	nodeLoad, nodeEval := newLocalQueues(cfg)
	node := NewNodeCoordinator(cfg, "node-1", transport, nodeLoad, nodeEval)
	node.pollInterval = time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var mu sync.Mutex
	var masterItems, nodeItems []int

	var wg sync.WaitGroup
	wg.Add(4)

	go func() {
		defer wg.Done()
		require.NoError(t, dispatcher.Run(ctx))
	}()
	go func() {
		defer wg.Done()
		collectLoadEntries(ctx, masterLoad, &mu, &masterItems, cfg.LoadWorkersPerNode)
	}()
	go func() {
		defer wg.Done()
		require.NoError(t, node.Run(ctx))
	}()
	go func() {
		defer wg.Done()
		// Drain the node's load_work while the coordinator runs, standing
		// in for its load workers; otherwise backlog stays at the
		// high-water mark and the coordinator stops requesting work.
		collectLoadEntries(ctx, nodeLoad, &mu, &nodeItems, cfg.LoadWorkersPerNode)
	}()

	wg.Wait()

	mu.Lock()
	defer mu.Unlock()

	seen := map[int]int{}
	for _, i := range masterItems {
		if i >= 0 {
			seen[i]++
		}
	}
	for _, i := range nodeItems {
		if i >= 0 {
			seen[i]++
		}
	}
	require.Len(t, seen, total, "every work item must be seen")
	for idx, count := range seen {
		require.Equal(t, 1, count, "work item %d seen more than once", idx)
	}

	masterSentinels := countIntSentinels(masterItems)
	nodeSentinels := countIntSentinels(nodeItems)
	require.Equal(t, cfg.LoadWorkersPerNode, masterSentinels)
	require.Equal(t, cfg.LoadWorkersPerNode, nodeSentinels)
	require.Equal(t, NodeDraining, node.State())
}

// collectLoadEntries drains q until it has seen wantSentinels
// sentinel entries. PushLoadSentinels always pushes exactly that many,
// consecutively, as the last thing it does to a queue, so this is a
// well-defined stopping point that doesn't require guessing how many
// real work items preceded them.
func collectLoadEntries(ctx context.Context, q *pipeline.Queue[pipeline.LoadWorkEntry], mu *sync.Mutex, out *[]int, wantSentinels int) {
	seenSentinels := 0
	for seenSentinels < wantSentinels {
		v, ok, err := q.Pop(ctx)
		if err != nil || !ok {
			return
		}
		mu.Lock()
		*out = append(*out, v.WorkItemIndex)
		mu.Unlock()
		if v.IsSentinel() {
			seenSentinels++
		}
	}
}

func countIntSentinels(items []int) int {
	n := 0
	for _, i := range items {
		if i == pipeline.SentinelIndex {
			n++
		}
	}
	return n
}
