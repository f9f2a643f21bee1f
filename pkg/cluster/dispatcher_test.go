package cluster

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/imalyk/gpu-video-engine/pkg/config"
	"github.com/imalyk/gpu-video-engine/pkg/pipeline"
	"github.com/stretchr/testify/require"
)

func clusterConfig(t *testing.T, numNodes, gpusPerNode, tasksPerGPU, loadWorkers int) *config.Config {
	t.Helper()
	cfg, err := config.New(0, numNodes, gpusPerNode, 2, 2, tasksPerGPU, loadWorkers, 4, 224,
		"videos.txt", "localhost:6379", "", 0, "video-preprocessor")
	require.NoError(t, err)
	return cfg
}

func newLocalQueues(cfg *config.Config) (*pipeline.Queue[pipeline.LoadWorkEntry], []*pipeline.Queue[pipeline.EvalWorkEntry]) {
	loadWork := pipeline.NewQueue[pipeline.LoadWorkEntry](cfg.HighWaterMark + cfg.LoadWorkersPerNode + 8)
	evalWork := make([]*pipeline.Queue[pipeline.EvalWorkEntry], cfg.GPUsPerNode)
	for g := range evalWork {
		evalWork[g] = pipeline.NewQueue[pipeline.EvalWorkEntry](cfg.TasksInQueuePerGPU + 4)
	}
	return loadWork, evalWork
}

// S4 from spec.md §8: master completes dispatch while one remote node
// still has items to process locally; the remote node must still
// receive exactly one -1 after it finishes asking.
func TestDispatcher_S4RemoteDrainsAfterMasterExhausted(t *testing.T) {
	const total = 5
	cfg := clusterConfig(t, 2, 1, 3, 1) // master + one remote node
	transport := NewLocalTransport(4)

	masterLoad, masterEval := newLocalQueues(cfg)
	dispatcher := NewDispatcher(cfg, total, transport, masterLoad, masterEval)
	dispatcher.pollInterval = time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	var dispatchErr error
	go func() {
		defer wg.Done()
		dispatchErr = dispatcher.Run(ctx)
	}()

	// Drain the master's own local load_work queue as the dispatcher
	// self-assigns into it, so backlog never blocks dispatch.
	go drainLoadQueue(ctx, masterLoad)

	// Simulate a single remote node requesting work one item at a
	// time, slower than the master — it should still end up with
	// every item the master didn't take, then a trailing -1.
	seen := []int32{}
	for {
		idx, err := transport.RequestWork(ctx, "node-1")
		require.NoError(t, err)
		seen = append(seen, idx)
		if idx == -1 {
			break
		}
	}

	wg.Wait()
	require.NoError(t, dispatchErr)
	require.Equal(t, int32(-1), seen[len(seen)-1])
	require.Equal(t, 1, countSentinels(seen), "exactly one -1 sentinel for the single remote node")
}

// S6 from spec.md §8: sentinel propagation. After all items are
// dispatched, the dispatcher must push exactly LoadWorkersPerNode -1
// sentinels into its own local load_work queue.
func TestDispatcher_PushesLoadSentinelsOnFinish(t *testing.T) {
	const total = 3
	cfg := clusterConfig(t, 1, 1, 2, 3) // single-node cluster (master only)
	transport := NewLocalTransport(4)
	masterLoad, masterEval := newLocalQueues(cfg)

	dispatcher := NewDispatcher(cfg, total, transport, masterLoad, masterEval)
	dispatcher.pollInterval = time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan error, 1)
	var popped []pipeline.LoadWorkEntry
	var mu sync.Mutex
	go func() {
		for i := 0; i < total+cfg.LoadWorkersPerNode; i++ {
			v, ok, err := masterLoad.Pop(ctx)
			if err != nil || !ok {
				return
			}
			mu.Lock()
			popped = append(popped, v)
			mu.Unlock()
		}
	}()

	go func() { done <- dispatcher.Run(ctx) }()
	require.NoError(t, <-done)

	// Give the drain goroutine a moment to pop everything pushed.
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, popped, total+cfg.LoadWorkersPerNode)

	sentinels := 0
	for _, e := range popped {
		if e.IsSentinel() {
			sentinels++
		}
	}
	require.Equal(t, cfg.LoadWorkersPerNode, sentinels)
}

func drainLoadQueue(ctx context.Context, q *pipeline.Queue[pipeline.LoadWorkEntry]) {
	for {
		_, ok, err := q.Pop(ctx)
		if err != nil || !ok {
			return
		}
	}
}

func countSentinels(indices []int32) int {
	n := 0
	for _, idx := range indices {
		if idx == -1 {
			n++
		}
	}
	return n
}
