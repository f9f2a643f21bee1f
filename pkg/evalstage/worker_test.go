package evalstage

import (
	"context"
	"log/slog"
	"testing"

	"github.com/imalyk/gpu-video-engine/pkg/config"
	"github.com/imalyk/gpu-video-engine/pkg/evaluator"
	"github.com/imalyk/gpu-video-engine/pkg/pipeline"
	"github.com/imalyk/gpu-video-engine/pkg/telemetry"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T, globalBatchSize int) *config.Config {
	t.Helper()
	cfg, err := config.New(0, 1, 1, globalBatchSize, 4, 2, 1, 2, 4, "videos.txt", "localhost:6379", "", 0, "video-preprocessor")
	require.NoError(t, err)
	return cfg
}

func TestWorker_SplitsIntoFullBatchesPlusOneShortBatch(t *testing.T) {
	// 11 frames at batch size 4 -> two full batches of 4, one short batch of 3.
	cfg := testConfig(t, 4)
	frameSize := 2 * 2 * 3

	pool := pipeline.NewBufferPool(cfg, frameSize)
	evalWork := pipeline.NewQueue[pipeline.EvalWorkEntry](4)
	workItems := []pipeline.WorkItem{{VideoIndex: 0, StartFrame: 0, EndFrame: 11}}

	network := evaluator.NewCPUNetwork(2, 3)
	w := New(0, cfg, pool, evalWork, network, workItems, &telemetry.EvalWorkerStats{}, slog.Default())

	ctx := context.Background()
	buf, err := pool.AcquireForLoad(ctx)
	require.NoError(t, err)

	require.NoError(t, evalWork.Push(ctx, pipeline.EvalWorkEntry{WorkItemIndex: 0, BufferIndex: buf.BufferIndex}))
	require.NoError(t, evalWork.Push(ctx, pipeline.EvalWorkEntry{WorkItemIndex: pipeline.SentinelIndex}))

	require.NoError(t, w.Run(ctx))
	require.Equal(t, 3, network.ForwardCount())

	// The pool holds two buffers; the one never acquired is still ahead
	// of the released one in the FIFO free queue.
	untouched, ok, err := pool.EmptyLoadBuffers().Pop(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotEqual(t, buf.BufferIndex, untouched.BufferIndex)

	released, ok, err := pool.EmptyLoadBuffers().Pop(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, buf.BufferIndex, released.BufferIndex)
}

func TestWorker_ExactMultipleOfBatchSizeHasNoShortBatch(t *testing.T) {
	cfg := testConfig(t, 4)
	frameSize := 2 * 2 * 3

	pool := pipeline.NewBufferPool(cfg, frameSize)
	evalWork := pipeline.NewQueue[pipeline.EvalWorkEntry](4)
	workItems := []pipeline.WorkItem{{VideoIndex: 0, StartFrame: 0, EndFrame: 8}}

	network := evaluator.NewCPUNetwork(2, 3)
	w := New(0, cfg, pool, evalWork, network, workItems, &telemetry.EvalWorkerStats{}, slog.Default())

	ctx := context.Background()
	buf, err := pool.AcquireForLoad(ctx)
	require.NoError(t, err)

	require.NoError(t, evalWork.Push(ctx, pipeline.EvalWorkEntry{WorkItemIndex: 0, BufferIndex: buf.BufferIndex}))
	require.NoError(t, evalWork.Push(ctx, pipeline.EvalWorkEntry{WorkItemIndex: pipeline.SentinelIndex}))

	require.NoError(t, w.Run(ctx))
	require.Equal(t, 2, network.ForwardCount())
}

func TestWorker_UnknownBufferIndexIsError(t *testing.T) {
	cfg := testConfig(t, 4)
	frameSize := 2 * 2 * 3

	pool := pipeline.NewBufferPool(cfg, frameSize)
	evalWork := pipeline.NewQueue[pipeline.EvalWorkEntry](4)
	workItems := []pipeline.WorkItem{{VideoIndex: 0, StartFrame: 0, EndFrame: 4}}

	network := evaluator.NewCPUNetwork(2, 3)
	w := New(0, cfg, pool, evalWork, network, workItems, &telemetry.EvalWorkerStats{}, slog.Default())

	ctx := context.Background()
	err := w.processOne(ctx, pipeline.EvalWorkEntry{WorkItemIndex: 0, BufferIndex: 99})
	require.Error(t, err)
}
