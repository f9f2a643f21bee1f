package cluster

import (
	"context"

	"github.com/imalyk/gpu-video-engine/pkg/pipeline"
)

// PushLoadSentinels pushes count shutdown sentinels into a node's
// load_work queue, per spec.md §4.3's Draining-state entry action:
// "push LOAD_WORKERS_PER_NODE shutdown sentinels into load_work."
func PushLoadSentinels(ctx context.Context, q *pipeline.Queue[pipeline.LoadWorkEntry], count int) error {
	for i := 0; i < count; i++ {
		if err := q.Push(ctx, pipeline.LoadWorkEntry{WorkItemIndex: pipeline.SentinelIndex}); err != nil {
			return err
		}
	}
	return nil
}

// PushEvalSentinels pushes exactly one shutdown sentinel into each
// per-GPU eval_work queue, per spec.md §4.3: "After all load workers
// join, push GPUS_PER_NODE sentinels into the respective eval_work[g]
// queues." Must only be called after every load worker on this node
// has exited, since a load worker can otherwise still be mid-push to
// one of these queues.
func PushEvalSentinels(ctx context.Context, queues []*pipeline.Queue[pipeline.EvalWorkEntry]) error {
	for _, q := range queues {
		if err := q.Push(ctx, pipeline.EvalWorkEntry{WorkItemIndex: pipeline.SentinelIndex}); err != nil {
			return err
		}
	}
	return nil
}

// LocalBacklog computes |load_work| + sum(|eval_work[g]|), the
// quantity both the dispatcher (spec.md §4.2) and the node
// coordinator (spec.md §4.3) compare against HighWaterMark.
func LocalBacklog(loadWork *pipeline.Queue[pipeline.LoadWorkEntry], evalWork []*pipeline.Queue[pipeline.EvalWorkEntry]) int {
	backlog := loadWork.Len()
	for _, q := range evalWork {
		backlog += q.Len()
	}
	return backlog
}
