// Package telemetry accumulates the per-worker timing statistics the
// spec calls for in §4.4/§4.5 ("Timing telemetry", "not part of
// functional contract"). It is diagnostic only: no correctness
// property in this repository depends on these numbers.
package telemetry

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// LoadWorkerStats accumulates the timing breakdown a load worker
// reports on exit: total task time, total idle (queue-wait) time, I/O
// time, decode time, and memcpy time. Field names resolve the spec's
// noted "decode_time"/"total_mempcy_time" typos as the accumulated
// video-decode time and memcpy time, respectively (spec.md §9).
type LoadWorkerStats struct {
	TaskTime   atomic.Int64 // nanoseconds
	IdleTime   atomic.Int64
	IOTime     atomic.Int64
	DecodeTime atomic.Int64
	MemcpyTime atomic.Int64

	itemsProcessed atomic.Int64
}

// AddTask, AddIdle, ... record a duration against the corresponding bucket.
func (s *LoadWorkerStats) AddTask(d time.Duration)   { s.TaskTime.Add(int64(d)) }
func (s *LoadWorkerStats) AddIdle(d time.Duration)   { s.IdleTime.Add(int64(d)) }
func (s *LoadWorkerStats) AddIO(d time.Duration)     { s.IOTime.Add(int64(d)) }
func (s *LoadWorkerStats) AddDecode(d time.Duration) { s.DecodeTime.Add(int64(d)) }
func (s *LoadWorkerStats) AddMemcpy(d time.Duration) { s.MemcpyTime.Add(int64(d)) }
func (s *LoadWorkerStats) IncItems()                 { s.itemsProcessed.Add(1) }

// LogSummary logs a structured breakdown, matching the teacher's
// convention of logging counters on shutdown (worker.run's final log
// lines) rather than exposing a metrics endpoint.
func (s *LoadWorkerStats) LogSummary(ctx context.Context, logger *slog.Logger, workerID string) {
	task := time.Duration(s.TaskTime.Load())
	idle := time.Duration(s.IdleTime.Load())
	io := time.Duration(s.IOTime.Load())
	decode := time.Duration(s.DecodeTime.Load())
	memcpy := time.Duration(s.MemcpyTime.Load())
	items := s.itemsProcessed.Load()

	var ioPct, decodePct, memcpyPct float64
	if task > 0 {
		ioPct = 100 * float64(io) / float64(task)
		decodePct = 100 * float64(decode) / float64(task)
		memcpyPct = 100 * float64(memcpy) / float64(task)
	}

	logger.InfoContext(ctx, "load worker stopped",
		"worker_id", workerID,
		"items_processed", items,
		"task_time", task,
		"idle_time", idle,
		"io_time", io,
		"io_pct", ioPct,
		"decode_time", decode,
		"decode_pct", decodePct,
		"memcpy_time", memcpy,
		"memcpy_pct", memcpyPct,
	)
}

// EvalWorkerStats mirrors LoadWorkerStats for the eval stage: total
// task time, idle time, preprocessing time (color convert / resize /
// normalize), and forward-pass time.
type EvalWorkerStats struct {
	TaskTime       atomic.Int64
	IdleTime       atomic.Int64
	PreprocessTime atomic.Int64
	ForwardTime    atomic.Int64

	buffersProcessed atomic.Int64
}

func (s *EvalWorkerStats) AddTask(d time.Duration)       { s.TaskTime.Add(int64(d)) }
func (s *EvalWorkerStats) AddIdle(d time.Duration)       { s.IdleTime.Add(int64(d)) }
func (s *EvalWorkerStats) AddPreprocess(d time.Duration) { s.PreprocessTime.Add(int64(d)) }
func (s *EvalWorkerStats) AddForward(d time.Duration)    { s.ForwardTime.Add(int64(d)) }
func (s *EvalWorkerStats) IncBuffers()                   { s.buffersProcessed.Add(1) }

// ReportPeriodically logs an aggregate snapshot across every worker's
// accumulators every interval, mirroring the teacher-adjacent pack's
// reportStats ticker (Arnab streamer.go: reportStats) rather than the
// shutdown-only summaries LogSummary gives each individual worker.
// Returns once ctx is cancelled.
func ReportPeriodically(ctx context.Context, logger *slog.Logger, interval time.Duration, loadStats []*LoadWorkerStats, evalStats []*EvalWorkerStats) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var itemsProcessed, buffersProcessed int64
			for _, s := range loadStats {
				itemsProcessed += s.itemsProcessed.Load()
			}
			for _, s := range evalStats {
				buffersProcessed += s.buffersProcessed.Load()
			}
			logger.InfoContext(ctx, "engine statistics",
				"load_workers", len(loadStats),
				"eval_workers", len(evalStats),
				"work_items_processed", itemsProcessed,
				"buffers_processed", buffersProcessed,
			)
		}
	}
}

func (s *EvalWorkerStats) LogSummary(ctx context.Context, logger *slog.Logger, gpuID int) {
	task := time.Duration(s.TaskTime.Load())
	idle := time.Duration(s.IdleTime.Load())
	preprocess := time.Duration(s.PreprocessTime.Load())
	forward := time.Duration(s.ForwardTime.Load())
	buffers := s.buffersProcessed.Load()

	var preprocessPct, forwardPct float64
	if task > 0 {
		preprocessPct = 100 * float64(preprocess) / float64(task)
		forwardPct = 100 * float64(forward) / float64(task)
	}

	logger.InfoContext(ctx, "eval worker stopped",
		"gpu_id", gpuID,
		"buffers_processed", buffers,
		"task_time", task,
		"idle_time", idle,
		"preprocess_time", preprocess,
		"preprocess_pct", preprocessPct,
		"forward_time", forward,
		"forward_pct", forwardPct,
	)
}
