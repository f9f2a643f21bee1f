// Command engine is the cluster-node entrypoint: every rank plans the
// same work-item list locally; rank 0 also runs preprocessing and the
// cluster dispatcher, every other rank runs the node coordinator, and
// every rank runs the load and evaluate stage workers against a
// shared buffer pool. Grounded on the
// teacher's worker/main.go entrypoint shape: env-var config loading,
// slog JSON logging, redis.NewClient + Ping before use.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/imalyk/gpu-video-engine/pkg/cluster"
	"github.com/imalyk/gpu-video-engine/pkg/config"
	"github.com/imalyk/gpu-video-engine/pkg/decoder"
	"github.com/imalyk/gpu-video-engine/pkg/enginerr"
	"github.com/imalyk/gpu-video-engine/pkg/evalstage"
	"github.com/imalyk/gpu-video-engine/pkg/evaluator"
	"github.com/imalyk/gpu-video-engine/pkg/loadstage"
	"github.com/imalyk/gpu-video-engine/pkg/pipeline"
	"github.com/imalyk/gpu-video-engine/pkg/preprocess"
	"github.com/imalyk/gpu-video-engine/pkg/storage"
	"github.com/imalyk/gpu-video-engine/pkg/telemetry"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	rank := parseInt(os.Getenv("RANK"), 0)
	numNodes := parseInt(os.Getenv("NUM_NODES"), 1)
	videoPathsFile := os.Getenv("VIDEO_PATHS_FILE")

	cfg, err := config.Load(rank, numNodes, videoPathsFile)
	if err != nil {
		log.Fatalf("engine: load config: %v", err)
	}

	runID := uuid.New().String()
	logger = logger.With("run_id", runID, "rank", cfg.Rank)

	if err := run(ctx, cfg, logger, runID); err != nil {
		if errors.Is(err, enginerr.ErrPreprocessingTriggered) {
			logger.Info("preprocessing triggered, rerun after it completes")
			return
		}
		logger.Error("engine stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger, runID string) error {
	videoPaths, err := readVideoPaths(cfg.VideoPathsFile)
	if err != nil {
		return err
	}

	backend := newStorageBackend()

	if cfg.Rank == 0 {
		for _, path := range videoPaths {
			runner := preprocess.NewExecRunner(cfg.PreprocessorPath)
			if err := runner.EnsureProcessed(ctx, path); err != nil {
				return err
			}
		}
	}

	videos, err := loadVideoInputs(ctx, backend, videoPaths)
	if err != nil {
		return err
	}

	workItems, err := pipeline.Plan(videos, cfg)
	if err != nil {
		return err
	}
	logger.Info("planned work items", "count", len(workItems), "videos", len(videos))

	frameSize := videos[0].Metadata.Width * videos[0].Metadata.Height * 3
	pool := pipeline.NewBufferPool(cfg, frameSize)

	loadWork := pipeline.NewQueue[pipeline.LoadWorkEntry](cfg.HighWaterMark)
	evalWork := make([]*pipeline.Queue[pipeline.EvalWorkEntry], cfg.GPUsPerNode)
	for g := range evalWork {
		evalWork[g] = pipeline.NewQueue[pipeline.EvalWorkEntry](cfg.TasksInQueuePerGPU)
	}
	evalWorkFor := func(gpuID int) *pipeline.Queue[pipeline.EvalWorkEntry] { return evalWork[gpuID] }

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("engine: redis ping: %w", err)
	}
	transport := cluster.NewRedisTransport(redisClient, "")

	var wg sync.WaitGroup

	videoPathStrs := make([]string, len(videos))
	videoMeta := make([]pipeline.VideoMetadata, len(videos))
	for i, v := range videos {
		videoPathStrs[i] = v.Path
		videoMeta[i] = v.Metadata
	}

	ffmpegPath := valueOrDefault(os.Getenv("FFMPEG_PATH"), "ffmpeg")
	newDecoder := func(videoPath string, width, height int, keyframes decoder.KeyframeTable) (decoder.Decoder, error) {
		return decoder.NewFFmpegDecoder(ffmpegPath, videoPath, width, height, keyframes), nil
	}

	loadStats := make([]*telemetry.LoadWorkerStats, cfg.LoadWorkersPerNode)
	evalStats := make([]*telemetry.EvalWorkerStats, cfg.GPUsPerNode)

	for i := 0; i < cfg.LoadWorkersPerNode; i++ {
		stats := &telemetry.LoadWorkerStats{}
		loadStats[i] = stats
		w := loadstage.New(
			fmt.Sprintf("load-%d", i), cfg, newStorageBackend(), pool, loadWork, evalWorkFor,
			videoPathStrs, videoMeta, workItems, newDecoder,
			stats, logger,
		)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := w.Run(ctx); err != nil {
				// Storage and decoder errors are fatal to the process.
				logger.Error("load worker failed", "worker_id", w.ID, "error", err)
				os.Exit(1)
			}
		}()
	}

	var evalWG sync.WaitGroup
	for g := 0; g < cfg.GPUsPerNode; g++ {
		network := evaluator.NewCPUNetwork(cfg.NetInputDim, 3)
		stats := &telemetry.EvalWorkerStats{}
		evalStats[g] = stats
		w := evalstage.New(g, cfg, pool, evalWork[g], network, workItems, stats, logger)
		evalWG.Add(1)
		go func() {
			defer evalWG.Done()
			if err := w.Run(ctx); err != nil {
				// Device errors are fatal to the process.
				logger.Error("eval worker failed", "gpu_id", w.GPUID, "error", err)
				os.Exit(1)
			}
		}()
	}

	statsInterval := config.Duration(os.Getenv("STATS_INTERVAL"), 10*time.Second)
	statsCtx, stopStats := context.WithCancel(ctx)
	defer stopStats()
	go telemetry.ReportPeriodically(statsCtx, logger, statsInterval, loadStats, evalStats)

	job := &pipeline.JobRecord{
		RunID:      runID,
		Status:     pipeline.JobRunning,
		TotalItems: len(workItems),
		StartedAt:  time.Now(),
	}
	logger.Info("run started", "run_id", job.RunID, "total_items", job.TotalItems)

	runErr := func() error {
		nodeID := fmt.Sprintf("node-%d", cfg.Rank)
		coordinator := cluster.NewNodeCoordinator(cfg, nodeID, transport, loadWork, evalWork)

		if cfg.Rank == 0 {
			dispatcher := cluster.NewDispatcher(cfg, len(workItems), transport, loadWork, evalWork)
			if err := dispatcher.Run(ctx); err != nil {
				return err
			}
		} else {
			if err := coordinator.Run(ctx); err != nil {
				return err
			}
		}

		// Two-phase shutdown (spec.md §4.3): load workers must fully
		// drain before eval_work sentinels go out, since a load worker
		// can still be mid-push to eval_work when its own sentinel is
		// popped. coordinator.FinishLoadDrain/Finish drive the
		// Draining->Done half of the state machine on every rank,
		// including the master (rank 0 runs Dispatcher for the
		// request/reply half but is itself a node with local workers to
		// retire the same way).
		wg.Wait()
		if err := coordinator.FinishLoadDrain(ctx); err != nil {
			return err
		}
		evalWG.Wait()
		coordinator.Finish()
		return nil
	}()

	job.UpdatedAt = time.Now()
	if runErr != nil {
		job.Status = pipeline.JobFailed
		job.Error = runErr.Error()
		logger.Error("run failed", "run_id", job.RunID, "error", runErr)
		return runErr
	}
	job.Status = pipeline.JobCompleted
	logger.Info("run completed", "run_id", job.RunID, "duration", job.UpdatedAt.Sub(job.StartedAt))
	return nil
}

func readVideoPaths(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("engine: open video paths file: %w: %w", err, enginerr.ErrConfiguration)
	}
	defer f.Close()

	var paths []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		paths = append(paths, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("engine: scan video paths file: %w: %w", err, enginerr.ErrConfiguration)
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("engine: video paths file is empty: %w", enginerr.ErrConfiguration)
	}
	return paths, nil
}

func loadVideoInputs(ctx context.Context, backend storage.Backend, paths []string) ([]pipeline.VideoInput, error) {
	videos := make([]pipeline.VideoInput, 0, len(paths))
	for _, path := range paths {
		metadataPath := preprocess.MetadataPath(path)
		info, err := backend.GetFileInfo(ctx, metadataPath)
		if err != nil {
			return nil, err
		}
		if !info.Exists {
			return nil, fmt.Errorf("engine: missing metadata sidecar %s: %w", metadataPath, enginerr.ErrStorage)
		}
		handle, err := backend.OpenRandomRead(ctx, metadataPath)
		if err != nil {
			return nil, err
		}
		meta, err := pipeline.ReadVideoMetadata(newSectionReader(handle, info.Size))
		handle.Close()
		if err != nil {
			return nil, fmt.Errorf("engine: parse metadata sidecar %s: %w: %w", metadataPath, err, enginerr.ErrStorage)
		}
		videos = append(videos, pipeline.VideoInput{Path: path, Metadata: meta})
	}
	return videos, nil
}

func newSectionReader(r storage.ReaderAt, size int64) *sectionReader {
	return &sectionReader{r: r, size: size}
}

// sectionReader adapts a storage.ReaderAt plus known size to io.Reader
// for the metadata sidecar parser in pkg/pipeline, which only needs
// sequential reads over a bounded byte range.
type sectionReader struct {
	r      storage.ReaderAt
	size   int64
	offset int64
}

func (s *sectionReader) Read(p []byte) (int, error) {
	if s.offset >= s.size {
		return 0, io.EOF
	}
	remaining := s.size - s.offset
	if int64(len(p)) > remaining {
		p = p[:remaining]
	}
	n, err := s.r.ReadAt(p, s.offset)
	s.offset += int64(n)
	if err == nil && s.offset >= s.size {
		err = io.EOF
	}
	return n, err
}

func newStorageBackend() storage.Backend {
	if valueOrDefault(os.Getenv("STORAGE_BACKEND"), "posix") == "minio" {
		client, err := storage.NewMinioBackend(
			os.Getenv("MINIO_ENDPOINT"),
			os.Getenv("MINIO_ACCESS_KEY"),
			os.Getenv("MINIO_SECRET_KEY"),
			os.Getenv("MINIO_REGION"),
			os.Getenv("MINIO_BUCKET"),
			parseBool(os.Getenv("MINIO_USE_SSL")),
		)
		if err != nil {
			log.Fatalf("engine: minio backend: %v", err)
		}
		return client
	}
	return storage.NewPosixBackend()
}

func parseInt(value string, fallback int) int {
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func parseBool(value string) bool {
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return false
	}
	return parsed
}

func valueOrDefault(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
