// Package config builds the immutable tuning configuration shared by
// every component of the engine. It is constructed once, at startup,
// and never mutated afterward — there is no runtime reconfiguration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every tuning constant named in the spec plus the
// derived constants components compute from them. A *Config is passed
// by pointer to each component at construction; nothing reads a
// package-level global.
type Config struct {
	// Cluster topology.
	Rank     int // 0 = master
	NumNodes int

	// Per-node / per-GPU tuning knobs.
	GPUsPerNode        int
	GlobalBatchSize    int
	BatchesPerWorkItem int
	TasksInQueuePerGPU int
	LoadWorkersPerNode int
	NumCUDAStreams     int
	NetInputDim        int

	// Collaborators.
	VideoPathsFile   string
	RedisAddr        string
	RedisPassword    string
	RedisDB          int
	PreprocessorPath string

	// Derived constants (computed once in New, never recomputed).
	FramesPerWorkItem int
	HighWaterMark     int
}

// New builds a Config from explicit values, computing the derived
// constants. CLI/env loading (Load) is a thin wrapper around this.
func New(rank, numNodes, gpusPerNode, globalBatchSize, batchesPerWorkItem,
	tasksInQueuePerGPU, loadWorkersPerNode, numCUDAStreams, netInputDim int,
	videoPathsFile, redisAddr, redisPassword string, redisDB int, preprocessorPath string) (*Config, error) {

	if gpusPerNode <= 0 {
		return nil, fmt.Errorf("config: gpus_per_node must be positive, got %d", gpusPerNode)
	}
	if globalBatchSize <= 0 {
		return nil, fmt.Errorf("config: batch_size must be positive, got %d", globalBatchSize)
	}
	if batchesPerWorkItem <= 0 {
		return nil, fmt.Errorf("config: batches_per_work_item must be positive, got %d", batchesPerWorkItem)
	}
	if tasksInQueuePerGPU <= 0 {
		return nil, fmt.Errorf("config: tasks_in_queue_per_gpu must be positive, got %d", tasksInQueuePerGPU)
	}
	if loadWorkersPerNode <= 0 {
		return nil, fmt.Errorf("config: load_workers_per_node must be positive, got %d", loadWorkersPerNode)
	}
	if videoPathsFile == "" {
		return nil, fmt.Errorf("config: video_paths_file is required")
	}

	cfg := &Config{
		Rank:               rank,
		NumNodes:           numNodes,
		GPUsPerNode:        gpusPerNode,
		GlobalBatchSize:    globalBatchSize,
		BatchesPerWorkItem: batchesPerWorkItem,
		TasksInQueuePerGPU: tasksInQueuePerGPU,
		LoadWorkersPerNode: loadWorkersPerNode,
		NumCUDAStreams:     numCUDAStreams,
		NetInputDim:        netInputDim,
		VideoPathsFile:     videoPathsFile,
		RedisAddr:          redisAddr,
		RedisPassword:      redisPassword,
		RedisDB:            redisDB,
		PreprocessorPath:   preprocessorPath,
	}
	cfg.FramesPerWorkItem = globalBatchSize * batchesPerWorkItem
	cfg.HighWaterMark = gpusPerNode * tasksInQueuePerGPU
	return cfg, nil
}

// Load builds a Config from environment variables, falling back to
// the given defaults for anything unset. This mirrors the teacher's
// env-var-with-fallback convention (worker/main.go: loadConfig),
// generalized so every component — not just the worker binary —
// shares one immutable value.
func Load(rank, numNodes int, videoPathsFile string) (*Config, error) {
	return New(
		rank,
		numNodes,
		parseInt(os.Getenv("GPUS_PER_NODE"), 1),
		parseInt(os.Getenv("GLOBAL_BATCH_SIZE"), 32),
		parseInt(os.Getenv("BATCHES_PER_WORK_ITEM"), 4),
		parseInt(os.Getenv("TASKS_IN_QUEUE_PER_GPU"), 3),
		parseInt(os.Getenv("LOAD_WORKERS_PER_NODE"), 2),
		parseInt(os.Getenv("NUM_CUDA_STREAMS"), 4),
		parseInt(os.Getenv("NET_INPUT_DIM"), 224),
		videoPathsFile,
		valueOrDefault(os.Getenv("REDIS_ADDR"), "localhost:6379"),
		os.Getenv("REDIS_PASSWORD"),
		parseInt(os.Getenv("REDIS_DB"), 0),
		valueOrDefault(os.Getenv("PREPROCESSOR_PATH"), "video-preprocessor"),
	)
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

func valueOrDefault(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

// Duration parses a duration env var with fallback. Not one of the
// fields Config itself loads; exported for cmd/engine, which uses it
// to read STATS_INTERVAL for telemetry.ReportPeriodically.
func Duration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}
