package pipeline

import "time"

// JobStatus tracks a whole-run's lifecycle. This is ambient run
// bookkeeping, not part of the per-work-item correctness contract —
// the shape is adapted from the teacher's job.Status enum
// (pkg/job/job.go in the teacher repo) onto a cluster run instead of
// a single transcode.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// JobRecord describes one run of the engine across the cluster.
type JobRecord struct {
	RunID          string    `json:"run_id"`
	Status         JobStatus `json:"status"`
	TotalItems     int       `json:"total_items"`
	CompletedItems int64     `json:"completed_items"`
	StartedAt      time.Time `json:"started_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	Error          string    `json:"error,omitempty"`
}
