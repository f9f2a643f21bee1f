package pipeline

import (
	"fmt"

	"github.com/imalyk/gpu-video-engine/pkg/config"
	"github.com/imalyk/gpu-video-engine/pkg/enginerr"
)

// VideoInput is one entry of the ordered video list the planner
// consumes: a path plus its already-loaded, immutable metadata.
type VideoInput struct {
	Path     string
	Metadata VideoMetadata
}

// Plan produces the deterministic, ordered list of WorkItems for a
// fixed (paths, metadata) input: for each video in index order, emit
// ceil(frames / FramesPerWorkItem) items covering [0, frames)
// contiguously; the final item may be short (spec.md §4.1).
//
// All nodes call Plan independently with the same videos slice and
// config, and must get byte-for-byte the same result (spec.md
// Testable Property 6) — so Plan must never range over a map or
// otherwise introduce nondeterministic order.
//
// Per SPEC_FULL.md §4 decision 2, Plan also enforces the single-size
// buffer-pool assumption from spec.md §4.6: every video must share the
// width/height of videos[0], or planning fails with
// enginerr.ErrConfiguration rather than silently risking a load
// worker writing past the pool's buffers.
func Plan(videos []VideoInput, cfg *config.Config) ([]WorkItem, error) {
	if len(videos) == 0 {
		return nil, fmt.Errorf("pipeline: no videos to plan: %w", enginerr.ErrConfiguration)
	}
	if cfg.FramesPerWorkItem <= 0 {
		return nil, fmt.Errorf("pipeline: frames_per_work_item must be positive: %w", enginerr.ErrConfiguration)
	}

	width, height := videos[0].Metadata.Width, videos[0].Metadata.Height
	for i, v := range videos {
		if v.Metadata.Width != width || v.Metadata.Height != height {
			return nil, fmt.Errorf("pipeline: video %d (%s) is %dx%d, expected %dx%d to match video 0: %w",
				i, v.Path, v.Metadata.Width, v.Metadata.Height, width, height, enginerr.ErrConfiguration)
		}
	}

	var items []WorkItem
	for videoIndex, v := range videos {
		frames := v.Metadata.FrameCount
		for start := 0; start < frames; start += cfg.FramesPerWorkItem {
			end := start + cfg.FramesPerWorkItem
			if end > frames {
				end = frames
			}
			items = append(items, WorkItem{
				VideoIndex: videoIndex,
				StartFrame: start,
				EndFrame:   end,
			})
		}
	}
	return items, nil
}
