// Package preprocess invokes the external video-preprocessor binary
// that produces the keyframe-index sidecar each video needs before the
// engine can plan work against it (SPEC_FULL.md §4.9). Grounded on the
// teacher's worker/main.go probeDuration/runFFmpeg exec.CommandContext
// + piped-progress-scanning convention, applied here to a different
// external binary.
package preprocess

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/imalyk/gpu-video-engine/pkg/enginerr"
)

// Runner shells out to the external preprocessor. Unlike storage and
// decoder, this collaborator has no in-process reference double: there
// is nothing to fake a sidecar-producing binary with other than
// actually running one, so ExecRunner is the only implementation.
type Runner interface {
	// EnsureProcessed checks for videoPath's processed file and, if
	// missing, invokes the preprocessor to create it.
	EnsureProcessed(ctx context.Context, videoPath string) error
}

// ExecRunner invokes binaryPath as a subprocess per spec.md's
// preprocessor contract.
type ExecRunner struct {
	binaryPath string
}

// NewExecRunner builds a Runner that shells out to binaryPath.
func NewExecRunner(binaryPath string) *ExecRunner {
	return &ExecRunner{binaryPath: binaryPath}
}

// SidecarPath returns the keyframe-index sidecar path for videoPath,
// matching the teacher's extFromObject-style path derivation.
func SidecarPath(videoPath string) string {
	return strings.TrimSuffix(videoPath, ".mp4") + "_iframes.bin"
}

// MetadataPath returns the width/height/frame-count sidecar path for
// videoPath (spec.md §6: "_metadata.bin (width/height/frame-count
// record)").
func MetadataPath(videoPath string) string {
	return strings.TrimSuffix(videoPath, ".mp4") + "_metadata.bin"
}

// processedMarker returns the path EnsureProcessed checks for before
// invoking the preprocessor, mirroring the spec's "<path>_processed.mp4"
// naming (SPEC_FULL.md §4.9).
func processedMarker(videoPath string) string {
	return strings.TrimSuffix(videoPath, ".mp4") + "_processed.mp4"
}

// EnsureProcessed implements Runner. If videoPath's _processed.mp4 file
// is already present, it returns nil immediately; otherwise it runs the
// preprocessor binary and, on success, returns
// enginerr.ErrPreprocessingTriggered so the caller can stop the run for
// a follow-up invocation rather than planning work against a
// still-missing sidecar.
func (r *ExecRunner) EnsureProcessed(ctx context.Context, videoPath string) error {
	if _, err := os.Stat(processedMarker(videoPath)); err == nil {
		return nil
	}

	cmd := exec.CommandContext(ctx, r.binaryPath, "-i", videoPath, "-o", processedMarker(videoPath))

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("preprocess: stdout pipe: %w: %w", err, enginerr.ErrConfiguration)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("preprocess: stderr pipe: %w: %w", err, enginerr.ErrConfiguration)
	}

	progressCh := make(chan int, 1)
	errCh := make(chan error, 1)
	var stderrBuf strings.Builder

	go consumeProgress(bufio.NewScanner(stdout), progressCh, errCh)
	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			stderrBuf.WriteString(scanner.Text())
			stderrBuf.WriteByte('\n')
		}
	}()

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("preprocess: start: %w: %w", err, enginerr.ErrConfiguration)
	}

	progress := 0
loop:
	for {
		select {
		case <-ctx.Done():
			_ = cmd.Process.Kill()
			return ctx.Err()
		case err, ok := <-errCh:
			if ok && err != nil {
				_ = cmd.Wait()
				return fmt.Errorf("preprocess: %w - %s", err, strings.TrimSpace(stderrBuf.String()))
			}
		case p, ok := <-progressCh:
			if !ok {
				break loop
			}
			progress = p
		}
	}

	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("preprocess: exec %s at progress %d%%: %w - %s: %w",
			r.binaryPath, progress, err, strings.TrimSpace(stderrBuf.String()), enginerr.ErrConfiguration)
	}

	return enginerr.ErrPreprocessingTriggered
}

// consumeProgress scans stdout lines of the form "progress=N" and
// forwards N on progressCh, same shape as the teacher's consumeProgress
// scanning ffmpeg's "out_time_ms=..."/"progress=..." lines.
func consumeProgress(scanner *bufio.Scanner, progressCh chan<- int, errCh chan<- error) {
	defer close(progressCh)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "progress=") {
			continue
		}
		value := strings.TrimPrefix(line, "progress=")
		n, err := strconv.Atoi(value)
		if err != nil {
			continue
		}
		select {
		case progressCh <- n:
		default:
		}
	}
	if err := scanner.Err(); err != nil {
		errCh <- err
	}
}
