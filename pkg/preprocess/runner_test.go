package preprocess

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/imalyk/gpu-video-engine/pkg/enginerr"
	"github.com/stretchr/testify/require"
)

func writeFakePreprocessor(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake preprocessor harness is a POSIX shell script")
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "fake-preprocessor.sh")
	script := "#!/bin/sh\n" + body
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func TestExecRunner_ReturnsTriggeredSentinelOnFirstRun(t *testing.T) {
	dir := t.TempDir()
	videoPath := filepath.Join(dir, "clip.mp4")

	binary := writeFakePreprocessor(t, fmt.Sprintf(`
echo "progress=100"
touch "%s"
exit 0
`, processedMarker(videoPath)))

	runner := NewExecRunner(binary)
	err := runner.EnsureProcessed(context.Background(), videoPath)
	require.ErrorIs(t, err, enginerr.ErrPreprocessingTriggered)

	_, statErr := os.Stat(processedMarker(videoPath))
	require.NoError(t, statErr)
}

func TestExecRunner_SkipsWhenAlreadyProcessed(t *testing.T) {
	dir := t.TempDir()
	videoPath := filepath.Join(dir, "clip.mp4")
	require.NoError(t, os.WriteFile(processedMarker(videoPath), []byte("marker"), 0o644))

	binary := writeFakePreprocessor(t, `echo "should not run"; exit 1`)
	runner := NewExecRunner(binary)

	err := runner.EnsureProcessed(context.Background(), videoPath)
	require.NoError(t, err)
}

func TestExecRunner_NonZeroExitIsConfigurationError(t *testing.T) {
	dir := t.TempDir()
	videoPath := filepath.Join(dir, "clip.mp4")

	binary := writeFakePreprocessor(t, `echo "boom" 1>&2; exit 1`)
	runner := NewExecRunner(binary)

	err := runner.EnsureProcessed(context.Background(), videoPath)
	require.Error(t, err)
	require.True(t, errors.Is(err, enginerr.ErrConfiguration))
	require.False(t, errors.Is(err, enginerr.ErrPreprocessingTriggered))
}

func TestSidecarPath(t *testing.T) {
	require.Equal(t, "/videos/clip_iframes.bin", SidecarPath("/videos/clip.mp4"))
}
