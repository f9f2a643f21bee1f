package decoder

import (
	"bufio"
	"fmt"
	"io"
	"os/exec"
	"sort"
	"strings"
	"sync"

	"github.com/imalyk/gpu-video-engine/pkg/enginerr"
)

// FFmpegDecoder is the software-decode reference implementation of
// Decoder. It shells out to the ffmpeg binary rather than linking a
// codec library, matching the teacher's own idiom for the "decode"
// concern (worker/main.go: runFFmpeg uses exec.CommandContext against
// the ffmpeg binary, not a Go codec package).
type FFmpegDecoder struct {
	ffmpegPath string
	videoPath  string
	width      int
	height     int
	frameSize  int
	keyframes  KeyframeTable

	cmd          *exec.Cmd
	stdout       io.ReadCloser
	stderrMu     sync.Mutex
	stderrLines  []string
	currentFrame int
}

// NewFFmpegDecoder builds a decoder for one local video file at a
// fixed (width, height); pixel format is always rgb24 on the
// software-decode path per spec.md §4.4 step 8 ("color-converts to
// RGB24 via cached scaler context then stores packed").
func NewFFmpegDecoder(ffmpegPath, videoPath string, width, height int, keyframes KeyframeTable) *FFmpegDecoder {
	return &FFmpegDecoder{
		ffmpegPath: ffmpegPath,
		videoPath:  videoPath,
		width:      width,
		height:     height,
		frameSize:  width * height * 3,
		keyframes:  keyframes,
	}
}

// nearestKeyframeAtOrBefore returns the keyframe frame index and
// timestamp of the last keyframe at or before frameNumber, so Seek
// can restart ffmpeg's demuxer at a keyframe boundary and decode
// forward to the exact target — ffmpeg's own -ss seeking already does
// keyframe-boundary seeking internally, but this mirrors the spec's
// explicit "seek to start_frame" step against the keyframe table this
// module was handed rather than trusting ffmpeg's estimate alone.
// KeyframeTable.Positions holds frame indices (not byte offsets), so
// this compares frameNumber directly against Positions. When
// frameNumber precedes the first keyframe, it returns frame 0 at
// timestamp 0, the start of the stream.
func (d *FFmpegDecoder) nearestKeyframeAtOrBefore(frameNumber int) (frameIndex int, timestamp float64) {
	if len(d.keyframes.Positions) == 0 {
		return 0, 0
	}
	idx := sort.Search(len(d.keyframes.Positions), func(i int) bool {
		return d.keyframes.Positions[i] > int64(frameNumber)
	})
	if idx == 0 {
		return 0, 0
	}
	idx--
	return int(d.keyframes.Positions[idx]), d.keyframes.Timestamps[idx]
}

// Seek repositions the decoder to frameNumber (spec.md §6:
// "Construct a decoder ...; seek(frame_number)"). It restarts the
// underlying ffmpeg process at the nearest preceding keyframe and
// decodes-and-discards up to the target, since raw rgb24 piping
// doesn't expose frame-accurate seeking any other way.
func (d *FFmpegDecoder) Seek(frameNumber int) error {
	if err := d.Close(); err != nil {
		return err
	}

	keyframeIdx, ts := d.nearestKeyframeAtOrBefore(frameNumber)

	InitMutex.Lock()
	cmd := exec.Command(d.ffmpegPath,
		"-ss", fmt.Sprintf("%.6f", ts),
		"-i", d.videoPath,
		"-f", "rawvideo",
		"-pix_fmt", "rgb24",
		"-vsync", "0",
		"pipe:1",
	)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		InitMutex.Unlock()
		return fmt.Errorf("decoder: stdout pipe: %w: %w", err, enginerr.ErrDecoder)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		InitMutex.Unlock()
		return fmt.Errorf("decoder: stderr pipe: %w: %w", err, enginerr.ErrDecoder)
	}
	if err := cmd.Start(); err != nil {
		InitMutex.Unlock()
		return fmt.Errorf("decoder: ffmpeg start: %w: %w", err, enginerr.ErrDecoder)
	}
	InitMutex.Unlock()

	go d.drainStderr(stderr)

	d.cmd = cmd
	d.stdout = stdout
	d.currentFrame = keyframeIdx

	for d.currentFrame < frameNumber {
		if _, err := d.Decode(); err != nil {
			return err
		}
	}
	return nil
}

func (d *FFmpegDecoder) drainStderr(stderr io.ReadCloser) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := scanner.Text()
		d.stderrMu.Lock()
		d.stderrLines = append(d.stderrLines, line)
		d.stderrMu.Unlock()
	}
}

// Decode reads exactly one rgb24 frame from the running ffmpeg
// process (spec.md §6: "decode() -> frame").
func (d *FFmpegDecoder) Decode() (Frame, error) {
	if d.stdout == nil {
		return Frame{}, fmt.Errorf("decoder: decode called before seek: %w", enginerr.ErrDecoder)
	}
	buf := make([]byte, d.frameSize)
	if _, err := io.ReadFull(d.stdout, buf); err != nil {
		d.stderrMu.Lock()
		detail := strings.Join(d.stderrLines, "\n")
		d.stderrMu.Unlock()
		return Frame{}, fmt.Errorf("decoder: read frame %d: %w (%s): %w", d.currentFrame, err, detail, enginerr.ErrDecoder)
	}
	d.currentFrame++
	return Frame{
		Width:       d.width,
		Height:      d.height,
		PixelFormat: "rgb24",
		Planes:      [][]byte{buf},
		Linesizes:   []int{d.width * 3},
		OnDevice:    false,
	}, nil
}

// Close stops the running ffmpeg process, if any.
func (d *FFmpegDecoder) Close() error {
	if d.cmd == nil {
		return nil
	}
	if d.stdout != nil {
		_ = d.stdout.Close()
	}
	err := d.cmd.Process.Kill()
	_ = d.cmd.Wait()
	d.cmd = nil
	d.stdout = nil
	if err != nil {
		return fmt.Errorf("decoder: stop ffmpeg: %w: %w", err, enginerr.ErrDecoder)
	}
	return nil
}
