package pipeline

import (
	"encoding/binary"
	"fmt"
	"io"
)

// ReadVideoMetadata parses the _metadata.bin sidecar format this
// module writes and reads: four little-endian int64 fields (width,
// height, frame count, pixel-format-tag length) followed by that many
// raw bytes holding the pixel format tag (spec.md §6: "_metadata.bin
// (width/height/frame-count record)").
func ReadVideoMetadata(r io.Reader) (VideoMetadata, error) {
	var header [4]int64
	if err := binary.Read(r, binary.LittleEndian, &header); err != nil {
		return VideoMetadata{}, fmt.Errorf("pipeline: read metadata header: %w", err)
	}
	width, height, frameCount, tagLen := header[0], header[1], header[2], header[3]
	if tagLen < 0 {
		return VideoMetadata{}, fmt.Errorf("pipeline: negative pixel format tag length %d", tagLen)
	}

	tag := make([]byte, tagLen)
	if tagLen > 0 {
		if _, err := io.ReadFull(r, tag); err != nil {
			return VideoMetadata{}, fmt.Errorf("pipeline: read pixel format tag: %w", err)
		}
	}

	return VideoMetadata{
		Width:       int(width),
		Height:      int(height),
		FrameCount:  int(frameCount),
		PixelFormat: string(tag),
	}, nil
}

// WriteVideoMetadata writes the inverse of ReadVideoMetadata; used by
// tests to build fixture sidecars without a real preprocessor binary.
func WriteVideoMetadata(w io.Writer, meta VideoMetadata) error {
	header := [4]int64{int64(meta.Width), int64(meta.Height), int64(meta.FrameCount), int64(len(meta.PixelFormat))}
	if err := binary.Write(w, binary.LittleEndian, header); err != nil {
		return fmt.Errorf("pipeline: write metadata header: %w", err)
	}
	if _, err := w.Write([]byte(meta.PixelFormat)); err != nil {
		return fmt.Errorf("pipeline: write pixel format tag: %w", err)
	}
	return nil
}
