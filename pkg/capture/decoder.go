package capture

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"os/exec"
	"time"
)

// H264Decoder turns an Annex-B H264 buffer into the last picture it contains
type H264Decoder interface {
	Decode(ctx context.Context, annexB []byte) (image.Image, error)
}

// FFmpegDecoder decodes with a one-shot ffmpeg process over pipes
type FFmpegDecoder struct {
	Binary  string        // ffmpeg executable
	Timeout time.Duration // Per-decode limit
}

// NewFFmpegDecoder returns a decoder using ffmpeg from PATH
func NewFFmpegDecoder() *FFmpegDecoder {
	return &FFmpegDecoder{
		Binary:  "ffmpeg",
		Timeout: 500 * time.Millisecond,
	}
}

// Decode pipes the buffer through ffmpeg and returns the final frame.
// Gray or truncated output is reported as ErrNoFrame.
func (d *FFmpegDecoder) Decode(ctx context.Context, annexB []byte) (image.Image, error) {
	if len(annexB) < 100 {
		return nil, ErrNoFrame
	}

	ctx, cancel := context.WithTimeout(ctx, d.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, d.Binary,
		"-loglevel", "error",
		"-f", "h264", // Input format
		"-i", "pipe:0", // Read from stdin
		"-f", "image2pipe", // Output as pipe
		"-vcodec", "mjpeg", // Output as JPEG
		"-q:v", "3", // Quality (1-31, lower is better)
		"pipe:1", // Write to stdout
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdin = bytes.NewReader(annexB)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil && stdout.Len() == 0 {
		// ffmpeg exits non-zero when the buffer ends mid-picture; partial output is still usable
		if ctx.Err() != nil {
			return nil, ErrNoFrame
		}
		return nil, fmt.Errorf("ffmpeg: %w: %s", err, bytes.TrimSpace(stderr.Bytes()))
	}

	last := lastJPEG(stdout.Bytes())
	if len(last) < 1000 {
		return nil, ErrNoFrame
	}
	img, err := jpeg.Decode(bytes.NewReader(last))
	if err != nil {
		return nil, ErrNoFrame
	}
	if isGrayFrame(img) {
		return nil, ErrNoFrame
	}
	return img, nil
}

// lastJPEG returns the last JPEG in a concatenated MJPEG stream
func lastJPEG(stream []byte) []byte {
	soi := []byte{0xff, 0xd8, 0xff}
	i := bytes.LastIndex(stream, soi)
	if i < 0 {
		return nil
	}
	return stream[i:]
}

// isGrayFrame checks if a decoded frame is likely gray/corrupt, as produced
// when decoding starts without a keyframe.
func isGrayFrame(img image.Image) bool {
	bounds := img.Bounds()
	if bounds.Dx() < 100 || bounds.Dy() < 100 {
		return true
	}

	// Sample pixels to check variance
	var rSum, gSum, bSum int
	samples := 0
	for y := bounds.Min.Y; y < bounds.Max.Y; y += bounds.Dy() / 10 {
		for x := bounds.Min.X; x < bounds.Max.X; x += bounds.Dx() / 10 {
			r, g, b, _ := img.At(x, y).RGBA()
			rSum += int(r >> 8)
			gSum += int(g >> 8)
			bSum += int(b >> 8)
			samples++
		}
	}

	avgR := rSum / samples
	avgG := gSum / samples
	avgB := bSum / samples

	// Near-black
	if avgR < 30 && avgG < 30 && avgB < 30 {
		return true
	}

	// Uniform mid gray (R = G = B)
	colorDiff := abs(avgR-avgG) + abs(avgG-avgB) + abs(avgR-avgB)
	return colorDiff < 15 && avgR > 100 && avgR < 150
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
