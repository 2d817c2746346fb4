package audio

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
)

// Converter turns a container format (webm, mp3, ogg, m4a, ...) into a
// canonical mono/16kHz/16-bit WAV buffer. Implementations must either
// return valid WAV bytes or an error, never pass input through unchanged.
type Converter interface {
	ToWAV(ctx context.Context, data []byte, format string) ([]byte, error)
}

// FFmpegConverter shells out to ffmpeg for transcoding.
type FFmpegConverter struct {
	// Path to the ffmpeg binary. Empty means "ffmpeg" on PATH.
	Path string
}

// ToWAV transcodes data to canonical WAV via ffmpeg pipes.
func (c *FFmpegConverter) ToWAV(ctx context.Context, data []byte, format string) ([]byte, error) {
	bin := c.Path
	if bin == "" {
		bin = "ffmpeg"
	}

	cmd := exec.CommandContext(ctx, bin,
		"-f", format,
		"-i", "pipe:0",
		"-ar", strconv.Itoa(CanonicalSampleRate),
		"-ac", "1",
		"-f", "wav",
		"pipe:1",
	)
	cmd.Stdin = bytes.NewReader(data)

	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("audio: ffmpeg %s->wav failed: %w (%s)", format, err, firstLine(stderr.Bytes()))
	}
	wavData := out.Bytes()
	if !IsWAV(wavData) {
		return nil, fmt.Errorf("audio: ffmpeg produced non-WAV output for format %s", format)
	}
	return wavData, nil
}

func firstLine(b []byte) string {
	if i := bytes.IndexByte(b, '\n'); i >= 0 {
		b = b[:i]
	}
	if len(b) > 200 {
		b = b[:200]
	}
	return string(b)
}
