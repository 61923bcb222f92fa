package audio

import (
	"context"
	"fmt"
	"math"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
)

var meanVolumePattern = regexp.MustCompile(`mean_volume:\s*(-?inf|-?[0-9]+(?:\.[0-9]+)?)\s*dB`)

type commandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// FFmpeg is a Codec backed by the ffmpeg binary. Loudness comes from the
// volumedetect filter; gain is applied with the volume filter and encoded
// with libmp3lame at its default quality.
type FFmpeg struct {
	binary string
	run    commandRunner
}

// NewFFmpeg returns an FFmpeg codec. An empty binary means "ffmpeg" from PATH.
func NewFFmpeg(binary string) *FFmpeg {
	binary = strings.TrimSpace(binary)
	if binary == "" {
		binary = "ffmpeg"
	}
	return &FFmpeg{binary: binary, run: runCommand}
}

// MeasureLoudness implements Codec.
func (f *FFmpeg) MeasureLoudness(ctx context.Context, path string) (float64, error) {
	args := []string{"-hide_banner", "-nostats", "-i", path, "-vn", "-sn", "-dn", "-af", "volumedetect", "-f", "null", "-"}
	output, err := f.run(ctx, f.binary, args...)
	if err != nil {
		return 0, fmt.Errorf("ffmpeg volumedetect: %w: %s", err, lastLine(output))
	}
	return ParseMeanVolume(string(output))
}

// ApplyGain implements Codec.
func (f *FFmpeg) ApplyGain(ctx context.Context, input, output string, gainDB float64) error {
	args := []string{
		"-hide_banner", "-nostats", "-y",
		"-i", input,
		"-vn", "-sn", "-dn",
		"-af", fmt.Sprintf("volume=%.2fdB", gainDB),
		"-c:a", "libmp3lame",
		"-f", "mp3",
		output,
	}
	out, err := f.run(ctx, f.binary, args...)
	if err != nil {
		return fmt.Errorf("ffmpeg encode: %w: %s", err, lastLine(out))
	}
	return nil
}

// ParseMeanVolume extracts the mean_volume reported by ffmpeg's volumedetect
// filter. Silence is reported as negative infinity.
func ParseMeanVolume(output string) (float64, error) {
	match := meanVolumePattern.FindStringSubmatch(output)
	if match == nil {
		return 0, fmt.Errorf("mean_volume not found in ffmpeg output")
	}
	if strings.HasSuffix(match[1], "inf") {
		return math.Inf(-1), nil
	}
	value, err := strconv.ParseFloat(match[1], 64)
	if err != nil {
		return 0, fmt.Errorf("parse mean_volume %q: %w", match[1], err)
	}
	return value, nil
}

func lastLine(output []byte) string {
	trimmed := strings.TrimSpace(string(output))
	if idx := strings.LastIndex(trimmed, "\n"); idx >= 0 {
		return trimmed[idx+1:]
	}
	return trimmed
}
