// Package audio adjusts downloaded episodes to a common loudness level.
package audio

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"strings"

	"podcast-bot/internal/metadata"
)

// TargetDBFS is the mean loudness every normalized artifact converges to.
const TargetDBFS = -20.0

// OutputExt is the extension of normalized output files.
const OutputExt = ".mp3"

// ErrDecode marks any failure to read, measure, or re-encode an input file.
var ErrDecode = errors.New("audio decode failed")

// Codec is the decode/encode backend used by the Normalizer.
type Codec interface {
	// MeasureLoudness returns the mean loudness of the file in dBFS.
	MeasureLoudness(ctx context.Context, path string) (float64, error)
	// ApplyGain decodes input, applies gainDB uniformly, and encodes the
	// result to output as mp3.
	ApplyGain(ctx context.Context, input, output string, gainDB float64) error
}

// Normalizer writes a loudness-normalized mp3 next to its input.
type Normalizer struct {
	codec    Codec
	logger   *log.Logger
	validate func(path string) error
}

// NewNormalizer returns a Normalizer backed by codec.
func NewNormalizer(codec Codec, logger *log.Logger) *Normalizer {
	if logger == nil {
		logger = log.Default()
	}
	return &Normalizer{
		codec:  codec,
		logger: logger,
		validate: func(path string) error {
			_, err := metadata.ValidateMP3(path)
			return err
		},
	}
}

// GainFor returns the gain in dB that moves a track measured at measured
// dBFS to TargetDBFS.
func GainFor(measured float64) float64 {
	return TargetDBFS - measured
}

// OutputPath derives the normalized artifact path from the input path: same
// directory, file name up to the first dot, OutputExt.
func OutputPath(input string) string {
	dir, base := filepath.Split(input)
	stem := base
	if idx := strings.Index(base, "."); idx > 0 {
		stem = base[:idx]
	}
	return filepath.Join(dir, stem+OutputExt)
}

// Normalize measures input, applies the gain needed to reach TargetDBFS, and
// writes the result to OutputPath(input). The output only appears once it is
// complete and decodes cleanly. The input file is left in place unless it is
// itself the output path.
func (n *Normalizer) Normalize(ctx context.Context, input string) (string, error) {
	info, err := os.Stat(input)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrDecode, err)
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("%w: %s is not a regular file", ErrDecode, input)
	}

	measured, err := n.codec.MeasureLoudness(ctx, input)
	if err != nil {
		return "", fmt.Errorf("%w: measure %s: %w", ErrDecode, filepath.Base(input), err)
	}

	gain := GainFor(measured)
	if math.IsInf(measured, -1) || math.IsNaN(measured) {
		n.logger.Printf("%s is silent; encoding without gain", filepath.Base(input))
		gain = 0
	}
	n.logger.Printf("normalizing %s: measured %.2f dBFS, applying %+.2f dB", filepath.Base(input), measured, gain)

	output := OutputPath(input)
	tmp, err := os.CreateTemp(filepath.Dir(output), "."+strings.TrimSuffix(filepath.Base(output), OutputExt)+"-*"+OutputExt)
	if err != nil {
		return "", fmt.Errorf("%w: create temp output: %w", ErrDecode, err)
	}
	tmpPath := tmp.Name()
	tmp.Close()

	committed := false
	defer func() {
		if !committed {
			os.Remove(tmpPath)
		}
	}()

	if err := n.codec.ApplyGain(ctx, input, tmpPath, gain); err != nil {
		return "", fmt.Errorf("%w: encode %s: %w", ErrDecode, filepath.Base(input), err)
	}
	if err := n.validate(tmpPath); err != nil {
		return "", fmt.Errorf("%w: validate output: %w", ErrDecode, err)
	}
	if err := os.Rename(tmpPath, output); err != nil {
		return "", fmt.Errorf("%w: commit output: %w", ErrDecode, err)
	}
	committed = true

	return output, nil
}
