package metadata

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dhowden/tag"
	"github.com/tcolgate/mp3"

	"podcast-bot/internal/models"
)

// ErrNoAudioFrames is returned when a file contains no decodable MPEG frames.
var ErrNoAudioFrames = errors.New("no mpeg audio frames")

// BuildArtifactInfo constructs a metadata snapshot for the given artifact path.
func BuildArtifactInfo(path string) (models.ArtifactInfo, error) {
	info, err := os.Stat(path)
	if err != nil {
		return models.ArtifactInfo{}, err
	}

	filename := filepath.Base(path)
	id := strings.TrimSuffix(filename, filepath.Ext(filename))

	title, artist := readTags(path)
	if title == "" {
		title = id
	}

	var durationPtr *float64
	var bitratePtr *int

	if strings.EqualFold(filepath.Ext(path), ".mp3") {
		dur, _, err := scanMP3(path)
		if err == nil && dur > 0 {
			duration := dur
			durationPtr = &duration

			bitrate := int(math.Round((float64(info.Size()) * 8) / duration / 1000))
			if bitrate > 0 {
				bitratePtr = &bitrate
			}
		}
	}

	return models.ArtifactInfo{
		ID:              id,
		Filename:        filename,
		Title:           title,
		Artist:          artist,
		DurationSeconds: durationPtr,
		BitrateKbps:     bitratePtr,
		FilesizeBytes:   info.Size(),
		ModifiedAt:      info.ModTime().UTC().Round(time.Second),
	}, nil
}

// ValidateMP3 decodes every frame header of the file and returns the total
// duration. Files without a single valid frame fail with ErrNoAudioFrames.
func ValidateMP3(path string) (time.Duration, error) {
	seconds, frames, err := scanMP3(path)
	if err != nil {
		return 0, err
	}
	if frames == 0 {
		return 0, fmt.Errorf("%s: %w", filepath.Base(path), ErrNoAudioFrames)
	}
	return time.Duration(seconds * float64(time.Second)), nil
}

func readTags(path string) (string, *string) {
	f, err := os.Open(path)
	if err != nil {
		return "", nil
	}
	defer f.Close()

	meta, err := tag.ReadFrom(f)
	if err != nil {
		return "", nil
	}

	title := strings.TrimSpace(meta.Title())
	artist := optionalString(meta.Artist())
	return title, artist
}

func optionalString(value string) *string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	return &value
}

func scanMP3(path string) (float64, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()

	decoder := mp3.NewDecoder(f)
	var frame mp3.Frame
	var skipped int
	var total float64
	var frames int

	for {
		err := decoder.Decode(&frame, &skipped)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return 0, frames, err
		}
		frames++
		total += frame.Duration().Seconds()
	}

	return total, frames, nil
}
