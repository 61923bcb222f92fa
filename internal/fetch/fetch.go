// Package fetch downloads the audio track of a single video to local storage.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/kkdai/youtube/v2"
)

// ErrNoAudioFormat is returned when a video offers no audio-only stream.
var ErrNoAudioFormat = errors.New("no audio-only format available")

const watchURLPrefix = "https://www.youtube.com/watch?v="

// WatchURL returns the canonical video URL for id.
func WatchURL(id string) string {
	return watchURLPrefix + url.QueryEscape(id)
}

type videoClient interface {
	GetVideoContext(ctx context.Context, url string) (*youtube.Video, error)
	GetStreamContext(ctx context.Context, video *youtube.Video, format *youtube.Format) (io.ReadCloser, int64, error)
}

// Fetcher stores downloaded audio streams in a single directory as
// <video id>.raw<container extension>.
type Fetcher struct {
	client videoClient
	dir    string
	logger *log.Logger
}

// New returns a Fetcher writing into dir. A nil httpClient uses http.DefaultClient.
func New(dir string, httpClient *http.Client, logger *log.Logger) *Fetcher {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Fetcher{
		client: &youtube.Client{HTTPClient: httpClient},
		dir:    dir,
		logger: logger,
	}
}

// Fetch downloads the best audio-only stream of the video at videoURL and
// returns the local path. On failure no file is left behind.
func (f *Fetcher) Fetch(ctx context.Context, videoURL string) (string, error) {
	video, err := f.client.GetVideoContext(ctx, videoURL)
	if err != nil {
		return "", fmt.Errorf("resolve video %s: %w", videoURL, err)
	}
	if strings.TrimSpace(video.ID) == "" {
		return "", fmt.Errorf("resolve video %s: empty video id", videoURL)
	}

	format, err := pickAudioFormat(video.Formats)
	if err != nil {
		return "", fmt.Errorf("video %s: %w", video.ID, err)
	}

	stream, size, err := f.client.GetStreamContext(ctx, video, format)
	if err != nil {
		return "", fmt.Errorf("open stream for %s: %w", video.ID, err)
	}
	defer stream.Close()

	target := filepath.Join(f.dir, video.ID+".raw"+extensionForMime(format.MimeType))
	tmp, err := os.CreateTemp(f.dir, "."+video.ID+"-*.part")
	if err != nil {
		return "", fmt.Errorf("create download file: %w", err)
	}
	tmpPath := tmp.Name()

	f.logger.Printf("downloading %s (itag %d, %s, %d bytes)", video.ID, format.ItagNo, format.MimeType, size)
	written, copyErr := io.Copy(tmp, stream)
	closeErr := tmp.Close()
	if copyErr != nil || closeErr != nil {
		os.Remove(tmpPath)
		if copyErr != nil {
			return "", fmt.Errorf("download %s: %w", video.ID, copyErr)
		}
		return "", fmt.Errorf("download %s: %w", video.ID, closeErr)
	}
	if size > 0 && written != size {
		os.Remove(tmpPath)
		return "", fmt.Errorf("download %s: short read (%d of %d bytes)", video.ID, written, size)
	}

	if err := os.Rename(tmpPath, target); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("store download %s: %w", video.ID, err)
	}
	return target, nil
}

func pickAudioFormat(formats youtube.FormatList) (*youtube.Format, error) {
	var best *youtube.Format
	for i := range formats {
		format := &formats[i]
		if format.AudioChannels == 0 || format.Width != 0 || format.Height != 0 {
			continue
		}
		if !strings.HasPrefix(format.MimeType, "audio/") {
			continue
		}
		if best == nil || betterAudioFormat(format, best) {
			best = format
		}
	}
	if best == nil {
		return nil, ErrNoAudioFormat
	}
	return best, nil
}

func betterAudioFormat(candidate, current *youtube.Format) bool {
	if candidate.Bitrate != current.Bitrate {
		return candidate.Bitrate > current.Bitrate
	}
	// mp4 audio decodes everywhere; prefer it on ties.
	return strings.HasPrefix(candidate.MimeType, "audio/mp4") && !strings.HasPrefix(current.MimeType, "audio/mp4")
}

func extensionForMime(mimeType string) string {
	base := strings.TrimSpace(strings.SplitN(mimeType, ";", 2)[0])
	switch base {
	case "audio/mp4":
		return ".m4a"
	case "audio/webm":
		return ".webm"
	case "audio/mpeg":
		return ".mpga"
	case "audio/ogg":
		return ".ogg"
	default:
		return ".bin"
	}
}
