package cache

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"podcast-bot/internal/models"
)

// ArtifactExt is the extension of every normalized artifact.
const ArtifactExt = ".mp3"

var (
	// ErrInvalidEpisodeID is returned for identifiers that cannot safely name a file.
	ErrInvalidEpisodeID = errors.New("invalid episode id")
	// ErrNotCached is returned when metadata is requested for an absent artifact.
	ErrNotCached = errors.New("episode not cached")
)

var episodeIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValidEpisodeID reports whether id is usable as an artifact name.
func ValidEpisodeID(id string) bool {
	return episodeIDPattern.MatchString(id)
}

// Cache maps episode identifiers to artifacts inside a single directory.
// The directory itself is the index: every query stats the file system.
type Cache struct {
	dir string
}

// New returns a Cache rooted at dir. The directory is created when missing.
func New(dir string) (*Cache, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, err
	}
	return &Cache{dir: abs}, nil
}

// Dir returns the absolute cache directory.
func (c *Cache) Dir() string {
	return c.dir
}

// Path returns the artifact path for id.
func (c *Cache) Path(id string) (string, error) {
	if !ValidEpisodeID(id) {
		return "", fmt.Errorf("%w: %q", ErrInvalidEpisodeID, id)
	}
	return filepath.Join(c.dir, id+ArtifactExt), nil
}

// Exists reports whether a regular artifact file is present for id.
func (c *Cache) Exists(id string) bool {
	path, err := c.Path(id)
	if err != nil {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// CreatedAt returns when the artifact for id was written. Artifacts are
// renamed into place once complete and never modified afterwards, so the
// modification time is the creation time.
func (c *Cache) CreatedAt(id string) (time.Time, error) {
	path, err := c.Path(id)
	if err != nil {
		return time.Time{}, err
	}
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return time.Time{}, fmt.Errorf("%w: %s", ErrNotCached, id)
		}
		return time.Time{}, err
	}
	if !info.Mode().IsRegular() {
		return time.Time{}, fmt.Errorf("%w: %s", ErrNotCached, id)
	}
	return info.ModTime(), nil
}

// Artifact returns a snapshot of the artifact for id when it exists.
func (c *Cache) Artifact(id string) (models.Artifact, bool) {
	createdAt, err := c.CreatedAt(id)
	if err != nil {
		return models.Artifact{}, false
	}
	path, _ := c.Path(id)
	return models.Artifact{EpisodeID: id, Path: path, CreatedAt: createdAt}, true
}

// Evict removes the artifact for id. A missing file counts as success.
func (c *Cache) Evict(id string) error {
	path, err := c.Path(id)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("evict %s: %w", id, err)
	}
	return nil
}
