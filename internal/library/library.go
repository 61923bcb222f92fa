// Package library keeps an in-memory index of the artifacts in the cache
// directory, refreshed from file system events.
package library

import (
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"podcast-bot/internal/cache"
	"podcast-bot/internal/metadata"
	"podcast-bot/internal/models"
)

// Library watches the cache directory. Only completed artifacts are
// indexed; temp files, raw downloads, and lock files are skipped.
type Library struct {
	root    string
	watcher *fsnotify.Watcher
	logger  *log.Logger

	mu        sync.RWMutex
	artifacts []models.ArtifactInfo
	byID      map[string]int

	refreshMu    sync.Mutex
	refreshTimer *time.Timer
	refreshDelay time.Duration

	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// NewLibrary scans root and starts watching it.
func NewLibrary(root string, debounce time.Duration, logger *log.Logger) (*Library, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	if logger == nil {
		logger = log.Default()
	}

	lib := &Library{
		root:         root,
		watcher:      watcher,
		logger:       logger,
		refreshDelay: debounce,
		byID:         make(map[string]int),
		done:         make(chan struct{}),
	}

	if err := watcher.Add(root); err != nil {
		watcher.Close()
		return nil, err
	}

	if err := lib.refresh(); err != nil {
		watcher.Close()
		return nil, err
	}

	lib.wg.Add(1)
	go lib.run()

	return lib, nil
}

// Close stops the watcher.
func (l *Library) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)

		l.refreshMu.Lock()
		if l.refreshTimer != nil {
			l.refreshTimer.Stop()
			l.refreshTimer = nil
		}
		l.refreshMu.Unlock()

		l.closeErr = l.watcher.Close()
		l.wg.Wait()
	})
	return l.closeErr
}

// List returns the indexed artifacts, newest first.
func (l *Library) List() []models.ArtifactInfo {
	l.mu.RLock()
	defer l.mu.RUnlock()

	result := make([]models.ArtifactInfo, len(l.artifacts))
	copy(result, l.artifacts)
	return result
}

// Get returns the indexed metadata for id.
func (l *Library) Get(id string) (models.ArtifactInfo, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	i, ok := l.byID[id]
	if !ok {
		return models.ArtifactInfo{}, false
	}
	return l.artifacts[i], true
}

func (l *Library) run() {
	defer l.wg.Done()

	for {
		select {
		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 && isArtifact(event.Name) {
				l.scheduleRefresh()
			}
		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.logger.Printf("watcher error: %v", err)
		case <-l.done:
			return
		}
	}
}

func (l *Library) refresh() error {
	entries, err := os.ReadDir(l.root)
	if err != nil {
		return err
	}

	var artifacts []models.ArtifactInfo
	for _, entry := range entries {
		if !entry.Type().IsRegular() || !isArtifact(entry.Name()) {
			continue
		}
		path := filepath.Join(l.root, entry.Name())
		info, err := metadata.BuildArtifactInfo(path)
		if err != nil {
			l.logger.Printf("metadata error for %s: %v", path, err)
			continue
		}
		artifacts = append(artifacts, info)
	}

	sort.SliceStable(artifacts, func(i, j int) bool {
		if artifacts[i].ModifiedAt.Equal(artifacts[j].ModifiedAt) {
			return artifacts[i].ID < artifacts[j].ID
		}
		return artifacts[i].ModifiedAt.After(artifacts[j].ModifiedAt)
	})

	byID := make(map[string]int, len(artifacts))
	for i, artifact := range artifacts {
		byID[artifact.ID] = i
	}

	l.mu.Lock()
	l.artifacts = artifacts
	l.byID = byID
	l.mu.Unlock()

	l.logger.Printf("library refreshed with %d artifacts", len(artifacts))
	return nil
}

func (l *Library) scheduleRefresh() {
	select {
	case <-l.done:
		return
	default:
	}

	l.refreshMu.Lock()
	defer l.refreshMu.Unlock()

	if l.refreshTimer != nil {
		l.refreshTimer.Stop()
	}

	var timer *time.Timer
	timer = time.AfterFunc(l.refreshDelay, func() {
		if err := l.refresh(); err != nil {
			l.logger.Printf("refresh error: %v", err)
		}

		l.refreshMu.Lock()
		if l.refreshTimer == timer {
			l.refreshTimer = nil
		}
		l.refreshMu.Unlock()
	})

	l.refreshTimer = timer
}

// isArtifact matches "<episode id>.mp3" and nothing else.
func isArtifact(path string) bool {
	name := filepath.Base(path)
	if !strings.EqualFold(filepath.Ext(name), cache.ArtifactExt) {
		return false
	}
	return cache.ValidEpisodeID(strings.TrimSuffix(name, filepath.Ext(name)))
}
