// Package auth decides which Telegram users may talk to the bot.
package auth

import (
	"errors"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// AllowList holds the Telegram user IDs permitted to use the bot. IDs come
// from static configuration and, optionally, from a file that is reloaded
// whenever it changes on disk. The file holds one numeric ID per line;
// blank lines and lines starting with # are ignored.
type AllowList struct {
	static map[int64]struct{}

	file         string
	logger       *log.Logger
	watcher      *fsnotify.Watcher
	refreshDelay time.Duration

	mu    sync.RWMutex
	users map[int64]struct{}

	refreshMu    sync.Mutex
	refreshTimer *time.Timer
	done         chan struct{}
	wg           sync.WaitGroup
	closeOnce    sync.Once
	closeErr     error
}

// NewAllowList builds an AllowList from the static IDs and, when filePath is
// not empty, starts watching that file for changes.
func NewAllowList(static []int64, filePath string, debounce time.Duration, logger *log.Logger) (*AllowList, error) {
	if logger == nil {
		logger = log.Default()
	}

	a := &AllowList{
		static:       make(map[int64]struct{}, len(static)),
		logger:       logger,
		refreshDelay: debounce,
		users:        make(map[int64]struct{}),
		done:         make(chan struct{}),
	}
	for _, id := range static {
		a.static[id] = struct{}{}
	}

	if filePath == "" {
		return a, nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	a.file = filepath.Clean(filePath)
	a.watcher = watcher

	if err := a.refresh(); err != nil {
		watcher.Close()
		return nil, err
	}

	if err := watcher.Add(filepath.Dir(a.file)); err != nil {
		watcher.Close()
		return nil, err
	}
	if err := watcher.Add(a.file); err != nil {
		a.logger.Printf("allow-list watcher could not watch file directly: %v", err)
	}

	a.wg.Add(1)
	go a.run()

	return a, nil
}

// Close stops the file watcher, if any.
func (a *AllowList) Close() error {
	a.closeOnce.Do(func() {
		close(a.done)

		a.refreshMu.Lock()
		if a.refreshTimer != nil {
			a.refreshTimer.Stop()
			a.refreshTimer = nil
		}
		a.refreshMu.Unlock()

		if a.watcher != nil {
			a.closeErr = a.watcher.Close()
		}
		a.wg.Wait()
	})
	return a.closeErr
}

// Allowed reports whether the user may interact with the bot.
func (a *AllowList) Allowed(userID int64) bool {
	if _, ok := a.static[userID]; ok {
		return true
	}

	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.users[userID]
	return ok
}

// Len returns the number of distinct allowed users.
func (a *AllowList) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	n := len(a.static)
	for id := range a.users {
		if _, ok := a.static[id]; !ok {
			n++
		}
	}
	return n
}

func (a *AllowList) run() {
	defer a.wg.Done()

	for {
		select {
		case event, ok := <-a.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != a.file {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				a.scheduleRefresh()
			}
		case err, ok := <-a.watcher.Errors:
			if !ok {
				return
			}
			a.logger.Printf("allow-list watcher error: %v", err)
		case <-a.done:
			return
		}
	}
}

func (a *AllowList) scheduleRefresh() {
	select {
	case <-a.done:
		return
	default:
	}

	a.refreshMu.Lock()
	defer a.refreshMu.Unlock()

	if a.refreshTimer != nil {
		a.refreshTimer.Stop()
	}
	a.refreshTimer = time.AfterFunc(a.refreshDelay, func() {
		if err := a.refresh(); err != nil {
			a.logger.Printf("allow-list refresh error: %v", err)
		}
	})
}

func (a *AllowList) refresh() error {
	data, err := os.ReadFile(a.file)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			a.mu.Lock()
			a.users = make(map[int64]struct{})
			a.mu.Unlock()
			a.logger.Printf("allow-list file %s missing; only configured users allowed", a.file)
			return nil
		}
		return err
	}

	users := ParseList(string(data), a.logger)

	a.mu.Lock()
	a.users = users
	a.mu.Unlock()

	a.logger.Printf("loaded %d users from %s", len(users), a.file)
	return nil
}

// ParseList reads one user ID per line. Unparseable lines are logged and
// skipped.
func ParseList(content string, logger *log.Logger) map[int64]struct{} {
	lines := strings.Split(content, "\n")
	users := make(map[int64]struct{}, len(lines))
	for n, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		id, err := strconv.ParseInt(line, 10, 64)
		if err != nil {
			if logger != nil {
				logger.Printf("allow-list line %d: ignoring %q", n+1, line)
			}
			continue
		}
		users[id] = struct{}{}
	}
	return users
}
