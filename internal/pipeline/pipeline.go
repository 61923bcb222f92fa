// Package pipeline turns an episode identifier into a normalized artifact,
// reusing the cached file when allowed.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/sync/singleflight"

	"podcast-bot/internal/fetch"
	"podcast-bot/internal/models"
)

var (
	// ErrFetch marks a failed media download.
	ErrFetch = errors.New("fetch failed")
	// ErrDecode marks a failed normalization of a downloaded file.
	ErrDecode = errors.New("decode failed")
	// ErrClosed is returned, wrapped in ErrFetch, for runs requested after Close.
	ErrClosed = errors.New("pipeline closed")
)

// Stage identifies the step an acquisition is in.
type Stage string

const (
	StageFetching    Stage = "fetching"
	StageNormalizing Stage = "normalizing"
)

// ProgressFunc receives stage changes of an acquisition. It may be nil.
type ProgressFunc func(Stage)

// Cache is the artifact store consulted and updated by the pipeline.
type Cache interface {
	Dir() string
	Path(id string) (string, error)
	Exists(id string) bool
	Artifact(id string) (models.Artifact, bool)
	Evict(id string) error
}

// Fetcher downloads the media at a URL to a local file.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (string, error)
}

// Normalizer writes a loudness-normalized copy of a local file.
type Normalizer interface {
	Normalize(ctx context.Context, input string) (string, error)
}

// Options tunes a Pipeline. Zero timeouts disable the corresponding limit.
type Options struct {
	FetchTimeout     time.Duration
	NormalizeTimeout time.Duration
	// LockDir holds per-episode lock files shared with other processes
	// using the same cache. Defaults to <cache>/.locks.
	LockDir string
	// LockPoll is the retry interval while waiting for another process.
	LockPoll time.Duration
}

// Pipeline orchestrates cache lookups, downloads, and normalization.
type Pipeline struct {
	cache      Cache
	fetcher    Fetcher
	normalizer Normalizer
	opts       Options
	logger     *log.Logger

	inflight singleflight.Group
	runSeq   atomic.Uint64

	// base is cancelled by Close; runs stops Close until every run has
	// cleaned up its working files.
	base context.Context
	stop context.CancelFunc
	runs sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	flights map[string]*flight
}

type outcome struct {
	artifact models.Artifact
	run      uint64
	stages   []Stage
}

// New returns a Pipeline.
func New(cache Cache, fetcher Fetcher, normalizer Normalizer, opts Options, logger *log.Logger) *Pipeline {
	if logger == nil {
		logger = log.Default()
	}
	if opts.LockDir == "" {
		opts.LockDir = filepath.Join(cache.Dir(), ".locks")
	}
	if opts.LockPoll <= 0 {
		opts.LockPoll = 250 * time.Millisecond
	}
	base, stop := context.WithCancel(context.Background())
	return &Pipeline{
		cache:      cache,
		fetcher:    fetcher,
		normalizer: normalizer,
		opts:       opts,
		logger:     logger,
		base:       base,
		stop:       stop,
		flights:    make(map[string]*flight),
	}
}

// Close cancels the runs in progress and waits for them to remove their
// partial files. Cached artifacts are still returned afterwards; new runs
// fail with ErrClosed.
func (p *Pipeline) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	p.stop()
	p.runs.Wait()
}

// Acquire returns the artifact for id. Without forceRefetch an existing
// artifact is returned as is. Otherwise any existing artifact is evicted and
// the episode is fetched and normalized again.
//
// Concurrent calls for the same id share one fetch/normalize run. Every
// caller waiting on a run receives all of its stages, including those
// reported before it joined. Errors always wrap ErrFetch or ErrDecode.
func (p *Pipeline) Acquire(ctx context.Context, id string, forceRefetch bool, progress ProgressFunc) (models.Artifact, error) {
	if _, err := p.cache.Path(id); err != nil {
		return models.Artifact{}, wrap(ErrFetch, id, "resolve artifact", err)
	}

	if !forceRefetch {
		if artifact, ok := p.cache.Artifact(id); ok {
			p.logger.Printf("using cached artifact for %s", id)
			return artifact, nil
		}
	}

	f := p.hold(id)
	defer p.release(id, f)
	w := f.subscribe(progress)
	defer f.unsubscribe(w)

	// The shared run outlives a caller that gives up waiting; the per-step
	// timeouts and Close bound it instead.
	work := context.WithoutCancel(ctx)
	ch := p.inflight.DoChan(id, func() (any, error) {
		out, err := p.execute(work, id, forceRefetch)
		return out, err
	})

	select {
	case res := <-ch:
		if res.Shared {
			p.logger.Printf("joined in-flight acquisition of %s", id)
		}
		out, _ := res.Val.(outcome)
		f.catchUp(w, out)
		if res.Err != nil {
			return models.Artifact{}, res.Err
		}
		return out.artifact, nil
	case <-ctx.Done():
		return models.Artifact{}, wrap(ErrFetch, id, "wait for acquisition", ctx.Err())
	}
}

// execute performs one shared run and records the stages it reported.
func (p *Pipeline) execute(ctx context.Context, id string, forceRefetch bool) (outcome, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return outcome{}, wrap(ErrFetch, id, "start", ErrClosed)
	}
	p.runs.Add(1)
	p.mu.Unlock()
	defer p.runs.Done()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(p.base, cancel)
	defer stop()

	f := p.hold(id)
	defer p.release(id, f)

	run := p.runSeq.Add(1)
	f.begin(run)
	artifact, err := p.run(ctx, id, forceRefetch, func(stage Stage) {
		f.emit(run, stage)
	})
	return outcome{artifact: artifact, run: run, stages: f.end(run)}, err
}

// hold returns the flight of id, creating it when no caller or run holds one.
func (p *Pipeline) hold(id string) *flight {
	p.mu.Lock()
	defer p.mu.Unlock()
	f := p.flights[id]
	if f == nil {
		f = &flight{waiters: make(map[*waiter]struct{})}
		p.flights[id] = f
	}
	f.refs++
	return f
}

func (p *Pipeline) release(id string, f *flight) {
	p.mu.Lock()
	defer p.mu.Unlock()
	f.refs--
	if f.refs == 0 && p.flights[id] == f {
		delete(p.flights, id)
	}
}

func (p *Pipeline) run(ctx context.Context, id string, forceRefetch bool, progress ProgressFunc) (models.Artifact, error) {
	unlock, err := p.lock(ctx, id)
	if err != nil {
		return models.Artifact{}, wrap(ErrFetch, id, "lock", err)
	}
	defer unlock()

	// Another process may have finished the same episode while we waited.
	if !forceRefetch {
		if artifact, ok := p.cache.Artifact(id); ok {
			return artifact, nil
		}
	}

	if err := p.cache.Evict(id); err != nil {
		return models.Artifact{}, wrap(ErrFetch, id, "evict stale artifact", err)
	}

	progress(StageFetching)
	raw, err := p.fetch(ctx, id)
	if err != nil {
		return models.Artifact{}, wrap(ErrFetch, id, "download", err)
	}

	target, _ := p.cache.Path(id)
	if raw != target {
		defer func() {
			if err := os.Remove(raw); err != nil && !errors.Is(err, os.ErrNotExist) {
				p.logger.Printf("failed to remove raw download %s: %v", raw, err)
			}
		}()
	}

	progress(StageNormalizing)
	output, err := p.normalize(ctx, raw)
	if err != nil {
		return models.Artifact{}, wrap(ErrDecode, id, "normalize", err)
	}

	if output != target {
		if err := os.Rename(output, target); err != nil {
			os.Remove(output)
			return models.Artifact{}, wrap(ErrDecode, id, "store artifact", err)
		}
	}

	artifact, ok := p.cache.Artifact(id)
	if !ok {
		return models.Artifact{}, wrap(ErrDecode, id, "store artifact", errors.New("artifact missing after normalization"))
	}
	p.logger.Printf("stored artifact %s", artifact.Path)
	return artifact, nil
}

func (p *Pipeline) fetch(ctx context.Context, id string) (string, error) {
	ctx, cancel := withTimeout(ctx, p.opts.FetchTimeout)
	defer cancel()

	raw, err := p.fetcher.Fetch(ctx, fetch.WatchURL(id))
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("timed out after %s: %w", p.opts.FetchTimeout, err)
		}
		return "", err
	}
	return raw, nil
}

func (p *Pipeline) normalize(ctx context.Context, raw string) (string, error) {
	ctx, cancel := withTimeout(ctx, p.opts.NormalizeTimeout)
	defer cancel()

	output, err := p.normalizer.Normalize(ctx, raw)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("timed out after %s: %w", p.opts.NormalizeTimeout, err)
		}
		return "", err
	}
	return output, nil
}

func (p *Pipeline) lock(ctx context.Context, id string) (func(), error) {
	if err := os.MkdirAll(p.opts.LockDir, 0o755); err != nil {
		return nil, err
	}
	lock := flock.New(filepath.Join(p.opts.LockDir, id+".lock"))
	locked, err := lock.TryLockContext(ctx, p.opts.LockPoll)
	if err != nil {
		return nil, err
	}
	if !locked {
		return nil, fmt.Errorf("episode %s is locked by another process", id)
	}
	return func() {
		if err := lock.Unlock(); err != nil {
			p.logger.Printf("failed to release lock for %s: %v", id, err)
		}
	}, nil
}

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

func wrap(marker error, id, operation string, err error) error {
	detail := strings.TrimSpace(id + ": " + operation)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}
