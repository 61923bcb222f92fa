package pipeline

import "sync"

// flight fans the stages of the active run of one episode out to every
// caller waiting for that episode.
type flight struct {
	refs int // guarded by Pipeline.mu

	mu      sync.Mutex
	run     uint64 // zero while no run is active
	stages  []Stage
	waiters map[*waiter]struct{}
}

// waiter is one Acquire call. It is bound to the first run it hears from and
// ignores stages of any other run.
type waiter struct {
	progress ProgressFunc
	run      uint64
	seen     int
}

func (w *waiter) deliver(stages []Stage) {
	for _, stage := range stages[w.seen:] {
		w.progress(stage)
	}
	w.seen = len(stages)
}

// subscribe registers a waiter and replays the stages the active run has
// already reported.
func (f *flight) subscribe(progress ProgressFunc) *waiter {
	if progress == nil {
		progress = func(Stage) {}
	}
	w := &waiter{progress: progress}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.waiters[w] = struct{}{}
	if f.run != 0 {
		w.run = f.run
		w.deliver(f.stages)
	}
	return w
}

func (f *flight) unsubscribe(w *waiter) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.waiters, w)
}

func (f *flight) begin(run uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.run = run
	f.stages = nil
}

func (f *flight) emit(run uint64, stage Stage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stages = append(f.stages, stage)
	for w := range f.waiters {
		if w.run == 0 {
			w.run = run
		}
		if w.run == run {
			w.deliver(f.stages)
		}
	}
}

// end marks run as finished and returns the stages it reported.
func (f *flight) end(run uint64) []Stage {
	f.mu.Lock()
	defer f.mu.Unlock()
	stages := f.stages
	if f.run == run {
		f.run = 0
	}
	return stages
}

// catchUp delivers the stages of the run whose result w received that it has
// not seen yet, for callers that joined as the run was finishing.
func (f *flight) catchUp(w *waiter, out outcome) {
	if out.run == 0 {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if w.run != out.run {
		w.run = out.run
		w.seen = 0
	}
	w.deliver(out.stages)
}
