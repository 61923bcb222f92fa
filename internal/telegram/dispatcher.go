package telegram

import "sync"

// Dispatcher runs jobs in submission order per chat and concurrently across
// chats. A chat's worker goroutine exits once its queue drains.
type Dispatcher struct {
	mu     sync.Mutex
	queues map[int64][]func()
	wg     sync.WaitGroup
}

// NewDispatcher returns an empty Dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{queues: make(map[int64][]func())}
}

// Submit queues job for chat.
func (d *Dispatcher) Submit(chat int64, job func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	queue, running := d.queues[chat]
	d.queues[chat] = append(queue, job)
	if running {
		return
	}

	d.wg.Add(1)
	go d.drain(chat)
}

// Wait blocks until every submitted job has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) drain(chat int64) {
	defer d.wg.Done()

	for {
		d.mu.Lock()
		queue := d.queues[chat]
		if len(queue) == 0 {
			delete(d.queues, chat)
			d.mu.Unlock()
			return
		}
		job := queue[0]
		queue[0] = nil
		d.queues[chat] = queue[1:]
		d.mu.Unlock()

		job()
	}
}
