package notify

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Worker runs deferred work items one at a time on its own goroutine. At most
// one item is pending at any time; scheduling while an item is pending is a
// no-op, the pending item will observe whatever state caused the new request.
type Worker struct {
	l *logrus.Logger

	mu      sync.Mutex
	idle    *sync.Cond
	pending func()
	busy    bool
	closed  bool

	wake chan struct{}
	quit chan struct{}
	done chan struct{}
}

func NewWorker(l *logrus.Logger) *Worker {
	w := &Worker{
		l:    l,
		wake: make(chan struct{}, 1),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	w.idle = sync.NewCond(&w.mu)
	go w.run()
	return w
}

// Schedule queues work to run on the worker goroutine. It returns false when
// another item is already pending or the worker is closed.
func (w *Worker) Schedule(work func()) bool {
	w.mu.Lock()
	if w.closed || w.pending != nil {
		w.mu.Unlock()
		return false
	}
	w.pending = work
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
	return true
}

// Cancel drops a pending item and waits for a running one to finish. It must
// not be called from a work item.
func (w *Worker) Cancel() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.pending = nil
	for w.busy {
		w.idle.Wait()
	}
}

func (w *Worker) run() {
	defer close(w.done)
	for {
		select {
		case <-w.quit:
			return
		case <-w.wake:
		}

		w.mu.Lock()
		work := w.pending
		w.pending = nil
		w.busy = work != nil
		w.mu.Unlock()

		if work != nil {
			w.runOne(work)
		}

		w.mu.Lock()
		w.busy = false
		w.idle.Broadcast()
		w.mu.Unlock()
	}
}

func (w *Worker) runOne(work func()) {
	defer func() {
		if r := recover(); r != nil {
			w.l.WithField("panic", r).Error("Deferred work item panicked")
		}
	}()
	work()
}

// Close cancels pending work, waits for a running item and stops the worker.
func (w *Worker) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	w.Cancel()
	close(w.quit)
	<-w.done
	return nil
}
