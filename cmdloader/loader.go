// Package cmdloader runs command recording and submission on a fixed set of
// worker goroutines so the render goroutine can keep traversing the scene.
package cmdloader

import (
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrClosed is delivered for work submitted after Close.
var ErrClosed = errors.New("cmdloader: closed")

type task struct {
	fn   func() error
	done chan error
}

type Loader struct {
	log     *zap.Logger
	workers int

	mu     sync.RWMutex
	closed bool
	tasks  chan task
	g      errgroup.Group
}

// New starts workers goroutines. A non positive count starts one.
func New(workers int, log *zap.Logger) *Loader {
	if workers <= 0 {
		workers = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	l := &Loader{
		log:     log,
		workers: workers,
		tasks:   make(chan task, workers*4),
	}
	for i := 0; i < workers; i++ {
		id := i
		l.g.Go(func() error {
			l.work(id)
			return nil
		})
	}
	log.Debug("command loader started", zap.Int("workers", workers))
	return l
}

func (l *Loader) Workers() int { return l.workers }

func (l *Loader) work(id int) {
	for t := range l.tasks {
		t.done <- run(t.fn)
	}
	l.log.Debug("command loader worker exited", zap.Int("worker", id))
}

func run(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("cmdloader: task panicked: %v", r)
		}
	}()
	return fn()
}

// Submit queues fn and returns a channel that receives its result exactly
// once.
func (l *Loader) Submit(fn func() error) <-chan error {
	done := make(chan error, 1)
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		done <- ErrClosed
		return done
	}
	l.tasks <- task{fn: fn, done: done}
	return done
}

// Close finishes queued work and stops the workers.
func (l *Loader) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	close(l.tasks)
	l.mu.Unlock()
	return l.g.Wait()
}
