// Package loop runs tasks serially on a dedicated goroutine.
package loop

import (
	"context"
	"errors"
	"sync"
)

var ErrStopped = errors.New("loop stopped")

const defaultQueue = 256

type Thread struct {
	name  string
	tasks chan func()
	done  chan struct{}

	mu      sync.RWMutex
	stopped bool
	once    sync.Once
	wg      sync.WaitGroup
}

func New(name string) *Thread {
	t := &Thread{
		name:  name,
		tasks: make(chan func(), defaultQueue),
		done:  make(chan struct{}),
	}
	t.wg.Add(1)
	go t.run()
	return t
}

func (t *Thread) Name() string {
	return t.name
}

func (t *Thread) run() {
	defer t.wg.Done()
	for {
		select {
		case task := <-t.tasks:
			task()
		case <-t.done:
			// drain what was queued before Stop
			for {
				select {
				case task := <-t.tasks:
					task()
				default:
					return
				}
			}
		}
	}
}

// Post queues fn without waiting for it.
func (t *Thread) Post(fn func()) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.stopped {
		return ErrStopped
	}
	t.tasks <- fn
	return nil
}

// Invoke runs fn on the loop and waits for it. It must not be called from a
// task running on the same loop.
func (t *Thread) Invoke(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if err := t.Post(func() {
		defer close(finished)
		fn()
	}); err != nil {
		return err
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop refuses new tasks, runs the queued ones and waits for the goroutine
// to exit.
func (t *Thread) Stop() {
	t.once.Do(func() {
		t.mu.Lock()
		t.stopped = true
		t.mu.Unlock()
		close(t.done)
	})
	t.wg.Wait()
}
