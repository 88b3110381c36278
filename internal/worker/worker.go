// Package worker provides the single background goroutine a capture session
// runs its device callbacks and frame callbacks on.
package worker

import (
	"errors"
	"sync"
	"time"
)

// ErrStopTimeout is returned by Stop when queued tasks didn't finish in time.
var ErrStopTimeout = errors.New("worker: stop timed out")

// Worker executes posted tasks one at a time, in order, on its own goroutine.
type Worker struct {
	name string

	mu    sync.Mutex
	tasks []func()
	quit  bool

	wake chan struct{}
	done chan struct{}
}

// Start spawns a new worker goroutine.
func Start(name string) *Worker {
	w := &Worker{
		name: name,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go w.loop()
	return w
}

// Name returns the name the worker was started with.
func (w *Worker) Name() string {
	return w.name
}

// Post queues task. It returns false once the worker has been asked to quit.
func (w *Worker) Post(task func()) bool {
	w.mu.Lock()
	if w.quit {
		w.mu.Unlock()
		return false
	}
	w.tasks = append(w.tasks, task)
	w.mu.Unlock()

	w.signal()
	return true
}

// Quit stops accepting tasks. Tasks already queued still run, then the
// goroutine exits. Quit doesn't wait, so it is safe to call from a task.
func (w *Worker) Quit() {
	w.mu.Lock()
	w.quit = true
	w.mu.Unlock()

	w.signal()
}

// Stop quits and waits up to timeout for the goroutine to exit.
// Must not be called from a task running on w.
func (w *Worker) Stop(timeout time.Duration) error {
	w.Quit()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-w.done:
		return nil
	case <-timer.C:
		return ErrStopTimeout
	}
}

// Done is closed when the worker goroutine has exited.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

func (w *Worker) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *Worker) loop() {
	defer close(w.done)

	for {
		w.mu.Lock()
		tasks := w.tasks
		w.tasks = nil
		quit := w.quit
		w.mu.Unlock()

		if len(tasks) == 0 {
			if quit {
				return
			}
			<-w.wake
			continue
		}

		for _, task := range tasks {
			task()
		}
	}
}
