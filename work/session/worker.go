package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"hls-engine/work/types"
)

// worker is one long-lived session goroutine. Killing it cancels ctx, which
// also wakes any sleepUntil and aborts in-flight transfers; join waits for
// the goroutine to return.
type worker struct {
	name   string
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	wake   chan struct{}

	mu     sync.Mutex
	status error
}

// startWorker runs fn on a new goroutine. A returned error other than
// ErrCancelled becomes the worker status.
func startWorker(parent context.Context, name string, fn func(w *worker) error) *worker {
	ctx, cancel := context.WithCancel(parent)
	w := &worker{
		name:   name,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		wake:   make(chan struct{}, 1),
	}
	go func() {
		defer close(w.done)
		err := fn(w)
		if err != nil && !errors.Is(err, types.ErrCancelled) {
			w.mu.Lock()
			w.status = err
			w.mu.Unlock()
		}
	}()
	return w
}

// signal wakes a sleeping worker without killing it.
func (w *worker) signal() {
	if w == nil {
		return
	}
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *worker) kill() {
	if w != nil {
		w.cancel()
	}
}

func (w *worker) join() {
	if w != nil {
		<-w.done
	}
}

// stop kills and joins.
func (w *worker) stop() {
	w.kill()
	w.join()
}

func (w *worker) killed() bool {
	return w.ctx.Err() != nil
}

func (w *worker) finished() bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}

// err is the status the worker exited with, nil while running or after a
// clean exit.
func (w *worker) err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// sleepUntil blocks until the absolute deadline, a wake signal or a kill.
// It returns ErrCancelled only for a kill.
func (w *worker) sleepUntil(deadline time.Time) error {
	d := time.Until(deadline)
	if d <= 0 {
		if w.killed() {
			return fmt.Errorf("%s killed: %w", w.name, types.ErrCancelled)
		}
		return nil
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-w.ctx.Done():
		return fmt.Errorf("%s killed: %w", w.name, types.ErrCancelled)
	case <-w.wake:
		return nil
	case <-t.C:
		return nil
	}
}

// sleepCtx sleeps for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("sleep aborted: %w", types.ErrCancelled)
	case <-t.C:
		return nil
	}
}
