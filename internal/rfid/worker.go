package rfid

import (
	"context"
	"sync"
)

// worker is the start/stop bookkeeping shared by the stage loops. A stage
// runs one loop at a time; Stop asks the loop to finish its work and exit,
// while cancelling the loop's context abandons it.
type worker struct {
	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// begin marks the worker running and arms fresh stop/done channels.
func (w *worker) begin() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return ErrAlreadyRunning
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	return nil
}

// end is deferred by the loop goroutine.
func (w *worker) end() {
	w.mu.Lock()
	w.running = false
	close(w.doneCh)
	w.mu.Unlock()
}

// locked runs fn while holding the worker lock, failing if the loop is running.
func (w *worker) locked(fn func() error) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return ErrSettingsLocked
	}
	return fn()
}

// Stop asks the loop to finish. It does not wait and is safe to call at any
// time, any number of times.
func (w *worker) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return
	}
	select {
	case <-w.stopCh:
	default:
		close(w.stopCh)
	}
}

// Done is closed when the current loop exits. It is nil before the first Start.
func (w *worker) Done() <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.doneCh
}

// Wait blocks until the loop exits or ctx is done.
func (w *worker) Wait(ctx context.Context) error {
	done := w.Done()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StopAndWait is Stop followed by Wait.
func (w *worker) StopAndWait(ctx context.Context) error {
	w.Stop()
	return w.Wait(ctx)
}

// IsRunning reports whether a loop is active.
func (w *worker) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *worker) stopping() <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stopCh
}

// inflight counts callers currently inside a callback and lets a closer wait
// for the count to reach zero.
type inflight struct {
	mu   sync.Mutex
	n    int
	zero chan struct{}
}

func (f *inflight) add() {
	f.mu.Lock()
	if f.n == 0 {
		f.zero = make(chan struct{})
	}
	f.n++
	f.mu.Unlock()
}

func (f *inflight) done() {
	f.mu.Lock()
	f.n--
	if f.n == 0 {
		close(f.zero)
	}
	f.mu.Unlock()
}

func (f *inflight) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.n
}

func (f *inflight) wait(ctx context.Context) error {
	f.mu.Lock()
	if f.n == 0 {
		f.mu.Unlock()
		return nil
	}
	zero := f.zero
	f.mu.Unlock()
	select {
	case <-zero:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
