package rfid

import (
	"context"
	"sync/atomic"
)

// FanOut copies every value from one queue onto several output queues.
// Writes never block: a value offered to a full output is dropped and
// counted against that output.
type FanOut[T any] struct {
	outs    []chan T
	dropped []atomic.Uint64
	done    chan struct{}
}

// Split starts a goroutine copying src to n new outputs of the given
// capacity. All outputs are closed once src is closed or ctx is done.
// n must be at least 1.
func Split[T any](ctx context.Context, src <-chan T, n, capacity int) *FanOut[T] {
	if n < 1 {
		panic("rfid: Split needs at least one output")
	}
	f := &FanOut[T]{
		outs:    make([]chan T, n),
		dropped: make([]atomic.Uint64, n),
		done:    make(chan struct{}),
	}
	for i := range f.outs {
		f.outs[i] = make(chan T, capacity)
	}
	go f.run(ctx, src)
	return f
}

func (f *FanOut[T]) run(ctx context.Context, src <-chan T) {
	defer func() {
		for _, ch := range f.outs {
			close(ch)
		}
		close(f.done)
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case v, ok := <-src:
			if !ok {
				return
			}
			for i, ch := range f.outs {
				select {
				case ch <- v:
				default:
					f.dropped[i].Add(1)
				}
			}
		}
	}
}

// Output returns the i-th output queue.
func (f *FanOut[T]) Output(i int) <-chan T { return f.outs[i] }

// Outputs returns every output queue.
func (f *FanOut[T]) Outputs() []<-chan T {
	outs := make([]<-chan T, len(f.outs))
	for i, ch := range f.outs {
		outs[i] = ch
	}
	return outs
}

// Dropped returns how many values output i has missed.
func (f *FanOut[T]) Dropped(i int) uint64 { return f.dropped[i].Load() }

// Done is closed after every output has been closed.
func (f *FanOut[T]) Done() <-chan struct{} { return f.done }
