package watergate

import (
	"context"
	"sync"
)

// Future is a single-assignment result. It is completed at most once, by
// the tick goroutine, and may be awaited from any goroutine. A future whose
// session is torn down is never completed; use Wait with a deadline.
type Future[T any] struct {
	once  sync.Once
	done  chan struct{}
	value T
	err   error
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

func (f *Future[T]) complete(value T, err error) (ok bool) {
	f.once.Do(func() {
		f.value = value
		f.err = err
		close(f.done)
		ok = true
	})
	return
}

// Done is closed once the future completes.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Completed reports whether a result is available.
func (f *Future[T]) Completed() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Result returns the result without blocking; ok is false while pending.
func (f *Future[T]) Result() (value T, err error, ok bool) {
	if !f.Completed() {
		return
	}
	return f.value, f.err, true
}

// Wait blocks until the future completes or ctx ends.
func (f *Future[T]) Wait(ctx context.Context) (value T, err error) {
	select {
	case <-ctx.Done():
		err = ctx.Err()
		return
	case <-f.done:
		return f.value, f.err
	}
}
