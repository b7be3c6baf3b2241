package nls

import (
	"context"
	"sync"
)

// future is resolved exactly once by the owning worker and awaited by API
// callers.
type future struct {
	once sync.Once
	done chan struct{}
	err  error
}

func newFuture() *future {
	return &future{done: make(chan struct{})}
}

// resolve reports whether this call resolved the future.
func (f *future) resolve(err error) bool {
	resolved := false
	f.once.Do(func() {
		f.err = err
		close(f.done)
		resolved = true
	})
	return resolved
}

func (f *future) resolved() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// wait blocks until the future is resolved or ctx is done.
func (f *future) wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// result is only meaningful once done is closed.