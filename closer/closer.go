package closer

import (
	"context"
	"sync"
	"time"

	"go.uber.org/multierr"
)

type WithContextCloser interface {
	CloseWithContext(ctx context.Context) error
}

type Closer interface {
	Close() error
}

type Func func(ctx context.Context) error

func (f Func) CloseWithContext(ctx context.Context) error {
	return f(ctx)
}

type closerWrapper struct {
	closer Closer
}

func (c closerWrapper) CloseWithContext(ctx context.Context) error {
	return c.closer.Close()
}

func WrapCloser(closer Closer) WithContextCloser {
	return closerWrapper{closer: closer}
}

func CloseAndWait(closer WithContextCloser, duration time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), duration)
	defer cancel()
	return closer.CloseWithContext(ctx)
}

// Stack closes what was pushed in reverse order, once.
type Stack struct {
	mu      sync.Mutex
	closers []WithContextCloser
	closed  bool
}

func (stack *Stack) Push(closer WithContextCloser) {
	stack.mu.Lock()
	defer stack.mu.Unlock()
	stack.closers = append(stack.closers, closer)
}

func (stack *Stack) CloseWithContext(ctx context.Context) error {
	stack.mu.Lock()
	if stack.closed {
		stack.mu.Unlock()
		return nil
	}
	stack.closed = true
	closers := stack.closers
	stack.closers = nil
	stack.mu.Unlock()

	var err error
	for i := len(closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, closers[i].CloseWithContext(ctx))
	}
	return err
}
