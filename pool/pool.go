// Package pool runs functions on goroutines, at most max at a time, and
// waits for them on Close.
package pool

import (
	"context"
	"runtime/debug"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var ErrClosed = errors.New("pool closed")

type TaskFunc func(ctx context.Context)

type Pool struct {
	sem    chan struct{}
	wg     sync.WaitGroup
	ctx    context.Context
	cancel func()
	logger *zap.Logger

	mu     sync.Mutex
	closed bool
}

func New(maxConcurrent int, logger *zap.Logger) *Pool {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	if logger == nil {
		logger = zap.L()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		sem:    make(chan struct{}, maxConcurrent),
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
	}
}

// Go schedules f without blocking. f waits for a free slot and its context
// is canceled on Close.
func (pool *Pool) Go(f TaskFunc) error {
	pool.mu.Lock()
	if pool.closed {
		pool.mu.Unlock()
		return ErrClosed
	}
	pool.wg.Add(1)
	pool.mu.Unlock()

	go func() {
		defer pool.wg.Done()
		select {
		case pool.sem <- struct{}{}:
		case <-pool.ctx.Done():
			return
		}
		defer func() { <-pool.sem }()
		pool.run(f)
	}()
	return nil
}

func (pool *Pool) run(f TaskFunc) {
	defer func() {
		if r := recover(); r != nil {
			pool.logger.Error("task panic", zap.Any("recover", r), zap.ByteString("stack", debug.Stack()))
		}
	}()
	f(pool.ctx)
}

// Close cancels running tasks and waits for them until ctx is done.
func (pool *Pool) Close(ctx context.Context) error {
	pool.mu.Lock()
	pool.closed = true
	pool.mu.Unlock()
	pool.cancel()

	done := make(chan struct{})
	go func() {
		pool.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
