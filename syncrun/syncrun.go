package syncrun

import (
	"context"
	"sync"
	"time"

	"github.com/totem-tech/taskqueue/randtime"
)

// Run starts every runner and waits for all of them. The first runner to
// return cancels the others.
func Run(ctx context.Context, runner ...func(ctx context.Context)) {
	var cancel func()
	ctx, cancel = context.WithCancel(ctx)
	defer cancel()

	endGroup := &sync.WaitGroup{}
	for _, f := range runner {
		endGroup.Add(1)
		go func(f func(ctx context.Context)) {
			defer endGroup.Done()
			defer cancel()
			if ctx.Err() == nil {
				f(ctx)
			}
		}(f)
	}
	endGroup.Wait()
}

// FuncWithRandomStart reruns runFunc until it reports it cannot restart or
// ctx is done, sleeping restartWait between runs.
func FuncWithRandomStart(runFunc func(ctx context.Context) (canRestart bool), restartWait func() time.Duration) func(ctx context.Context) {
	return func(ctx context.Context) {
		for ctx.Err() == nil {
			if !runFunc(ctx) {
				return
			}
			wait := restartWait()
			if wait <= 0 {
				continue
			}
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
			case <-timer.C:
			}
		}
	}
}

func RandRestart(min, max time.Duration) func() time.Duration {
	return func() time.Duration {
		return randtime.RandDuration(min, max)
	}
}
