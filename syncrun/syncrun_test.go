package syncrun

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestRunCancelsSiblings(t *testing.T) {
	var canceled int32
	done := make(chan struct{})
	go func() {
		Run(context.Background(),
			func(ctx context.Context) {},
			func(ctx context.Context) {
				<-ctx.Done()
				atomic.StoreInt32(&canceled, 1)
			},
		)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("run did not return")
	}
	if atomic.LoadInt32(&canceled) != 1 {
		t.Fatal("sibling not canceled")
	}
}

func TestFuncWithRandomStart(t *testing.T) {
	var n int32
	f := FuncWithRandomStart(func(ctx context.Context) bool {
		return atomic.AddInt32(&n, 1) < 3
	}, RandRestart(time.Millisecond, 2*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	f(ctx)
	if atomic.LoadInt32(&n) != 3 {
		t.Fatal("expect three runs", n)
	}
}
