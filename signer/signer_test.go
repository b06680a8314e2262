package signer_test

import (
	"context"
	"testing"
	"time"

	"github.com/totem-tech/taskqueue/signer"
	"github.com/totem-tech/taskqueue/signer/memo"
	"golang.org/x/time/rate"
)

func TestLimitedWaits(t *testing.T) {
	l := memo.NewLedger().Own("alice", 10)
	limited := signer.NewLimited(l, rate.Every(50*time.Millisecond), 1)

	ctx := context.Background()
	start := time.Now()
	for i := 0; i < 3; i++ {
		if _, err := limited.GetBalance(ctx, "alice"); err != nil {
			t.Fatal(err)
		}
	}
	if time.Since(start) < 90*time.Millisecond {
		t.Fatal("calls were not throttled", time.Since(start))
	}
}

func TestLimitedCanceled(t *testing.T) {
	l := memo.NewLedger()
	limited := signer.NewLimited(l, rate.Every(time.Hour), 1)

	ctx, cancel := context.WithCancel(context.Background())
	if _, err := limited.GetBalance(ctx, "alice"); err != nil {
		t.Fatal(err)
	}
	cancel()
	if _, err := limited.GetBalance(ctx, "alice"); err == nil {
		t.Fatal("expect canceled wait to fail")
	}
}
