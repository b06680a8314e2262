// Package prob runs one long-lived goroutine that can be started once and
// stopped from anywhere.
package prob

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
)

const (
	stateInit = iota
	stateUp
	stateDown
)

type Prob struct {
	rw          sync.RWMutex
	cancel      func()
	state       int
	stopChan    chan struct{}
	runningChan chan struct{}
	f           func(ctx context.Context)
}

func New(f func(ctx context.Context)) *Prob {
	return &Prob{
		stopChan:    make(chan struct{}),
		runningChan: make(chan struct{}),
		f:           f,
	}
}

// Start launches the goroutine. It returns false when the prob was already
// started or stopped.
func (prob *Prob) Start() bool {
	prob.rw.Lock()
	defer prob.rw.Unlock()

	if prob.state != stateInit {
		return false
	}
	prob.state = stateUp
	runCtx, cancel := context.WithCancel(context.Background())
	prob.cancel = cancel
	close(prob.runningChan)
	go prob.run(runCtx)
	return true
}

func (prob *Prob) run(ctx context.Context) {
	defer prob.didStopped()
	if prob.f != nil {
		prob.f(ctx)
	}
}

func (prob *Prob) didStopped() {
	prob.rw.Lock()
	defer prob.rw.Unlock()

	if prob.cancel != nil {
		prob.cancel()
		prob.cancel = nil
	}
	select {
	case <-prob.stopChan:
	default:
		close(prob.stopChan)
	}
}

// Stop cancels the goroutine context. A prob stopped before it started
// never runs.
func (prob *Prob) Stop() {
	prob.rw.Lock()
	defer prob.rw.Unlock()

	switch prob.state {
	case stateInit:
		prob.state = stateDown
		close(prob.stopChan)
	case stateUp:
		prob.state = stateDown
		if prob.cancel != nil {
			prob.cancel()
		}
	}
}

func (prob *Prob) Stopped() <-chan struct{} {
	return prob.stopChan
}

func (prob *Prob) Running() <-chan struct{} {
	return prob.runningChan
}

func (prob *Prob) IsRunning() bool {
	select {
	case <-prob.stopChan:
		return false
	default:
	}
	select {
	case <-prob.runningChan:
		return true
	default:
		return false
	}
}

func (prob *Prob) StopAndWait(ctx context.Context) error {
	prob.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-prob.Stopped():
		return nil
	}
}

func (prob *Prob) StopAndWaitDuration(duration time.Duration) error {
	prob.Stop()
	timer := time.NewTimer(duration)
	defer timer.Stop()
	select {
	case <-timer.C:
		return errors.New("stop timeout")
	case <-prob.Stopped():
		return nil
	}
}
