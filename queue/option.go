package queue

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

type Option struct {
	Logger *zap.Logger
	// Registerer receives the queue metrics when set.
	Registerer    prometheus.Registerer
	MaxConcurrent int
	// FinishedTTL keeps the terminal status of a deleted chain observable.
	FinishedTTL time.Duration
	// SweepInterval enables a periodic Resume when positive. Each wait is
	// jittered by up to half the interval.
	SweepInterval time.Duration
}

func DefaultOption() Option {
	return Option{
		MaxConcurrent: 16,
		FinishedTTL:   10 * time.Minute,
	}
}

func (opt Option) CompleteWith(dft Option) Option {
	if opt.Logger == nil {
		opt.Logger = dft.Logger
	}
	if opt.Registerer == nil {
		opt.Registerer = dft.Registerer
	}
	if opt.MaxConcurrent == 0 {
		opt.MaxConcurrent = dft.MaxConcurrent
	}
	if opt.FinishedTTL == 0 {
		opt.FinishedTTL = dft.FinishedTTL
	}
	if opt.SweepInterval == 0 {
		opt.SweepInterval = dft.SweepInterval
	}
	return opt
}

type enqueueOption struct {
	id         string
	onComplete func(id string, status Status)
}

type EnqueueOption func(opt *enqueueOption)

// WithID sets the chain id instead of generating one.
func WithID(id string) EnqueueOption {
	return func(opt *enqueueOption) {
		opt.id = id
	}
}

// OnComplete is called once the chain reaches a terminal status.
func OnComplete(f func(id string, status Status)) EnqueueOption {
	return func(opt *enqueueOption) {
		opt.onComplete = f
	}
}
