package notify

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// LogToaster writes toasts to a logger.
type LogToaster struct {
	logger *zap.Logger
}

func NewLogToaster(logger *zap.Logger) *LogToaster {
	if logger == nil {
		logger = zap.L()
	}
	return &LogToaster{logger: logger}
}

func (toaster *LogToaster) Show(ctx context.Context, toast Toast) {
	fields := []zap.Field{
		zap.String("id", toast.ID),
		zap.String("kind", toast.Kind),
		zap.String("header", toast.Header),
		zap.Duration("duration", toast.Duration),
	}
	if toast.Kind == ToastError {
		toaster.logger.Warn(toast.Message, fields...)
		return
	}
	toaster.logger.Info(toast.Message, fields...)
}

type MemoToaster struct {
	mu     sync.Mutex
	toasts []Toast
}

func (toaster *MemoToaster) Show(ctx context.Context, toast Toast) {
	toaster.mu.Lock()
	defer toaster.mu.Unlock()
	toaster.toasts = append(toaster.toasts, toast)
}

func (toaster *MemoToaster) Toasts() []Toast {
	toaster.mu.Lock()
	defer toaster.mu.Unlock()
	ret := make([]Toast, len(toaster.toasts))
	copy(ret, toaster.toasts)
	return ret
}

type MemoHistory struct {
	mu      sync.Mutex
	entries []Entry
}

func (history *MemoHistory) Append(ctx context.Context, entry Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	history.mu.Lock()
	defer history.mu.Unlock()
	history.entries = append(history.entries, entry)
	return nil
}

func (history *MemoHistory) Entries() []Entry {
	history.mu.Lock()
	defer history.mu.Unlock()
	ret := make([]Entry, len(history.entries))
	copy(ret, history.entries)
	return ret
}
