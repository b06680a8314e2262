// Package store keeps queued chains keyed by chain id. Only the root is
// addressable; the rest of the chain travels inlined under it.
package store

import (
	"context"

	"github.com/totem-tech/taskqueue/task"
)

// Store never patches fields in place. Callers read the whole root, build
// a new value and write it back.
type Store interface {
	Set(ctx context.Context, id string, root task.Task) error
	// Get returns nil without error when the chain does not exist.
	Get(ctx context.Context, id string) (*task.Task, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]Entry, error)
}

type Entry struct {
	ID   string
	Root task.Task
}
