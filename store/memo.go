package store

import (
	"context"
	"sort"
	"sync"

	"github.com/totem-tech/taskqueue/task"
)

var _ Store = (*MemoStore)(nil)

type memoEntry struct {
	seq  uint64
	root task.Task
}

// MemoStore keeps chains in process memory. It does not survive restarts
// and is meant for tests and single-run tools. The zero value is ready to
// use.
type MemoStore struct {
	rw      sync.RWMutex
	entries map[string]memoEntry
	seq     uint64
}

func NewMemoStore() *MemoStore {
	return &MemoStore{
		entries: map[string]memoEntry{},
	}
}

func (store *MemoStore) Set(ctx context.Context, id string, root task.Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	store.rw.Lock()
	defer store.rw.Unlock()

	if store.entries == nil {
		store.entries = map[string]memoEntry{}
	}
	e, ok := store.entries[id]
	if !ok {
		store.seq++
		e.seq = store.seq
	}
	e.root = root.Clone()
	store.entries[id] = e
	return nil
}

func (store *MemoStore) Get(ctx context.Context, id string) (*task.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	store.rw.RLock()
	e, ok := store.entries[id]
	store.rw.RUnlock()
	if !ok {
		return nil, nil
	}
	root := e.root.Clone()
	return &root, nil
}

func (store *MemoStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	store.rw.Lock()
	defer store.rw.Unlock()
	delete(store.entries, id)
	return nil
}

// List returns chains in the order they were first stored.
func (store *MemoStore) List(ctx context.Context) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	store.rw.RLock()
	type seqEntry struct {
		seq uint64
		Entry
	}
	list := make([]seqEntry, 0, len(store.entries))
	for id, e := range store.entries {
		list = append(list, seqEntry{e.seq, Entry{ID: id, Root: e.root.Clone()}})
	}
	store.rw.RUnlock()

	sort.Slice(list, func(i, j int) bool {
		return list[i].seq < list[j].seq
	})
	ret := make([]Entry, len(list))
	for i, e := range list {
		ret[i] = e.Entry
	}
	return ret, nil
}
