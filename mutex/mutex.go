// Package mutex offers locks that can be acquired under a context.
package mutex

import (
	"context"
	"sync"
)

// Mutex is an exclusive lock whose Hold gives up when ctx is done.
type Mutex struct {
	rwm        sync.RWMutex
	releasedCn chan struct{}
}

// Wait blocks until the mutex is free or ctx is done, without taking it.
func (mx *Mutex) Wait(ctx context.Context) bool {
	for {
		mx.rwm.RLock()
		cn := mx.releasedCn
		mx.rwm.RUnlock()

		if cn == nil {
			return ctx.Err() == nil
		}
		select {
		case <-cn:
		case <-ctx.Done():
			return false
		}
	}
}

func (mx *Mutex) Hold(ctx context.Context) bool {
	for ctx.Err() == nil {
		if mx.Wait(ctx) && mx.TryHold() {
			return true
		}
	}
	return false
}

func (mx *Mutex) TryHold() bool {
	mx.rwm.Lock()
	defer mx.rwm.Unlock()

	if mx.releasedCn == nil {
		mx.releasedCn = make(chan struct{})
		return true
	}
	return false
}

func (mx *Mutex) Release() {
	mx.rwm.Lock()
	defer mx.rwm.Unlock()
	if mx.releasedCn == nil {
		return
	}
	close(mx.releasedCn)
	mx.releasedCn = nil
}

// Keyed holds one Mutex per key. Entries are dropped once nobody holds or
// waits on them.
type Keyed struct {
	mu      sync.Mutex
	entries map[string]*keyedEntry
}

type keyedEntry struct {
	mx   Mutex
	refs int
}

func (k *Keyed) acquire(key string) *keyedEntry {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.entries == nil {
		k.entries = make(map[string]*keyedEntry)
	}
	entry, ok := k.entries[key]
	if !ok {
		entry = &keyedEntry{}
		k.entries[key] = entry
	}
	entry.refs++
	return entry
}

func (k *Keyed) unref(key string, entry *keyedEntry) {
	k.mu.Lock()
	defer k.mu.Unlock()
	entry.refs--
	if entry.refs <= 0 && k.entries[key] == entry {
		delete(k.entries, key)
	}
}

func (k *Keyed) Hold(ctx context.Context, key string) bool {
	entry := k.acquire(key)
	if entry.mx.Hold(ctx) {
		return true
	}
	k.unref(key, entry)
	return false
}

func (k *Keyed) TryHold(key string) bool {
	entry := k.acquire(key)
	if entry.mx.TryHold() {
		return true
	}
	k.unref(key, entry)
	return false
}

func (k *Keyed) Release(key string) {
	k.mu.Lock()
	entry, ok := k.entries[key]
	k.mu.Unlock()
	if !ok {
		return
	}
	entry.mx.Release()
	k.unref(key, entry)
}

// Held reports whether key is currently held.
func (k *Keyed) Held(key string) bool {
	k.mu.Lock()
	entry, ok := k.entries[key]
	k.mu.Unlock()
	if !ok {
		return false
	}
	entry.mx.rwm.RLock()
	defer entry.mx.rwm.RUnlock()
	return entry.mx.releasedCn != nil
}
