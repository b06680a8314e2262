package selector

import (
	"encoding/json"
	"sync"

	"github.com/pkg/errors"
)

// Func is a selector written in Go. It gets the same documents an
// expression would see.
type Func func(vars Vars) (json.RawMessage, error)

type Registry struct {
	rw    sync.RWMutex
	funcs map[string]Func
}

func NewRegistry() *Registry {
	return &Registry{
		funcs: map[string]Func{},
	}
}

func (registry *Registry) Register(name string, f Func) {
	if f == nil {
		panic("selector: nil func for " + name)
	}
	registry.rw.Lock()
	defer registry.rw.Unlock()
	registry.funcs[name] = f
}

func (registry *Registry) Lookup(name string) (Func, bool) {
	if registry == nil {
		return nil, false
	}
	registry.rw.RLock()
	defer registry.rw.RUnlock()
	f, ok := registry.funcs[name]
	return f, ok
}

// Path builds a Func that walks object keys of the result document.
func Path(keys ...string) Func {
	return func(vars Vars) (json.RawMessage, error) {
		cur := vars.Result
		for _, key := range keys {
			var obj map[string]json.RawMessage
			if err := json.Unmarshal(cur, &obj); err != nil {
				return nil, errors.Wrapf(err, "read key %q", key)
			}
			next, ok := obj[key]
			if !ok {
				return nil, errors.Errorf("key %q not found", key)
			}
			cur = next
		}
		if cur == nil {
			return json.RawMessage("null"), nil
		}
		return cur, nil
	}
}
