package task

import (
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/totem-tech/taskqueue/selector"
)

// Resolver replaces dynamic argument references with values taken from the
// results of named ancestors. It has no side effects.
type Resolver struct {
	funcs *selector.Registry
	cache *selector.Cache
}

func NewResolver(funcs *selector.Registry) *Resolver {
	if funcs == nil {
		funcs = selector.NewRegistry()
	}
	return &Resolver{
		funcs: funcs,
		cache: &selector.Cache{},
	}
}

// Resolve returns the concrete arguments of the node at depth.
func (resolver *Resolver) Resolve(root *Task, depth int) ([]json.RawMessage, error) {
	node := root.At(depth)
	if node == nil {
		return nil, errors.Errorf("chain has no node at depth %d", depth)
	}

	var (
		ancestors map[string]*Task
		rootDoc   json.RawMessage
		ret       = make([]json.RawMessage, 0, len(node.Args))
	)

	for _, arg := range node.Args {
		if arg.Ref == nil {
			if arg.Value == nil {
				ret = append(ret, json.RawMessage("null"))
			} else {
				ret = append(ret, arg.Value)
			}
			continue
		}

		if ancestors == nil {
			ancestors = root.Ancestors(depth)
			bs, err := json.Marshal(root)
			if err != nil {
				return nil, ArgumentResolution(arg.Ref.String(), err)
			}
			rootDoc = bs
		}

		v, err := resolver.resolveRef(*arg.Ref, ancestors, rootDoc)
		if err != nil {
			return nil, ArgumentResolution(arg.Ref.String(), err)
		}
		ret = append(ret, v)
	}
	return ret, nil
}

func (resolver *Resolver) resolveRef(ref Ref, ancestors map[string]*Task, rootDoc json.RawMessage) (json.RawMessage, error) {
	source, ok := ancestors[ref.Task]
	if !ok {
		return nil, errors.Errorf("no ancestor task named %q", ref.Task)
	}
	if source.Status != StatusSuccess {
		return nil, errors.Errorf("ancestor %q has status %s", ref.Task, source.Status)
	}

	taskDoc, err := json.Marshal(source)
	if err != nil {
		return nil, err
	}
	vars := selector.Vars{
		Result:   source.Result,
		RootTask: rootDoc,
		Task:     taskDoc,
	}

	if ref.Func != "" {
		f, ok := resolver.funcs.Lookup(ref.Func)
		if !ok {
			return nil, errors.Errorf("selector func %q is not registered", ref.Func)
		}
		return callFunc(f, vars)
	}

	sel, err := resolver.cache.Compile(ref.Expr)
	if err != nil {
		return nil, err
	}
	return sel.Eval(vars)
}

func callFunc(f selector.Func, vars selector.Vars) (ret json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("selector func panic: %v", r)
		}
	}()
	return f(vars)
}
