package task

import (
	"time"

	"github.com/pkg/errors"
)

// At returns the node at depth, or nil when the chain is shorter.
func (t *Task) At(depth int) *Task {
	if depth < 0 {
		return nil
	}
	cur := t
	for i := 0; cur != nil && i < depth; i++ {
		cur = cur.Next
	}
	return cur
}

// Len counts the nodes of the chain.
func (t *Task) Len() int {
	var n int
	for cur := t; cur != nil; cur = cur.Next {
		n++
	}
	return n
}

// Current returns the first node that has not succeeded yet. It returns nil
// when every dispatchable node of the chain succeeded.
func (t *Task) Current() (*Task, int) {
	var depth int
	cur := t
	for cur != nil {
		if cur.Status != StatusSuccess {
			return cur, depth
		}
		if !cur.Next.Valid() {
			return nil, depth
		}
		cur = cur.Next
		depth++
	}
	return nil, depth
}

// ChainStatus is the status of the deepest node that reported one.
func (t *Task) ChainStatus() Status {
	if t == nil {
		return StatusRemoved
	}
	cur := t
	for cur.Status == StatusSuccess && cur.Next.Valid() {
		if cur.Next.Status == StatusUnset {
			return StatusLoading
		}
		cur = cur.Next
	}
	return cur.Status
}

// With returns a copy of the chain where the node at depth is replaced.
// The replacement keeps the original successors.
func (t Task) With(depth int, node Task) (Task, error) {
	root := t.Clone()
	replace := node.Clone()
	if depth == 0 {
		replace.Next = root.Next
		return replace, nil
	}
	parent := root.At(depth - 1)
	if parent == nil || parent.Next == nil {
		return root, errors.Errorf("chain has no node at depth %d", depth)
	}
	replace.Next = parent.Next.Next
	parent.Next = &replace
	return root, nil
}

// Ancestors indexes by name the nodes that come before depth. When two
// ancestors share a name the one closer to the root wins, the same node a
// depth-first walk finds first.
func (t *Task) Ancestors(depth int) map[string]*Task {
	index := make(map[string]*Task)
	cur := t
	for i := 0; cur != nil && i < depth; i++ {
		if cur.Name != "" {
			if _, ok := index[cur.Name]; !ok {
				index[cur.Name] = cur
			}
		}
		cur = cur.Next
	}
	return index
}

// Prepare stamps creation times on a freshly built chain and drops the
// runtime state a caller may have left on it: status, result, error,
// balances and the transaction id.
func (t Task) Prepare(now time.Time) Task {
	root := t.Clone()
	for cur := &root; cur != nil; cur = cur.Next {
		cur.Status = StatusUnset
		cur.Result = nil
		cur.ErrorMessage = ""
		cur.Balance = nil
		cur.TxID = ""
		if cur.CreateTime.IsZero() {
			cur.CreateTime = now
		}
		cur.UpdateTime = now
	}
	return root
}

// Validate checks the structural invariants of a chain before it is queued.
func (t *Task) Validate() error {
	if t == nil {
		return errors.New("empty chain")
	}
	var depth int
	for cur := t; cur != nil; cur = cur.Next {
		if !cur.Type.Valid() {
			return errors.Errorf("node %d: unknown type %q", depth, cur.Type)
		}
		if cur.Func == "" {
			return errors.Errorf("node %d: empty func", depth)
		}
		if cur.Type == TypeTransaction && cur.Address == "" {
			return errors.Errorf("node %d: transaction without address", depth)
		}
		for i, arg := range cur.Args {
			if arg.Ref == nil {
				continue
			}
			if arg.Ref.Task == "" {
				return errors.Errorf("node %d arg %d: reference without task name", depth, i)
			}
			if (arg.Ref.Expr == "") == (arg.Ref.Func == "") {
				return errors.Errorf("node %d arg %d: reference needs exactly one of expr and func", depth, i)
			}
		}
		depth++
	}
	return nil
}
