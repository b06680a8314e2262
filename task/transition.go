package task

import (
	"encoding/json"
	"time"
)

// The transitions below never mutate the receiver. A false return means the
// transition is not allowed from the current status and the node comes back
// unchanged.

func (t Task) Start() (Task, bool) {
	switch t.Status {
	case StatusUnset, StatusLoading, StatusSuspended:
	default:
		return t, false
	}
	t.Status = StatusLoading
	t.ErrorMessage = ""
	t.UpdateTime = time.Now()
	return t, true
}

func (t Task) Succeed(result json.RawMessage) (Task, bool) {
	if t.Status != StatusLoading || t.Result != nil {
		return t, false
	}
	t.Status = StatusSuccess
	t.Result = cloneRaw(result)
	if t.Result == nil {
		t.Result = json.RawMessage("null")
	}
	t.UpdateTime = time.Now()
	return t, true
}

func (t Task) Fail(err error) (Task, bool) {
	switch t.Status {
	case StatusUnset, StatusLoading, StatusSuspended:
	default:
		return t, false
	}
	t.Status = StatusError
	if err != nil {
		t.ErrorMessage = err.Error()
	}
	t.UpdateTime = time.Now()
	return t, true
}

func (t Task) Suspend() (Task, bool) {
	switch t.Status {
	case StatusUnset, StatusLoading, StatusSuspended:
	default:
		return t, false
	}
	t.Status = StatusSuspended
	t.UpdateTime = time.Now()
	return t, true
}
