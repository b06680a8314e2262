package executor

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/pkg/errors"
)

var _ Messenger = (*MemoMessenger)(nil)

type MethodFunc func(ctx context.Context, args []json.RawMessage) (json.RawMessage, error)

// MemoMessenger is an in-process Messenger whose connectivity is switched
// by hand.
type MemoMessenger struct {
	mu          sync.Mutex
	connected   bool
	maintenance bool
	changed     chan struct{}
	methods     map[string]MethodFunc
	calls       []Call
}

type Call struct {
	Method string
	Args   []json.RawMessage
}

func NewMemoMessenger(connected bool) *MemoMessenger {
	return &MemoMessenger{
		connected: connected,
		changed:   make(chan struct{}),
		methods:   make(map[string]MethodFunc),
	}
}

func (m *MemoMessenger) Handle(method string, f MethodFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.methods[method] = f
}

func (m *MemoMessenger) SetConnected(connected bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.connected == connected {
		return
	}
	m.connected = connected
	m.notify()
}

func (m *MemoMessenger) SetMaintenance(maintenance bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.maintenance == maintenance {
		return
	}
	m.maintenance = maintenance
	m.notify()
}

func (m *MemoMessenger) notify() {
	close(m.changed)
	m.changed = make(chan struct{})
}

func (m *MemoMessenger) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *MemoMessenger) Maintenance() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maintenance
}

func (m *MemoMessenger) StateChanged() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.changed
}

func (m *MemoMessenger) Supports(method string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.methods[method]
	return ok
}

func (m *MemoMessenger) Invoke(ctx context.Context, method string, args []json.RawMessage) (json.RawMessage, error) {
	m.mu.Lock()
	f, ok := m.methods[method]
	connected := m.connected
	m.calls = append(m.calls, Call{Method: method, Args: args})
	m.mu.Unlock()

	if !connected {
		return nil, errors.New("messaging client not connected")
	}
	if !ok {
		return nil, errors.Errorf("unknown method %s", method)
	}
	return f(ctx, args)
}

func (m *MemoMessenger) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	ret := make([]Call, len(m.calls))
	copy(ret, m.calls)
	return ret
}
