package queue

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/totem-tech/taskqueue/executor"
	"github.com/totem-tech/taskqueue/notify"
	"github.com/totem-tech/taskqueue/signer"
	"github.com/totem-tech/taskqueue/signer/memo"
	"github.com/totem-tech/taskqueue/store"
	"github.com/totem-tech/taskqueue/task"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

const txOp = "api.tx.timekeeping.recordSave"

type env struct {
	q       *Queue
	store   *store.MemoStore
	msg     *executor.MemoMessenger
	ledger  *memo.Ledger
	toaster *notify.MemoToaster
	history *notify.MemoHistory
}

func newEnv(t *testing.T, connected bool) *env {
	return newEnvWith(t, connected, Option{})
}

func newEnvWith(t *testing.T, connected bool, option Option) *env {
	e := &env{
		store:   store.NewMemoStore(),
		msg:     executor.NewMemoMessenger(connected),
		ledger:  memo.NewLedger().Own("alice", 1000),
		toaster: &notify.MemoToaster{},
		history: &notify.MemoHistory{},
	}
	e.msg.Handle("task", func(ctx context.Context, args []json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{"taskId":"0x1"}`), nil
	})
	e.ledger.Handle(txOp, func(tx signer.Transaction) (json.RawMessage, error) {
		return json.RawMessage(`"ok"`), nil
	})

	exec, err := executor.New(e.ledger, e.msg, executor.Option{})
	if err != nil {
		t.Fatal(err)
	}
	if option.Logger == nil {
		option.Logger = zaptest.NewLogger(t)
	}
	logger := option.Logger
	reporter := notify.NewReporter(e.toaster, e.history, notify.Option{Logger: logger})
	option.Registerer = prometheus.NewRegistry()
	e.q = New(e.store, exec, reporter, e.msg, option)
	e.q.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		e.q.Close(ctx)
	})
	return e
}

func await(t *testing.T, q *Queue, id string) Status {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	st, err := q.AwaitCompletion(ctx, id)
	if err != nil {
		t.Fatal("await completion:", err)
	}
	return st
}

func waitFor(t *testing.T, desc string, cond func() bool) {
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for", desc)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func createAndRecord() task.Task {
	return task.Task{
		Name:  "create",
		Type:  task.TypeMessaging,
		Func:  "task",
		Title: "Create task",
		Args:  []task.Arg{task.MustLiteral(map[string]string{"title": "design"})},
		Next: &task.Task{
			Name:    "record",
			Type:    task.TypeTransaction,
			Address: "alice",
			Func:    txOp,
			Args:    []task.Arg{task.Reference("create", "result.taskId")},
		},
	}
}

func TestChainPassesResultToNextNode(t *testing.T) {
	e := newEnv(t, true)
	ctx := context.Background()

	var completed []Status
	var mu sync.Mutex
	id, err := e.q.Enqueue(ctx, createAndRecord(), OnComplete(func(id string, status Status) {
		mu.Lock()
		completed = append(completed, status)
		mu.Unlock()
	}))
	if err != nil {
		t.Fatal(err)
	}

	if st := await(t, e.q, id); st != task.StatusSuccess {
		t.Fatal("expect success, got", st)
	}

	submitted := e.ledger.Submitted()
	if len(submitted) != 1 {
		t.Fatal("expect one transaction", len(submitted))
	}
	if string(submitted[0].Args[0]) != `"0x1"` {
		t.Fatal("reference not resolved", string(submitted[0].Args[0]))
	}

	if root, _ := e.store.Get(ctx, id); root != nil {
		t.Fatal("finished chain still stored")
	}
	if st, _ := e.q.Status(ctx, id); st != task.StatusSuccess {
		t.Fatal("finished status not kept", st)
	}
	if done, _ := e.q.IsCompleted(ctx, id); !done {
		t.Fatal("expect completed")
	}
	if n := len(e.history.Entries()); n != 4 {
		t.Fatal("expect loading and success entries per node", n)
	}

	waitFor(t, "completion callback", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(completed) == 1 && completed[0] == task.StatusSuccess
	})
	if v := testutil.ToFloat64(e.q.metrics.finished.WithLabelValues("success")); v != 1 {
		t.Fatal("finished counter", v)
	}
}

func TestSuspendedChainResumesOnConnect(t *testing.T) {
	e := newEnv(t, false)
	ctx := context.Background()

	id, err := e.q.Enqueue(ctx, createAndRecord())
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "suspension", func() bool {
		ids := e.q.Suspended()
		return len(ids) == 1 && ids[0] == id
	})
	if st, _ := e.q.Status(ctx, id); st != task.StatusSuspended {
		t.Fatal("expect suspended, got", st)
	}
	if len(e.msg.Calls()) != 0 {
		t.Fatal("offline client called")
	}

	e.msg.SetConnected(true)
	if st := await(t, e.q, id); st != task.StatusSuccess {
		t.Fatal("expect success, got", st)
	}
	if len(e.q.Suspended()) != 0 {
		t.Fatal("suspended set not cleared")
	}

	var kinds []string
	for _, toast := range e.toaster.Toasts() {
		if toast.ID == id+"-0" {
			kinds = append(kinds, toast.Kind)
		}
	}
	want := []string{notify.ToastInfo, notify.ToastLoading, notify.ToastSuccess}
	if len(kinds) != len(want) {
		t.Fatal("bad toasts", kinds)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatal("bad toasts", kinds)
		}
	}
}

func TestErrorDeletesWholeChain(t *testing.T) {
	e := newEnv(t, true)
	ctx := context.Background()

	chain := createAndRecord()
	chain.Next.Address = "mallory"
	id, err := e.q.Enqueue(ctx, chain)
	if err != nil {
		t.Fatal(err)
	}
	if st := await(t, e.q, id); st != task.StatusError {
		t.Fatal("expect error, got", st)
	}
	if root, _ := e.store.Get(ctx, id); root != nil {
		t.Fatal("failed chain still stored")
	}

	entries := e.history.Entries()
	if len(entries) != 3 {
		t.Fatal("expect three history entries", len(entries))
	}
	if entries[1].Status != task.StatusSuccess || entries[2].Status != task.StatusError {
		t.Fatal("bad history", entries[1].Status, entries[2].Status)
	}
	if entries[2].ErrorMessage == "" {
		t.Fatal("error not captured")
	}
	if len(e.ledger.Submitted()) != 0 {
		t.Fatal("foreign identity submitted")
	}
}

func TestEnqueueSameIDTwice(t *testing.T) {
	e := newEnv(t, false)
	ctx := context.Background()

	id, err := e.q.Enqueue(ctx, createAndRecord(), WithID("chain-1"))
	if err != nil || id != "chain-1" {
		t.Fatal("enqueue", id, err)
	}
	waitFor(t, "suspension", func() bool { return len(e.q.Suspended()) == 1 })
	first, _ := e.store.Get(ctx, id)

	other := createAndRecord()
	other.Title = "Other"
	id, err = e.q.Enqueue(ctx, other, WithID("chain-1"))
	if err != nil || id != "chain-1" {
		t.Fatal("second enqueue", id, err)
	}

	entries, _ := e.store.List(ctx)
	if len(entries) != 1 {
		t.Fatal("chain duplicated", len(entries))
	}
	again, _ := e.store.Get(ctx, id)
	if again.Title != "Create task" || !again.CreateTime.Equal(first.CreateTime) {
		t.Fatal("chain restarted or replaced")
	}
}

func TestRemoveSuspendedChain(t *testing.T) {
	e := newEnv(t, false)
	ctx := context.Background()

	removed := make(chan Status, 1)
	id, err := e.q.Enqueue(ctx, createAndRecord(), OnComplete(func(id string, status Status) {
		removed <- status
	}))
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "suspension", func() bool { return len(e.q.Suspended()) == 1 })

	if err = e.q.Remove(ctx, id); err != nil {
		t.Fatal(err)
	}
	if st, _ := e.q.Status(ctx, id); st != task.StatusRemoved {
		t.Fatal("expect removed, got", st)
	}
	if len(e.q.Suspended()) != 0 {
		t.Fatal("removed chain still tracked")
	}
	if st := await(t, e.q, id); st != task.StatusRemoved {
		t.Fatal("await removed", st)
	}
	select {
	case st := <-removed:
		if st != task.StatusRemoved {
			t.Fatal("bad callback status", st)
		}
	case <-time.After(time.Second):
		t.Fatal("callback not called")
	}

	e.msg.SetConnected(true)
	time.Sleep(50 * time.Millisecond)
	if len(e.msg.Calls()) != 0 {
		t.Fatal("removed chain dispatched")
	}
}

func TestRemoveWhileCallInFlight(t *testing.T) {
	e := newEnv(t, true)
	ctx := context.Background()

	entered := make(chan struct{})
	release := make(chan struct{})
	e.msg.Handle("slow", func(ctx context.Context, args []json.RawMessage) (json.RawMessage, error) {
		close(entered)
		<-release
		return json.RawMessage(`1`), nil
	})

	id, err := e.q.Enqueue(ctx, task.Task{Type: task.TypeMessaging, Func: "slow"})
	if err != nil {
		t.Fatal(err)
	}
	<-entered
	if err = e.q.Remove(ctx, id); err != nil {
		t.Fatal(err)
	}
	close(release)

	waitFor(t, "drive to stop", func() bool { return !e.q.driving.Held(id) })
	if root, _ := e.store.Get(ctx, id); root != nil {
		t.Fatal("late commit resurrected the chain")
	}
	if st, _ := e.q.Status(ctx, id); st != task.StatusRemoved {
		t.Fatal("expect removed, got", st)
	}
}

func TestResumePersistedChain(t *testing.T) {
	e := newEnv(t, true)
	ctx := context.Background()

	chain := createAndRecord()
	chain.Status = task.StatusSuccess
	chain.Result = json.RawMessage(`{"taskId":"0x9"}`)
	if err := e.store.Set(ctx, "crashed", chain); err != nil {
		t.Fatal(err)
	}
	if st, _ := e.q.Status(ctx, "crashed"); st != task.StatusLoading {
		t.Fatal("pending child should report loading, got", st)
	}

	if err := e.q.Resume(ctx); err != nil {
		t.Fatal(err)
	}
	if st := await(t, e.q, "crashed"); st != task.StatusSuccess {
		t.Fatal("expect success, got", st)
	}
	if len(e.msg.Calls()) != 0 {
		t.Fatal("succeeded node ran again")
	}
	submitted := e.ledger.Submitted()
	if len(submitted) != 1 || string(submitted[0].Args[0]) != `"0x9"` {
		t.Fatal("bad resumed submission", submitted)
	}
}

func TestEnqueueRejectsInvalidChain(t *testing.T) {
	e := newEnv(t, true)
	if _, err := e.q.Enqueue(context.Background(), task.Task{Type: task.TypeTransaction, Func: txOp}); err == nil {
		t.Fatal("transaction without address accepted")
	}
}

func TestStatusOfUnknownChain(t *testing.T) {
	e := newEnv(t, true)
	st, err := e.q.Status(context.Background(), "nope")
	if err != nil {
		t.Fatal(err)
	}
	if st != task.StatusRemoved {
		t.Fatal("expect removed, got", st)
	}
}

func blockingCall(e *env, method string) (entered, release chan struct{}) {
	entered = make(chan struct{})
	release = make(chan struct{})
	e.msg.Handle(method, func(ctx context.Context, args []json.RawMessage) (json.RawMessage, error) {
		close(entered)
		<-release
		return json.RawMessage(`1`), nil
	})
	return entered, release
}

func methods(calls []executor.Call) []string {
	ret := make([]string, 0, len(calls))
	for _, c := range calls {
		ret = append(ret, c.Method)
	}
	return ret
}

func TestReEnqueueWhileRemovedCallInFlight(t *testing.T) {
	e := newEnv(t, true)
	ctx := context.Background()
	entered, release := blockingCall(e, "slow")

	if _, err := e.q.Enqueue(ctx, task.Task{Type: task.TypeMessaging, Func: "slow"}, WithID("X")); err != nil {
		t.Fatal(err)
	}
	<-entered
	if err := e.q.Remove(ctx, "X"); err != nil {
		t.Fatal(err)
	}
	if _, err := e.q.Enqueue(ctx, task.Task{Type: task.TypeMessaging, Func: "task"}, WithID("X")); err != nil {
		t.Fatal(err)
	}
	close(release)

	if st := await(t, e.q, "X"); st != task.StatusSuccess {
		t.Fatal("expect success, got", st)
	}
	calls := methods(e.msg.Calls())
	if len(calls) != 2 || calls[0] != "slow" || calls[1] != "task" {
		t.Fatal("new chain did not run its own node", calls)
	}
	for _, entry := range e.history.Entries() {
		if entry.Func == "slow" && entry.Status == task.StatusSuccess {
			t.Fatal("result of the removed chain was reported")
		}
	}
}

func TestEnqueueDropsLeftoverRuntimeState(t *testing.T) {
	e := newEnv(t, true)
	ctx := context.Background()

	chain := task.Task{
		Type:   task.TypeMessaging,
		Func:   "task",
		Status: task.StatusError,
		Result: json.RawMessage(`"old"`),
	}
	id, err := e.q.Enqueue(ctx, chain)
	if err != nil {
		t.Fatal(err)
	}
	if st := await(t, e.q, id); st != task.StatusSuccess {
		t.Fatal("expect success, got", st)
	}
	if len(e.msg.Calls()) != 1 {
		t.Fatal("node not executed", len(e.msg.Calls()))
	}
}

func TestFinishedStatusExpires(t *testing.T) {
	e := newEnvWith(t, true, Option{FinishedTTL: 200 * time.Millisecond})
	ctx := context.Background()

	id, err := e.q.Enqueue(ctx, task.Task{Type: task.TypeMessaging, Func: "task"})
	if err != nil {
		t.Fatal(err)
	}
	if st := await(t, e.q, id); st != task.StatusSuccess {
		t.Fatal("expect success, got", st)
	}
	if st, _ := e.q.Status(ctx, id); st != task.StatusSuccess {
		t.Fatal("status within ttl", st)
	}
	time.Sleep(300 * time.Millisecond)
	if st, _ := e.q.Status(ctx, id); st != task.StatusRemoved {
		t.Fatal("status after ttl", st)
	}
}

func TestSweepResumesAndPrunes(t *testing.T) {
	e := newEnvWith(t, true, Option{
		FinishedTTL:   30 * time.Millisecond,
		SweepInterval: 20 * time.Millisecond,
	})
	ctx := context.Background()

	if err := e.store.Set(ctx, "left", task.Task{Type: task.TypeMessaging, Func: "task"}); err != nil {
		t.Fatal(err)
	}
	if st := await(t, e.q, "left"); st != task.StatusSuccess {
		t.Fatal("expect success, got", st)
	}
	waitFor(t, "finished status pruned", func() bool {
		e.q.mu.Lock()
		defer e.q.mu.Unlock()
		return len(e.q.finished) == 0
	})
}

func TestMaintenanceSuspendsUntilCleared(t *testing.T) {
	e := newEnv(t, true)
	ctx := context.Background()
	e.msg.SetMaintenance(true)

	id, err := e.q.Enqueue(ctx, createAndRecord())
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "suspension", func() bool {
		ids := e.q.Suspended()
		return len(ids) == 1 && ids[0] == id
	})
	if len(e.msg.Calls()) != 0 {
		t.Fatal("called during maintenance")
	}

	e.msg.SetMaintenance(false)
	if st := await(t, e.q, id); st != task.StatusSuccess {
		t.Fatal("expect success, got", st)
	}
}

func TestInProgressTracksRunningChain(t *testing.T) {
	e := newEnv(t, true)
	ctx := context.Background()
	entered, release := blockingCall(e, "slow")

	id, err := e.q.Enqueue(ctx, task.Task{Type: task.TypeMessaging, Func: "slow"})
	if err != nil {
		t.Fatal(err)
	}
	<-entered
	if ids := e.q.InProgress(); len(ids) != 1 || ids[0] != id {
		t.Fatal("running chain not in progress", ids)
	}
	close(release)

	if st := await(t, e.q, id); st != task.StatusSuccess {
		t.Fatal("expect success, got", st)
	}
	if ids := e.q.InProgress(); len(ids) != 0 {
		t.Fatal("finished chain still in progress", ids)
	}
}

func TestNodeLogFieldsNotCarriedOver(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	e := newEnvWith(t, true, Option{Logger: zap.New(core)})
	ctx := context.Background()

	chain := createAndRecord()
	chain.Next.Address = "mallory"
	id, err := e.q.Enqueue(ctx, chain)
	if err != nil {
		t.Fatal(err)
	}
	if st := await(t, e.q, id); st != task.StatusError {
		t.Fatal("expect error, got", st)
	}

	failed := logs.FilterMessage("task failed").All()
	if len(failed) != 1 {
		t.Fatal("expect one failure log", len(failed))
	}
	var depths []int64
	for _, f := range failed[0].Context {
		if f.Key == "depth" {
			depths = append(depths, f.Integer)
		}
	}
	if len(depths) != 1 || depths[0] != 1 {
		t.Fatal("bad depth fields", depths)
	}
}
