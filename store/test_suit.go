package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/totem-tech/taskqueue/task"
)

// StoreTestSuit holds the behaviour every Store implementation must share.
type StoreTestSuit struct {
	New func() Store
}

func (suit *StoreTestSuit) Run(t *testing.T) {
	t.Run("basic", suit.TestStoreBasic)
	t.Run("chain", suit.TestStoreChain)
	t.Run("list", suit.TestStoreList)
}

func suitChain() task.Task {
	return task.Task{
		Name:   "create",
		Type:   task.TypeMessaging,
		Func:   "task",
		Title:  "Create task",
		Args:   []task.Arg{task.MustLiteral(map[string]interface{}{"title": "x"})},
		Status: task.StatusSuccess,
		Result: json.RawMessage(`{"taskId":"0x1"}`),
		Next: &task.Task{
			Type:    task.TypeTransaction,
			Address: "5Grw",
			Func:    "api.tx.tasks.createOrUpdate",
			Amount:  100,
			Args:    []task.Arg{task.Reference("create", "result.taskId")},
			Balance: &task.Balance{Before: 500},
			TxID:    "tx-1",
		},
		CreateTime: time.Now().Truncate(time.Millisecond),
	}
}

func (suit *StoreTestSuit) TestStoreBasic(t *testing.T) {
	ctx := context.Background()
	st := suit.New()

	got, err := st.Get(ctx, "missing")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Fatal("missing chain returned")
	}

	root := suitChain()
	if err := st.Set(ctx, "c1", root); err != nil {
		t.Fatal(err)
	}

	got, err = st.Get(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.Name != "create" {
		t.Fatal("chain not stored")
	}

	got.Status = task.StatusError
	again, err := st.Get(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if again.Status != task.StatusSuccess {
		t.Fatal("store shares memory with callers")
	}

	root.Title = "changed"
	if err := st.Set(ctx, "c1", root); err != nil {
		t.Fatal(err)
	}
	again, err = st.Get(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if again.Title != "changed" {
		t.Fatal("overwrite lost")
	}

	if err := st.Delete(ctx, "c1"); err != nil {
		t.Fatal(err)
	}
	got, err = st.Get(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Fatal("chain survived delete")
	}

	if err := st.Delete(ctx, "c1"); err != nil {
		t.Fatal("deleting a missing chain must not fail:", err)
	}
}

func (suit *StoreTestSuit) TestStoreChain(t *testing.T) {
	ctx := context.Background()
	st := suit.New()

	if err := st.Set(ctx, "c2", suitChain()); err != nil {
		t.Fatal(err)
	}
	got, err := st.Get(ctx, "c2")
	if err != nil {
		t.Fatal(err)
	}

	if string(got.Result) != `{"taskId":"0x1"}` {
		t.Fatalf("result %s", got.Result)
	}
	next := got.Next
	if next == nil {
		t.Fatal("next dropped")
	}
	if next.Address != "5Grw" || next.Amount != 100 || next.TxID != "tx-1" {
		t.Fatalf("next fields lost: %+v", next)
	}
	if next.Balance == nil || next.Balance.Before != 500 {
		t.Fatal("balance lost")
	}
	if len(next.Args) != 1 || next.Args[0].Ref == nil || next.Args[0].Ref.Expr != "result.taskId" {
		t.Fatal("reference arg lost")
	}
	if len(got.Args) != 1 || string(got.Args[0].Value) != `{"title":"x"}` {
		t.Fatalf("literal arg %s", got.Args[0].Value)
	}
}

func (suit *StoreTestSuit) TestStoreList(t *testing.T) {
	ctx := context.Background()
	st := suit.New()

	for _, id := range []string{"l1", "l2", "l3"} {
		root := suitChain()
		root.Title = id
		if err := st.Set(ctx, id, root); err != nil {
			t.Fatal(err)
		}
	}
	if err := st.Delete(ctx, "l2"); err != nil {
		t.Fatal(err)
	}

	list, err := st.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	seen := map[string]string{}
	for _, e := range list {
		seen[e.ID] = e.Root.Title
	}
	if len(seen) != 2 || seen["l1"] != "l1" || seen["l3"] != "l3" {
		t.Fatalf("list %v", seen)
	}
}
