package store

import (
	"context"
	"testing"
)

func TestMemoStore(t *testing.T) {
	suit := StoreTestSuit{
		New: func() Store {
			return NewMemoStore()
		},
	}
	suit.Run(t)
}

func TestMemoStoreListOrder(t *testing.T) {
	ctx := context.Background()
	st := NewMemoStore()
	for _, id := range []string{"z", "a", "m"} {
		if err := st.Set(ctx, id, suitChain()); err != nil {
			t.Fatal(err)
		}
	}
	// rewriting keeps the original position
	if err := st.Set(ctx, "z", suitChain()); err != nil {
		t.Fatal(err)
	}
	list, err := st.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 3 || list[0].ID != "z" || list[1].ID != "a" || list[2].ID != "m" {
		t.Fatalf("bad order %v", list)
	}
}

func TestMemoStoreCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := NewMemoStore().Set(ctx, "x", suitChain()); err == nil {
		t.Fatal("canceled context accepted")
	}
}

func TestMemoStoreZeroValue(t *testing.T) {
	suit := StoreTestSuit{
		New: func() Store {
			return &MemoStore{}
		},
	}
	suit.Run(t)
}
