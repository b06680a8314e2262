package memo

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/pkg/errors"
	"github.com/totem-tech/taskqueue/signer"
)

func TestLedgerSubmit(t *testing.T) {
	ctx := context.Background()
	l := NewLedger().Own("alice", 100)
	l.SetFee("", 1)
	l.Handle("api.tx.timekeeping.record", func(tx signer.Transaction) (json.RawMessage, error) {
		return json.RawMessage(`{"hash":"0xabc"}`), nil
	})

	res, err := l.SignAndSubmit(ctx, signer.Transaction{
		ID:        "t1",
		Address:   "alice",
		Operation: "api.tx.timekeeping.record",
	})
	if err != nil {
		t.Fatal(err)
	}
	if string(res) != `{"hash":"0xabc"}` {
		t.Fatal("bad result", string(res))
	}
	if b, _ := l.GetBalance(ctx, "alice"); b != 99 {
		t.Fatal("fee not charged", b)
	}
	if st, _ := l.CheckTransactionStatus(ctx, "t1"); st != signer.TxSuccess {
		t.Fatal("bad status", st)
	}
}

func TestLedgerRejects(t *testing.T) {
	ctx := context.Background()
	l := NewLedger().Own("alice", 100)
	l.Handle("api.tx.a.b", func(tx signer.Transaction) (json.RawMessage, error) {
		return nil, errors.New("rejected")
	})

	if _, err := l.SignAndSubmit(ctx, signer.Transaction{ID: "t1", Address: "bob", Operation: "api.tx.a.b"}); err == nil {
		t.Fatal("foreign address should fail")
	}
	if _, err := l.SignAndSubmit(ctx, signer.Transaction{ID: "t2", Address: "alice", Operation: "api.tx.a.b"}); err == nil {
		t.Fatal("handler error should fail")
	}
	if st, _ := l.CheckTransactionStatus(ctx, "t2"); st != signer.TxFailed {
		t.Fatal("bad status", st)
	}
	if len(l.Submitted()) != 1 {
		t.Fatal("bad submitted count", len(l.Submitted()))
	}
}
