// Package memo is an in-memory signer. It keeps balances and settles every
// submission at once, which is enough to drive the queue in tests and demos.
package memo

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/pkg/errors"
	"github.com/totem-tech/taskqueue/signer"
)

var _ signer.Signer = (*Ledger)(nil)

// Handler produces the result of one operation. A returned error rejects
// the transaction.
type Handler func(tx signer.Transaction) (json.RawMessage, error)

type Ledger struct {
	mu         sync.Mutex
	owned      map[string]bool
	balances   map[string]float64
	fees       map[string]float64
	defaultFee float64
	statuses   map[string]signer.TxStatus
	handlers   map[string]Handler
	submitted  []signer.Transaction
}

func NewLedger() *Ledger {
	return &Ledger{
		owned:    make(map[string]bool),
		balances: make(map[string]float64),
		fees:     make(map[string]float64),
		statuses: make(map[string]signer.TxStatus),
		handlers: make(map[string]Handler),
	}
}

func (l *Ledger) Own(address string, balance float64) *Ledger {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.owned[address] = true
	l.balances[address] = balance
	return l
}

func (l *Ledger) SetBalance(address string, balance float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[address] = balance
}

// SetFee sets the fee of operation. An empty operation sets the default.
func (l *Ledger) SetFee(operation string, fee float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if operation == "" {
		l.defaultFee = fee
		return
	}
	l.fees[operation] = fee
}

func (l *Ledger) Handle(operation string, h Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers[operation] = h
}

// Settle records a transaction as already settled, as if an earlier
// process had submitted it.
func (l *Ledger) Settle(id string, status signer.TxStatus) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.statuses[id] = status
}

func (l *Ledger) Submitted() []signer.Transaction {
	l.mu.Lock()
	defer l.mu.Unlock()
	ret := make([]signer.Transaction, len(l.submitted))
	copy(ret, l.submitted)
	return ret
}

func (l *Ledger) IsIdentityOwned(ctx context.Context, address string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.owned[address], nil
}

func (l *Ledger) SignAndSubmit(ctx context.Context, tx signer.Transaction) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.owned[tx.Address] {
		return nil, errors.Errorf("no signing key for %s", tx.Address)
	}
	l.submitted = append(l.submitted, tx)

	fee := l.fee(tx.Operation)
	if l.balances[tx.Address] < fee {
		l.settle(tx.ID, signer.TxFailed)
		return nil, errors.New("insufficient funds for fee")
	}

	var (
		result json.RawMessage
		err    error
	)
	if h := l.handlers[tx.Operation]; h != nil {
		result, err = h(tx)
	}
	if err != nil {
		l.settle(tx.ID, signer.TxFailed)
		return nil, err
	}
	l.balances[tx.Address] -= fee
	l.settle(tx.ID, signer.TxSuccess)
	if result == nil {
		result = json.RawMessage("null")
	}
	return result, nil
}

func (l *Ledger) settle(id string, status signer.TxStatus) {
	if id != "" {
		l.statuses[id] = status
	}
}

func (l *Ledger) fee(operation string) float64 {
	if fee, ok := l.fees[operation]; ok {
		return fee
	}
	return l.defaultFee
}

func (l *Ledger) GetBalance(ctx context.Context, address string) (float64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[address], nil
}

func (l *Ledger) EstimateFee(ctx context.Context, operation string, args []json.RawMessage) (float64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fee(operation), nil
}

func (l *Ledger) CheckTransactionStatus(ctx context.Context, id string) (signer.TxStatus, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.statuses[id], nil
}
