// Package signer holds the contract of the transaction signer the queue
// submits through.
package signer

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

const (
	TxUnknown TxStatus = ""
	TxSuccess TxStatus = "success"
	TxFailed  TxStatus = "failed"
)

// TxStatus is the settled state of a submitted transaction. TxUnknown means
// the signer has no record of it yet.
type TxStatus string

type Transaction struct {
	// ID correlates resubmissions of the same node.
	ID        string
	Address   string
	Operation string
	Args      []json.RawMessage
}

type Signer interface {
	IsIdentityOwned(ctx context.Context, address string) (bool, error)
	SignAndSubmit(ctx context.Context, tx Transaction) (json.RawMessage, error)
	GetBalance(ctx context.Context, address string) (float64, error)
	EstimateFee(ctx context.Context, operation string, args []json.RawMessage) (float64, error)
	CheckTransactionStatus(ctx context.Context, id string) (TxStatus, error)
}

// Limited throttles every remote call of the wrapped signer.
type Limited struct {
	limiter *rate.Limiter
	inner   Signer
}

func NewLimited(inner Signer, limit rate.Limit, burst int) *Limited {
	return &Limited{
		limiter: rate.NewLimiter(limit, burst),
		inner:   inner,
	}
}

func (l *Limited) wait(ctx context.Context) error {
	if err := l.limiter.Wait(ctx); err != nil {
		return errors.Wrap(err, "rate limited")
	}
	return nil
}

// IsIdentityOwned checks local key material and is not throttled.
func (l *Limited) IsIdentityOwned(ctx context.Context, address string) (bool, error) {
	return l.inner.IsIdentityOwned(ctx, address)
}

func (l *Limited) SignAndSubmit(ctx context.Context, tx Transaction) (json.RawMessage, error) {
	if err := l.wait(ctx); err != nil {
		return nil, err
	}
	return l.inner.SignAndSubmit(ctx, tx)
}

func (l *Limited) GetBalance(ctx context.Context, address string) (float64, error) {
	if err := l.wait(ctx); err != nil {
		return 0, err
	}
	return l.inner.GetBalance(ctx, address)
}

func (l *Limited) EstimateFee(ctx context.Context, operation string, args []json.RawMessage) (float64, error) {
	if err := l.wait(ctx); err != nil {
		return 0, err
	}
	return l.inner.EstimateFee(ctx, operation, args)
}

func (l *Limited) CheckTransactionStatus(ctx context.Context, id string) (TxStatus, error) {
	if err := l.wait(ctx); err != nil {
		return TxUnknown, err
	}
	return l.inner.CheckTransactionStatus(ctx, id)
}
