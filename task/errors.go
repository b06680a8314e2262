package task

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrSuspended marks a node whose external precondition is not met yet. It
// is never stored as a failure.
var ErrSuspended = errors.New("task suspended")

const (
	KindUnknown Kind = iota
	KindForeignIdentity
	KindInvalidOperation
	KindInsufficientBalance
	KindArgumentResolution
	KindExternalCall
)

type Kind int

func (kind Kind) String() string {
	switch kind {
	case KindForeignIdentity:
		return "foreign identity"
	case KindInvalidOperation:
		return "invalid operation"
	case KindInsufficientBalance:
		return "insufficient balance"
	case KindArgumentResolution:
		return "argument resolution"
	case KindExternalCall:
		return "external call"
	default:
		return "unknown"
	}
}

// Error is a fatal node failure. Every Kind terminates the chain.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Msg
	}
	return e.Msg + ": " + e.Err.Error()
}

func (e *Error) Cause() error {
	return e.Err
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf finds the first *Error in the cause chain of err.
func KindOf(err error) Kind {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.Kind
		}
		c, ok := err.(interface{ Cause() error })
		if !ok {
			break
		}
		err = c.Cause()
	}
	return KindUnknown
}

func ForeignIdentity(address string) error {
	return &Error{
		Kind: KindForeignIdentity,
		Msg:  fmt.Sprintf("identity %s is not owned by this wallet", address),
	}
}

func InvalidOperation(name string, cause error) error {
	return &Error{
		Kind: KindInvalidOperation,
		Msg:  fmt.Sprintf("invalid operation %q", name),
		Err:  cause,
	}
}

func InsufficientBalance(balance, required float64) error {
	return &Error{
		Kind: KindInsufficientBalance,
		Msg:  fmt.Sprintf("insufficient balance: have %v, need %v", balance, required),
	}
}

func ArgumentResolution(ref string, cause error) error {
	return &Error{
		Kind: KindArgumentResolution,
		Msg:  fmt.Sprintf("resolve argument %s", ref),
		Err:  cause,
	}
}

func ExternalCall(name string, cause error) error {
	return &Error{
		Kind: KindExternalCall,
		Msg:  fmt.Sprintf("call %s", name),
		Err:  cause,
	}
}
