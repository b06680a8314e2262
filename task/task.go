package task

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

const (
	TypeTransaction Type = "tx_storage"
	TypeMessaging   Type = "chatclient"
)

type Type string

func (tp Type) Valid() bool {
	switch tp {
	case TypeTransaction, TypeMessaging:
		return true
	default:
		return false
	}
}

func (tp Type) String() string {
	switch tp {
	case TypeTransaction:
		return "transaction"
	case TypeMessaging:
		return "messaging-call"
	default:
		return "unknown"
	}
}

const (
	StatusUnset     Status = ""
	StatusLoading   Status = "loading"
	StatusSuccess   Status = "success"
	StatusError     Status = "error"
	StatusSuspended Status = "suspended"
	StatusRemoved   Status = "removed"
)

type Status string

func (status Status) String() string {
	if status == StatusUnset {
		return "unset"
	}
	return string(status)
}

// Terminal reports whether a chain in this status will never change again.
func (status Status) Terminal() bool {
	switch status {
	case StatusSuccess, StatusError, StatusRemoved:
		return true
	default:
		return false
	}
}

// Ref points an argument at the captured result of a named ancestor task.
// Exactly one of Expr and Func is set.
type Ref struct {
	Task string `bson:"task" json:"task"`
	Expr string `bson:"expr,omitempty" json:"expr,omitempty"`
	Func string `bson:"func,omitempty" json:"func,omitempty"`
}

func (ref Ref) String() string {
	if ref.Func != "" {
		return ref.Task + "#" + ref.Func
	}
	return ref.Task + ":" + ref.Expr
}

type Arg struct {
	Value json.RawMessage `bson:"value,omitempty" json:"value,omitempty"`
	Ref   *Ref            `bson:"ref,omitempty" json:"ref,omitempty"`
}

func (arg Arg) Dynamic() bool {
	return arg.Ref != nil
}

func Literal(v interface{}) (Arg, error) {
	bs, err := json.Marshal(v)
	if err != nil {
		return Arg{}, errors.Wrap(err, "marshal literal arg")
	}
	return Arg{Value: bs}, nil
}

func MustLiteral(v interface{}) Arg {
	arg, err := Literal(v)
	if err != nil {
		panic(err)
	}
	return arg
}

func Reference(task, expr string) Arg {
	return Arg{Ref: &Ref{Task: task, Expr: expr}}
}

func FuncReference(task, name string) Arg {
	return Arg{Ref: &Ref{Task: task, Func: name}}
}

type Balance struct {
	Before float64 `bson:"before" json:"before"`
	After  float64 `bson:"after" json:"after"`
}

// Task is one node of a chain. Generation tells apart chains enqueued under
// the same id.
type Task struct {
	ID             string          `bson:"id,omitempty" json:"id,omitempty"`
	Generation     string          `bson:"generation,omitempty" json:"generation,omitempty"`
	Name           string          `bson:"name,omitempty" json:"name,omitempty"`
	Type           Type            `bson:"type" json:"type"`
	Address        string          `bson:"address,omitempty" json:"address,omitempty"`
	Func           string          `bson:"func" json:"func"`
	Args           []Arg           `bson:"args,omitempty" json:"args,omitempty"`
	Amount         float64         `bson:"amount,omitempty" json:"amount,omitempty"`
	Title          string          `bson:"title,omitempty" json:"title,omitempty"`
	Description    string          `bson:"description,omitempty" json:"description,omitempty"`
	Silent         bool            `bson:"silent,omitempty" json:"silent,omitempty"`
	Next           *Task           `bson:"next,omitempty" json:"next,omitempty"`
	Status         Status          `bson:"status,omitempty" json:"status,omitempty"`
	Result         json.RawMessage `bson:"result,omitempty" json:"result,omitempty"`
	ErrorMessage   string          `bson:"errorMessage,omitempty" json:"errorMessage,omitempty"`
	Balance        *Balance        `bson:"balance,omitempty" json:"balance,omitempty"`
	TxID           string          `bson:"txId,omitempty" json:"txId,omitempty"`
	NotificationID string          `bson:"notificationId,omitempty" json:"notificationId,omitempty"`
	RecordID       string          `bson:"recordId,omitempty" json:"recordId,omitempty"`
	CreateTime     time.Time       `bson:"createTime" json:"createTime"`
	UpdateTime     time.Time       `bson:"updateTime" json:"updateTime"`
}

// Valid reports whether the node names a dispatchable operation.
func (t *Task) Valid() bool {
	return t != nil && t.Func != "" && t.Type.Valid()
}

// Clone returns a deep copy of the node and everything after it.
func (t Task) Clone() Task {
	ret := t
	if t.Args != nil {
		ret.Args = make([]Arg, len(t.Args))
		for i, arg := range t.Args {
			ret.Args[i] = Arg{Value: cloneRaw(arg.Value)}
			if arg.Ref != nil {
				ref := *arg.Ref
				ret.Args[i].Ref = &ref
			}
		}
	}
	ret.Result = cloneRaw(t.Result)
	if t.Balance != nil {
		b := *t.Balance
		ret.Balance = &b
	}
	if t.Next != nil {
		next := t.Next.Clone()
		ret.Next = &next
	}
	return ret
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	ret := make(json.RawMessage, len(raw))
	copy(ret, raw)
	return ret
}
