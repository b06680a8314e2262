// Package notify turns node transitions into user-facing toasts and history
// entries. Both sinks are write-only.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/totem-tech/taskqueue/task"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	ToastLoading = "loading"
	ToastSuccess = "success"
	ToastError   = "error"
	ToastInfo    = "info"
)

type Toast struct {
	// ID lets a later toast of the same node replace the earlier one.
	ID       string
	Kind     string
	Header   string
	Message  string
	Duration time.Duration
}

type Toaster interface {
	Show(ctx context.Context, toast Toast)
}

type Entry struct {
	ChainID        string          `bson:"chainId" json:"chainId"`
	Depth          int             `bson:"depth" json:"depth"`
	Type           task.Type       `bson:"type" json:"type"`
	Address        string          `bson:"address,omitempty" json:"address,omitempty"`
	Func           string          `bson:"func" json:"func"`
	Args           []task.Arg      `bson:"args,omitempty" json:"args,omitempty"`
	Title          string          `bson:"title,omitempty" json:"title,omitempty"`
	Description    string          `bson:"description,omitempty" json:"description,omitempty"`
	Status         task.Status     `bson:"status" json:"status"`
	ErrorMessage   string          `bson:"errorMessage,omitempty" json:"errorMessage,omitempty"`
	NotificationID string          `bson:"notificationId,omitempty" json:"notificationId,omitempty"`
	RecordID       string          `bson:"recordId,omitempty" json:"recordId,omitempty"`
	Balance        *task.Balance   `bson:"balance,omitempty" json:"balance,omitempty"`
	Result         json.RawMessage `bson:"result,omitempty" json:"result,omitempty"`
	TxID           string          `bson:"txId,omitempty" json:"txId,omitempty"`
	Time           time.Time       `bson:"time" json:"time"`
}

type History interface {
	Append(ctx context.Context, entry Entry) error
}

// MultiHistory appends to every history and joins the errors.
type MultiHistory []History

func (mh MultiHistory) Append(ctx context.Context, entry Entry) error {
	var err error
	for _, h := range mh {
		err = multierr.Append(err, h.Append(ctx, entry))
	}
	return err
}

type Option struct {
	Logger          *zap.Logger
	SuccessDuration time.Duration
	ErrorDuration   time.Duration
	QueuedDuration  time.Duration
}

func DefaultOption() Option {
	return Option{
		SuccessDuration: 5 * time.Second,
		ErrorDuration:   0,
		QueuedDuration:  10 * time.Second,
	}
}

func (opt Option) CompleteWith(dft Option) Option {
	if opt.Logger == nil {
		opt.Logger = dft.Logger
	}
	if opt.SuccessDuration == 0 {
		opt.SuccessDuration = dft.SuccessDuration
	}
	if opt.ErrorDuration == 0 {
		opt.ErrorDuration = dft.ErrorDuration
	}
	if opt.QueuedDuration == 0 {
		opt.QueuedDuration = dft.QueuedDuration
	}
	return opt
}

type Reporter struct {
	toaster Toaster
	history History
	logger  *zap.Logger
	option  Option
}

// NewReporter accepts nil sinks; a nil sink is skipped.
func NewReporter(toaster Toaster, history History, option Option) *Reporter {
	option = option.CompleteWith(DefaultOption())
	logger := option.Logger
	if logger == nil {
		logger = zap.L()
	}
	return &Reporter{
		toaster: toaster,
		history: history,
		logger:  logger,
		option:  option,
	}
}

// Report publishes the state of the node at depth. Silent nodes get no
// toast but still reach history.
func (reporter *Reporter) Report(ctx context.Context, chainID string, depth int, node task.Task) error {
	if !node.Silent && reporter.toaster != nil {
		if toast, ok := reporter.toast(chainID, depth, node); ok {
			reporter.toaster.Show(ctx, toast)
		}
	}

	if reporter.history == nil || node.Status == task.StatusUnset {
		return nil
	}
	err := reporter.history.Append(ctx, EntryOf(chainID, depth, node))
	if err != nil {
		reporter.logger.Error("append history", zap.Error(err), zap.String("chainId", chainID), zap.Int("depth", depth))
	}
	return err
}

func (reporter *Reporter) toast(chainID string, depth int, node task.Task) (Toast, bool) {
	header := node.Title
	if header == "" {
		header = node.Func
	}
	toast := Toast{
		ID:     chainID + "-" + strconv.Itoa(depth),
		Header: header,
	}
	switch node.Status {
	case task.StatusLoading:
		toast.Kind = ToastLoading
		toast.Message = "In progress: " + describe(node)
	case task.StatusSuccess:
		toast.Kind = ToastSuccess
		toast.Message = "Completed: " + describe(node)
		toast.Duration = reporter.option.SuccessDuration
	case task.StatusError:
		toast.Kind = ToastError
		toast.Message = fmt.Sprintf("Failed: %s. %s", describe(node), node.ErrorMessage)
		toast.Duration = reporter.option.ErrorDuration
	case task.StatusSuspended:
		toast.Kind = ToastInfo
		toast.Message = "Added to queue, will run when the connection is restored: " + describe(node)
		toast.Duration = reporter.option.QueuedDuration
	default:
		return Toast{}, false
	}
	return toast, true
}

func describe(node task.Task) string {
	if node.Description != "" {
		return node.Description
	}
	return node.Type.String() + " " + node.Func
}

func EntryOf(chainID string, depth int, node task.Task) Entry {
	node = node.Clone()
	return Entry{
		ChainID:        chainID,
		Depth:          depth,
		Type:           node.Type,
		Address:        node.Address,
		Func:           node.Func,
		Args:           node.Args,
		Title:          node.Title,
		Description:    node.Description,
		Status:         node.Status,
		ErrorMessage:   node.ErrorMessage,
		NotificationID: node.NotificationID,
		RecordID:       node.RecordID,
		Balance:        node.Balance,
		Result:         node.Result,
		TxID:           node.TxID,
		Time:           node.UpdateTime,
	}
}
