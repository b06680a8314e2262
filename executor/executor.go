// Package executor runs one node of a chain against the transaction signer
// or the messaging client. It never touches the store itself: every state
// it wants persisted goes through the commit callback of the caller.
package executor

import (
	"context"
	"encoding/json"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"github.com/pkg/errors"
	"github.com/totem-tech/taskqueue/record"
	"github.com/totem-tech/taskqueue/selector"
	"github.com/totem-tech/taskqueue/signer"
	"github.com/totem-tech/taskqueue/task"
	"go.uber.org/zap"
)

const DefaultOperationPattern = `^api\.tx\.[A-Za-z0-9_]+\.[A-Za-z0-9_]+$`

// Messenger is the messaging client surface the executor needs.
type Messenger interface {
	Connected() bool
	Maintenance() bool
	Supports(method string) bool
	Invoke(ctx context.Context, method string, args []json.RawMessage) (json.RawMessage, error)
	// StateChanged returns a channel closed at the next connectivity or
	// maintenance change.
	StateChanged() <-chan struct{}
}

// CommitFunc persists a whole chain. It fails when the chain is gone.
type CommitFunc func(ctx context.Context, root task.Task) error

type Option struct {
	Recorder             record.Factory
	Funcs                *selector.Registry
	ConfirmationUnits    int
	ConfirmationInterval time.Duration
	OperationPattern     string
}

func DefaultOption() Option {
	return Option{
		Recorder:             record.Nop,
		ConfirmationUnits:    3,
		ConfirmationInterval: 2 * time.Second,
		OperationPattern:     DefaultOperationPattern,
	}
}

func (opt Option) CompleteWith(dft Option) Option {
	if opt.Recorder == nil {
		opt.Recorder = dft.Recorder
	}
	if opt.Funcs == nil {
		opt.Funcs = dft.Funcs
	}
	if opt.ConfirmationUnits == 0 {
		opt.ConfirmationUnits = dft.ConfirmationUnits
	}
	if opt.ConfirmationInterval == 0 {
		opt.ConfirmationInterval = dft.ConfirmationInterval
	}
	if opt.OperationPattern == "" {
		opt.OperationPattern = dft.OperationPattern
	}
	return opt
}

// Result is the outcome of one Execute call. Err is the node failure, a
// *task.Error or task.ErrSuspended, and is already reflected in Node.
type Result struct {
	Root  task.Task
	Node  task.Task
	Depth int
	Err   error
}

type Executor struct {
	signer    signer.Signer
	messenger Messenger
	resolver  *task.Resolver
	opPattern *regexp.Regexp
	option    Option
}

func New(sg signer.Signer, messenger Messenger, option Option) (*Executor, error) {
	option = option.CompleteWith(DefaultOption())
	pattern, err := regexp.Compile(option.OperationPattern)
	if err != nil {
		return nil, errors.Wrap(err, "compile operation pattern")
	}
	return &Executor{
		signer:    sg,
		messenger: messenger,
		resolver:  task.NewResolver(option.Funcs),
		opPattern: pattern,
		option:    option,
	}, nil
}

// Execute drives the node at depth from its current status to success,
// error or suspended. The loading node is committed before any external
// call; a commit failure aborts with the commit error and no external call.
func (exec *Executor) Execute(ctx context.Context, root task.Task, depth int, commit CommitFunc) (Result, error) {
	node := root.At(depth)
	if node == nil {
		return Result{}, errors.Errorf("chain has no node at depth %d", depth)
	}
	if node.Status.Terminal() {
		return Result{Root: root, Node: *node, Depth: depth}, nil
	}

	ctxzap.AddFields(ctx,
		zap.Int("depth", depth),
		zap.String("func", node.Func),
		zap.String("type", string(node.Type)),
	)

	rd, ctx := exec.option.Recorder.ActionRecorder(ctx, "execute",
		record.StringField("type", string(node.Type)),
		record.IntField("depth", depth))

	res, err := exec.execute(ctx, root, depth, *node, commit)
	if err != nil {
		rd.Commit(err)
		return res, err
	}
	if res.Err != nil && res.Err != task.ErrSuspended {
		rd.Commit(res.Err)
	} else {
		rd.Commit(nil, record.StringField("status", string(res.Node.Status)))
	}
	return res, nil
}

func (exec *Executor) execute(ctx context.Context, root task.Task, depth int, node task.Task, commit CommitFunc) (Result, error) {
	logger := ctxzap.Extract(ctx)

	done := func(next task.Task, nodeErr error) (Result, error) {
		chain, err := root.With(depth, next)
		if err != nil {
			return Result{}, err
		}
		return Result{Root: chain, Node: next, Depth: depth, Err: nodeErr}, nil
	}
	fail := func(cur task.Task, nodeErr error) (Result, error) {
		next, _ := cur.Fail(nodeErr)
		logger.Info("task failed", zap.Error(nodeErr), zap.String("kind", task.KindOf(nodeErr).String()))
		return done(next, nodeErr)
	}

	args, err := exec.resolver.Resolve(&root, depth)
	if err != nil {
		return fail(node, err)
	}

	switch node.Type {
	case task.TypeMessaging:
		if !exec.messenger.Connected() || exec.messenger.Maintenance() {
			next, _ := node.Suspend()
			logger.Debug("messaging unavailable, task suspended")
			return done(next, task.ErrSuspended)
		}
		if !exec.messenger.Supports(node.Func) {
			return fail(node, task.InvalidOperation(node.Func, errors.New("not supported by messaging client")))
		}
	case task.TypeTransaction:
		owned, err := exec.signer.IsIdentityOwned(ctx, node.Address)
		if err != nil {
			return fail(node, task.ExternalCall("isIdentityOwned", err))
		}
		if !owned {
			return fail(node, task.ForeignIdentity(node.Address))
		}
		if !exec.opPattern.MatchString(node.Func) {
			return fail(node, task.InvalidOperation(node.Func, errors.New("not a transaction operation")))
		}
	default:
		return fail(node, task.InvalidOperation(node.Func, errors.Errorf("unknown task type %q", node.Type)))
	}

	prevTxID := node.TxID
	loading, ok := node.Start()
	if !ok {
		return Result{}, errors.Errorf("cannot start task with status %s", node.Status)
	}
	if loading.Type == task.TypeTransaction && loading.TxID == "" {
		loading.TxID = uuid.New().String()
	}

	chain, err := root.With(depth, loading)
	if err != nil {
		return Result{}, err
	}
	if err = commit(ctx, chain); err != nil {
		return Result{}, errors.Wrap(err, "commit loading task")
	}
	root = chain

	if loading.Type == task.TypeMessaging {
		return exec.invoke(ctx, loading, args, done, fail)
	}
	return exec.submit(ctx, loading, prevTxID, args, done, fail)
}

type (
	doneFunc func(next task.Task, nodeErr error) (Result, error)
	failFunc func(cur task.Task, nodeErr error) (Result, error)
)

// succeed stores result on the loading node. A node that refuses the
// transition fails instead of staying loading.
func succeed(node task.Task, result json.RawMessage, done doneFunc, fail failFunc) (Result, error) {
	next, ok := node.Succeed(result)
	if !ok {
		return fail(node, task.InvalidOperation(node.Func,
			errors.Errorf("cannot store result on task with status %s", node.Status)))
	}
	return done(next, nil)
}

func (exec *Executor) invoke(ctx context.Context, node task.Task, args []json.RawMessage, done doneFunc, fail failFunc) (Result, error) {
	var result json.RawMessage
	err := record.Do(ctx, exec.option.Recorder, "invoke", func(ctx context.Context) error {
		var err error
		result, err = exec.messenger.Invoke(ctx, node.Func, args)
		return err
	}, record.StringField("type", string(node.Type)))
	if err != nil {
		return fail(node, task.ExternalCall(node.Func, err))
	}
	return succeed(node, result, done, fail)
}

func (exec *Executor) submit(ctx context.Context, node task.Task, prevTxID string, args []json.RawMessage, done doneFunc, fail failFunc) (Result, error) {
	logger := ctxzap.Extract(ctx)

	if prevTxID != "" {
		status, err := exec.awaitSettled(ctx, prevTxID)
		if err != nil {
			return Result{}, err
		}
		switch status {
		case signer.TxSuccess:
			logger.Info("transaction already settled", zap.String("txId", prevTxID))
			return succeed(node, nil, done, fail)
		case signer.TxFailed:
			return fail(node, task.ExternalCall(node.Func, errors.Errorf("transaction %s failed", prevTxID)))
		}
		logger.Info("transaction not found, resubmitting", zap.String("txId", prevTxID))
	}

	before, err := exec.signer.GetBalance(ctx, node.Address)
	if err != nil {
		return fail(node, task.ExternalCall("getBalance", err))
	}
	fee, err := exec.signer.EstimateFee(ctx, node.Func, args)
	if err != nil {
		return fail(node, task.ExternalCall("estimateFee", err))
	}
	if before < node.Amount+fee {
		node.Balance = &task.Balance{Before: before, After: before}
		return fail(node, task.InsufficientBalance(before, node.Amount+fee))
	}

	var result json.RawMessage
	err = record.Do(ctx, exec.option.Recorder, "signAndSubmit", func(ctx context.Context) error {
		var err error
		result, err = exec.signer.SignAndSubmit(ctx, signer.Transaction{
			ID:        node.TxID,
			Address:   node.Address,
			Operation: node.Func,
			Args:      args,
		})
		return err
	}, record.StringField("type", string(node.Type)), record.BoolField("resubmit", prevTxID != ""))

	after, balanceErr := exec.signer.GetBalance(ctx, node.Address)
	if balanceErr != nil {
		logger.Warn("read balance after submit", zap.Error(balanceErr))
		after = before
	}
	node.Balance = &task.Balance{Before: before, After: after}

	if err != nil {
		return fail(node, task.ExternalCall(node.Func, err))
	}
	return succeed(node, result, done, fail)
}

// awaitSettled polls the status of a transaction submitted by an earlier
// attempt, ConfirmationUnits times at most.
func (exec *Executor) awaitSettled(ctx context.Context, txID string) (signer.TxStatus, error) {
	for i := 0; i < exec.option.ConfirmationUnits; i++ {
		if i > 0 {
			timer := time.NewTimer(exec.option.ConfirmationInterval)
			select {
			case <-ctx.Done():
				timer.Stop()
				return signer.TxUnknown, ctx.Err()
			case <-timer.C:
			}
		}
		status, err := exec.signer.CheckTransactionStatus(ctx, txID)
		if err != nil {
			ctxzap.Extract(ctx).Warn("check transaction status", zap.Error(err), zap.String("txId", txID))
			continue
		}
		if status != signer.TxUnknown {
			return status, nil
		}
	}
	return signer.TxUnknown, nil
}
