// Package queue persists chains of tasks and drives them node by node
// through the executor. Chains run concurrently; the nodes of one chain run
// strictly in order.
package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"github.com/pkg/errors"
	"github.com/totem-tech/taskqueue/executor"
	"github.com/totem-tech/taskqueue/mutex"
	"github.com/totem-tech/taskqueue/pool"
	"github.com/totem-tech/taskqueue/store"
	"github.com/totem-tech/taskqueue/syncrun"
	"github.com/totem-tech/taskqueue/syncrun/prob"
	"github.com/totem-tech/taskqueue/task"
	"go.uber.org/zap"
)

type Status = task.Status

var (
	// ErrRemoved is returned by commits of a chain that was removed or
	// finished while a node was running.
	ErrRemoved = errors.New("chain removed")
	ErrClosed  = errors.New("queue closed")
)

// Reporter receives every node transition the queue persists.
type Reporter interface {
	Report(ctx context.Context, chainID string, depth int, node task.Task) error
}

type finished struct {
	status Status
	at     time.Time
}

type Queue struct {
	store     store.Store
	exec      *executor.Executor
	reporter  Reporter
	messenger executor.Messenger
	option    Option
	logger    *zap.Logger
	metrics   *metrics

	pool    *pool.Pool
	driving mutex.Keyed
	commits mutex.Keyed
	// background runs the connectivity watcher and the periodic sweep
	background *prob.Prob

	mu         sync.Mutex
	closed     bool
	inProgress map[string]struct{}
	suspended  map[string]struct{}
	rerun      map[string]struct{}
	finished   map[string]finished
	callbacks  map[string][]func(id string, status Status)
	waiters    map[string]map[chan Status]struct{}
}

func New(st store.Store, exec *executor.Executor, reporter Reporter, messenger executor.Messenger, option Option) *Queue {
	option = option.CompleteWith(DefaultOption())
	logger := option.Logger
	if logger == nil {
		logger = zap.L()
	}
	q := &Queue{
		store:      st,
		exec:       exec,
		reporter:   reporter,
		messenger:  messenger,
		option:     option,
		logger:     logger,
		metrics:    newMetrics(option.Registerer),
		pool:       pool.New(option.MaxConcurrent, logger),
		inProgress: make(map[string]struct{}),
		suspended:  make(map[string]struct{}),
		rerun:      make(map[string]struct{}),
		finished:   make(map[string]finished),
		callbacks:  make(map[string][]func(id string, status Status)),
		waiters:    make(map[string]map[chan Status]struct{}),
	}
	var runners []func(ctx context.Context)
	if messenger != nil {
		runners = append(runners, q.watch)
	}
	if option.SweepInterval > 0 {
		runners = append(runners, syncrun.FuncWithRandomStart(q.sweep,
			syncrun.RandRestart(option.SweepInterval/2, option.SweepInterval*3/2)))
	}
	if len(runners) > 0 {
		q.background = prob.New(func(ctx context.Context) {
			syncrun.Run(ctx, runners...)
		})
	}
	return q
}

// Start runs the connectivity watcher and, when configured, the periodic
// sweep. It does not resume persisted chains; call Resume for that.
func (q *Queue) Start() {
	if q.background != nil {
		q.background.Start()
	}
}

// Close stops the background goroutines and waits for running chains to
// give up. Persisted chains are left for the next Resume.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	if q.background != nil {
		if err := q.background.StopAndWait(ctx); err != nil {
			return err
		}
	}
	return q.pool.Close(ctx)
}

// Enqueue persists chain and schedules its first pending node. Enqueuing an
// id that is already persisted changes nothing except registering the
// completion callback.
func (q *Queue) Enqueue(ctx context.Context, chain task.Task, opts ...EnqueueOption) (string, error) {
	var opt enqueueOption
	for _, o := range opts {
		o(&opt)
	}
	if err := chain.Validate(); err != nil {
		return "", errors.Wrap(err, "invalid chain")
	}
	id := opt.id
	if id == "" {
		id = uuid.New().String()
	}

	if !q.commits.Hold(ctx, id) {
		return "", ctx.Err()
	}
	defer q.commits.Release(id)

	exist, err := q.store.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if exist != nil {
		q.addCallback(id, opt.onComplete)
		q.logger.Debug("chain already queued", zap.String("chainId", id))
		return id, nil
	}

	root := chain.Prepare(time.Now())
	root.ID = id
	root.Generation = uuid.New().String()
	if err = q.store.Set(ctx, id, root); err != nil {
		return "", err
	}

	q.mu.Lock()
	delete(q.finished, id)
	if q.driving.Held(id) {
		// a drive of an earlier chain with this id is still out
		q.rerun[id] = struct{}{}
	}
	q.mu.Unlock()
	q.addCallback(id, opt.onComplete)

	if err = q.dispatch(id); err != nil {
		return id, err
	}
	return id, nil
}

// Resume schedules every persisted chain. Chains already being driven are
// skipped; a loading node left behind by a crash is attempted again.
func (q *Queue) Resume(ctx context.Context) error {
	entries, err := q.store.List(ctx)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if err = q.dispatch(entry.ID); err != nil {
			return err
		}
	}
	return nil
}

// Remove deletes a chain without waiting for a running external call. The
// result of that call is dropped.
func (q *Queue) Remove(ctx context.Context, id string) error {
	if !q.commits.Hold(ctx, id) {
		return ctx.Err()
	}
	if err := q.store.Delete(ctx, id); err != nil {
		q.commits.Release(id)
		return err
	}
	callbacks := q.markFinished(id, task.StatusRemoved)
	q.commits.Release(id)

	q.logger.Info("chain removed", zap.String("chainId", id))
	runCallbacks(id, task.StatusRemoved, callbacks)
	return nil
}

// Status is the aggregate status of a chain. A chain that is neither
// persisted nor recently finished reports removed.
func (q *Queue) Status(ctx context.Context, id string) (Status, error) {
	if st, ok := q.finishedStatus(id); ok {
		return st, nil
	}
	root, err := q.store.Get(ctx, id)
	if err != nil {
		return task.StatusUnset, err
	}
	return root.ChainStatus(), nil
}

func (q *Queue) IsCompleted(ctx context.Context, id string) (bool, error) {
	st, err := q.Status(ctx, id)
	if err != nil {
		return false, err
	}
	return st.Terminal(), nil
}

// AwaitCompletion blocks until the chain is terminal or ctx is done.
// Suspension only delays it.
func (q *Queue) AwaitCompletion(ctx context.Context, id string) (Status, error) {
	cn := make(chan Status, 1)
	q.mu.Lock()
	if q.waiters[id] == nil {
		q.waiters[id] = make(map[chan Status]struct{})
	}
	q.waiters[id][cn] = struct{}{}
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		delete(q.waiters[id], cn)
		if len(q.waiters[id]) == 0 {
			delete(q.waiters, id)
		}
		q.mu.Unlock()
	}()

	st, err := q.Status(ctx, id)
	if err != nil {
		return st, err
	}
	if st.Terminal() {
		return st, nil
	}

	select {
	case st = <-cn:
		return st, nil
	case <-ctx.Done():
		return task.StatusUnset, ctx.Err()
	}
}

func (q *Queue) Suspended() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return sortedKeys(q.suspended)
}

func (q *Queue) InProgress() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return sortedKeys(q.inProgress)
}

func (q *Queue) dispatch(id string) error {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return ErrClosed
	}
	err := q.pool.Go(func(ctx context.Context) {
		q.drive(ctx, id)
	})
	if err == pool.ErrClosed {
		return ErrClosed
	}
	return err
}

// drive runs the chain until it finishes, suspends or is removed. Only one
// drive per chain runs at a time; later ones return at once.
func (q *Queue) drive(ctx context.Context, id string) {
	q.mu.Lock()
	held := q.driving.TryHold(id)
	q.mu.Unlock()
	if !held {
		return
	}
	state := q.run(ctx, id)

	q.mu.Lock()
	_, again := q.rerun[id]
	delete(q.rerun, id)
	q.driving.Release(id)
	q.mu.Unlock()

	if again {
		if err := q.dispatch(id); err != nil {
			q.logger.Warn("dispatch re-enqueued chain", zap.String("chainId", id), zap.Error(err))
		}
		return
	}
	if q.driving.Held(id) {
		// a newer drive owns the chain state now
		return
	}
	q.setState(id, state)
	if state != stateSuspended || q.messenger == nil {
		return
	}
	// the watcher may have looked at the suspended set before this chain
	// joined it
	if q.messenger.Connected() && !q.messenger.Maintenance() {
		q.dispatch(id)
	}
}

func (q *Queue) run(ctx context.Context, id string) chainState {
	logger := q.logger.With(zap.String("chainId", id))

	for parent := ctx; parent.Err() == nil; {
		// executor fields are added per node
		ctx := ctxzap.ToContext(parent, logger)
		root, err := q.store.Get(ctx, id)
		if err != nil {
			logger.Error("read chain", zap.Error(err))
			return stateIdle
		}
		if root == nil {
			return stateIdle
		}

		node, depth := root.Current()
		if node == nil {
			q.finish(ctx, id, task.StatusSuccess)
			return stateIdle
		}
		if node.Status == task.StatusError {
			q.finish(ctx, id, task.StatusError)
			return stateIdle
		}

		q.setState(id, stateRunning)
		res, err := q.exec.Execute(ctx, *root, depth, q.commitFunc(id))
		if err != nil {
			if errors.Cause(err) == ErrRemoved {
				logger.Debug("chain removed while running", zap.Int("depth", depth))
			} else {
				logger.Error("execute task", zap.Error(err), zap.Int("depth", depth))
			}
			return stateIdle
		}

		if err = q.commit(ctx, id, res.Root); err != nil {
			if err != ErrRemoved {
				logger.Error("commit task", zap.Error(err), zap.Int("depth", depth))
			}
			return stateIdle
		}
		if res.Node.Status != task.StatusSuspended || node.Status != task.StatusSuspended {
			q.report(ctx, id, res.Depth, res.Node)
		}

		switch res.Node.Status {
		case task.StatusSuccess:
			if !res.Node.Next.Valid() {
				q.finish(ctx, id, task.StatusSuccess)
				return stateIdle
			}
		case task.StatusError:
			q.finish(ctx, id, task.StatusError)
			return stateIdle
		case task.StatusSuspended:
			return stateSuspended
		default:
			return stateIdle
		}
	}
	return stateIdle
}

func (q *Queue) commitFunc(id string) executor.CommitFunc {
	return func(ctx context.Context, root task.Task) error {
		if err := q.commit(ctx, id, root); err != nil {
			return err
		}
		if node, depth := root.Current(); node != nil {
			q.report(ctx, id, depth, *node)
		}
		return nil
	}
}

// commit writes the chain unless it was removed or finished meanwhile.
func (q *Queue) commit(ctx context.Context, id string, root task.Task) error {
	if !q.commits.Hold(ctx, id) {
		return ctx.Err()
	}
	defer q.commits.Release(id)

	if _, ok := q.finishedStatus(id); ok {
		return ErrRemoved
	}
	exist, err := q.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if exist == nil || exist.Generation != root.Generation {
		return ErrRemoved
	}
	return q.store.Set(ctx, id, root)
}

func (q *Queue) report(ctx context.Context, id string, depth int, node task.Task) {
	if q.reporter == nil {
		return
	}
	if err := q.reporter.Report(ctx, id, depth, node); err != nil {
		ctxzap.Extract(ctx).Warn("report task", zap.Error(err), zap.Int("depth", depth))
	}
}

// finish deletes a chain that succeeded or failed. A failed chain is
// deleted whole, including the results of the nodes before the failure;
// the reporter already holds them.
func (q *Queue) finish(ctx context.Context, id string, status Status) {
	logger := ctxzap.Extract(ctx)
	if !q.commits.Hold(ctx, id) {
		return
	}
	if _, ok := q.finishedStatus(id); ok {
		q.commits.Release(id)
		return
	}
	if err := q.store.Delete(ctx, id); err != nil {
		q.commits.Release(id)
		logger.Error("delete finished chain", zap.Error(err))
		return
	}
	callbacks := q.markFinished(id, status)
	q.commits.Release(id)

	logger.Info("chain finished", zap.String("status", status.String()))
	runCallbacks(id, status, callbacks)
}

// markFinished records the terminal status and wakes the waiters. The
// returned callbacks must run without any chain lock held.
func (q *Queue) markFinished(id string, status Status) []func(id string, status Status) {
	q.metrics.finished.WithLabelValues(status.String()).Inc()

	q.mu.Lock()
	q.finished[id] = finished{status: status, at: time.Now()}
	delete(q.inProgress, id)
	delete(q.suspended, id)
	callbacks := q.callbacks[id]
	delete(q.callbacks, id)
	for cn := range q.waiters[id] {
		select {
		case cn <- status:
		default:
		}
	}
	q.updateGauges()
	q.mu.Unlock()
	return callbacks
}

func runCallbacks(id string, status Status, callbacks []func(id string, status Status)) {
	for _, cb := range callbacks {
		cb(id, status)
	}
}

func (q *Queue) finishedStatus(id string) (Status, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	f, ok := q.finished[id]
	if !ok {
		return task.StatusUnset, false
	}
	if time.Since(f.at) > q.option.FinishedTTL {
		delete(q.finished, id)
		return task.StatusUnset, false
	}
	return f.status, true
}

func (q *Queue) addCallback(id string, cb func(id string, status Status)) {
	if cb == nil {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.callbacks[id] = append(q.callbacks[id], cb)
}

type chainState int

const (
	stateIdle chainState = iota
	stateRunning
	stateSuspended
)

func (q *Queue) setState(id string, state chainState) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inProgress, id)
	delete(q.suspended, id)
	switch state {
	case stateRunning:
		q.inProgress[id] = struct{}{}
	case stateSuspended:
		q.suspended[id] = struct{}{}
	}
	q.updateGauges()
}

func (q *Queue) updateGauges() {
	q.metrics.inProgress.Set(float64(len(q.inProgress)))
	q.metrics.suspended.Set(float64(len(q.suspended)))
}

// watch resumes suspended chains whenever the messaging client becomes
// usable again.
func (q *Queue) watch(ctx context.Context) {
	for ctx.Err() == nil {
		changed := q.messenger.StateChanged()
		if q.messenger.Connected() && !q.messenger.Maintenance() {
			for _, id := range q.Suspended() {
				q.logger.Debug("resume suspended chain", zap.String("chainId", id))
				if err := q.dispatch(id); err != nil {
					return
				}
			}
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return
		}
	}
}

func (q *Queue) sweep(ctx context.Context) bool {
	if err := q.Resume(ctx); err != nil {
		if err == ErrClosed {
			return false
		}
		q.logger.Warn("periodic resume", zap.Error(err))
	}
	q.pruneFinished()
	return true
}

func (q *Queue) pruneFinished() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for id, f := range q.finished {
		if time.Since(f.at) > q.option.FinishedTTL {
			delete(q.finished, id)
		}
	}
}

func sortedKeys(m map[string]struct{}) []string {
	ret := make([]string, 0, len(m))
	for k := range m {
		ret = append(ret, k)
	}
	sort.Strings(ret)
	return ret
}
