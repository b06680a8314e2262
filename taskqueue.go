// Package taskqueue assembles a queue from configuration: the chain store,
// the history sinks, the messaging client and the signer.
package taskqueue

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/totem-tech/taskqueue/chatclient"
	"github.com/totem-tech/taskqueue/closer"
	"github.com/totem-tech/taskqueue/database/mgo"
	"github.com/totem-tech/taskqueue/executor"
	"github.com/totem-tech/taskqueue/notify"
	notifykafka "github.com/totem-tech/taskqueue/notify/kafka"
	notifymongo "github.com/totem-tech/taskqueue/notify/mongo"
	"github.com/totem-tech/taskqueue/queue"
	"github.com/totem-tech/taskqueue/record"
	"github.com/totem-tech/taskqueue/signer"
	"github.com/totem-tech/taskqueue/store"
	storemongo "github.com/totem-tech/taskqueue/store/mongo"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	actionMetric = "taskqueue_action_duration_milliseconds"
	closeTimeout = 10 * time.Second
)

type Config struct {
	Signer signer.Signer
	// SignerRate throttles the signer when positive.
	SignerRate  rate.Limit
	SignerBurst int

	// Messenger takes precedence over Chat.
	Messenger executor.Messenger
	Chat      chatclient.Option
	// WaitConnected makes Open wait for the first chat connection instead
	// of starting offline with messaging tasks suspended.
	WaitConnected bool

	// Mongo enables the durable store and the mongo history. Without it
	// chains live in memory.
	Mongo *mgo.Option
	Kafka *notifykafka.WriteConfig

	Toaster  notify.Toaster
	Executor executor.Option
	Queue    queue.Option
	Notify   notify.Option

	// ResumeOnOpen resumes the persisted chains before Open returns.
	ResumeOnOpen bool

	Logger     *zap.Logger
	Registerer prometheus.Registerer
}

type Service struct {
	*queue.Queue
	closers *closer.Stack
}

func Open(ctx context.Context, config Config) (*Service, error) {
	if config.Signer == nil {
		return nil, errors.New("no signer")
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.L()
	}

	svc := &Service{closers: &closer.Stack{}}
	fail := func(err error) (*Service, error) {
		if closeErr := closer.CloseAndWait(svc.closers, closeTimeout); closeErr != nil {
			logger.Warn("close after failed open", zap.Error(closeErr))
		}
		return nil, err
	}

	var (
		st        store.Store = store.NewMemoStore()
		histories notify.MultiHistory
	)
	if config.Mongo != nil {
		clt, err := mgo.Connect(ctx, *config.Mongo)
		if err != nil {
			return fail(err)
		}
		svc.closers.Push(closer.Func(clt.Close))

		chains := storemongo.New(clt.Database(), "")
		if err = chains.EnsureIndex(ctx); err != nil {
			return fail(err)
		}
		st = chains
		histories = append(histories, notifymongo.New(clt.Database(), ""))
	}
	if config.Kafka != nil {
		kh, err := notifykafka.New(*config.Kafka)
		if err != nil {
			return fail(err)
		}
		svc.closers.Push(closer.WrapCloser(kh))
		histories = append(histories, kh)
	}
	var history notify.History
	if len(histories) > 0 {
		history = histories
	}

	messenger := config.Messenger
	if messenger == nil {
		if config.Chat.URL == "" {
			return fail(errors.New("no messaging client"))
		}
		chatOpt := config.Chat
		if chatOpt.Logger == nil {
			chatOpt.Logger = logger.Named("chat")
		}
		var (
			clt *chatclient.Client
			err error
		)
		if config.WaitConnected {
			clt, err = chatclient.Dial(ctx, chatOpt)
		} else {
			clt, err = chatclient.New(chatOpt)
		}
		if err != nil {
			return fail(err)
		}
		svc.closers.Push(closer.WrapCloser(clt))
		messenger = clt
	}

	sg := config.Signer
	if config.SignerRate > 0 {
		burst := config.SignerBurst
		if burst <= 0 {
			burst = 1
		}
		sg = signer.NewLimited(sg, config.SignerRate, burst)
	}

	execOpt := config.Executor
	if execOpt.Recorder == nil {
		execOpt.Recorder = record.EasyRecorders(actionMetric, logger, config.Registerer, "type")
	}
	exec, err := executor.New(sg, messenger, execOpt)
	if err != nil {
		return fail(err)
	}

	toaster := config.Toaster
	if toaster == nil {
		toaster = notify.NewLogToaster(logger.Named("toast"))
	}
	notifyOpt := config.Notify
	if notifyOpt.Logger == nil {
		notifyOpt.Logger = logger
	}
	reporter := notify.NewReporter(toaster, history, notifyOpt)

	queueOpt := config.Queue
	if queueOpt.Logger == nil {
		queueOpt.Logger = logger
	}
	if queueOpt.Registerer == nil {
		queueOpt.Registerer = config.Registerer
	}
	svc.Queue = queue.New(st, exec, reporter, messenger, queueOpt)
	svc.Queue.Start()
	svc.closers.Push(closer.Func(svc.Queue.Close))

	if config.ResumeOnOpen {
		if err = svc.Queue.Resume(ctx); err != nil {
			return fail(err)
		}
	}
	return svc, nil
}

// Close stops the queue first, then the clients it used.
func (svc *Service) Close(ctx context.Context) error {
	return svc.closers.CloseWithContext(ctx)
}
