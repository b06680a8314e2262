// Package chatclient talks to the messaging server over socket.io. Every
// request is an event emitted with an acknowledgement; the server answers
// with [error, result], where error is a message or null.
package chatclient

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/totem-tech/taskqueue/executor"
	"github.com/zishang520/engine.io-client-go/transports"
	"github.com/zishang520/engine.io/v2/types"
	"github.com/zishang520/socket.io-client-go/socket"
	"go.uber.org/zap"
)

var _ executor.Messenger = (*Client)(nil)

var ErrNotConnected = errors.New("messaging client not connected")

type Option struct {
	URL                string
	Namespace          string
	InsecureSkipVerify bool
	ConnectTimeout     time.Duration
	AckTimeout         time.Duration
	// MaintenanceEvent carries a single boolean: true when the server
	// enters maintenance mode.
	MaintenanceEvent string
	// Methods lists the events the server answers. Empty means any.
	Methods []string
	Logger  *zap.Logger
}

func DefaultOption() Option {
	return Option{
		Namespace:        "/",
		ConnectTimeout:   15 * time.Second,
		AckTimeout:       30 * time.Second,
		MaintenanceEvent: "maintenance-mode",
	}
}

func (opt Option) CompleteWith(dft Option) Option {
	if opt.URL == "" {
		opt.URL = dft.URL
	}
	if opt.Namespace == "" {
		opt.Namespace = dft.Namespace
	}
	if opt.ConnectTimeout == 0 {
		opt.ConnectTimeout = dft.ConnectTimeout
	}
	if opt.AckTimeout == 0 {
		opt.AckTimeout = dft.AckTimeout
	}
	if opt.MaintenanceEvent == "" {
		opt.MaintenanceEvent = dft.MaintenanceEvent
	}
	if opt.Logger == nil {
		opt.Logger = dft.Logger
	}
	return opt
}

type Client struct {
	io      *socket.Socket
	logger  *zap.Logger
	option  Option
	methods map[string]bool

	rw          sync.RWMutex
	connected   bool
	maintenance bool
	changed     chan struct{}

	// socket flags set by Timeout are shared until the next emit
	emitMu sync.Mutex
}

func newClient(option Option) *Client {
	option = option.CompleteWith(DefaultOption())
	logger := option.Logger
	if logger == nil {
		logger = zap.L()
	}
	var methods map[string]bool
	if len(option.Methods) > 0 {
		methods = make(map[string]bool, len(option.Methods))
		for _, m := range option.Methods {
			methods[m] = true
		}
	}
	return &Client{
		logger:  logger.With(zap.String("url", option.URL)),
		option:  option,
		methods: methods,
		changed: make(chan struct{}),
	}
}

// New builds a client and starts connecting in the background. The manager
// reconnects on its own after a disconnect.
func New(option Option) (*Client, error) {
	client := newClient(option)
	parsed, err := url.Parse(client.option.URL)
	if err != nil {
		return nil, errors.Wrap(err, "parse url")
	}

	opts := socket.DefaultOptions()
	opts.SetPath(parsed.Path)
	if client.option.InsecureSkipVerify {
		client.logger.Warn("skipping TLS certificate verification")
		opts.SetTLSClientConfig(&tls.Config{InsecureSkipVerify: true})
	}
	opts.SetTransports(types.NewSet(transports.WebSocket))
	opts.SetReconnection(true)

	baseURL := fmt.Sprintf("%s://%s", parsed.Scheme, parsed.Host)
	manager := socket.NewManager(baseURL, opts)
	client.io = manager.Socket(client.option.Namespace, opts)

	client.io.On(types.EventName("connect"), func(...any) {
		client.logger.Info("connected", zap.String("sid", client.io.Id()))
		client.setConnected(true)
	})
	client.io.On(types.EventName("disconnect"), func(reason ...any) {
		client.logger.Warn("disconnected", zap.Any("reason", first(reason)))
		client.setConnected(false)
	})
	client.io.On(types.EventName("connect_error"), func(errs ...any) {
		client.logger.Warn("connect error", zap.Any("error", first(errs)))
	})
	client.io.On(types.EventName(client.option.MaintenanceEvent), func(args ...any) {
		active, _ := first(args).(bool)
		client.logger.Info("maintenance mode changed", zap.Bool("active", active))
		client.setMaintenance(active)
	})

	client.io.Connect()
	return client, nil
}

// Dial is New followed by a wait for the first connection.
func Dial(ctx context.Context, option Option) (*Client, error) {
	client, err := New(option)
	if err != nil {
		return nil, err
	}

	timer := time.NewTimer(client.option.ConnectTimeout)
	defer timer.Stop()
	for {
		changed := client.StateChanged()
		if client.Connected() {
			return client, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			client.Close()
			return nil, errors.Wrap(ctx.Err(), "wait for connection")
		case <-timer.C:
			client.Close()
			return nil, errors.Errorf("timed out after %s waiting for connection", client.option.ConnectTimeout)
		}
	}
}

func (client *Client) Close() error {
	if client.io != nil {
		client.io.Disconnect()
	}
	client.setConnected(false)
	return nil
}

func (client *Client) setConnected(connected bool) {
	client.rw.Lock()
	defer client.rw.Unlock()
	if client.connected == connected {
		return
	}
	client.connected = connected
	client.notify()
}

func (client *Client) setMaintenance(maintenance bool) {
	client.rw.Lock()
	defer client.rw.Unlock()
	if client.maintenance == maintenance {
		return
	}
	client.maintenance = maintenance
	client.notify()
}

func (client *Client) notify() {
	close(client.changed)
	client.changed = make(chan struct{})
}

func (client *Client) Connected() bool {
	client.rw.RLock()
	defer client.rw.RUnlock()
	return client.connected
}

func (client *Client) Maintenance() bool {
	client.rw.RLock()
	defer client.rw.RUnlock()
	return client.maintenance
}

func (client *Client) StateChanged() <-chan struct{} {
	client.rw.RLock()
	defer client.rw.RUnlock()
	return client.changed
}

func (client *Client) Supports(method string) bool {
	if method == "" {
		return false
	}
	if client.methods == nil {
		return true
	}
	return client.methods[method]
}

type ackResult struct {
	data []any
	err  error
}

// Invoke emits method with args and waits for the acknowledgement.
func (client *Client) Invoke(ctx context.Context, method string, args []json.RawMessage) (json.RawMessage, error) {
	if !client.Connected() {
		return nil, ErrNotConnected
	}

	payload := make([]any, 0, len(args))
	for i, raw := range args {
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, errors.Wrapf(err, "decode arg %d", i)
		}
		payload = append(payload, v)
	}

	done := make(chan ackResult, 1)
	client.emitMu.Lock()
	client.io.Timeout(client.option.AckTimeout).EmitWithAck(method, payload...)(func(data []any, err error) {
		done <- ackResult{data: data, err: err}
	})
	client.emitMu.Unlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-done:
		if res.err != nil {
			return nil, errors.Wrapf(res.err, "emit %s", method)
		}
		return decodeAck(res.data)
	}
}

// decodeAck reads the [error, result] acknowledgement of the server.
func decodeAck(data []any) (json.RawMessage, error) {
	if len(data) == 0 {
		return json.RawMessage("null"), nil
	}
	switch e := data[0].(type) {
	case nil:
	case string:
		if e != "" {
			return nil, errors.New(e)
		}
	case error:
		return nil, e
	default:
		return nil, errors.Errorf("%v", e)
	}
	if len(data) < 2 || data[1] == nil {
		return json.RawMessage("null"), nil
	}
	bs, err := json.Marshal(data[1])
	if err != nil {
		return nil, errors.Wrap(err, "encode ack result")
	}
	return bs, nil
}

func first(args []any) any {
	if len(args) == 0 {
		return nil
	}
	return args[0]
}
