// Package kafka publishes history entries to a kafka topic, one JSON message
// per entry keyed by chain id.
package kafka

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
	"github.com/totem-tech/taskqueue/notify"
)

type WriteConfig = kafka.WriterConfig

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

var _ notify.History = (*History)(nil)

type History struct {
	writer messageWriter
}

func New(config WriteConfig) (*History, error) {
	if config.Topic == "" {
		return nil, errors.New("empty topic")
	}
	if len(config.Brokers) == 0 {
		return nil, errors.New("no brokers")
	}
	return &History{
		writer: kafka.NewWriter(config),
	}, nil
}

func (history *History) Append(ctx context.Context, entry notify.Entry) error {
	value, err := json.Marshal(entry)
	if err != nil {
		return errors.Wrap(err, "marshal history entry")
	}
	err = history.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(entry.ChainID),
		Value: value,
		Time:  entry.Time,
	})
	if err != nil {
		return errors.Wrapf(err, "publish history of chain %s", entry.ChainID)
	}
	return nil
}

func (history *History) Close() error {
	return history.writer.Close()
}
