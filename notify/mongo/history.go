package mongo

import (
	"context"

	"github.com/pkg/errors"
	"github.com/totem-tech/taskqueue/notify"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const DefaultCollection = "queue_history"

var _ notify.History = (*History)(nil)

type History struct {
	db  *mongo.Database
	col string
}

func New(db *mongo.Database, col string) *History {
	if col == "" {
		col = DefaultCollection
	}
	return &History{
		db:  db,
		col: col,
	}
}

func (history *History) Append(ctx context.Context, entry notify.Entry) error {
	_, err := history.db.Collection(history.col).InsertOne(ctx, entry)
	if err != nil {
		return errors.Wrapf(err, "append history of chain %s", entry.ChainID)
	}
	return nil
}

// ByChain returns the entries of one chain in the order they were written.
func (history *History) ByChain(ctx context.Context, chainID string) ([]notify.Entry, error) {
	cursor, err := history.db.Collection(history.col).Find(ctx,
		bson.M{"chainId": chainID},
		options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}),
	)
	if err != nil {
		return nil, errors.Wrap(err, "find history")
	}
	defer cursor.Close(ctx)

	var ret []notify.Entry
	for cursor.Next(ctx) {
		var entry notify.Entry
		if err = cursor.Decode(&entry); err != nil {
			return nil, errors.Wrap(err, "decode history")
		}
		ret = append(ret, entry)
	}
	return ret, errors.Wrap(cursor.Err(), "iterate history")
}
