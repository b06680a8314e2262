package mongo

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/totem-tech/taskqueue/store"
	"github.com/totem-tech/taskqueue/task"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const DefaultCollection = "queue_chains"

var _ store.Store = (*Store)(nil)

type chainDoc struct {
	ID         string    `bson:"_id"`
	Root       task.Task `bson:"root"`
	Seq        int64     `bson:"seq"`
	UpdateTime time.Time `bson:"updateTime"`
}

// Store keeps one document per chain. The whole chain is written with a
// single replace, so a reader never sees half of an update.
type Store struct {
	db  *mongo.Database
	col string
}

func New(db *mongo.Database, col string) *Store {
	if col == "" {
		col = DefaultCollection
	}
	return &Store{
		db:  db,
		col: col,
	}
}

func (st *Store) Set(ctx context.Context, id string, root task.Task) error {
	now := time.Now()
	_, err := st.db.Collection(st.col).UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{
			"$setOnInsert": bson.M{
				"seq": now.UnixNano(),
			},
			"$set": bson.M{
				"root":       root,
				"updateTime": now,
			},
		},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return errors.Wrapf(err, "set chain %s", id)
	}
	return nil
}

func (st *Store) Get(ctx context.Context, id string) (*task.Task, error) {
	var doc chainDoc
	err := st.db.Collection(st.col).FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get chain %s", id)
	}
	return &doc.Root, nil
}

func (st *Store) Delete(ctx context.Context, id string) error {
	_, err := st.db.Collection(st.col).DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return errors.Wrapf(err, "delete chain %s", id)
	}
	return nil
}

func (st *Store) List(ctx context.Context) ([]store.Entry, error) {
	cursor, err := st.db.Collection(st.col).Find(ctx, bson.M{},
		options.Find().SetSort(bson.D{{Key: "seq", Value: 1}}))
	if err != nil {
		return nil, errors.Wrap(err, "list chains")
	}
	defer cursor.Close(ctx)

	var ret []store.Entry
	for cursor.Next(ctx) {
		var doc chainDoc
		if err = cursor.Decode(&doc); err != nil {
			return nil, errors.Wrap(err, "decode chain")
		}
		ret = append(ret, store.Entry{
			ID:   doc.ID,
			Root: doc.Root,
		})
	}
	if err = cursor.Err(); err != nil {
		return nil, errors.Wrap(err, "list chains")
	}
	return ret, nil
}

// EnsureIndex creates the index List sorts on.
func (st *Store) EnsureIndex(ctx context.Context) error {
	_, err := st.db.Collection(st.col).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "seq", Value: 1}},
	})
	return errors.Wrap(err, "create seq index")
}
