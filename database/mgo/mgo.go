package mgo

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readconcern"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"
)

type Option struct {
	URI            string
	Database       string
	ConnectTimeout time.Duration
}

func DefaultOption() Option {
	return Option{
		URI:            "mongodb://localhost:27017",
		Database:       "taskqueue",
		ConnectTimeout: 10 * time.Second,
	}
}

func (opt Option) CompleteWith(dft Option) Option {
	if opt.URI == "" {
		opt.URI = dft.URI
	}
	if opt.Database == "" {
		opt.Database = dft.Database
	}
	if opt.ConnectTimeout == 0 {
		opt.ConnectTimeout = dft.ConnectTimeout
	}
	return opt
}

// Client owns the driver connection and hands out a database handle with
// majority read and write concerns. Queue state must not be lost on
// failover, so writes wait for the journal.
type Client struct {
	clt *mongo.Client
	db  *mongo.Database
}

func Connect(ctx context.Context, option Option) (*Client, error) {
	option = option.CompleteWith(DefaultOption())

	connCtx, cancel := context.WithTimeout(ctx, option.ConnectTimeout)
	defer cancel()

	clt, err := mongo.Connect(connCtx, options.Client().ApplyURI(option.URI))
	if err != nil {
		return nil, errors.Wrap(err, "connect mongo")
	}
	if err = clt.Ping(connCtx, readpref.Primary()); err != nil {
		clt.Disconnect(context.Background())
		return nil, errors.Wrap(err, "ping mongo")
	}

	dbOpt := options.Database().
		SetWriteConcern(writeconcern.New(writeconcern.WMajority(), writeconcern.J(true))).
		SetReadConcern(readconcern.Majority())

	return &Client{
		clt: clt,
		db:  clt.Database(option.Database, dbOpt),
	}, nil
}

func (client *Client) Database() *mongo.Database {
	return client.db
}

func (client *Client) Close(ctx context.Context) error {
	return client.clt.Disconnect(ctx)
}
