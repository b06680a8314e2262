package mongo

import (
	"context"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/totem-tech/taskqueue/database/mgo"
	"github.com/totem-tech/taskqueue/store"
)

func TestStore(t *testing.T) {
	uri := os.Getenv("TASKQUEUE_MONGO_URI")
	if uri == "" {
		t.Skip("TASKQUEUE_MONGO_URI not set")
	}

	ctx := context.Background()
	clt, err := mgo.Connect(ctx, mgo.Option{
		URI:      uri,
		Database: "taskqueue-test",
	})
	if err != nil {
		t.Fatal(err)
	}
	defer clt.Close(ctx)

	if err = clt.Database().Drop(ctx); err != nil {
		t.Fatal(err)
	}

	var n int
	suit := store.StoreTestSuit{
		New: func() store.Store {
			n++
			st := New(clt.Database(), "chains_"+strconv.Itoa(n)+"_"+strconv.FormatInt(time.Now().UnixNano(), 36))
			if err := st.EnsureIndex(ctx); err != nil {
				t.Fatal(err)
			}
			return st
		},
	}
	suit.Run(t)
}
