package mongo

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/totem-tech/taskqueue/database/mgo"
	"github.com/totem-tech/taskqueue/notify"
	"github.com/totem-tech/taskqueue/task"
)

func TestHistoryAppend(t *testing.T) {
	uri := os.Getenv("TASKQUEUE_MONGO_URI")
	if uri == "" {
		t.Skip("TASKQUEUE_MONGO_URI not set")
	}
	ctx := context.Background()
	clt, err := mgo.Connect(ctx, mgo.Option{URI: uri, Database: "taskqueue-test"})
	if err != nil {
		t.Fatal(err)
	}
	defer clt.Close(ctx)

	history := New(clt.Database(), "history_"+time.Now().Format("150405.000000"))
	for i, status := range []task.Status{task.StatusSuccess, task.StatusError} {
		err = history.Append(ctx, notify.Entry{
			ChainID: "c1",
			Depth:   i,
			Func:    "task",
			Status:  status,
			Time:    time.Now(),
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	entries, err := history.ByChain(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 || entries[0].Status != task.StatusSuccess || entries[1].Depth != 1 {
		t.Fatal("bad entries", entries)
	}
}
