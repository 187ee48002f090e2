package scheduler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"

	"github.com/etalazz/shuffleworker/internal/shuffle/table"
)

func schema() table.Schema {
	return table.Schema{Columns: []table.Column{{Name: "k", Kind: table.KindInt64}}}
}

// TestHTTPClientServer_GetAndBarrier exercises HTTPClient against a real
// Server over httptest, round-tripping schema encoding and the
// string-keyed worker_for wire shape.
func TestHTTPClientServer_GetAndBarrier(t *testing.T) {
	inner := NewInMemory([]string{"w0", "w1"}, nil)

	var notified []string
	inner.RegisterWorker("w0", func(ctx context.Context, shuffleID string, runID int64) error {
		notified = append(notified, "w0")
		return nil
	})
	inner.RegisterWorker("w1", func(ctx context.Context, shuffleID string, runID int64) error {
		notified = append(notified, "w1")
		return nil
	})

	mux := http.NewServeMux()
	(&Server{Inner: inner}).Register(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewHTTPClient(srv.URL)
	s := schema()
	reply, err := client.ShuffleGet(context.Background(), GetRequest{
		ShuffleID: "s1", Schema: &s, Column: "k", NPartitions: 4, Worker: "w0",
	})
	if err != nil {
		t.Fatalf("ShuffleGet: %v", err)
	}
	if reply.RunID != 1 {
		t.Errorf("RunID = %d, want 1", reply.RunID)
	}
	if len(reply.WorkerFor) != 4 {
		t.Errorf("WorkerFor has %d entries, want 4", len(reply.WorkerFor))
	}
	if !reflect.DeepEqual(reply.Schema, s) {
		t.Errorf("round-tripped schema = %+v, want %+v", reply.Schema, s)
	}

	if err := client.ShuffleBarrier(context.Background(), "s1", reply.RunID); err != nil {
		t.Fatalf("ShuffleBarrier: %v", err)
	}
	if len(notified) == 0 {
		t.Error("expected at least one participant to be notified by the barrier")
	}

	if err := client.ShuffleBarrier(context.Background(), "s1", reply.RunID+1); err == nil {
		t.Error("expected an error barriering a stale run id")
	}
}
