package run

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"testing/quick"
	"time"

	"github.com/etalazz/shuffleworker/internal/shuffle/limiter"
	"github.com/etalazz/shuffleworker/internal/shuffle/scheduler"
	"github.com/etalazz/shuffleworker/internal/shuffle/shardsbuffer"
	"github.com/etalazz/shuffleworker/internal/shuffle/shuffleerr"
	"github.com/etalazz/shuffleworker/internal/shuffle/table"
)

// loopbackPeers simulates a single-worker cluster: every comm flush is
// delivered straight back into the same run's Receive, as if this worker
// were also the owner of every output partition.
type loopbackPeers struct {
	mu  sync.Mutex
	run *Run
}

func (p *loopbackPeers) ShuffleReceive(ctx context.Context, address, shuffleID string, runID int64, shards []shardsbuffer.Shard) error {
	p.mu.Lock()
	r := p.run
	p.mu.Unlock()
	return r.Receive(ctx, shards)
}

type noopScheduler struct{}

func (noopScheduler) ShuffleGet(ctx context.Context, req scheduler.GetRequest) (scheduler.GetReply, error) {
	return scheduler.GetReply{}, nil
}
func (noopScheduler) ShuffleBarrier(ctx context.Context, shuffleID string, runID int64) error {
	return nil
}

func testSchema() table.Schema {
	return table.Schema{Columns: []table.Column{{Name: "k", Kind: table.KindInt64}, {Name: "v", Kind: table.KindString}}}
}

func testTable(pairs ...[2]any) table.Table {
	out := table.Table{Schema: testSchema()}
	for _, p := range pairs {
		out.Rows = append(out.Rows, table.Row{Values: []table.Value{
			{Kind: table.KindInt64, I64: p[0].(int64)},
			{Kind: table.KindString, Str: p[1].(string)},
		}})
	}
	return out
}

func newTestRun(t *testing.T, peers PeerClient, workerFor map[int64]string) *Run {
	t.Helper()
	r, err := New(Config{
		ShuffleID:    "s1",
		RunID:        1,
		LocalAddress: "worker-a",
		WorkerFor:    workerFor,
		Column:       "k",
		Schema:       testSchema(),
		Directory:    t.TempDir(),
		NThreads:     2,
		CommLimiter:  limiter.New(1 << 20),
		DiskLimiter:  limiter.New(1 << 20),
		Peers:        peers,
		Scheduler:    noopScheduler{},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r
}

func closeRun(t *testing.T, r *Run) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := r.Close(ctx); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestRun_IngestBarrierOutput(t *testing.T) {
	peers := &loopbackPeers{}
	r := newTestRun(t, peers, map[int64]string{0: "worker-a", 1: "worker-a"})
	peers.mu.Lock()
	peers.run = r
	peers.mu.Unlock()
	defer closeRun(t, r)

	ctx := context.Background()
	in := testTable([2]any{int64(0), "a"}, [2]any{int64(1), "b"}, [2]any{int64(0), "c"})
	if _, err := r.AddPartition(ctx, in, 7); err != nil {
		t.Fatalf("AddPartition: %v", err)
	}
	if err := r.InputsDone(ctx); err != nil {
		t.Fatalf("InputsDone: %v", err)
	}

	p0, err := r.GetOutputPartition(ctx, 0)
	if err != nil {
		t.Fatalf("GetOutputPartition(0): %v", err)
	}
	if p0.Len() != 2 {
		t.Errorf("partition 0 len = %d, want 2", p0.Len())
	}
	p1, err := r.GetOutputPartition(ctx, 1)
	if err != nil {
		t.Fatalf("GetOutputPartition(1): %v", err)
	}
	if p1.Len() != 1 {
		t.Errorf("partition 1 len = %d, want 1", p1.Len())
	}
}

func TestRun_UnrequestedPartitionIsEmpty(t *testing.T) {
	peers := &loopbackPeers{}
	r := newTestRun(t, peers, map[int64]string{0: "worker-a"})
	peers.mu.Lock()
	peers.run = r
	peers.mu.Unlock()
	defer closeRun(t, r)

	ctx := context.Background()
	if err := r.InputsDone(ctx); err != nil {
		t.Fatalf("InputsDone: %v", err)
	}
	out, err := r.GetOutputPartition(ctx, 0)
	if err != nil {
		t.Fatalf("GetOutputPartition: %v", err)
	}
	if out.Len() != 0 {
		t.Errorf("Len() = %d, want 0 for a partition that never received rows", out.Len())
	}
}

func TestRun_InputsDoneTwiceIsBarrierViolation(t *testing.T) {
	peers := &loopbackPeers{}
	r := newTestRun(t, peers, map[int64]string{0: "worker-a"})
	peers.mu.Lock()
	peers.run = r
	peers.mu.Unlock()
	defer closeRun(t, r)

	ctx := context.Background()
	if err := r.InputsDone(ctx); err != nil {
		t.Fatalf("first InputsDone: %v", err)
	}
	err := r.InputsDone(ctx)
	if !errors.Is(err, shuffleerr.ErrBarrierOrderingViolation) {
		t.Errorf("second InputsDone error = %v, want ErrBarrierOrderingViolation", err)
	}
}

func TestRun_AddPartitionAfterInputsDoneIsBarrierViolation(t *testing.T) {
	peers := &loopbackPeers{}
	r := newTestRun(t, peers, map[int64]string{0: "worker-a"})
	peers.mu.Lock()
	peers.run = r
	peers.mu.Unlock()
	defer closeRun(t, r)

	ctx := context.Background()
	if err := r.InputsDone(ctx); err != nil {
		t.Fatalf("InputsDone: %v", err)
	}

	in := testTable([2]any{int64(0), "late"})
	if _, err := r.AddPartition(ctx, in, 99); !errors.Is(err, shuffleerr.ErrBarrierOrderingViolation) {
		t.Errorf("AddPartition after InputsDone error = %v, want ErrBarrierOrderingViolation", err)
	}

	// The violation must not have touched any buffer: partition 0 still
	// reads back exactly what was there before the rejected add_partition.
	out, err := r.GetOutputPartition(ctx, 0)
	if err != nil {
		t.Fatalf("GetOutputPartition: %v", err)
	}
	if out.Len() != 0 {
		t.Errorf("Len() = %d, want 0 (rejected add_partition must not modify buffers)", out.Len())
	}
}

func TestRun_PeerFlushFailurePoisonsRun(t *testing.T) {
	boom := errors.New("connection refused")
	failing := failingPeers{err: boom}
	r := newTestRun(t, failing, map[int64]string{0: "worker-b"})
	defer closeRun(t, r)

	ctx := context.Background()
	in := testTable([2]any{int64(0), "a"})
	if _, err := r.AddPartition(ctx, in, 1); err != nil {
		t.Fatalf("AddPartition: %v", err)
	}
	if err := r.InputsDone(ctx); !errors.Is(err, boom) {
		t.Errorf("InputsDone error = %v, want the flush failure surfaced (PeerFailed-equivalent)", err)
	}
	if r.Exception() == nil {
		t.Error("a failed flush must latch a sticky exception onto the run")
	}

	in2 := testTable([2]any{int64(0), "b"})
	if _, err := r.AddPartition(ctx, in2, 2); err == nil {
		t.Error("AddPartition on a poisoned run should fail fast")
	}
}

type failingPeers struct{ err error }

func (f failingPeers) ShuffleReceive(ctx context.Context, address, shuffleID string, runID int64, shards []shardsbuffer.Shard) error {
	return f.err
}

// Every ingested row must come back out of exactly one output partition,
// and only the partition its key column names: a full ingest/barrier/output
// round is a permutation of the input rows, never a drop or a duplicate.
func TestRun_ShuffleRoundPreservesRowMultiset(t *testing.T) {
	property := func(keys []uint8, vals []string) bool {
		n := len(keys)
		if len(vals) < n {
			n = len(vals)
		}

		peers := &loopbackPeers{}
		r := newTestRun(t, peers, map[int64]string{0: "worker-a", 1: "worker-a"})
		peers.mu.Lock()
		peers.run = r
		peers.mu.Unlock()
		defer closeRun(t, r)

		ctx := context.Background()
		in := table.Table{Schema: testSchema()}
		want := map[string]int{}
		for i := 0; i < n; i++ {
			k := int64(keys[i] % 2)
			in.Rows = append(in.Rows, table.Row{Values: []table.Value{
				{Kind: table.KindInt64, I64: k},
				{Kind: table.KindString, Str: vals[i]},
			}})
			want[fmt.Sprintf("%d\x00%s", k, vals[i])]++
		}

		if _, err := r.AddPartition(ctx, in, 1); err != nil {
			t.Fatalf("AddPartition: %v", err)
		}
		if err := r.InputsDone(ctx); err != nil {
			t.Fatalf("InputsDone: %v", err)
		}

		got := map[string]int{}
		for p := int64(0); p < 2; p++ {
			out, err := r.GetOutputPartition(ctx, p)
			if err != nil {
				t.Fatalf("GetOutputPartition(%d): %v", p, err)
			}
			for _, row := range out.Rows {
				if row.Values[0].I64 != p {
					return false // a row surfaced in a partition its key doesn't name
				}
				got[fmt.Sprintf("%d\x00%s", row.Values[0].I64, row.Values[1].Str)]++
			}
		}
		if len(got) != len(want) {
			return false
		}
		for k, c := range want {
			if got[k] != c {
				return false
			}
		}
		return true
	}
	if err := quick.Check(property, &quick.Config{MaxCount: 25}); err != nil {
		t.Error(err)
	}
}

func TestRun_OutputBeforeBarrierFails(t *testing.T) {
	peers := &loopbackPeers{}
	r := newTestRun(t, peers, map[int64]string{0: "worker-a"})
	peers.mu.Lock()
	peers.run = r
	peers.mu.Unlock()
	defer closeRun(t, r)

	_, err := r.GetOutputPartition(context.Background(), 0)
	if !errors.Is(err, shuffleerr.ErrOutputNotReady) {
		t.Errorf("GetOutputPartition before barrier error = %v, want ErrOutputNotReady", err)
	}
}

func TestRun_WrongWorkerIsRejected(t *testing.T) {
	peers := &loopbackPeers{}
	r := newTestRun(t, peers, map[int64]string{0: "some-other-worker"})
	peers.mu.Lock()
	peers.run = r
	peers.mu.Unlock()
	defer closeRun(t, r)

	ctx := context.Background()
	_ = r.InputsDone(ctx)
	_, err := r.GetOutputPartition(ctx, 0)
	if !errors.Is(err, shuffleerr.ErrWrongWorker) {
		t.Errorf("GetOutputPartition for unowned partition error = %v, want ErrWrongWorker", err)
	}
}

func TestRun_DuplicateDeliveryIsDeduped(t *testing.T) {
	peers := &loopbackPeers{}
	r := newTestRun(t, peers, map[int64]string{0: "worker-a"})
	peers.mu.Lock()
	peers.run = r
	peers.mu.Unlock()
	defer closeRun(t, r)

	sub := testTable([2]any{int64(0), "a"})
	b, err := table.Serialize(sub)
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	shards := []shardsbuffer.Shard{{InputPartition: 42, Bytes: b}}

	ctx := context.Background()
	if err := r.Receive(ctx, shards); err != nil {
		t.Fatalf("first Receive: %v", err)
	}
	if err := r.Receive(ctx, shards); err != nil {
		t.Fatalf("duplicate Receive: %v", err)
	}

	if got := r.Heartbeat().Read; got != int64(len(b)) {
		t.Errorf("total bytes received = %d, want %d (the duplicate delivery must not be counted)", got, len(b))
	}

	if err := r.InputsDone(ctx); err != nil {
		t.Fatalf("InputsDone: %v", err)
	}
	out, err := r.GetOutputPartition(ctx, 0)
	if err != nil {
		t.Fatalf("GetOutputPartition: %v", err)
	}
	if out.Len() != 1 {
		t.Errorf("Len() = %d, want 1 (duplicate delivery of the same input partition must be deduped)", out.Len())
	}
}
