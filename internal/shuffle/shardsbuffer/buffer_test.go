package shardsbuffer

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/etalazz/shuffleworker/internal/shuffle/limiter"
)

func byteCount(b []byte) int64 { return int64(len(b)) }

func TestBuffer_WriteFlushReleases(t *testing.T) {
	lim := limiter.New(1000)
	var flushed int64
	var mu sync.Mutex
	got := map[string][][]byte{}

	b := New(lim, 2, byteCount, func(ctx context.Context, dest string, items [][]byte) error {
		atomic.AddInt64(&flushed, int64(len(items)))
		mu.Lock()
		got[dest] = append(got[dest], items...)
		mu.Unlock()
		return nil
	})

	err := b.Write(context.Background(), map[string][][]byte{
		"a": {[]byte("hello"), []byte("world")},
		"b": {[]byte("x")},
	})
	if err != nil {
		t.Fatalf("Write: %v", err)
	}

	if err := b.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	if atomic.LoadInt64(&flushed) != 3 {
		t.Errorf("flushed item count = %d, want 3", flushed)
	}
	if lim.InUse() != 0 {
		t.Errorf("limiter InUse() = %d, want 0 after flush", lim.InUse())
	}
	mu.Lock()
	if len(got["a"]) != 2 || len(got["b"]) != 1 {
		t.Errorf("unexpected flush grouping: %+v", got)
	}
	mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := b.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestBuffer_StickyException(t *testing.T) {
	lim := limiter.New(1000)
	b := New(lim, 1, byteCount, func(ctx context.Context, dest string, items [][]byte) error {
		return context.DeadlineExceeded
	})

	if err := b.Write(context.Background(), map[string][][]byte{"a": {[]byte("x")}}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := b.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if err := b.RaiseOnException(); err == nil {
		t.Fatal("expected sticky exception, got nil")
	}
	// bytes must still be released even though the flush failed.
	if lim.InUse() != 0 {
		t.Errorf("InUse() = %d, want 0 (bytes must release even on flush error)", lim.InUse())
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = b.Close(ctx)
}

func TestBuffer_NeverFlushesSameDestinationConcurrently(t *testing.T) {
	lim := limiter.New(100000)
	var active int32
	var sawConcurrent bool
	var mu sync.Mutex

	b := New(lim, 8, byteCount, func(ctx context.Context, dest string, items [][]byte) error {
		n := atomic.AddInt32(&active, 1)
		if n > 1 {
			mu.Lock()
			sawConcurrent = true
			mu.Unlock()
		}
		time.Sleep(2 * time.Millisecond)
		atomic.AddInt32(&active, -1)
		return nil
	})

	for i := 0; i < 20; i++ {
		if err := b.Write(context.Background(), map[string][][]byte{"only-dest": {[]byte("x")}}); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	if err := b.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if sawConcurrent {
		t.Error("two flushes ran concurrently for the same destination")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = b.Close(ctx)
}

func TestBuffer_CloseIsIdempotentAndDrains(t *testing.T) {
	lim := limiter.New(1000)
	var flushedBytes int64
	b := New(lim, 2, byteCount, func(ctx context.Context, dest string, items [][]byte) error {
		for _, it := range items {
			atomic.AddInt64(&flushedBytes, int64(len(it)))
		}
		return nil
	})

	_ = b.Write(context.Background(), map[string][][]byte{"a": {[]byte("12345")}})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := b.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := b.Close(ctx); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if atomic.LoadInt64(&flushedBytes) != 5 {
		t.Errorf("flushedBytes = %d, want 5 (close must drain pending writes)", flushedBytes)
	}
	if lim.InUse() != 0 {
		t.Errorf("InUse() after close = %d, want 0", lim.InUse())
	}
}
