package workerpool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestSubmit_ReturnsResult(t *testing.T) {
	p := New(2)
	defer p.Close()

	got, err := Submit(context.Background(), p, func() (int, error) {
		return 42, nil
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if got != 42 {
		t.Errorf("got = %d, want 42", got)
	}
}

func TestSubmit_PropagatesError(t *testing.T) {
	p := New(1)
	defer p.Close()

	wantErr := errors.New("boom")
	_, err := Submit(context.Background(), p, func() (int, error) {
		return 0, wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Errorf("err = %v, want %v", err, wantErr)
	}
}

func TestSubmit_RespectsContextCancellation(t *testing.T) {
	p := New(1)
	defer p.Close()

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_, _ = Submit(context.Background(), p, func() (int, error) {
			close(started)
			<-release
			return 0, nil
		})
	}()
	<-started // occupy the single worker

	cancel()
	_, err := Submit(ctx, p, func() (int, error) { return 1, nil })
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	close(release)
}

func TestSubmit_AfterCloseReturnsErrClosed(t *testing.T) {
	p := New(1)
	p.Close()

	_, err := Submit(context.Background(), p, func() (int, error) { return 0, nil })
	if !errors.Is(err, ErrClosed) {
		t.Errorf("err = %v, want ErrClosed", err)
	}
}

func TestClose_WaitsForRunningJobs(t *testing.T) {
	p := New(1)
	var ran int32
	started := make(chan struct{})
	go func() {
		_, _ = Submit(context.Background(), p, func() (int, error) {
			close(started)
			time.Sleep(20 * time.Millisecond)
			atomic.StoreInt32(&ran, 1)
			return 0, nil
		})
	}()
	<-started // the job is running when Close is called
	p.Close()
	if atomic.LoadInt32(&ran) != 1 {
		t.Error("job should have completed before Close returned")
	}
}
