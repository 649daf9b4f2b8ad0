package bus

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hibiken/asynq"

	"github.com/datapipe/api/internal/model"
)

func fastRetry(n int, err error, t *asynq.Task) time.Duration { return time.Millisecond }

func testRequest(fireID string, maxAttempts int) *ExecutionRequest {
	return &ExecutionRequest{
		JobID:       "job-1",
		FireID:      fireID,
		Kind:        model.KindScrape,
		Priority:    model.PriorityNormal,
		RetryPolicy: model.RetryPolicy{MaxAttempts: maxAttempts, InitialBackoffSeconds: 1, Multiplier: 2, MaxBackoffSeconds: 5},
		EnqueuedAt:  time.Now(),
	}
}

func TestInProcDeliversOnce(t *testing.T) {
	b := NewInProc()
	b.RetryDelayFn = fastRetry

	var calls atomic.Int32
	b.Handle(TaskTypeScrape, func(ctx context.Context, task *asynq.Task) error {
		calls.Add(1)
		return nil
	})

	if err := b.Publish(context.Background(), testRequest("f1", 3), time.Minute, 0); err != nil {
		t.Fatal(err)
	}
	// Publishing the same fire id again is a no-op.
	if err := b.Publish(context.Background(), testRequest("f1", 3), time.Minute, 0); err != nil {
		t.Fatal(err)
	}
	b.Drain()

	if n := calls.Load(); n != 1 {
		t.Errorf("handler ran %d times, want 1", n)
	}
}

func TestInProcRetriesThenArchives(t *testing.T) {
	b := NewInProc()
	b.RetryDelayFn = fastRetry

	var calls atomic.Int32
	b.Handle(TaskTypeScrape, func(ctx context.Context, task *asynq.Task) error {
		calls.Add(1)
		return errors.New("always fails")
	})

	if err := b.Publish(context.Background(), testRequest("f1", 3), time.Minute, 0); err != nil {
		t.Fatal(err)
	}
	b.Drain()

	if n := calls.Load(); n != 3 {
		t.Errorf("handler ran %d times, want max_attempts=3", n)
	}
	depths := b.Depths(context.Background())
	if depths["scrape:normal"].Archived != 1 {
		t.Errorf("expected 1 archived task, got %+v", depths)
	}

	// Redrive empties the archive.
	if err := b.RemoveDeadLetter(context.Background(), "scrape:normal", "f1"); err != nil {
		t.Fatal(err)
	}
	if d := b.Depths(context.Background()); d["scrape:normal"].Archived != 0 {
		t.Errorf("archive not cleared: %+v", d)
	}
}

func TestInProcCancelQueued(t *testing.T) {
	b := NewInProc()
	b.RetryDelayFn = fastRetry

	var calls atomic.Int32
	b.Handle(TaskTypeScrape, func(ctx context.Context, task *asynq.Task) error {
		calls.Add(1)
		return nil
	})

	// Publish with a long delay, then cancel before delivery.
	if err := b.Publish(context.Background(), testRequest("f1", 1), time.Minute, 50*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	if err := b.CancelQueued(context.Background(), model.KindScrape, model.PriorityNormal, "f1"); err != nil {
		t.Fatal(err)
	}
	b.Drain()

	if n := calls.Load(); n != 0 {
		t.Errorf("cancelled task still ran %d times", n)
	}
}

func TestInProcCancelProcessing(t *testing.T) {
	b := NewInProc()
	b.RetryDelayFn = fastRetry

	started := make(chan struct{})
	var sawCancel atomic.Bool
	b.Handle(TaskTypeScrape, func(ctx context.Context, task *asynq.Task) error {
		close(started)
		select {
		case <-ctx.Done():
			sawCancel.Store(true)
			return nil
		case <-time.After(5 * time.Second):
			return nil
		}
	})

	if err := b.Publish(context.Background(), testRequest("f1", 1), time.Minute, 0); err != nil {
		t.Fatal(err)
	}
	<-started
	if err := b.CancelProcessing(context.Background(), "f1"); err != nil {
		t.Fatal(err)
	}
	b.Drain()

	if !sawCancel.Load() {
		t.Error("handler never observed cancellation")
	}
}
