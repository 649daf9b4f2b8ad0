package service

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/datapipe/api/internal/clock"
	"github.com/datapipe/api/internal/model"
	"github.com/datapipe/api/internal/store"
)

func newTestRecorder(t *testing.T) (*Recorder, *store.MemoryStore, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	st := store.NewMemoryStore(clk)
	return NewRecorder(st, clk, slog.Default()), st, clk
}

func recorderJob(t *testing.T, st *store.MemoryStore, clk *clock.Fake) *model.Job {
	t.Helper()
	job := &model.Job{
		ID:       "job-1",
		TenantID: "tenant-a",
		Kind:     model.KindScrape,
		Status:   model.JobStatusActive,
		Parameters: model.Parameters{
			Scrape: &model.ScrapeParameters{URL: "http://example.test"},
		},
		RetryPolicy: model.DefaultRetryPolicy(),
		CreatedAt:   clk.Now(),
	}
	if err := st.CreateJob(context.Background(), job); err != nil {
		t.Fatal(err)
	}
	return job
}

func TestEnqueueThenBegin(t *testing.T) {
	rec, st, _ := newTestRecorder(t)
	ctx := context.Background()
	job := recorderJob(t, st, rec.clock.(*clock.Fake))

	queued, err := rec.Enqueue(ctx, job)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if queued.State != model.ExecStateQueued || queued.Attempt != 1 {
		t.Fatalf("queued row = %s attempt %d", queued.State, queued.Attempt)
	}

	running, err := rec.Begin(ctx, job, "worker-1")
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if running.ID != queued.ID {
		t.Errorf("Begin started a different row: %s != %s", running.ID, queued.ID)
	}
	if running.State != model.ExecStateRunning || running.WorkerID != "worker-1" || running.StartedAt == nil {
		t.Errorf("running row not stamped: %+v", running)
	}
}

func TestBeginWonByFirst(t *testing.T) {
	rec, st, _ := newTestRecorder(t)
	ctx := context.Background()
	job := recorderJob(t, st, rec.clock.(*clock.Fake))

	if _, err := rec.Enqueue(ctx, job); err != nil {
		t.Fatal(err)
	}
	if _, err := rec.Begin(ctx, job, "worker-1"); err != nil {
		t.Fatal(err)
	}

	// A second worker racing the same firing loses.
	if _, err := rec.Begin(ctx, job, "worker-2"); err != ErrRunningElsewhere {
		t.Fatalf("expected ErrRunningElsewhere, got %v", err)
	}
}

func TestBeginAfterLeaseExpiry(t *testing.T) {
	rec, st, clk := newTestRecorder(t)
	ctx := context.Background()
	job := recorderJob(t, st, clk)

	if _, err := rec.Enqueue(ctx, job); err != nil {
		t.Fatal(err)
	}
	first, err := rec.Begin(ctx, job, "worker-1")
	if err != nil {
		t.Fatal(err)
	}

	// Redelivery long after the lease expired: old row closes as
	// lease_expired, a new attempt begins.
	clk.Advance(5 * time.Minute)
	second, err := rec.Begin(ctx, job, "worker-2")
	if err != nil {
		t.Fatalf("Begin after expiry: %v", err)
	}
	if second.Attempt != first.Attempt+1 {
		t.Errorf("attempt = %d, want %d", second.Attempt, first.Attempt+1)
	}

	old, _ := st.GetExecution(ctx, first.ID)
	if old.State != model.ExecStateAwaitingRetry || old.ErrorKind != model.ErrorKindLeaseExpired {
		t.Errorf("orphan row = %s/%s", old.State, old.ErrorKind)
	}
}

func TestFinishIdempotentAndConflicting(t *testing.T) {
	rec, st, _ := newTestRecorder(t)
	ctx := context.Background()
	job := recorderJob(t, st, rec.clock.(*clock.Fake))

	rec.Enqueue(ctx, job)
	exec, err := rec.Begin(ctx, job, "worker-1")
	if err != nil {
		t.Fatal(err)
	}

	if err := rec.Finish(ctx, exec.ID, model.ExecStateSucceeded, model.OutcomeSuccess, model.ErrorKindNone, ""); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	// Same outcome again: no-op.
	if err := rec.Finish(ctx, exec.ID, model.ExecStateSucceeded, model.OutcomeSuccess, model.ErrorKindNone, ""); err != nil {
		t.Fatalf("idempotent Finish: %v", err)
	}
	// Different outcome: conflict.
	if err := rec.Finish(ctx, exec.ID, model.ExecStateFailed, model.OutcomeTerminalFailure, model.ErrorKindInternal, "x"); err != ErrConflictingFinish {
		t.Fatalf("expected ErrConflictingFinish, got %v", err)
	}
}

func TestAttachArtifactSealsWithFinish(t *testing.T) {
	rec, st, clk := newTestRecorder(t)
	ctx := context.Background()
	job := recorderJob(t, st, clk)

	rec.Enqueue(ctx, job)
	exec, _ := rec.Begin(ctx, job, "worker-1")

	artifact := &model.Artifact{
		ID:          "art-1",
		ExecutionID: exec.ID,
		JobID:       job.ID,
		TenantID:    job.TenantID,
		StorageURI:  "file://t/a",
		SHA256:      "abc",
	}
	if err := rec.AttachArtifact(ctx, exec.ID, artifact); err != nil {
		t.Fatalf("AttachArtifact: %v", err)
	}

	got, _ := st.GetExecution(ctx, exec.ID)
	if len(got.ArtifactIDs) != 1 || got.ArtifactIDs[0] != "art-1" {
		t.Errorf("artifact not appended: %v", got.ArtifactIDs)
	}

	rec.Finish(ctx, exec.ID, model.ExecStateSucceeded, model.OutcomeSuccess, model.ErrorKindNone, "")

	late := &model.Artifact{ID: "art-2", ExecutionID: exec.ID}
	if err := rec.AttachArtifact(ctx, exec.ID, late); err != ErrAttachAfterFinish {
		t.Fatalf("expected ErrAttachAfterFinish, got %v", err)
	}
}

func TestCancelPendingOnlyHitsQueuedRows(t *testing.T) {
	rec, st, clk := newTestRecorder(t)
	ctx := context.Background()
	job := recorderJob(t, st, clk)

	// No execution yet: nothing to cancel.
	cancelled, err := rec.CancelPending(ctx, job.ID)
	if err != nil || cancelled {
		t.Fatalf("CancelPending on empty job = %v, %v", cancelled, err)
	}

	queued, _ := rec.Enqueue(ctx, job)
	cancelled, err = rec.CancelPending(ctx, job.ID)
	if err != nil || !cancelled {
		t.Fatalf("CancelPending on queued row = %v, %v", cancelled, err)
	}
	got, _ := st.GetExecution(ctx, queued.ID)
	if got.State != model.ExecStateCancelled || got.Outcome != model.OutcomeCancelled {
		t.Errorf("row = %s/%s", got.State, got.Outcome)
	}

	// Running rows are not touched by CancelPending.
	rec.Enqueue(ctx, job)
	rec.Begin(ctx, job, "worker-1")
	cancelled, err = rec.CancelPending(ctx, job.ID)
	if err != nil || cancelled {
		t.Fatalf("CancelPending on running row = %v, %v", cancelled, err)
	}
}
