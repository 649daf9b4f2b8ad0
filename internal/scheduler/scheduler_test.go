package scheduler

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/datapipe/api/internal/blob"
	"github.com/datapipe/api/internal/bus"
	"github.com/datapipe/api/internal/clock"
	"github.com/datapipe/api/internal/config"
	"github.com/datapipe/api/internal/model"
	"github.com/datapipe/api/internal/service"
	"github.com/datapipe/api/internal/store"
)

// recordingBus captures publish order without delivering anything.
type recordingBus struct {
	mu        sync.Mutex
	published []string
}

func (b *recordingBus) Publish(ctx context.Context, req *bus.ExecutionRequest, timeout, delay time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, req.JobID)
	return nil
}

func (b *recordingBus) CancelQueued(ctx context.Context, kind model.JobKind, p model.Priority, taskID string) error {
	return nil
}
func (b *recordingBus) CancelProcessing(ctx context.Context, taskID string) error { return nil }
func (b *recordingBus) RemoveDeadLetter(ctx context.Context, queue, taskID string) error {
	return nil
}
func (b *recordingBus) PromoteAged(ctx context.Context, kind model.JobKind, maxAge time.Duration, now time.Time) (int, error) {
	return 0, nil
}
func (b *recordingBus) Depths(ctx context.Context) map[string]model.QueueStatus { return nil }
func (b *recordingBus) Close() error                                            { return nil }

func (b *recordingBus) order() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.published...)
}

type schedFixture struct {
	sched *Scheduler
	store *store.MemoryStore
	bus   *recordingBus
	clk   *clock.Fake
}

func newSchedFixture(t *testing.T) *schedFixture {
	t.Helper()
	clk := clock.NewFake(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	st := store.NewMemoryStore(clk)
	b := &recordingBus{}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	rec := service.NewRecorder(st, clk, log)
	disp := service.NewDispatcher(st, b, rec, clk, service.Timeouts{Scrape: time.Minute, OCR: time.Minute}, log)

	blobStore, err := blob.NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	sched := New(st, disp, b, blobStore, clk, log,
		config.SchedulerConfig{
			LeaseTTLSeconds:           15,
			LeaseRenewSeconds:         5,
			TickSeconds:               1,
			RecoverySweepSeconds:      60,
			PendingDispatchAgeSeconds: 120,
		},
		config.QueueConfig{PromotionAgeSeconds: 600},
		config.RetentionConfig{ExecutionDays: 30, ArtifactDays: 90, SweepHours: 1},
		"sched-test")
	return &schedFixture{sched: sched, store: st, bus: b, clk: clk}
}

func seedJob(t *testing.T, st *store.MemoryStore, id string, priority model.Priority, status model.JobStatus, createdAt time.Time) *model.Job {
	t.Helper()
	job := &model.Job{
		ID:       id,
		TenantID: "tenant-a",
		Kind:     model.KindScrape,
		Parameters: model.Parameters{
			Scrape: &model.ScrapeParameters{URL: "http://example.test/" + id},
		},
		RetryPolicy: model.DefaultRetryPolicy(),
		Priority:    priority,
		Schedule:    model.Schedule{Type: model.ScheduleDelayed},
		Status:      status,
		CreatedAt:   createdAt,
	}
	if err := st.CreateJob(context.Background(), job); err != nil {
		t.Fatal(err)
	}
	return job
}

func TestTickFiresDueJobs(t *testing.T) {
	f := newSchedFixture(t)
	ctx := context.Background()

	job := seedJob(t, f.store, "due-1", model.PriorityNormal, model.JobStatusScheduled, f.clk.Now())
	f.store.SchedulePending(ctx, job.ID, f.clk.Now().Add(-time.Second))
	late := seedJob(t, f.store, "late-1", model.PriorityNormal, model.JobStatusScheduled, f.clk.Now())
	f.store.SchedulePending(ctx, late.ID, f.clk.Now().Add(time.Hour))

	f.sched.tick(ctx)

	if got := f.bus.order(); len(got) != 1 || got[0] != "due-1" {
		t.Fatalf("published = %v, want [due-1]", got)
	}
	// The firing left a queued attempt row and an active job.
	execs, _, _ := f.store.ListExecutions(ctx, job.ID, "", 10)
	if len(execs) != 1 || execs[0].State != model.ExecStateQueued {
		t.Errorf("executions = %+v", execs)
	}
	got, _ := f.store.GetJob(ctx, job.ID)
	if got.Status != model.JobStatusActive {
		t.Errorf("job status = %s", got.Status)
	}
	// Due entry consumed; the late one remains.
	if due, _ := f.store.DueJobs(ctx, f.clk.Now().Add(2*time.Hour), 10); len(due) != 1 || due[0] != "late-1" {
		t.Errorf("pending set = %v", due)
	}
}

func TestTickEmissionOrder(t *testing.T) {
	f := newSchedFixture(t)
	ctx := context.Background()
	base := f.clk.Now().Add(-time.Hour)

	// Same tick, mixed priorities and ages. Expected order:
	// priority desc, then created_at asc, then id asc.
	jobs := []struct {
		id       string
		priority model.Priority
		created  time.Time
	}{
		{"low-old", model.PriorityLow, base},
		{"high-young", model.PriorityHigh, base.Add(time.Minute)},
		{"normal-b", model.PriorityNormal, base},
		{"normal-a", model.PriorityNormal, base},
		{"high-old", model.PriorityHigh, base},
	}
	for _, j := range jobs {
		job := seedJob(t, f.store, j.id, j.priority, model.JobStatusScheduled, j.created)
		f.store.SchedulePending(ctx, job.ID, f.clk.Now().Add(-time.Second))
	}

	f.sched.tick(ctx)

	want := []string{"high-old", "high-young", "normal-a", "normal-b", "low-old"}
	got := f.bus.order()
	if len(got) != len(want) {
		t.Fatalf("published %d jobs, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("emission order = %v, want %v", got, want)
		}
	}
}

func TestCancelledJobsAreNotFired(t *testing.T) {
	f := newSchedFixture(t)
	ctx := context.Background()

	job := seedJob(t, f.store, "c-1", model.PriorityNormal, model.JobStatusCancelled, f.clk.Now())
	f.store.SchedulePending(ctx, job.ID, f.clk.Now().Add(-time.Second))

	f.sched.tick(ctx)
	if got := f.bus.order(); len(got) != 0 {
		t.Errorf("cancelled job fired: %v", got)
	}
}

func TestCronSkipRecordsGap(t *testing.T) {
	f := newSchedFixture(t)
	ctx := context.Background()

	job := seedJob(t, f.store, "cron-1", model.PriorityNormal, model.JobStatusScheduled, f.clk.Now().Add(-24*time.Hour))
	job.Schedule = model.Schedule{Type: model.ScheduleCron, Cron: "*/5 * * * *"}
	// The scheduler was down: the next fire was an hour ago.
	past := f.clk.Now().Add(-time.Hour)
	job.NextFireAt = &past
	if err := f.store.UpdateJob(ctx, job); err != nil {
		t.Fatal(err)
	}
	f.store.SchedulePending(ctx, job.ID, past)

	f.sched.tick(ctx)

	// Skip policy: exactly one firing, with the missed ones recorded.
	if got := f.bus.order(); len(got) != 1 {
		t.Fatalf("published = %v, want one firing", got)
	}
	gaps := f.store.ScheduleGaps(job.ID)
	if len(gaps) != 1 || gaps[0].Firings < 10 {
		t.Fatalf("gaps = %+v", gaps)
	}

	// Next fire advanced into the future and is pending again.
	got, _ := f.store.GetJob(ctx, job.ID)
	if got.NextFireAt == nil || !got.NextFireAt.After(f.clk.Now()) {
		t.Errorf("next fire = %v", got.NextFireAt)
	}
	if due, _ := f.store.DueJobs(ctx, got.NextFireAt.Add(time.Second), 10); len(due) != 1 {
		t.Error("cron job not rescheduled")
	}
}

func TestCronCatchUpReplaysMissedFirings(t *testing.T) {
	f := newSchedFixture(t)
	ctx := context.Background()

	job := seedJob(t, f.store, "cron-2", model.PriorityNormal, model.JobStatusScheduled, f.clk.Now().Add(-24*time.Hour))
	job.Schedule = model.Schedule{Type: model.ScheduleCron, Cron: "*/5 * * * *", CatchUp: true}
	past := f.clk.Now().Add(-16 * time.Minute)
	job.NextFireAt = &past
	if err := f.store.UpdateJob(ctx, job); err != nil {
		t.Fatal(err)
	}
	f.store.SchedulePending(ctx, job.ID, past)

	f.sched.tick(ctx)

	// 16 minutes of */5 cron: the 11:44 due firing plus the 11:45, 11:50,
	// 11:55 and 12:00 ones the downtime swallowed.
	if got := f.bus.order(); len(got) != 5 {
		t.Fatalf("published %d firings, want 5 (catch-up)", len(got))
	}
}

func TestRecoverySweepRequeuesStalePendingDispatch(t *testing.T) {
	f := newSchedFixture(t)
	ctx := context.Background()

	stale := seedJob(t, f.store, "stale-1", model.PriorityNormal, model.JobStatusPendingDispatch, f.clk.Now().Add(-10*time.Minute))
	fresh := seedJob(t, f.store, "fresh-1", model.PriorityNormal, model.JobStatusPendingDispatch, f.clk.Now().Add(-10*time.Second))
	_ = fresh

	f.sched.recoverySweep(ctx)

	if got := f.bus.order(); len(got) != 1 || got[0] != "stale-1" {
		t.Fatalf("published = %v, want only the stale job", got)
	}
	job, _ := f.store.GetJob(ctx, stale.ID)
	if job.Status != model.JobStatusActive {
		t.Errorf("recovered job status = %s", job.Status)
	}
}

func TestRetentionSweepCascades(t *testing.T) {
	f := newSchedFixture(t)
	ctx := context.Background()

	old := f.clk.Now().AddDate(0, 0, -100)
	exec := &model.Execution{
		ID:           "old-exec",
		JobID:        "old-job",
		TenantID:     "tenant-a",
		Attempt:      1,
		State:        model.ExecStateSucceeded,
		DispatchedAt: old,
		FinishedAt:   &old,
		ArtifactIDs:  []string{"old-art"},
	}
	if err := f.store.CreateExecution(ctx, exec); err != nil {
		t.Fatal(err)
	}

	up, _ := f.sched.blob.StartUpload(ctx, "tenant-a/scrape/2024/02/01/old-art", "text/plain")
	up.WriteChunk(ctx, []byte("expired"))
	uri, _, _, _ := up.Finish(ctx)
	artifact := &model.Artifact{
		ID:          "old-art",
		ExecutionID: exec.ID,
		JobID:       "old-job",
		TenantID:    "tenant-a",
		StorageURI:  uri,
		CreatedAt:   old,
	}
	if err := f.store.CreateArtifact(ctx, artifact); err != nil {
		t.Fatal(err)
	}

	f.sched.retentionSweep(ctx)

	if _, err := f.store.GetArtifact(ctx, "old-art"); err != store.ErrNotFound {
		t.Errorf("expired artifact survived: %v", err)
	}
	if _, err := f.sched.blob.OpenRead(ctx, uri); err != blob.ErrNotFound {
		t.Errorf("expired blob survived: %v", err)
	}
	if _, err := f.store.GetExecution(ctx, "old-exec"); err != store.ErrNotFound {
		t.Errorf("expired execution survived: %v", err)
	}
}
