package service

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/datapipe/api/internal/bus"
	"github.com/datapipe/api/internal/clock"
	"github.com/datapipe/api/internal/model"
	"github.com/datapipe/api/internal/store"
)

type jobsFixture struct {
	jobs  *Jobs
	store *store.MemoryStore
	bus   *bus.InProcBus
	clk   *clock.Fake
}

func newJobsFixture(t *testing.T) *jobsFixture {
	t.Helper()
	clk := clock.NewFake(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	st := store.NewMemoryStore(clk)
	b := bus.NewInProc()
	t.Cleanup(func() { b.Close() })
	log := slog.Default()
	rec := NewRecorder(st, clk, log)
	disp := NewDispatcher(st, b, rec, clk, Timeouts{Scrape: time.Minute, OCR: 5 * time.Minute}, log)
	jobs := NewJobs(st, b, rec, disp, validator.New(), clk, log, 5)
	return &jobsFixture{jobs: jobs, store: st, bus: b, clk: clk}
}

var testPrincipal = &model.Principal{KeyID: "key-1", TenantID: "tenant-a", Role: model.RoleDeveloper}

func scrapeRequest(url string) *model.SubmitJobRequest {
	return &model.SubmitJobRequest{
		Kind:       model.KindScrape,
		Parameters: model.Parameters{Scrape: &model.ScrapeParameters{URL: url}},
	}
}

func TestSubmitOneShot(t *testing.T) {
	f := newJobsFixture(t)
	ctx := context.Background()

	job, created, err := f.jobs.Submit(ctx, testPrincipal, scrapeRequest("http://example.test/a"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !created {
		t.Error("expected a newly created job")
	}
	if job.TenantID != "tenant-a" || job.Kind != model.KindScrape {
		t.Errorf("job = %+v", job)
	}
	if job.Priority != model.PriorityNormal {
		t.Errorf("default priority = %s", job.Priority)
	}
	if job.ConfigHash == "" || job.ID == "" {
		t.Error("id and config hash must be assigned")
	}
	if job.RetryPolicy.MaxAttempts != 5 {
		t.Errorf("default max attempts = %d", job.RetryPolicy.MaxAttempts)
	}

	// The firing created a queued attempt row.
	execs, _, err := f.store.ListExecutions(ctx, job.ID, "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(execs) != 1 || execs[0].Attempt != 1 {
		t.Fatalf("executions = %+v", execs)
	}
}

func TestSubmitIdempotent(t *testing.T) {
	f := newJobsFixture(t)
	ctx := context.Background()

	first, _, err := f.jobs.Submit(ctx, testPrincipal, scrapeRequest("http://example.test/a"))
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		again, created, err := f.jobs.Submit(ctx, testPrincipal, scrapeRequest("http://example.test/a"))
		if err != nil {
			t.Fatal(err)
		}
		if created || again.ID != first.ID {
			t.Fatalf("resubmission %d returned %s (created=%v), want %s", i, again.ID, created, first.ID)
		}
	}

	// Only one execution is ever observed.
	execs, _, _ := f.store.ListExecutions(ctx, first.ID, "", 10)
	if len(execs) != 1 {
		t.Errorf("executions = %d, want 1", len(execs))
	}

	// A different tenant gets its own job.
	other := &model.Principal{KeyID: "key-2", TenantID: "tenant-b", Role: model.RoleDeveloper}
	theirs, created, err := f.jobs.Submit(ctx, other, scrapeRequest("http://example.test/a"))
	if err != nil || !created {
		t.Fatalf("other tenant submit: created=%v err=%v", created, err)
	}
	if theirs.ID == first.ID {
		t.Error("dedup leaked across tenants")
	}
}

func TestSubmitValidation(t *testing.T) {
	f := newJobsFixture(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  *model.SubmitJobRequest
	}{
		{"missing variant", &model.SubmitJobRequest{Kind: model.KindScrape}},
		{"wrong variant", &model.SubmitJobRequest{
			Kind:       model.KindScrape,
			Parameters: model.Parameters{OCR: &model.OCRParameters{DocumentURI: "x"}},
		}},
		{"bad url", &model.SubmitJobRequest{
			Kind:       model.KindScrape,
			Parameters: model.Parameters{Scrape: &model.ScrapeParameters{URL: "::not-a-url"}},
		}},
		{"bad cron", func() *model.SubmitJobRequest {
			r := scrapeRequest("http://example.test")
			r.Schedule = &model.Schedule{Type: model.ScheduleCron, Cron: "nope"}
			return r
		}()},
		{"delayed without notBefore", func() *model.SubmitJobRequest {
			r := scrapeRequest("http://example.test")
			r.Schedule = &model.Schedule{Type: model.ScheduleDelayed}
			return r
		}()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := f.jobs.Submit(ctx, testPrincipal, tt.req); !errors.Is(err, ErrInvalidParameters) {
				t.Errorf("err = %v, want ErrInvalidParameters", err)
			}
		})
	}
}

func TestSubmitDelayedAndCron(t *testing.T) {
	f := newJobsFixture(t)
	ctx := context.Background()

	notBefore := f.clk.Now().Add(time.Hour)
	delayed := scrapeRequest("http://example.test/delayed")
	delayed.Schedule = &model.Schedule{Type: model.ScheduleDelayed, NotBefore: &notBefore}
	job, _, err := f.jobs.Submit(ctx, testPrincipal, delayed)
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != model.JobStatusScheduled {
		t.Errorf("delayed job status = %s", job.Status)
	}
	due, _ := f.store.DueJobs(ctx, notBefore, 10)
	if len(due) != 1 || due[0] != job.ID {
		t.Errorf("delayed job not in pending set: %v", due)
	}

	recurring := scrapeRequest("http://example.test/cron")
	recurring.Schedule = &model.Schedule{Type: model.ScheduleCron, Cron: "*/5 * * * *"}
	cronJob, _, err := f.jobs.Submit(ctx, testPrincipal, recurring)
	if err != nil {
		t.Fatal(err)
	}
	if cronJob.Status != model.JobStatusScheduled || cronJob.NextFireAt == nil {
		t.Errorf("cron job = %s nextFire=%v", cronJob.Status, cronJob.NextFireAt)
	}
	if !cronJob.NextFireAt.After(f.clk.Now()) {
		t.Errorf("next fire %v not in the future", cronJob.NextFireAt)
	}
}

func TestCancelScheduledJob(t *testing.T) {
	f := newJobsFixture(t)
	ctx := context.Background()

	notBefore := f.clk.Now().Add(time.Hour)
	req := scrapeRequest("http://example.test/delayed")
	req.Schedule = &model.Schedule{Type: model.ScheduleDelayed, NotBefore: &notBefore}
	job, _, err := f.jobs.Submit(ctx, testPrincipal, req)
	if err != nil {
		t.Fatal(err)
	}

	if err := f.jobs.Cancel(ctx, testPrincipal, job.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	got, _ := f.store.GetJob(ctx, job.ID)
	if got.Status != model.JobStatusCancelled || !got.CancelRequested {
		t.Errorf("job = %s cancelRequested=%v", got.Status, got.CancelRequested)
	}
	if due, _ := f.store.DueJobs(ctx, notBefore, 10); len(due) != 0 {
		t.Error("cancelled job still scheduled")
	}

	// Cancelling again conflicts.
	if err := f.jobs.Cancel(ctx, testPrincipal, job.ID); !errors.Is(err, ErrAlreadyTerminal) {
		t.Errorf("second cancel = %v, want ErrAlreadyTerminal", err)
	}

	// A fresh identical submission is allowed after cancellation.
	again, created, err := f.jobs.Submit(ctx, testPrincipal, req)
	if err != nil || !created {
		t.Fatalf("resubmit after cancel: created=%v err=%v", created, err)
	}
	if again.ID == job.ID {
		t.Error("cancelled job returned by dedup")
	}
}

func TestCancelTenantIsolation(t *testing.T) {
	f := newJobsFixture(t)
	ctx := context.Background()

	job, _, err := f.jobs.Submit(ctx, testPrincipal, scrapeRequest("http://example.test/a"))
	if err != nil {
		t.Fatal(err)
	}

	other := &model.Principal{KeyID: "key-2", TenantID: "tenant-b", Role: model.RoleDeveloper}
	if err := f.jobs.Cancel(ctx, other, job.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("cross-tenant cancel = %v, want ErrNotFound", err)
	}
	if err := f.jobs.Cancel(ctx, testPrincipal, "no-such-job"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing job cancel = %v, want ErrNotFound", err)
	}
}

func TestRedriveRequiresDeadLetter(t *testing.T) {
	f := newJobsFixture(t)
	ctx := context.Background()

	job, _, err := f.jobs.Submit(ctx, testPrincipal, scrapeRequest("http://example.test/a"))
	if err != nil {
		t.Fatal(err)
	}

	result := f.jobs.Redrive(ctx, model.KindScrape, []string{job.ID, "missing"})
	if len(result.Redriven) != 0 || len(result.Errors) != 2 {
		t.Fatalf("redrive of live job should fail: %+v", result)
	}
}
