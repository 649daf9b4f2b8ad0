package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/datapipe/api/internal/bus"
	"github.com/datapipe/api/internal/clock"
	"github.com/datapipe/api/internal/model"
	"github.com/datapipe/api/internal/store"
)

var (
	// ErrNotFound covers missing or other-tenant resources.
	ErrNotFound = errors.New("service: not found")
	// ErrInvalidParameters means the kind-specific payload failed validation.
	ErrInvalidParameters = errors.New("service: invalid parameters")
	// ErrAlreadyTerminal rejects cancellation of a completed job.
	ErrAlreadyTerminal = errors.New("service: job already terminal")
	// ErrNotDeadLettered rejects redrive of a job that is not in the DLQ.
	ErrNotDeadLettered = errors.New("service: job not dead-lettered")
)

// Jobs is the intake service: submission with idempotent dedup,
// cancellation, and DLQ redrive.
type Jobs struct {
	store       store.Store
	bus         bus.Bus
	recorder    *Recorder
	dispatcher  *Dispatcher
	validate    *validator.Validate
	clock       clock.Clock
	log         *slog.Logger
	maxAttempts int
}

func NewJobs(st store.Store, b bus.Bus, rec *Recorder, disp *Dispatcher, v *validator.Validate, clk clock.Clock, log *slog.Logger, defaultMaxAttempts int) *Jobs {
	if clk == nil {
		clk = clock.System()
	}
	if defaultMaxAttempts < 1 {
		defaultMaxAttempts = 5
	}
	return &Jobs{
		store:       st,
		bus:         b,
		recorder:    rec,
		dispatcher:  disp,
		validate:    v,
		clock:       clk,
		log:         log,
		maxAttempts: defaultMaxAttempts,
	}
}

// Submit validates the draft, persists the canonical job and routes it to
// dispatch or the schedule. Resubmission of an identical spec while the
// previous job is live returns the existing job (idempotent submission).
func (s *Jobs) Submit(ctx context.Context, principal *model.Principal, req *model.SubmitJobRequest) (*model.Job, bool, error) {
	params, err := req.Parameters.ForKind(req.Kind)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrInvalidParameters, err)
	}
	if err := s.validate.Struct(params); err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrInvalidParameters, err)
	}

	schedule := model.Schedule{Type: model.ScheduleOnce}
	if req.Schedule != nil {
		schedule = *req.Schedule
	}
	if err := s.validateSchedule(&schedule); err != nil {
		return nil, false, err
	}

	policy := model.DefaultRetryPolicy()
	policy.MaxAttempts = s.maxAttempts
	if req.RetryPolicy != nil {
		policy = *req.RetryPolicy
		if policy.MaxAttempts < 1 {
			policy.MaxAttempts = 1
		}
	}

	priority := req.Priority
	if priority == "" {
		priority = model.PriorityNormal
	}

	hash := model.ConfigHash(req.Kind, req.Parameters)

	// Idempotent submission: an identical live spec wins over a new job.
	if existingID, err := s.store.GetDedup(ctx, principal.TenantID, hash); err == nil {
		existing, err := s.store.GetJob(ctx, existingID)
		if err == nil && !existing.Status.Terminal() {
			return existing, false, nil
		}
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, false, err
	}
	now := s.clock.Now()
	job := &model.Job{
		ID:             id.String(),
		TenantID:       principal.TenantID,
		Kind:           req.Kind,
		Parameters:     req.Parameters,
		Schedule:       schedule,
		RetryPolicy:    policy,
		Priority:       priority,
		OrderingKey:    req.OrderingKey,
		TimeoutSeconds: req.TimeoutSeconds,
		ConfigHash:     hash,
		Status:         model.JobStatusPendingDispatch,
		CreatedAt:      now,
	}

	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, false, err
	}
	if err := s.store.SetDedup(ctx, principal.TenantID, hash, job.ID); err != nil {
		s.log.Warn("failed to record dedup entry", "job_id", job.ID, "error", err)
	}

	switch schedule.Type {
	case model.ScheduleOnce:
		if err := s.dispatcher.Fire(ctx, job); err != nil {
			// The recovery sweep will re-enqueue; submission still succeeds.
			s.log.Warn("enqueue failed, job left pending_dispatch", "job_id", job.ID, "error", err)
		}
	case model.ScheduleDelayed:
		at := now
		if schedule.NotBefore != nil {
			at = *schedule.NotBefore
		}
		if err := s.schedule(ctx, job, at); err != nil {
			return nil, false, err
		}
	case model.ScheduleCron:
		next, _ := NextCronFire(schedule.Cron, now)
		if err := s.schedule(ctx, job, next); err != nil {
			return nil, false, err
		}
	}

	return job, true, nil
}

func (s *Jobs) validateSchedule(schedule *model.Schedule) error {
	switch schedule.Type {
	case model.ScheduleOnce:
	case model.ScheduleDelayed:
		if schedule.NotBefore == nil {
			return fmt.Errorf("%w: delayed schedule requires notBefore", ErrInvalidParameters)
		}
	case model.ScheduleCron:
		if _, err := cron.ParseStandard(schedule.Cron); err != nil {
			return fmt.Errorf("%w: bad cron expression: %v", ErrInvalidParameters, err)
		}
	default:
		return fmt.Errorf("%w: unknown schedule type %q", ErrInvalidParameters, schedule.Type)
	}
	return nil
}

func (s *Jobs) schedule(ctx context.Context, job *model.Job, at time.Time) error {
	if err := s.store.SchedulePending(ctx, job.ID, at); err != nil {
		return err
	}
	job.Status = model.JobStatusScheduled
	job.NextFireAt = &at
	return s.store.UpdateJob(ctx, job)
}

// NextCronFire computes the next fire time strictly after the given moment.
func NextCronFire(spec string, after time.Time) (time.Time, error) {
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}

// Cancel marks the job cancelled, removes queued work from the bus and
// schedule, and signals in-flight executions to stop. In-flight work is
// recorded as cancelled by the worker once the signal lands.
func (s *Jobs) Cancel(ctx context.Context, principal *model.Principal, jobID string) error {
	job, err := s.getTenantJob(ctx, principal, jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return ErrAlreadyTerminal
	}

	for i := 0; i < casRetries; i++ {
		job.Status = model.JobStatusCancelled
		job.CancelRequested = true
		err = s.store.UpdateJob(ctx, job)
		if err != store.ErrConflict {
			break
		}
		fresh, gerr := s.store.GetJob(ctx, jobID)
		if gerr != nil {
			return gerr
		}
		if fresh.Status.Terminal() {
			return nil
		}
		*job = *fresh
	}
	if err != nil {
		return err
	}

	// Drop the pending schedule entry and any not-yet-dispatched firing.
	if rerr := s.store.RemovePending(ctx, job.ID); rerr != nil {
		s.log.Warn("failed to remove schedule entry", "job_id", job.ID, "error", rerr)
	}
	if job.CurrentTaskID != "" {
		// The firing may have been promoted across bands; sweep all three.
		for _, p := range model.ValidPriorities {
			if cerr := s.bus.CancelQueued(ctx, job.Kind, p, job.CurrentTaskID); cerr != nil {
				s.log.Warn("failed to remove queued firing", "job_id", job.ID, "error", cerr)
			}
		}
		if cerr := s.bus.CancelProcessing(ctx, job.CurrentTaskID); cerr != nil {
			s.log.Debug("no in-flight firing to cancel", "job_id", job.ID, "error", cerr)
		}
	}

	if cancelled, cerr := s.recorder.CancelPending(ctx, job.ID); cerr != nil {
		s.log.Warn("failed to cancel pending execution", "job_id", job.ID, "error", cerr)
	} else if cancelled {
		s.releaseOrdering(ctx, job)
	}

	if derr := s.store.ClearDedup(ctx, job.TenantID, job.ConfigHash); derr != nil {
		s.log.Warn("failed to clear dedup entry", "job_id", job.ID, "error", derr)
	}
	return nil
}

func (s *Jobs) releaseOrdering(ctx context.Context, job *model.Job) {
	if job.OrderingKey == "" || job.OrderingSeq == 0 {
		return
	}
	if err := s.store.ReleaseOrdering(ctx, job.TenantID, job.OrderingKey, job.OrderingSeq); err != nil {
		s.log.Warn("failed to release ordering slot", "job_id", job.ID, "error", err)
	}
}

// Redrive moves dead-lettered jobs back onto their queue. Operator-only.
func (s *Jobs) Redrive(ctx context.Context, kind model.JobKind, jobIDs []string) *model.RedriveResult {
	result := &model.RedriveResult{Errors: make(map[string]string)}
	for _, jobID := range jobIDs {
		if err := s.redriveOne(ctx, kind, jobID); err != nil {
			result.Errors[jobID] = err.Error()
			continue
		}
		result.Redriven = append(result.Redriven, jobID)
	}
	if len(result.Errors) == 0 {
		result.Errors = nil
	}
	return result
}

func (s *Jobs) redriveOne(ctx context.Context, kind model.JobKind, jobID string) error {
	entry, err := s.store.GetDeadLetter(ctx, jobID)
	if err == store.ErrNotFound {
		return ErrNotDeadLettered
	}
	if err != nil {
		return err
	}
	if entry.Kind != kind {
		return fmt.Errorf("job is dead-lettered under kind %q", entry.Kind)
	}

	job, err := s.store.GetJob(ctx, jobID)
	if err == store.ErrNotFound {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	if err := s.bus.RemoveDeadLetter(ctx, entry.Queue, entry.TaskID); err != nil {
		return err
	}
	if err := s.store.RemoveDeadLetter(ctx, jobID); err != nil {
		return err
	}
	return s.dispatcher.Fire(ctx, job)
}

// MarkJobOutcome records the job-level result of a firing. Cron jobs fall
// back to scheduled so the next firing proceeds.
func MarkJobOutcome(ctx context.Context, st store.Store, job *model.Job, status model.JobStatus, log *slog.Logger) {
	for i := 0; i < casRetries; i++ {
		fresh, err := st.GetJob(ctx, job.ID)
		if err != nil {
			log.Warn("failed to load job for status update", "job_id", job.ID, "error", err)
			return
		}
		if fresh.Status == model.JobStatusCancelled {
			return
		}
		next := status
		if fresh.Schedule.Type == model.ScheduleCron && status != model.JobStatusDeadLettered {
			next = model.JobStatusScheduled
		}
		fresh.Status = next
		err = st.UpdateJob(ctx, fresh)
		if err == nil {
			*job = *fresh
			return
		}
		if err != store.ErrConflict {
			log.Warn("failed to update job status", "job_id", job.ID, "error", err)
			return
		}
	}
}

func (s *Jobs) getTenantJob(ctx context.Context, principal *model.Principal, jobID string) (*model.Job, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err == store.ErrNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if job.TenantID != principal.TenantID {
		// Cross-tenant ids are indistinguishable from missing ones.
		return nil, ErrNotFound
	}
	return job, nil
}
