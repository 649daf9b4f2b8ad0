// Package scheduler converts delayed and recurring jobs into firings at the
// right wall-clock moments. Replicas coordinate through a renewable lease
// in the metadata store: one active leader, followers warm.
package scheduler

import (
	"context"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/datapipe/api/internal/blob"
	"github.com/datapipe/api/internal/bus"
	"github.com/datapipe/api/internal/clock"
	"github.com/datapipe/api/internal/config"
	"github.com/datapipe/api/internal/model"
	"github.com/datapipe/api/internal/service"
	"github.com/datapipe/api/internal/store"
)

const leaseName = "scheduler"

// tickBatch bounds how many due jobs one tick drains.
const tickBatch = 256

type Scheduler struct {
	store      store.Store
	dispatcher *service.Dispatcher
	bus        bus.Bus
	blob       blob.Store
	clock      clock.Clock
	log        *slog.Logger

	cfg       config.SchedulerConfig
	queueCfg  config.QueueConfig
	retention config.RetentionConfig

	instanceID string
	leading    atomic.Bool
}

func New(st store.Store, disp *service.Dispatcher, b bus.Bus, bs blob.Store, clk clock.Clock, log *slog.Logger,
	cfg config.SchedulerConfig, queueCfg config.QueueConfig, retention config.RetentionConfig, instanceID string) *Scheduler {
	if clk == nil {
		clk = clock.System()
	}
	return &Scheduler{
		store:      st,
		dispatcher: disp,
		bus:        b,
		blob:       bs,
		clock:      clk,
		log:        log,
		cfg:        cfg,
		queueCfg:   queueCfg,
		retention:  retention,
		instanceID: instanceID,
	}
}

// IsLeader reports whether this replica currently holds the lease.
func (s *Scheduler) IsLeader() bool { return s.leading.Load() }

// Run contends for the lease and, while leading, drives the tick and sweep
// loops. Blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ttl := time.Duration(s.cfg.LeaseTTLSeconds) * time.Second
	renewEvery := time.Duration(s.cfg.LeaseRenewSeconds) * time.Second

	for {
		ok, err := s.store.AcquireLease(ctx, leaseName, s.instanceID, ttl)
		if err != nil {
			s.log.Warn("lease acquire failed", "error", err)
		}
		if ok {
			s.log.Info("scheduler leadership acquired", "instance", s.instanceID)
			s.leading.Store(true)
			s.lead(ctx, ttl, renewEvery)
			s.leading.Store(false)
			s.log.Info("scheduler leadership lost", "instance", s.instanceID)
		}
		select {
		case <-ctx.Done():
			if s.leading.Load() {
				s.store.ReleaseLease(context.Background(), leaseName, s.instanceID)
			}
			return
		case <-time.After(renewEvery):
		}
	}
}

// lead runs the scheduling loops until the lease cannot be renewed. A
// leader that loses the lease quiesces within one renewal period.
func (s *Scheduler) lead(ctx context.Context, ttl, renewEvery time.Duration) {
	// Recovery first: pick up whatever the previous leader left behind.
	s.recoverySweep(ctx)

	tick := time.NewTicker(time.Duration(s.cfg.TickSeconds) * time.Second)
	renew := time.NewTicker(renewEvery)
	recovery := time.NewTicker(time.Duration(s.cfg.RecoverySweepSeconds) * time.Second)
	promote := time.NewTicker(30 * time.Second)
	retain := time.NewTicker(time.Duration(s.retention.SweepHours) * time.Hour)
	defer tick.Stop()
	defer renew.Stop()
	defer recovery.Stop()
	defer promote.Stop()
	defer retain.Stop()

	for {
		select {
		case <-ctx.Done():
			s.store.ReleaseLease(context.Background(), leaseName, s.instanceID)
			return
		case <-renew.C:
			ok, err := s.store.RenewLease(ctx, leaseName, s.instanceID, ttl)
			if err != nil || !ok {
				return
			}
		case <-tick.C:
			s.tick(ctx)
		case <-recovery.C:
			s.recoverySweep(ctx)
		case <-promote.C:
			s.promotionSweep(ctx)
		case <-retain.C:
			s.retentionSweep(ctx)
		}
	}
}

// tick drains due entries from the time-indexed pending set and fires them.
// Emission order at one tick is (priority desc, created_at asc, job_id asc).
func (s *Scheduler) tick(ctx context.Context) {
	now := s.clock.Now()
	ids, err := s.store.DueJobs(ctx, now, tickBatch)
	if err != nil {
		s.log.Warn("failed to list due jobs", "error", err)
		return
	}
	if len(ids) == 0 {
		return
	}

	var due []*model.Job
	for _, id := range ids {
		job, err := s.store.GetJob(ctx, id)
		if err != nil {
			s.log.Warn("due job missing, dropping schedule entry", "job_id", id, "error", err)
			s.store.RemovePending(ctx, id)
			continue
		}
		due = append(due, job)
	}

	sort.Slice(due, func(i, k int) bool {
		a, b := due[i], due[k]
		if a.Priority.Rank() != b.Priority.Rank() {
			return a.Priority.Rank() > b.Priority.Rank()
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})

	for _, job := range due {
		if err := s.store.RemovePending(ctx, job.ID); err != nil {
			s.log.Warn("failed to remove schedule entry", "job_id", job.ID, "error", err)
		}
		if job.Status == model.JobStatusCancelled || job.CancelRequested {
			continue
		}
		switch job.Schedule.Type {
		case model.ScheduleCron:
			s.fireCron(ctx, job, now)
		default:
			if err := s.dispatcher.Fire(ctx, job); err != nil {
				s.log.Warn("firing failed, job left for recovery", "job_id", job.ID, "error", err)
				s.markPendingDispatch(ctx, job)
			}
		}
	}
}

// fireCron emits the due firing, accounts for missed firings per the job's
// policy (catch-up or skip with a recorded gap) and schedules the next one.
func (s *Scheduler) fireCron(ctx context.Context, job *model.Job, now time.Time) {
	firings := 1
	if job.NextFireAt != nil {
		missed := 0
		cursor := *job.NextFireAt
		for {
			next, err := service.NextCronFire(job.Schedule.Cron, cursor)
			if err != nil {
				s.log.Warn("bad cron expression", "job_id", job.ID, "error", err)
				return
			}
			if next.After(now) {
				break
			}
			missed++
			cursor = next
			if missed > 1000 {
				break
			}
		}
		if missed > 0 {
			if job.Schedule.CatchUp {
				firings += missed
			} else {
				gap := &model.ScheduleGap{
					JobID:      job.ID,
					MissedFrom: *job.NextFireAt,
					MissedTo:   now,
					Firings:    missed,
					RecordedAt: now,
				}
				if err := s.store.AddScheduleGap(ctx, gap); err != nil {
					s.log.Warn("failed to record schedule gap", "job_id", job.ID, "error", err)
				}
				s.log.Info("skipped missed cron firings", "job_id", job.ID, "missed", missed)
			}
		}
	}

	for i := 0; i < firings; i++ {
		if err := s.dispatcher.Fire(ctx, job); err != nil {
			s.log.Warn("cron firing failed", "job_id", job.ID, "error", err)
			break
		}
	}

	next, err := service.NextCronFire(job.Schedule.Cron, now)
	if err != nil {
		return
	}
	if err := s.store.SchedulePending(ctx, job.ID, next); err != nil {
		s.log.Warn("failed to schedule next cron firing", "job_id", job.ID, "error", err)
		return
	}
	for i := 0; i < 3; i++ {
		fresh, gerr := s.store.GetJob(ctx, job.ID)
		if gerr != nil {
			return
		}
		fresh.NextFireAt = &next
		if uerr := s.store.UpdateJob(ctx, fresh); uerr != store.ErrConflict {
			return
		}
	}
}

func (s *Scheduler) markPendingDispatch(ctx context.Context, job *model.Job) {
	for i := 0; i < 3; i++ {
		fresh, err := s.store.GetJob(ctx, job.ID)
		if err != nil {
			return
		}
		if fresh.Status.Terminal() {
			return
		}
		fresh.Status = model.JobStatusPendingDispatch
		if err := s.store.UpdateJob(ctx, fresh); err != store.ErrConflict {
			return
		}
	}
}

// recoverySweep re-enqueues pending_dispatch jobs older than the threshold:
// intake persisted them but the enqueue never landed.
func (s *Scheduler) recoverySweep(ctx context.Context) {
	cutoff := s.clock.Now().Add(-time.Duration(s.cfg.PendingDispatchAgeSeconds) * time.Second)
	jobs, err := s.store.ListJobsByStatus(ctx, model.JobStatusPendingDispatch, cutoff, 100)
	if err != nil {
		s.log.Warn("recovery sweep failed", "error", err)
		return
	}
	for _, job := range jobs {
		if job.CancelRequested {
			continue
		}
		if err := s.dispatcher.Fire(ctx, job); err != nil {
			s.log.Warn("recovery enqueue failed", "job_id", job.ID, "error", err)
			continue
		}
		s.log.Info("recovered pending_dispatch job", "job_id", job.ID)
	}
}

// promotionSweep lifts aged low-band messages into the normal band so
// weighted polling cannot starve them.
func (s *Scheduler) promotionSweep(ctx context.Context) {
	maxAge := time.Duration(s.queueCfg.PromotionAgeSeconds) * time.Second
	for _, kind := range model.ValidKinds {
		moved, err := s.bus.PromoteAged(ctx, kind, maxAge, s.clock.Now())
		if err != nil {
			s.log.Warn("promotion sweep failed", "kind", kind, "error", err)
			continue
		}
		if moved > 0 {
			s.log.Info("promoted aged low-priority messages", "kind", kind, "count", moved)
		}
	}
}

// retentionSweep deletes expired artifacts first, then terminal executions
// that no longer own artifacts, so forward references never dangle.
func (s *Scheduler) retentionSweep(ctx context.Context) {
	now := s.clock.Now()

	artifactCutoff := now.AddDate(0, 0, -s.retention.ArtifactDays)
	artifacts, err := s.store.ListArtifactsBefore(ctx, artifactCutoff, 500)
	if err != nil {
		s.log.Warn("artifact retention sweep failed", "error", err)
	}
	for _, a := range artifacts {
		if err := s.blob.Delete(ctx, a.StorageURI); err != nil {
			s.log.Warn("failed to delete expired blob", "artifact_id", a.ID, "error", err)
			continue
		}
		if err := s.store.DeleteArtifact(ctx, a.ID); err != nil {
			s.log.Warn("failed to delete expired artifact", "artifact_id", a.ID, "error", err)
		}
	}

	execCutoff := now.AddDate(0, 0, -s.retention.ExecutionDays)
	execs, err := s.store.ListFinishedBefore(ctx, execCutoff, 500)
	if err != nil {
		s.log.Warn("execution retention sweep failed", "error", err)
		return
	}
	for _, e := range execs {
		remaining, err := s.store.ListArtifactsByExecution(ctx, e.ID)
		if err != nil || len(remaining) > 0 {
			continue
		}
		if err := s.store.DeleteExecution(ctx, e.ID); err != nil {
			s.log.Warn("failed to delete expired execution", "execution_id", e.ID, "error", err)
		}
	}
}
