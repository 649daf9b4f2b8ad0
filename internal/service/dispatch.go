package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/datapipe/api/internal/bus"
	"github.com/datapipe/api/internal/clock"
	"github.com/datapipe/api/internal/model"
	"github.com/datapipe/api/internal/store"
)

// Timeouts holds the per-kind execution ceilings. A job's effective
// deadline is min(explicit timeout, kind ceiling).
type Timeouts struct {
	Scrape time.Duration
	OCR    time.Duration
}

func (t Timeouts) For(kind model.JobKind, jobSeconds int) time.Duration {
	ceiling := t.Scrape
	if kind == model.KindOCR {
		ceiling = t.OCR
	}
	if ceiling <= 0 {
		ceiling = 5 * time.Minute
	}
	if jobSeconds > 0 {
		if d := time.Duration(jobSeconds) * time.Second; d < ceiling {
			return d
		}
	}
	return ceiling
}

// Dispatcher turns a job into a published firing: it allocates the queued
// attempt row, assigns the ordering sequence, and enqueues onto the bus.
// Used by intake (one-shot), the scheduler (delayed/cron, recovery) and
// DLQ redrive.
type Dispatcher struct {
	store    store.Store
	bus      bus.Bus
	recorder *Recorder
	clock    clock.Clock
	timeouts Timeouts
	log      *slog.Logger
}

func NewDispatcher(st store.Store, b bus.Bus, rec *Recorder, clk clock.Clock, timeouts Timeouts, log *slog.Logger) *Dispatcher {
	if clk == nil {
		clk = clock.System()
	}
	return &Dispatcher{store: st, bus: b, recorder: rec, clock: clk, timeouts: timeouts, log: log}
}

// Fire publishes one firing of the job. On publish failure the job stays in
// pending_dispatch and the recovery sweep retries; the queued attempt row
// is cancelled so attempts stay truthful.
func (d *Dispatcher) Fire(ctx context.Context, job *model.Job) error {
	fireUUID, err := uuid.NewV7()
	if err != nil {
		return err
	}
	fireID := fireUUID.String()

	var seq int64
	if job.OrderingKey != "" {
		seq, err = d.store.NextOrderingSeq(ctx, job.TenantID, job.OrderingKey)
		if err != nil {
			return fmt.Errorf("failed to assign ordering sequence: %w", err)
		}
	}

	exec, err := d.recorder.Enqueue(ctx, job)
	if err != nil {
		return err
	}

	req := &bus.ExecutionRequest{
		JobID:       job.ID,
		FireID:      fireID,
		ExecutionID: exec.ID,
		Kind:        job.Kind,
		Priority:    job.Priority,
		OrderingKey: job.OrderingKey,
		OrderingSeq: seq,
		RetryPolicy: job.RetryPolicy,
		EnqueuedAt:  d.clock.Now(),
	}

	timeout := d.timeouts.For(job.Kind, job.TimeoutSeconds)
	if err := d.bus.Publish(ctx, req, timeout, 0); err != nil {
		// Leave the job for the recovery sweep, but close the orphan row.
		if _, cerr := d.recorder.CancelPending(ctx, job.ID); cerr != nil {
			d.log.Warn("failed to cancel orphaned attempt", "job_id", job.ID, "error", cerr)
		}
		if seq > 0 {
			if rerr := d.store.ReleaseOrdering(ctx, job.TenantID, job.OrderingKey, seq); rerr != nil {
				d.log.Warn("failed to release ordering slot", "job_id", job.ID, "error", rerr)
			}
		}
		return err
	}

	wasTerminal := job.Status.Terminal()
	for i := 0; i < casRetries; i++ {
		// A fast worker may already have finished the firing; never clobber
		// a freshly-terminal status with active. A redrive of a
		// dead-lettered job starts terminal and may proceed.
		if job.Status.Terminal() && !wasTerminal {
			return nil
		}
		job.Status = model.JobStatusActive
		job.CurrentTaskID = fireID
		job.OrderingSeq = seq
		err = d.store.UpdateJob(ctx, job)
		if err != store.ErrConflict {
			break
		}
		fresh, gerr := d.store.GetJob(ctx, job.ID)
		if gerr != nil {
			return gerr
		}
		*job = *fresh
	}
	return err
}
