package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/datapipe/api/internal/clock"
	"github.com/datapipe/api/internal/model"
	"github.com/datapipe/api/internal/store"
)

var (
	// ErrConflictingFinish means Finish was called twice with different
	// outcomes for the same execution.
	ErrConflictingFinish = errors.New("recorder: conflicting finish")
	// ErrAttachAfterFinish means an artifact arrived for a finished execution.
	ErrAttachAfterFinish = errors.New("recorder: attach after finish")
	// ErrExecutionCancelled tells the worker to ack without running.
	ErrExecutionCancelled = errors.New("recorder: execution cancelled")
	// ErrExecutionDone tells the worker the firing already completed.
	ErrExecutionDone = errors.New("recorder: execution already terminal")
	// ErrRunningElsewhere rejects a second concurrent running transition
	// (won-by-first).
	ErrRunningElsewhere = errors.New("recorder: execution running elsewhere")
)

// casRetries bounds optimistic-lock retry loops.
const casRetries = 3

// Recorder is the single write path for executions and artifacts. Every
// state transition happens under the row's optimistic lock and follows the
// execution state graph.
type Recorder struct {
	store store.Store
	clock clock.Clock
	log   *slog.Logger
	// staleRunning is how old a running row must be before a redelivery is
	// treated as a crashed predecessor rather than a concurrent worker.
	staleRunning time.Duration
}

func NewRecorder(st store.Store, clk clock.Clock, log *slog.Logger) *Recorder {
	if clk == nil {
		clk = clock.System()
	}
	return &Recorder{store: st, clock: clk, log: log, staleRunning: 2 * time.Minute}
}

// Enqueue allocates the next attempt row in state queued and marks it the
// job's current execution. Called at publish time and when scheduling a
// retry, so a not-yet-running attempt always has a row cancellation can
// reach.
func (r *Recorder) Enqueue(ctx context.Context, job *model.Job) (*model.Execution, error) {
	attempt, err := r.store.NextAttempt(ctx, job.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate attempt: %w", err)
	}
	id, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}
	exec := &model.Execution{
		ID:           id.String(),
		JobID:        job.ID,
		TenantID:     job.TenantID,
		Attempt:      attempt,
		State:        model.ExecStateQueued,
		DispatchedAt: r.clock.Now(),
	}
	if err := r.store.CreateExecution(ctx, exec); err != nil {
		return nil, err
	}
	if err := r.store.SetCurrentExecution(ctx, job.ID, exec.ID); err != nil {
		return nil, err
	}
	return exec, nil
}

// Begin moves the job's current attempt into running and stamps the
// worker. A redelivery that finds a stale running row finishes it as
// lease_expired and starts a fresh attempt; a young running row means
// another worker holds the firing.
func (r *Recorder) Begin(ctx context.Context, job *model.Job, workerID string) (*model.Execution, error) {
	curID, err := r.store.CurrentExecution(ctx, job.ID)
	if err == store.ErrNotFound {
		return r.beginFresh(ctx, job, workerID)
	}
	if err != nil {
		return nil, err
	}

	for i := 0; i < casRetries; i++ {
		exec, err := r.store.GetExecution(ctx, curID)
		if err != nil {
			return nil, err
		}
		switch exec.State {
		case model.ExecStateQueued:
			now := r.clock.Now()
			exec.State = model.ExecStateRunning
			exec.StartedAt = &now
			exec.WorkerID = workerID
			if err := r.store.UpdateExecution(ctx, exec); err != nil {
				if err == store.ErrConflict {
					continue
				}
				return nil, err
			}
			return exec, nil
		case model.ExecStateRunning:
			if exec.StartedAt != nil && r.clock.Since(*exec.StartedAt) < r.staleRunning {
				return nil, ErrRunningElsewhere
			}
			// Predecessor crashed: its bus lease expired and the message
			// came back. Close the orphaned row and start a new attempt.
			if err := r.finishRow(ctx, exec, model.ExecStateAwaitingRetry, model.OutcomeRetryableFailure,
				model.ErrorKindLeaseExpired, "worker lease expired"); err != nil && err != ErrConflictingFinish {
				return nil, err
			}
			return r.beginFresh(ctx, job, workerID)
		case model.ExecStateCancelled:
			return nil, ErrExecutionCancelled
		case model.ExecStateSucceeded, model.ExecStateFailed, model.ExecStateDeadLettered:
			return nil, ErrExecutionDone
		case model.ExecStateAwaitingRetry:
			// The retry row should have been enqueued already; create it
			// now if the previous worker died in between.
			return r.beginFresh(ctx, job, workerID)
		}
	}
	return nil, store.ErrConflict
}

func (r *Recorder) beginFresh(ctx context.Context, job *model.Job, workerID string) (*model.Execution, error) {
	exec, err := r.Enqueue(ctx, job)
	if err != nil {
		return nil, err
	}
	now := r.clock.Now()
	exec.State = model.ExecStateRunning
	exec.StartedAt = &now
	exec.WorkerID = workerID
	if err := r.store.UpdateExecution(ctx, exec); err != nil {
		return nil, err
	}
	return exec, nil
}

// Finish transitions the execution to a terminal row state. Idempotent: a
// second call with the same outcome is a no-op; a different outcome fails
// with ErrConflictingFinish.
func (r *Recorder) Finish(ctx context.Context, execID string, state model.ExecutionState, outcome model.Outcome, errKind model.ErrorKind, errDetail string) error {
	for i := 0; i < casRetries; i++ {
		exec, err := r.store.GetExecution(ctx, execID)
		if err != nil {
			return err
		}
		err = r.finishRow(ctx, exec, state, outcome, errKind, errDetail)
		if err == store.ErrConflict {
			continue
		}
		return err
	}
	return store.ErrConflict
}

func (r *Recorder) finishRow(ctx context.Context, exec *model.Execution, state model.ExecutionState, outcome model.Outcome, errKind model.ErrorKind, errDetail string) error {
	if exec.State.Terminal() {
		if exec.State == state && exec.Outcome == outcome {
			return nil
		}
		return ErrConflictingFinish
	}
	if !model.CanTransition(exec.State, state) {
		return fmt.Errorf("recorder: illegal transition %s -> %s", exec.State, state)
	}
	now := r.clock.Now()
	exec.State = state
	exec.Outcome = outcome
	exec.ErrorKind = errKind
	exec.ErrorDetail = errDetail
	exec.FinishedAt = &now
	return r.store.UpdateExecution(ctx, exec)
}

// CancelPending cancels the job's current attempt if it has not started
// running. Returns true when a row was cancelled.
func (r *Recorder) CancelPending(ctx context.Context, jobID string) (bool, error) {
	curID, err := r.store.CurrentExecution(ctx, jobID)
	if err == store.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	for i := 0; i < casRetries; i++ {
		exec, err := r.store.GetExecution(ctx, curID)
		if err != nil {
			return false, err
		}
		if exec.State != model.ExecStateQueued {
			return false, nil
		}
		err = r.finishRow(ctx, exec, model.ExecStateCancelled, model.OutcomeCancelled, model.ErrorKindCancelled, "cancelled before dispatch")
		if err == store.ErrConflict {
			continue
		}
		return err == nil, err
	}
	return false, store.ErrConflict
}

// AttachArtifact persists an artifact and appends it to the owning
// execution, under the same row lock. Forbidden once the execution
// finished: artifacts seal with their execution.
func (r *Recorder) AttachArtifact(ctx context.Context, execID string, artifact *model.Artifact) error {
	for i := 0; i < casRetries; i++ {
		exec, err := r.store.GetExecution(ctx, execID)
		if err != nil {
			return err
		}
		if exec.FinishedAt != nil {
			return ErrAttachAfterFinish
		}
		if artifact.CreatedAt.IsZero() {
			artifact.CreatedAt = r.clock.Now()
		}
		if err := r.store.CreateArtifact(ctx, artifact); err != nil && err != store.ErrConflict {
			return err
		}
		exec.ArtifactIDs = append(exec.ArtifactIDs, artifact.ID)
		err = r.store.UpdateExecution(ctx, exec)
		if err == store.ErrConflict {
			continue
		}
		return err
	}
	return store.ErrConflict
}
