// Package worker pulls firings from the dispatch bus, runs the matching
// collaborator, streams output blobs to the object store and records every
// attempt through the execution recorder.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/datapipe/api/internal/blob"
	"github.com/datapipe/api/internal/bus"
	"github.com/datapipe/api/internal/client"
	"github.com/datapipe/api/internal/clock"
	"github.com/datapipe/api/internal/model"
	"github.com/datapipe/api/internal/service"
	"github.com/datapipe/api/internal/store"
)

// orderingPoll is how often a slot re-checks whether its ordering-key
// predecessors have terminated.
const orderingPoll = 200 * time.Millisecond

// Runner executes firings. One Runner serves every slot of a worker
// process; all per-attempt state lives in the store.
type Runner struct {
	store    store.Store
	recorder *service.Recorder
	blob     blob.Store
	scraper  client.Scraper
	ocr      client.OCREngine
	clock    clock.Clock
	log      *slog.Logger
	workerID string
}

func NewRunner(st store.Store, rec *service.Recorder, bs blob.Store, scraper client.Scraper, ocr client.OCREngine, clk clock.Clock, log *slog.Logger, workerID string) *Runner {
	if clk == nil {
		clk = clock.System()
	}
	return &Runner{
		store:    st,
		recorder: rec,
		blob:     bs,
		scraper:  scraper,
		ocr:      ocr,
		clock:    clk,
		log:      log,
		workerID: workerID,
	}
}

// ProcessScrape handles scrape:execute tasks.
func (r *Runner) ProcessScrape(ctx context.Context, t *asynq.Task) error {
	return r.process(ctx, t, model.KindScrape)
}

// ProcessOCR handles ocr:execute tasks.
func (r *Runner) ProcessOCR(ctx context.Context, t *asynq.Task) error {
	return r.process(ctx, t, model.KindOCR)
}

func (r *Runner) process(ctx context.Context, t *asynq.Task, kind model.JobKind) error {
	req, err := bus.DecodeRequest(t.Payload())
	if err != nil {
		// A payload that cannot decode will never run; archive it.
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	log := r.log.With("job_id", req.JobID, "fire_id", req.FireID, "kind", kind)

	job, err := r.store.GetJob(ctx, req.JobID)
	if err == store.ErrNotFound {
		log.Warn("firing references missing job, dropping")
		return nil
	}
	if err != nil {
		return err
	}

	if job.CancelRequested || job.Status == model.JobStatusCancelled {
		return r.dropCancelled(ctx, job, req, log)
	}

	if req.OrderingSeq > 0 {
		cancelled, err := r.waitForTurn(ctx, job, req)
		if err != nil {
			return err
		}
		if cancelled {
			return r.dropCancelled(ctx, job, req, log)
		}
	}

	exec, err := r.recorder.Begin(ctx, job, r.workerID)
	switch {
	case errors.Is(err, service.ErrExecutionCancelled):
		r.releaseOrdering(ctx, job, req)
		return nil
	case errors.Is(err, service.ErrExecutionDone):
		return nil
	case err != nil:
		return err
	}

	log = log.With("execution_id", exec.ID, "attempt", exec.Attempt)
	log.Info("execution started")

	result, runErr := r.invoke(ctx, job)

	// Cancellation or deadline may surface either through the collaborator
	// result or through the slot context.
	if ctx.Err() != nil {
		fresh, gerr := r.store.GetJob(ctx, job.ID)
		if gerr == nil && fresh.CancelRequested {
			if ferr := r.recorder.Finish(ctx, exec.ID, model.ExecStateCancelled, model.OutcomeCancelled,
				model.ErrorKindCancelled, "cancelled while running"); ferr != nil {
				log.Warn("failed to record cancellation", "error", ferr)
			}
			r.releaseOrdering(ctx, job, req)
			log.Info("execution cancelled")
			return nil
		}
		errKind := model.ErrorKindInternal
		detail := "worker shutting down"
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			errKind = model.ErrorKindTimeout
			detail = "execution deadline exceeded"
		}
		return r.retryableFailure(ctx, job, exec, req, errKind, detail, log)
	}

	if runErr != nil {
		return r.terminalFailure(ctx, job, exec, req, model.ErrorKindInternal, runErr.Error(), log)
	}

	switch result.Hint {
	case client.HintOK:
		if err := r.storeArtifacts(ctx, job, exec, result.Artifacts); err != nil {
			return r.retryableFailure(ctx, job, exec, req, model.ErrorKindStorage, err.Error(), log)
		}
		if err := r.recorder.Finish(ctx, exec.ID, model.ExecStateSucceeded, model.OutcomeSuccess, model.ErrorKindNone, ""); err != nil {
			return err
		}
		service.MarkJobOutcome(ctx, r.store, job, model.JobStatusSucceeded, r.log)
		r.releaseOrdering(ctx, job, req)
		log.Info("execution succeeded", "artifacts", len(result.Artifacts))
		return nil
	case client.HintTerminal:
		return r.terminalFailure(ctx, job, exec, req, classifyTerminal(result.ErrDetail), result.ErrDetail, log)
	default:
		return r.retryableFailure(ctx, job, exec, req, classifyRetryable(result.ErrDetail), result.ErrDetail, log)
	}
}

func (r *Runner) invoke(ctx context.Context, job *model.Job) (*client.Result, error) {
	switch job.Kind {
	case model.KindOCR:
		return r.ocr.Process(ctx, job.Parameters.OCR)
	default:
		return r.scraper.Run(ctx, job.Parameters.Scrape)
	}
}

// waitForTurn blocks the slot until every earlier sequence in the ordering
// key is terminal. Returns cancelled=true when the job was cancelled while
// waiting.
func (r *Runner) waitForTurn(ctx context.Context, job *model.Job, req *bus.ExecutionRequest) (bool, error) {
	ticker := time.NewTicker(orderingPoll)
	defer ticker.Stop()
	checks := 0
	for {
		released, err := r.store.OrderingReleased(ctx, job.TenantID, req.OrderingKey)
		if err != nil {
			return false, err
		}
		if released >= req.OrderingSeq-1 {
			return false, nil
		}
		checks++
		if checks%5 == 0 {
			fresh, err := r.store.GetJob(ctx, job.ID)
			if err == nil && (fresh.CancelRequested || fresh.Status == model.JobStatusCancelled) {
				return true, nil
			}
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (r *Runner) dropCancelled(ctx context.Context, job *model.Job, req *bus.ExecutionRequest, log *slog.Logger) error {
	if _, err := r.recorder.CancelPending(ctx, job.ID); err != nil {
		log.Warn("failed to cancel pending execution", "error", err)
	}
	r.releaseOrdering(ctx, job, req)
	log.Info("dropped firing of cancelled job")
	return nil
}

func (r *Runner) releaseOrdering(ctx context.Context, job *model.Job, req *bus.ExecutionRequest) {
	if req.OrderingSeq == 0 {
		return
	}
	if err := r.store.ReleaseOrdering(ctx, job.TenantID, req.OrderingKey, req.OrderingSeq); err != nil {
		r.log.Warn("failed to release ordering slot", "job_id", job.ID, "error", err)
	}
}

// retryableFailure records the attempt and decides between a retry and the
// dead-letter queue based on the remaining retry budget.
func (r *Runner) retryableFailure(ctx context.Context, job *model.Job, exec *model.Execution, req *bus.ExecutionRequest, errKind model.ErrorKind, detail string, log *slog.Logger) error {
	maxAttempts := req.RetryPolicy.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if exec.Attempt >= maxAttempts {
		// Retry budget exhausted: this delivery dead-letters.
		if err := r.recorder.Finish(ctx, exec.ID, model.ExecStateDeadLettered, model.OutcomeRetryableFailure, errKind, detail); err != nil {
			log.Warn("failed to record dead-letter", "error", err)
		}
		if err := r.store.PutDeadLetter(ctx, &model.DeadLetter{
			JobID:       job.ID,
			ExecutionID: exec.ID,
			TenantID:    job.TenantID,
			Kind:        job.Kind,
			TaskID:      req.FireID,
			Queue:       bus.QueueFor(job.Kind, req.Priority),
			LastError:   detail,
			Attempts:    exec.Attempt,
			CreatedAt:   r.clock.Now(),
		}); err != nil {
			log.Warn("failed to index dead-letter", "error", err)
		}
		service.MarkJobOutcome(ctx, r.store, job, model.JobStatusDeadLettered, r.log)
		r.releaseOrdering(ctx, job, req)
		log.Warn("execution dead-lettered", "error_kind", errKind, "detail", detail)
		return fmt.Errorf("dead-lettered after %d attempts: %s", exec.Attempt, detail)
	}

	if err := r.recorder.Finish(ctx, exec.ID, model.ExecStateAwaitingRetry, model.OutcomeRetryableFailure, errKind, detail); err != nil {
		log.Warn("failed to record retryable failure", "error", err)
	}
	// Pre-create the next attempt's queued row so cancellation between
	// redeliveries has something to land on.
	if _, err := r.recorder.Enqueue(ctx, job); err != nil {
		log.Warn("failed to enqueue retry attempt", "error", err)
	}
	log.Info("execution will retry", "error_kind", errKind, "detail", detail)
	return fmt.Errorf("retryable failure: %s", detail)
}

func (r *Runner) terminalFailure(ctx context.Context, job *model.Job, exec *model.Execution, req *bus.ExecutionRequest, errKind model.ErrorKind, detail string, log *slog.Logger) error {
	if err := r.recorder.Finish(ctx, exec.ID, model.ExecStateFailed, model.OutcomeTerminalFailure, errKind, detail); err != nil {
		log.Warn("failed to record terminal failure", "error", err)
	}
	service.MarkJobOutcome(ctx, r.store, job, model.JobStatusFailed, r.log)
	r.releaseOrdering(ctx, job, req)
	log.Warn("execution failed terminally", "error_kind", errKind, "detail", detail)
	// Terminal failures are acked: redelivery cannot change the outcome.
	return nil
}

// uploadChunkSize bounds memory per in-flight artifact body.
const uploadChunkSize = 1 << 20

// storeArtifacts streams each result blob to the object store and attaches
// the sealed artifact to the execution before it finishes, so artifacts
// are always visible by the time the caller observes success.
func (r *Runner) storeArtifacts(ctx context.Context, job *model.Job, exec *model.Execution, artifacts []client.ResultArtifact) error {
	now := r.clock.Now()
	for _, a := range artifacts {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		key := blob.ObjectKey(job.TenantID, job.Kind, now, id.String())
		up, err := r.blob.StartUpload(ctx, key, a.ContentType)
		if err != nil {
			return fmt.Errorf("failed to start upload: %w", err)
		}
		body := a.Body
		for len(body) > 0 {
			n := uploadChunkSize
			if n > len(body) {
				n = len(body)
			}
			if err := up.WriteChunk(ctx, body[:n]); err != nil {
				up.Abort(ctx)
				return fmt.Errorf("failed to write chunk: %w", err)
			}
			body = body[n:]
		}
		uri, sum, size, err := up.Finish(ctx)
		if err != nil {
			return fmt.Errorf("failed to seal object: %w", err)
		}
		artifact := &model.Artifact{
			ID:          id.String(),
			ExecutionID: exec.ID,
			JobID:       job.ID,
			TenantID:    job.TenantID,
			StorageURI:  uri,
			ContentType: a.ContentType,
			SizeBytes:   size,
			SHA256:      sum,
			Metadata:    a.Metadata,
			CreatedAt:   now,
		}
		if err := r.recorder.AttachArtifact(ctx, exec.ID, artifact); err != nil {
			return fmt.Errorf("failed to attach artifact: %w", err)
		}
	}
	return nil
}

func classifyRetryable(detail string) model.ErrorKind {
	lower := strings.ToLower(detail)
	switch {
	case strings.Contains(lower, "timeout") || strings.Contains(lower, "deadline"):
		return model.ErrorKindTimeout
	case strings.Contains(lower, "connection") || strings.Contains(lower, "dial") || strings.Contains(lower, "dns"):
		return model.ErrorKindNetwork
	default:
		return model.ErrorKindUpstream
	}
}

func classifyTerminal(detail string) model.ErrorKind {
	lower := strings.ToLower(detail)
	switch {
	case strings.Contains(lower, "credential") || strings.Contains(lower, "unauthorized") || strings.Contains(lower, "forbidden"):
		return model.ErrorKindUnauthorized
	default:
		return model.ErrorKindValidation
	}
}
