// Package bus is the dispatch layer: typed durable queues on asynq, one
// queue per (kind, priority band), weighted 8:4:1. Delivery is
// at-least-once; a handler return acks, an error return nacks with the
// job's retry backoff; exhausted messages land in the archived set, which
// serves as the dead-letter queue.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/hibiken/asynq"

	"github.com/datapipe/api/internal/model"
)

// Task types, one per job kind.
const (
	TaskTypeScrape = "scrape:execute"
	TaskTypeOCR    = "ocr:execute"
)

// ErrQueueFull is returned to publishers while a queue is above its
// high-water mark.
var ErrQueueFull = errors.New("bus: queue full")

// TaskTypeFor maps a job kind to its task type.
func TaskTypeFor(kind model.JobKind) string {
	if kind == model.KindOCR {
		return TaskTypeOCR
	}
	return TaskTypeScrape
}

// QueueFor names the queue for a (kind, band) pair.
func QueueFor(kind model.JobKind, p model.Priority) string {
	return fmt.Sprintf("%s:%s", kind, p)
}

// Queues returns the full queue->weight map for the worker server.
func Queues() map[string]int {
	qs := make(map[string]int)
	for _, kind := range model.ValidKinds {
		for _, p := range model.ValidPriorities {
			qs[QueueFor(kind, p)] = p.Weight()
		}
	}
	return qs
}

// ExecutionRequest is the wire payload of a firing.
type ExecutionRequest struct {
	JobID       string            `json:"jobId"`
	FireID      string            `json:"fireId"`
	ExecutionID string            `json:"executionId"`
	Kind        model.JobKind     `json:"kind"`
	Priority    model.Priority    `json:"priority"`
	OrderingKey string            `json:"orderingKey,omitempty"`
	OrderingSeq int64             `json:"orderingSeq,omitempty"`
	RetryPolicy model.RetryPolicy `json:"retryPolicy"`
	EnqueuedAt  time.Time         `json:"enqueuedAt"`
}

// DecodeRequest parses a task payload.
func DecodeRequest(payload []byte) (*ExecutionRequest, error) {
	var req ExecutionRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("failed to decode execution request: %w", err)
	}
	return &req, nil
}

// Options tunes the bus. Publishes fail above HighWater and resume at or
// below LowWater.
type Options struct {
	HighWater int
	LowWater  int
	Retention time.Duration
}

// Bus is the dispatch contract consumed by intake, scheduler and admin
// operations. AsynqBus is the production implementation; an in-process
// implementation backs tests and single-node development.
type Bus interface {
	Publish(ctx context.Context, req *ExecutionRequest, timeout, delay time.Duration) error
	CancelQueued(ctx context.Context, kind model.JobKind, priority model.Priority, taskID string) error
	CancelProcessing(ctx context.Context, taskID string) error
	RemoveDeadLetter(ctx context.Context, queue, taskID string) error
	PromoteAged(ctx context.Context, kind model.JobKind, maxAge time.Duration, now time.Time) (int, error)
	Depths(ctx context.Context) map[string]model.QueueStatus
	Close() error
}

// AsynqBus publishes firings and administers queues through the asynq
// inspector.
type AsynqBus struct {
	client    *asynq.Client
	inspector *asynq.Inspector
	opts      Options

	mu        sync.Mutex
	saturated map[string]bool
}

func New(redisOpt asynq.RedisClientOpt, opts Options) *AsynqBus {
	if opts.Retention == 0 {
		opts.Retention = 24 * time.Hour
	}
	if opts.LowWater <= 0 || opts.LowWater > opts.HighWater {
		opts.LowWater = opts.HighWater * 8 / 10
	}
	return &AsynqBus{
		client:    asynq.NewClient(redisOpt),
		inspector: asynq.NewInspector(redisOpt),
		opts:      opts,
		saturated: make(map[string]bool),
	}
}

func (b *AsynqBus) Close() error {
	return b.client.Close()
}

// Publish enqueues one firing. Publishers get ErrQueueFull once the target
// queue's outstanding messages exceed the high-water mark; delay defers
// processing (delayed schedules, redrive cool-off).
func (b *AsynqBus) Publish(ctx context.Context, req *ExecutionRequest, timeout, delay time.Duration) error {
	queue := QueueFor(req.Kind, req.Priority)
	if err := b.checkWater(ctx, queue); err != nil {
		return err
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to encode execution request: %w", err)
	}

	opts := []asynq.Option{
		asynq.Queue(queue),
		asynq.TaskID(req.FireID),
		// MaxRetry counts redeliveries after the first attempt.
		asynq.MaxRetry(req.RetryPolicy.MaxAttempts - 1),
		asynq.Timeout(timeout),
		asynq.Retention(b.opts.Retention),
	}
	if delay > 0 {
		opts = append(opts, asynq.ProcessIn(delay))
	}

	task := asynq.NewTask(TaskTypeFor(req.Kind), payload)
	if _, err := b.client.EnqueueContext(ctx, task, opts...); err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			// Same firing already enqueued; publish is idempotent.
			return nil
		}
		return fmt.Errorf("failed to enqueue task: %w", err)
	}
	return nil
}

// checkWater applies backpressure with hysteresis: publishes fail once
// outstanding (pending + active + scheduled + retry) crosses the
// high-water mark and resume only at or below the low-water mark.
func (b *AsynqBus) checkWater(ctx context.Context, queue string) error {
	info, err := b.inspector.GetQueueInfo(queue)
	if err != nil {
		// A queue that has never seen a task does not exist yet.
		return nil
	}
	outstanding := info.Pending + info.Active + info.Scheduled + info.Retry

	b.mu.Lock()
	defer b.mu.Unlock()
	switch {
	case outstanding > b.opts.HighWater:
		b.saturated[queue] = true
	case outstanding <= b.opts.LowWater:
		b.saturated[queue] = false
	}
	if b.saturated[queue] {
		return ErrQueueFull
	}
	return nil
}

// CancelQueued removes a not-yet-running firing from its queue. Missing
// tasks are fine: the firing may already be active or done.
func (b *AsynqBus) CancelQueued(ctx context.Context, kind model.JobKind, priority model.Priority, taskID string) error {
	err := b.inspector.DeleteTask(QueueFor(kind, priority), taskID)
	if err != nil && !errors.Is(err, asynq.ErrTaskNotFound) && !errors.Is(err, asynq.ErrQueueNotFound) {
		return err
	}
	return nil
}

// CancelProcessing asks the worker running the firing to stop; delivery is
// best-effort and the worker's context is cancelled.
func (b *AsynqBus) CancelProcessing(ctx context.Context, taskID string) error {
	return b.inspector.CancelProcessing(taskID)
}

// RemoveDeadLetter deletes an archived firing so a redrive can publish a
// fresh one under a new fire id.
func (b *AsynqBus) RemoveDeadLetter(ctx context.Context, queue, taskID string) error {
	err := b.inspector.DeleteTask(queue, taskID)
	if err != nil && !errors.Is(err, asynq.ErrTaskNotFound) && !errors.Is(err, asynq.ErrQueueNotFound) {
		return err
	}
	return nil
}

// PromoteAged moves low-band messages older than maxAge into the normal
// band so weighted polling cannot starve them. Returns how many moved.
func (b *AsynqBus) PromoteAged(ctx context.Context, kind model.JobKind, maxAge time.Duration, now time.Time) (int, error) {
	low := QueueFor(kind, model.PriorityLow)
	tasks, err := b.inspector.ListPendingTasks(low, asynq.PageSize(200))
	if err != nil {
		if errors.Is(err, asynq.ErrQueueNotFound) {
			return 0, nil
		}
		return 0, err
	}
	moved := 0
	for _, t := range tasks {
		req, err := DecodeRequest(t.Payload)
		if err != nil || now.Sub(req.EnqueuedAt) < maxAge {
			continue
		}
		if err := b.inspector.DeleteTask(low, t.ID); err != nil {
			continue
		}
		req.Priority = model.PriorityNormal
		payload, _ := json.Marshal(req)
		_, err = b.client.EnqueueContext(ctx, asynq.NewTask(t.Type, payload),
			asynq.Queue(QueueFor(kind, model.PriorityNormal)),
			asynq.TaskID(t.ID),
			asynq.MaxRetry(t.MaxRetry),
			asynq.Retention(b.opts.Retention),
		)
		if err == nil {
			moved++
		}
	}
	return moved, nil
}

// Depths snapshots every queue for /v1/status.
func (b *AsynqBus) Depths(ctx context.Context) map[string]model.QueueStatus {
	out := make(map[string]model.QueueStatus)
	for queue := range Queues() {
		info, err := b.inspector.GetQueueInfo(queue)
		if err != nil {
			continue
		}
		out[queue] = model.QueueStatus{
			Pending:   info.Pending,
			Active:    info.Active,
			Scheduled: info.Scheduled,
			Retry:     info.Retry,
			Archived:  info.Archived,
		}
	}
	return out
}

// RetryDelay computes the nack requeue delay from the job's retry policy:
// min(initial * multiplier^(n-1), max), jittered +-20%. n is the retry
// count so far, so the first redelivery uses the initial backoff.
func RetryDelay(n int, err error, task *asynq.Task) time.Duration {
	policy := model.DefaultRetryPolicy()
	if req, derr := DecodeRequest(task.Payload()); derr == nil {
		policy = req.RetryPolicy
	}
	base := policy.Backoff(n + 1)
	return Jitter(base, 0.2)
}

// Jitter spreads d by +-fraction.
func Jitter(d time.Duration, fraction float64) time.Duration {
	if d <= 0 {
		return 0
	}
	delta := (rand.Float64()*2 - 1) * fraction * float64(d)
	return time.Duration(float64(d) + delta)
}
