package bus

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/hibiken/asynq"

	"github.com/datapipe/api/internal/model"
)

// Handler processes one delivered task, matching the asynq handler shape.
type Handler func(ctx context.Context, t *asynq.Task) error

type inprocState int

const (
	stateQueued inprocState = iota
	stateActive
	stateDone
	stateArchived
	stateCancelled
)

type inprocTask struct {
	id       string
	taskType string
	queue    string
	payload  []byte
	maxRetry int
	retried  int
	timeout  time.Duration
	state    inprocState
	cancel   context.CancelFunc
}

// InProcBus delivers firings to handlers inside the process. It preserves
// the contract's semantics — at-least-once delivery, retry backoff,
// archive-on-exhaustion, cancellation — without a broker, for tests and
// single-node development.
type InProcBus struct {
	mu       sync.Mutex
	handlers map[string]Handler
	tasks    map[string]*inprocTask
	wg       sync.WaitGroup
	closed   chan struct{}

	// RetryDelayFn lets tests shorten backoff. Defaults to RetryDelay.
	RetryDelayFn func(n int, err error, t *asynq.Task) time.Duration
}

func NewInProc() *InProcBus {
	return &InProcBus{
		handlers:     make(map[string]Handler),
		tasks:        make(map[string]*inprocTask),
		closed:       make(chan struct{}),
		RetryDelayFn: RetryDelay,
	}
}

// Handle registers the handler for a task type. Must be called before
// Publish delivers anything of that type.
func (b *InProcBus) Handle(taskType string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[taskType] = h
}

func (b *InProcBus) Publish(ctx context.Context, req *ExecutionRequest, timeout, delay time.Duration) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}

	b.mu.Lock()
	if _, exists := b.tasks[req.FireID]; exists {
		b.mu.Unlock()
		return nil // idempotent publish
	}
	t := &inprocTask{
		id:       req.FireID,
		taskType: TaskTypeFor(req.Kind),
		queue:    QueueFor(req.Kind, req.Priority),
		payload:  payload,
		maxRetry: req.RetryPolicy.MaxAttempts - 1,
		timeout:  timeout,
		state:    stateQueued,
	}
	b.tasks[req.FireID] = t
	b.mu.Unlock()

	b.wg.Add(1)
	go b.deliver(t, delay)
	return nil
}

func (b *InProcBus) deliver(t *inprocTask, delay time.Duration) {
	defer b.wg.Done()
	if delay > 0 {
		select {
		case <-b.closed:
			return
		case <-time.After(delay):
		}
	}

	b.mu.Lock()
	if t.state != stateQueued {
		b.mu.Unlock()
		return
	}
	handler := b.handlers[t.taskType]
	timeout := t.timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.state = stateActive
	t.cancel = cancel
	b.mu.Unlock()

	if handler == nil {
		cancel()
		b.mu.Lock()
		t.state = stateArchived
		b.mu.Unlock()
		return
	}

	err := handler(ctx, asynq.NewTask(t.taskType, t.payload))
	cancel()

	b.mu.Lock()
	defer b.mu.Unlock()
	if t.state != stateActive {
		return
	}
	if err == nil {
		t.state = stateDone
		return
	}
	if t.retried >= t.maxRetry {
		t.state = stateArchived
		return
	}
	backoff := b.RetryDelayFn(t.retried, err, asynq.NewTask(t.taskType, t.payload))
	t.retried++
	t.cancel = nil
	t.state = stateQueued
	b.wg.Add(1)
	go b.deliver(t, backoff)
}

func (b *InProcBus) CancelQueued(ctx context.Context, kind model.JobKind, priority model.Priority, taskID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.tasks[taskID]; ok && t.state == stateQueued {
		t.state = stateCancelled
	}
	return nil
}

func (b *InProcBus) CancelProcessing(ctx context.Context, taskID string) error {
	b.mu.Lock()
	t, ok := b.tasks[taskID]
	var cancel context.CancelFunc
	if ok && t.state == stateActive {
		cancel = t.cancel
	}
	b.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

func (b *InProcBus) RemoveDeadLetter(ctx context.Context, queue, taskID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.tasks[taskID]; ok && t.state == stateArchived {
		delete(b.tasks, taskID)
	}
	return nil
}

func (b *InProcBus) PromoteAged(ctx context.Context, kind model.JobKind, maxAge time.Duration, now time.Time) (int, error) {
	return 0, nil
}

func (b *InProcBus) Depths(ctx context.Context) map[string]model.QueueStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]model.QueueStatus)
	for _, t := range b.tasks {
		qs := out[t.queue]
		switch t.state {
		case stateQueued:
			qs.Pending++
		case stateActive:
			qs.Active++
		case stateArchived:
			qs.Archived++
		}
		out[t.queue] = qs
	}
	return out
}

func (b *InProcBus) Close() error {
	close(b.closed)
	b.wg.Wait()
	return nil
}

// Drain waits for every in-flight delivery to settle (test helper).
func (b *InProcBus) Drain() {
	b.wg.Wait()
}
