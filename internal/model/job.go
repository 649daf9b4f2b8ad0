package model

import "time"

// Schedule describes when a job fires.
type Schedule struct {
	Type ScheduleType `json:"type" validate:"required,oneof=once delayed cron"`
	// Cron expression, required when Type is cron (standard 5-field syntax).
	Cron string `json:"cron,omitempty" validate:"required_if=Type cron"`
	// NotBefore holds the earliest fire time for delayed jobs.
	NotBefore *time.Time `json:"notBefore,omitempty"`
	// CatchUp re-emits firings missed during scheduler downtime instead of
	// skipping to the next future one.
	CatchUp bool `json:"catchUp,omitempty"`
}

// RetryPolicy controls redelivery backoff for retryable failures.
type RetryPolicy struct {
	MaxAttempts           int     `json:"maxAttempts" validate:"min=1,max=20"`
	InitialBackoffSeconds int     `json:"initialBackoffSeconds" validate:"min=0"`
	Multiplier            float64 `json:"multiplier" validate:"min=0"`
	MaxBackoffSeconds     int     `json:"maxBackoffSeconds" validate:"min=0"`
}

// DefaultRetryPolicy matches the bus default of five delivery attempts.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:           5,
		InitialBackoffSeconds: 5,
		Multiplier:            2,
		MaxBackoffSeconds:     300,
	}
}

// Backoff returns the requeue delay after the given attempt (1-indexed)
// fails, without jitter. The bus applies +-20% jitter on top.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.InitialBackoffSeconds)
	for i := 1; i < attempt; i++ {
		d *= p.Multiplier
		if d >= float64(p.MaxBackoffSeconds) {
			d = float64(p.MaxBackoffSeconds)
			break
		}
	}
	if max := float64(p.MaxBackoffSeconds); d > max {
		d = max
	}
	return time.Duration(d * float64(time.Second))
}

// Job is the canonical record for a submitted JobSpec. The submitted
// portion (kind, parameters, schedule, retry policy, priority, ordering
// key) is immutable after Submit; only the lifecycle fields mutate.
type Job struct {
	ID             string      `json:"id"`
	TenantID       string      `json:"tenantId"`
	Kind           JobKind     `json:"kind"`
	Parameters     Parameters  `json:"parameters"`
	Schedule       Schedule    `json:"schedule"`
	RetryPolicy    RetryPolicy `json:"retryPolicy"`
	Priority       Priority    `json:"priority"`
	OrderingKey    string      `json:"orderingKey,omitempty"`
	TimeoutSeconds int         `json:"timeoutSeconds,omitempty"`
	ConfigHash     string      `json:"configHash"`

	Status JobStatus `json:"status"`
	// CancelRequested flags in-flight executions so the recorder finishes
	// them as cancelled and suppresses retries.
	CancelRequested bool `json:"cancelRequested,omitempty"`
	// CurrentTaskID is the bus task id of the most recent firing, used to
	// remove or cancel queued work.
	CurrentTaskID string `json:"currentTaskId,omitempty"`
	// OrderingSeq is the publish-order sequence assigned within OrderingKey.
	OrderingSeq int64      `json:"orderingSeq,omitempty"`
	NextFireAt  *time.Time `json:"nextFireAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`

	Version int64 `json:"-"`
}

// Execution is one attempted run of a Job.
type Execution struct {
	ID           string         `json:"id"`
	JobID        string         `json:"jobId"`
	TenantID     string         `json:"tenantId"`
	Attempt      int            `json:"attemptNumber"`
	State        ExecutionState `json:"state"`
	DispatchedAt time.Time      `json:"dispatchedAt"`
	StartedAt    *time.Time     `json:"startedAt,omitempty"`
	FinishedAt   *time.Time     `json:"finishedAt,omitempty"`
	WorkerID     string         `json:"workerId,omitempty"`
	Outcome      Outcome        `json:"outcome,omitempty"`
	ErrorKind    ErrorKind      `json:"errorKind,omitempty"`
	ErrorDetail  string         `json:"errorDetail,omitempty"`
	ArtifactIDs  []string       `json:"producedArtifacts,omitempty"`

	Version int64 `json:"-"`
}

// Artifact is a blob emitted by an Execution, sealed once the owning
// execution terminates.
type Artifact struct {
	ID          string            `json:"id"`
	ExecutionID string            `json:"executionId"`
	JobID       string            `json:"jobId"`
	TenantID    string            `json:"tenantId"`
	StorageURI  string            `json:"storageUri"`
	ContentType string            `json:"contentType"`
	SizeBytes   int64             `json:"sizeBytes"`
	SHA256      string            `json:"sha256"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
}

// DeadLetter is the dlq_index record for a message that exhausted its
// retry budget. Operator redrive removes it.
type DeadLetter struct {
	JobID       string    `json:"jobId"`
	ExecutionID string    `json:"executionId"`
	TenantID    string    `json:"tenantId"`
	Kind        JobKind   `json:"kind"`
	TaskID      string    `json:"taskId"`
	Queue       string    `json:"queue"`
	LastError   string    `json:"lastError,omitempty"`
	Attempts    int       `json:"attempts"`
	CreatedAt   time.Time `json:"createdAt"`
}

// ScheduleGap records cron firings skipped after scheduler downtime.
type ScheduleGap struct {
	JobID      string    `json:"jobId"`
	MissedFrom time.Time `json:"missedFrom"`
	MissedTo   time.Time `json:"missedTo"`
	Firings    int       `json:"firings"`
	RecordedAt time.Time `json:"recordedAt"`
}

// Principal identifies an authorized caller.
type Principal struct {
	KeyID    string `json:"keyId"`
	TenantID string `json:"tenantId"`
	Role     Role   `json:"role"`
}
