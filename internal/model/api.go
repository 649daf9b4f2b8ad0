package model

import "time"

// SubmitJobRequest is the body of POST /v1/jobs.
type SubmitJobRequest struct {
	Kind        JobKind      `json:"kind" validate:"required,oneof=scrape ocr"`
	Parameters  Parameters   `json:"parameters" validate:"required"`
	Schedule    *Schedule    `json:"schedule,omitempty"`
	RetryPolicy *RetryPolicy `json:"retryPolicy,omitempty"`
	Priority    Priority     `json:"priority,omitempty" validate:"omitempty,oneof=low normal high"`
	OrderingKey string       `json:"orderingKey,omitempty" validate:"omitempty,max=256"`
	// TimeoutSeconds bounds a single execution; capped by the per-kind ceiling.
	TimeoutSeconds int `json:"timeoutSeconds,omitempty" validate:"min=0"`
}

// JobResponse is the representation returned by job endpoints.
type JobResponse struct {
	ID          string      `json:"id"`
	TenantID    string      `json:"tenantId"`
	Kind        JobKind     `json:"kind"`
	Parameters  Parameters  `json:"parameters"`
	Schedule    Schedule    `json:"schedule"`
	RetryPolicy RetryPolicy `json:"retryPolicy"`
	Priority    Priority    `json:"priority"`
	OrderingKey string      `json:"orderingKey,omitempty"`
	Status      JobStatus   `json:"status"`
	ConfigHash  string      `json:"configHash"`
	NextFireAt  *time.Time  `json:"nextFireAt,omitempty"`
	CreatedAt   time.Time   `json:"createdAt"`
}

// JobView maps a stored job to its API representation.
func JobView(j *Job) JobResponse {
	return JobResponse{
		ID:          j.ID,
		TenantID:    j.TenantID,
		Kind:        j.Kind,
		Parameters:  j.Parameters,
		Schedule:    j.Schedule,
		RetryPolicy: j.RetryPolicy,
		Priority:    j.Priority,
		OrderingKey: j.OrderingKey,
		Status:      j.Status,
		ConfigHash:  j.ConfigHash,
		NextFireAt:  j.NextFireAt,
		CreatedAt:   j.CreatedAt,
	}
}

// ListPage wraps a page of results with the cursor for the next one.
type ListPage[T any] struct {
	Items      []T    `json:"items"`
	NextCursor string `json:"nextCursor,omitempty"`
}

// JobFilter narrows ListJobs. Zero values mean no constraint.
type JobFilter struct {
	Kind   JobKind
	Status JobStatus
	Since  time.Time
	Until  time.Time
}

// RedriveRequest is the body of POST /v1/admin/dlq/redrive.
type RedriveRequest struct {
	Kind JobKind  `json:"kind" validate:"required,oneof=scrape ocr"`
	IDs  []string `json:"ids" validate:"required,min=1,dive,required"`
}

// RedriveResult reports per-job redrive outcomes.
type RedriveResult struct {
	Redriven []string          `json:"redriven"`
	Errors   map[string]string `json:"errors,omitempty"`
}

// QueueStatus is one queue's depth snapshot for /v1/status.
type QueueStatus struct {
	Pending   int `json:"pending"`
	Active    int `json:"active"`
	Scheduled int `json:"scheduled"`
	Retry     int `json:"retry"`
	Archived  int `json:"archived"`
}

// StatusResponse is the body of GET /v1/status.
type StatusResponse struct {
	Status        string                 `json:"status"`
	UptimeSeconds int64                  `json:"uptimeSeconds"`
	Redis         bool                   `json:"redis"`
	Blob          bool                   `json:"blob"`
	SchedulerLead bool                   `json:"schedulerLeader"`
	Queues        map[string]QueueStatus `json:"queues"`
}
