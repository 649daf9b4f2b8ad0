// Package store is the metadata layer: jobs, executions, artifacts and the
// small shared-state records (leases, rate buckets, ordering counters) that
// coordinate horizontally-scaled instances. All mutation of versioned
// documents goes through compare-and-swap; no in-memory locks cross
// component boundaries.
package store

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/datapipe/api/internal/model"
)

var (
	// ErrNotFound means the document does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrConflict means a CAS write lost to a concurrent writer, or a
	// create hit an existing document. Callers re-read and retry.
	ErrConflict = errors.New("store: version conflict")
)

// Store is the metadata contract consumed by intake, recorder, scheduler,
// worker and query components.
type Store interface {
	// Jobs
	CreateJob(ctx context.Context, job *model.Job) error
	GetJob(ctx context.Context, id string) (*model.Job, error)
	// UpdateJob CAS-writes the job using job.Version and bumps it on success.
	UpdateJob(ctx context.Context, job *model.Job) error
	ListJobs(ctx context.Context, tenantID string, filter model.JobFilter, cursor string, limit int) ([]*model.Job, string, error)
	// ListJobsByStatus returns jobs in the given status created before the
	// cutoff, oldest first. Used by the recovery sweep.
	ListJobsByStatus(ctx context.Context, status model.JobStatus, before time.Time, limit int) ([]*model.Job, error)

	// Submission dedup (tenant + config hash)
	GetDedup(ctx context.Context, tenantID, configHash string) (string, error)
	SetDedup(ctx context.Context, tenantID, configHash, jobID string) error
	ClearDedup(ctx context.Context, tenantID, configHash string) error

	// Executions
	CreateExecution(ctx context.Context, exec *model.Execution) error
	GetExecution(ctx context.Context, id string) (*model.Execution, error)
	UpdateExecution(ctx context.Context, exec *model.Execution) error
	DeleteExecution(ctx context.Context, id string) error
	ListExecutions(ctx context.Context, jobID string, cursor string, limit int) ([]*model.Execution, string, error)
	ListFinishedBefore(ctx context.Context, cutoff time.Time, limit int) ([]*model.Execution, error)
	// NextAttempt atomically allocates the next 1-indexed attempt number
	// for the job, so persisted attempts form a contiguous prefix.
	NextAttempt(ctx context.Context, jobID string) (int, error)
	CurrentExecution(ctx context.Context, jobID string) (string, error)
	SetCurrentExecution(ctx context.Context, jobID, execID string) error

	// Artifacts
	CreateArtifact(ctx context.Context, a *model.Artifact) error
	GetArtifact(ctx context.Context, id string) (*model.Artifact, error)
	DeleteArtifact(ctx context.Context, id string) error
	ListArtifactsByExecution(ctx context.Context, execID string) ([]*model.Artifact, error)
	ListArtifactsBefore(ctx context.Context, cutoff time.Time, limit int) ([]*model.Artifact, error)

	// Ordering-key sequencing: publish order assigned at enqueue, release
	// advanced when a sequence reaches a terminal job outcome.
	NextOrderingSeq(ctx context.Context, tenantID, key string) (int64, error)
	OrderingReleased(ctx context.Context, tenantID, key string) (int64, error)
	ReleaseOrdering(ctx context.Context, tenantID, key string, seq int64) error

	// Leader lease
	AcquireLease(ctx context.Context, name, owner string, ttl time.Duration) (bool, error)
	RenewLease(ctx context.Context, name, owner string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, name, owner string) error

	// Token bucket. Returns whether a token was taken and, if not, how long
	// the caller should wait before retrying.
	TakeToken(ctx context.Context, key string, capacity int, refillPerSec float64) (bool, int, error)

	// Dead-letter index
	PutDeadLetter(ctx context.Context, d *model.DeadLetter) error
	GetDeadLetter(ctx context.Context, jobID string) (*model.DeadLetter, error)
	ListDeadLetters(ctx context.Context, kind model.JobKind, limit int) ([]*model.DeadLetter, error)
	RemoveDeadLetter(ctx context.Context, jobID string) error

	// Cron gap events
	AddScheduleGap(ctx context.Context, g *model.ScheduleGap) error

	// Time-indexed pending set for delayed/cron firings
	SchedulePending(ctx context.Context, jobID string, at time.Time) error
	RemovePending(ctx context.Context, jobID string) error
	DueJobs(ctx context.Context, now time.Time, limit int) ([]string, error)

	Ping(ctx context.Context) error
}

// Cursors encode a (created_at, id) tuple so pagination is stable under
// concurrent inserts.

// EncodeCursor builds the opaque cursor for the row after (t, id).
func EncodeCursor(t time.Time, id string) string {
	raw := fmt.Sprintf("%d|%s", t.UnixNano(), id)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor parses an opaque cursor. An empty cursor means "from the
// beginning".
func DecodeCursor(cursor string) (int64, string, error) {
	if cursor == "" {
		return 0, "", nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return 0, "", fmt.Errorf("malformed cursor: %w", err)
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 {
		return 0, "", fmt.Errorf("malformed cursor")
	}
	nanos, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("malformed cursor: %w", err)
	}
	return nanos, parts[1], nil
}

// Pagination caps.
const (
	DefaultPageSize = 100
	MaxPageSize     = 1000
)

// ClampLimit applies the pagination caps.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultPageSize
	}
	if limit > MaxPageSize {
		return MaxPageSize
	}
	return limit
}
