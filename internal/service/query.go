package service

import (
	"context"
	"io"

	"github.com/datapipe/api/internal/blob"
	"github.com/datapipe/api/internal/model"
	"github.com/datapipe/api/internal/store"
)

// Query is the read side: jobs, executions and artifacts, always scoped to
// the caller's tenant.
type Query struct {
	store store.Store
	blob  blob.Store
}

func NewQuery(st store.Store, bs blob.Store) *Query {
	return &Query{store: st, blob: bs}
}

func (q *Query) GetJob(ctx context.Context, principal *model.Principal, id string) (*model.Job, error) {
	job, err := q.store.GetJob(ctx, id)
	if err == store.ErrNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if job.TenantID != principal.TenantID {
		return nil, ErrNotFound
	}
	return job, nil
}

func (q *Query) ListJobs(ctx context.Context, principal *model.Principal, filter model.JobFilter, cursor string, limit int) ([]*model.Job, string, error) {
	return q.store.ListJobs(ctx, principal.TenantID, filter, cursor, limit)
}

func (q *Query) GetExecution(ctx context.Context, principal *model.Principal, id string) (*model.Execution, error) {
	exec, err := q.store.GetExecution(ctx, id)
	if err == store.ErrNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if exec.TenantID != principal.TenantID {
		return nil, ErrNotFound
	}
	return exec, nil
}

func (q *Query) ListExecutions(ctx context.Context, principal *model.Principal, jobID, cursor string, limit int) ([]*model.Execution, string, error) {
	// Listing under a job requires the job to be visible to the caller.
	if _, err := q.GetJob(ctx, principal, jobID); err != nil {
		return nil, "", err
	}
	return q.store.ListExecutions(ctx, jobID, cursor, limit)
}

func (q *Query) GetArtifact(ctx context.Context, principal *model.Principal, id string) (*model.Artifact, error) {
	a, err := q.store.GetArtifact(ctx, id)
	if err == store.ErrNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if a.TenantID != principal.TenantID {
		return nil, ErrNotFound
	}
	return a, nil
}

// StreamArtifactBody opens the artifact's bytes for streaming to the caller.
func (q *Query) StreamArtifactBody(ctx context.Context, principal *model.Principal, id string) (*model.Artifact, io.ReadCloser, error) {
	a, err := q.GetArtifact(ctx, principal, id)
	if err != nil {
		return nil, nil, err
	}
	rc, err := q.blob.OpenRead(ctx, a.StorageURI)
	if err == blob.ErrNotFound {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, err
	}
	return a, rc, nil
}
