package store

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/datapipe/api/internal/clock"
	"github.com/datapipe/api/internal/model"
)

// MemoryStore is the in-process Store used by tests and local development.
// It mirrors the Redis implementation's semantics, including CAS versioning.
type MemoryStore struct {
	mu    sync.Mutex
	clock clock.Clock

	jobs      map[string]*memDoc
	execs     map[string]*memDoc
	artifacts map[string]*memDoc

	dedup    map[string]string
	counters map[string]int64
	released map[string]int64
	ordDone  map[string]map[int64]bool
	current  map[string]string

	leases  map[string]memLease
	buckets map[string]*memBucket

	dlq     map[string]*model.DeadLetter
	gaps    map[string][]*model.ScheduleGap
	pending map[string]time.Time
}

type memDoc struct {
	data []byte
	ver  int64
}

type memLease struct {
	owner   string
	expires time.Time
}

type memBucket struct {
	tokens float64
	ts     time.Time
}

func NewMemoryStore(clk clock.Clock) *MemoryStore {
	if clk == nil {
		clk = clock.System()
	}
	return &MemoryStore{
		clock:     clk,
		jobs:      make(map[string]*memDoc),
		execs:     make(map[string]*memDoc),
		artifacts: make(map[string]*memDoc),
		dedup:     make(map[string]string),
		counters:  make(map[string]int64),
		released:  make(map[string]int64),
		ordDone:   make(map[string]map[int64]bool),
		current:   make(map[string]string),
		leases:    make(map[string]memLease),
		buckets:   make(map[string]*memBucket),
		dlq:       make(map[string]*model.DeadLetter),
		gaps:      make(map[string][]*model.ScheduleGap),
		pending:   make(map[string]time.Time),
	}
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

func putMem(docs map[string]*memDoc, id string, v any, expected int64) (int64, error) {
	cur := docs[id]
	var ver int64
	if cur != nil {
		ver = cur.ver
	}
	if ver != expected {
		return 0, ErrConflict
	}
	data, err := json.Marshal(v)
	if err != nil {
		return 0, err
	}
	docs[id] = &memDoc{data: data, ver: ver + 1}
	return ver + 1, nil
}

func getMem(docs map[string]*memDoc, id string, out any) (int64, error) {
	doc := docs[id]
	if doc == nil {
		return 0, ErrNotFound
	}
	if err := json.Unmarshal(doc.data, out); err != nil {
		return 0, err
	}
	return doc.ver, nil
}

// Jobs

func (s *MemoryStore) CreateJob(ctx context.Context, job *model.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ver, err := putMem(s.jobs, job.ID, job, 0)
	if err != nil {
		return err
	}
	job.Version = ver
	return nil
}

func (s *MemoryStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getJobLocked(id)
}

func (s *MemoryStore) getJobLocked(id string) (*model.Job, error) {
	var job model.Job
	ver, err := getMem(s.jobs, id, &job)
	if err != nil {
		return nil, err
	}
	job.Version = ver
	return &job, nil
}

func (s *MemoryStore) UpdateJob(ctx context.Context, job *model.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ver, err := putMem(s.jobs, job.ID, job, job.Version)
	if err != nil {
		return err
	}
	job.Version = ver
	return nil
}

func (s *MemoryStore) allJobsLocked() []*model.Job {
	out := make([]*model.Job, 0, len(s.jobs))
	for id := range s.jobs {
		if j, err := s.getJobLocked(id); err == nil {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, k int) bool {
		if !out[i].CreatedAt.Equal(out[k].CreatedAt) {
			return out[i].CreatedAt.Before(out[k].CreatedAt)
		}
		return out[i].ID < out[k].ID
	})
	return out
}

func (s *MemoryStore) ListJobs(ctx context.Context, tenantID string, filter model.JobFilter, cursor string, limit int) ([]*model.Job, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	limit = ClampLimit(limit)
	nanos, afterID, err := DecodeCursor(cursor)
	if err != nil {
		return nil, "", err
	}
	var out []*model.Job
	var next string
	for _, j := range s.allJobsLocked() {
		if j.TenantID != tenantID || !matchJob(j, filter) {
			continue
		}
		if nanos > 0 {
			cn := j.CreatedAt.UnixNano()
			if cn < nanos || (cn == nanos && j.ID <= afterID) {
				continue
			}
		}
		out = append(out, j)
		if len(out) == limit {
			next = EncodeCursor(j.CreatedAt, j.ID)
			break
		}
	}
	return out, next, nil
}

func (s *MemoryStore) ListJobsByStatus(ctx context.Context, status model.JobStatus, before time.Time, limit int) ([]*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	limit = ClampLimit(limit)
	var out []*model.Job
	for _, j := range s.allJobsLocked() {
		if j.Status != status || !j.CreatedAt.Before(before) {
			continue
		}
		out = append(out, j)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// Dedup

func (s *MemoryStore) GetDedup(ctx context.Context, tenantID, configHash string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.dedup[tenantID+":"+configHash]
	if !ok {
		return "", ErrNotFound
	}
	return id, nil
}

func (s *MemoryStore) SetDedup(ctx context.Context, tenantID, configHash, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dedup[tenantID+":"+configHash] = jobID
	return nil
}

func (s *MemoryStore) ClearDedup(ctx context.Context, tenantID, configHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.dedup, tenantID+":"+configHash)
	return nil
}

// Executions

func (s *MemoryStore) CreateExecution(ctx context.Context, exec *model.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ver, err := putMem(s.execs, exec.ID, exec, 0)
	if err != nil {
		return err
	}
	exec.Version = ver
	return nil
}

func (s *MemoryStore) GetExecution(ctx context.Context, id string) (*model.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getExecLocked(id)
}

func (s *MemoryStore) getExecLocked(id string) (*model.Execution, error) {
	var exec model.Execution
	ver, err := getMem(s.execs, id, &exec)
	if err != nil {
		return nil, err
	}
	exec.Version = ver
	return &exec, nil
}

func (s *MemoryStore) UpdateExecution(ctx context.Context, exec *model.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ver, err := putMem(s.execs, exec.ID, exec, exec.Version)
	if err != nil {
		return err
	}
	exec.Version = ver
	return nil
}

func (s *MemoryStore) DeleteExecution(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.execs, id)
	return nil
}

func (s *MemoryStore) allExecsLocked() []*model.Execution {
	out := make([]*model.Execution, 0, len(s.execs))
	for id := range s.execs {
		if e, err := s.getExecLocked(id); err == nil {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, k int) bool {
		if !out[i].DispatchedAt.Equal(out[k].DispatchedAt) {
			return out[i].DispatchedAt.Before(out[k].DispatchedAt)
		}
		return out[i].ID < out[k].ID
	})
	return out
}

func (s *MemoryStore) ListExecutions(ctx context.Context, jobID string, cursor string, limit int) ([]*model.Execution, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	limit = ClampLimit(limit)
	nanos, afterID, err := DecodeCursor(cursor)
	if err != nil {
		return nil, "", err
	}
	var out []*model.Execution
	var next string
	for _, e := range s.allExecsLocked() {
		if e.JobID != jobID {
			continue
		}
		if nanos > 0 {
			dn := e.DispatchedAt.UnixNano()
			if dn < nanos || (dn == nanos && e.ID <= afterID) {
				continue
			}
		}
		out = append(out, e)
		if len(out) == limit {
			next = EncodeCursor(e.DispatchedAt, e.ID)
			break
		}
	}
	return out, next, nil
}

func (s *MemoryStore) ListFinishedBefore(ctx context.Context, cutoff time.Time, limit int) ([]*model.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	limit = ClampLimit(limit)
	var out []*model.Execution
	for _, e := range s.allExecsLocked() {
		if e.FinishedAt == nil || !e.FinishedAt.Before(cutoff) {
			continue
		}
		out = append(out, e)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) NextAttempt(ctx context.Context, jobID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters["attempt:"+jobID]++
	return int(s.counters["attempt:"+jobID]), nil
}

func (s *MemoryStore) CurrentExecution(ctx context.Context, jobID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.current[jobID]
	if !ok {
		return "", ErrNotFound
	}
	return id, nil
}

func (s *MemoryStore) SetCurrentExecution(ctx context.Context, jobID, execID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current[jobID] = execID
	return nil
}

// Artifacts

func (s *MemoryStore) CreateArtifact(ctx context.Context, a *model.Artifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := putMem(s.artifacts, a.ID, a, 0)
	return err
}

func (s *MemoryStore) GetArtifact(ctx context.Context, id string) (*model.Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var a model.Artifact
	if _, err := getMem(s.artifacts, id, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *MemoryStore) DeleteArtifact(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.artifacts, id)
	return nil
}

func (s *MemoryStore) ListArtifactsByExecution(ctx context.Context, execID string) ([]*model.Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Artifact
	for id := range s.artifacts {
		var a model.Artifact
		if _, err := getMem(s.artifacts, id, &a); err == nil && a.ExecutionID == execID {
			out = append(out, &a)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) ListArtifactsBefore(ctx context.Context, cutoff time.Time, limit int) ([]*model.Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	limit = ClampLimit(limit)
	var out []*model.Artifact
	for id := range s.artifacts {
		var a model.Artifact
		if _, err := getMem(s.artifacts, id, &a); err == nil && a.CreatedAt.Before(cutoff) {
			out = append(out, &a)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Ordering

func (s *MemoryStore) NextOrderingSeq(ctx context.Context, tenantID, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := "ord:" + tenantID + ":" + key
	s.counters[k]++
	return s.counters[k], nil
}

func (s *MemoryStore) OrderingReleased(ctx context.Context, tenantID, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released[tenantID+":"+key], nil
}

// ReleaseOrdering marks seq terminal and advances the watermark only while
// every earlier sequence is terminal too.
func (s *MemoryStore) ReleaseOrdering(ctx context.Context, tenantID, key string, seq int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := tenantID + ":" + key
	if seq <= s.released[k] {
		return nil
	}
	done := s.ordDone[k]
	if done == nil {
		done = make(map[int64]bool)
		s.ordDone[k] = done
	}
	done[seq] = true
	for done[s.released[k]+1] {
		s.released[k]++
		delete(done, s.released[k])
	}
	return nil
}

// Lease

func (s *MemoryStore) AcquireLease(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	if l, ok := s.leases[name]; ok && l.expires.After(now) {
		return false, nil
	}
	s.leases[name] = memLease{owner: owner, expires: now.Add(ttl)}
	return true, nil
}

func (s *MemoryStore) RenewLease(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	l, ok := s.leases[name]
	if !ok || l.owner != owner || !l.expires.After(now) {
		return false, nil
	}
	s.leases[name] = memLease{owner: owner, expires: now.Add(ttl)}
	return true, nil
}

func (s *MemoryStore) ReleaseLease(ctx context.Context, name, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.leases[name]; ok && l.owner == owner {
		delete(s.leases, name)
	}
	return nil
}

// Token bucket

func (s *MemoryStore) TakeToken(ctx context.Context, key string, capacity int, refillPerSec float64) (bool, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	b, ok := s.buckets[key]
	if !ok {
		b = &memBucket{tokens: float64(capacity), ts: now}
		s.buckets[key] = b
	}
	elapsed := now.Sub(b.ts).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * refillPerSec
		if b.tokens > float64(capacity) {
			b.tokens = float64(capacity)
		}
	}
	b.ts = now
	if b.tokens >= 1 {
		b.tokens--
		return true, 0, nil
	}
	retryAfter := 1
	if refillPerSec > 0 {
		retryAfter = int((1-b.tokens)/refillPerSec) + 1
	}
	return false, retryAfter, nil
}

// Dead letters

func (s *MemoryStore) PutDeadLetter(ctx context.Context, d *model.DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *d
	s.dlq[d.JobID] = &cp
	return nil
}

func (s *MemoryStore) GetDeadLetter(ctx context.Context, jobID string) (*model.DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.dlq[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (s *MemoryStore) ListDeadLetters(ctx context.Context, kind model.JobKind, limit int) ([]*model.DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	limit = ClampLimit(limit)
	var out []*model.DeadLetter
	for _, d := range s.dlq {
		if d.Kind != kind {
			continue
		}
		cp := *d
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, k int) bool {
		if !out[i].CreatedAt.Equal(out[k].CreatedAt) {
			return out[i].CreatedAt.Before(out[k].CreatedAt)
		}
		return strings.Compare(out[i].JobID, out[k].JobID) < 0
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) RemoveDeadLetter(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.dlq, jobID)
	return nil
}

// Gaps

func (s *MemoryStore) AddScheduleGap(ctx context.Context, g *model.ScheduleGap) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *g
	s.gaps[g.JobID] = append(s.gaps[g.JobID], &cp)
	return nil
}

// ScheduleGaps returns recorded gaps for a job (test helper).
func (s *MemoryStore) ScheduleGaps(jobID string) []*model.ScheduleGap {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*model.ScheduleGap(nil), s.gaps[jobID]...)
}

// Pending set

func (s *MemoryStore) SchedulePending(ctx context.Context, jobID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[jobID] = at
	return nil
}

func (s *MemoryStore) RemovePending(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, jobID)
	return nil
}

func (s *MemoryStore) DueJobs(ctx context.Context, now time.Time, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	limit = ClampLimit(limit)
	type entry struct {
		id string
		at time.Time
	}
	var due []entry
	for id, at := range s.pending {
		if !at.After(now) {
			due = append(due, entry{id, at})
		}
	}
	sort.Slice(due, func(i, k int) bool {
		if !due[i].at.Equal(due[k].at) {
			return due[i].at.Before(due[k].at)
		}
		return due[i].id < due[k].id
	})
	var out []string
	for _, e := range due {
		out = append(out, e.id)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}
