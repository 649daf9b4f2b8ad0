package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/datapipe/api/internal/clock"
	"github.com/datapipe/api/internal/model"
)

// casScript swaps the document body if the stored version matches the
// caller's. Returns the new version, or -1 on conflict.
var casScript = redis.NewScript(`
local ver = tonumber(redis.call('HGET', KEYS[1], 'ver') or '0')
if ver ~= tonumber(ARGV[1]) then
  return -1
end
redis.call('HSET', KEYS[1], 'data', ARGV[2], 'ver', ver + 1)
return ver + 1
`)

// releaseScript marks a sequence terminal and advances the released
// watermark contiguously: a cancelled middle sequence parks until every
// earlier sequence has also terminated.
var releaseScript = redis.NewScript(`
local rel = tonumber(redis.call('GET', KEYS[1]) or '0')
local seq = tonumber(ARGV[1])
if seq <= rel then
  return rel
end
redis.call('SADD', KEYS[2], seq)
while redis.call('SISMEMBER', KEYS[2], tostring(rel + 1)) == 1 do
  rel = rel + 1
  redis.call('SREM', KEYS[2], tostring(rel))
end
redis.call('SET', KEYS[1], rel)
return rel
`)

// renewLeaseScript extends the lease only for its current owner.
var renewLeaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
  return 1
end
return 0
`)

// releaseLeaseScript deletes the lease only for its current owner.
var releaseLeaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  redis.call('DEL', KEYS[1])
  return 1
end
return 0
`)

// bucketScript is the token bucket: refill by elapsed time, take one token
// if available. Returns {allowed, wait_ms}.
var bucketScript = redis.NewScript(`
local cap = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local b = redis.call('HMGET', KEYS[1], 'tokens', 'ts')
local tokens = tonumber(b[1])
local ts = tonumber(b[2])
if tokens == nil then
  tokens = cap
  ts = now
end
local elapsed = (now - ts) / 1000.0
if elapsed > 0 then
  tokens = math.min(cap, tokens + elapsed * rate)
end
local allowed = 0
local wait_ms = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
elseif rate > 0 then
  wait_ms = math.ceil((1 - tokens) / rate * 1000)
end
redis.call('HSET', KEYS[1], 'tokens', tokens, 'ts', now)
redis.call('EXPIRE', KEYS[1], 3600)
return {allowed, wait_ms}
`)

// RedisStore implements Store on a single Redis instance. Documents live in
// hashes ({collection}:{id} with data/ver fields), list ordering in ZSETs
// scored by created_at nanos.
type RedisStore struct {
	rdb   *redis.Client
	clock clock.Clock
}

func NewRedisStore(rdb *redis.Client, clk clock.Clock) *RedisStore {
	if clk == nil {
		clk = clock.System()
	}
	return &RedisStore{rdb: rdb, clock: clk}
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// document plumbing

func docKey(collection, id string) string { return collection + ":" + id }

func (s *RedisStore) getDoc(ctx context.Context, collection, id string, out any) (int64, error) {
	vals, err := s.rdb.HMGet(ctx, docKey(collection, id), "data", "ver").Result()
	if err != nil {
		return 0, fmt.Errorf("get %s/%s: %w", collection, id, err)
	}
	data, ok := vals[0].(string)
	if !ok || data == "" {
		return 0, ErrNotFound
	}
	if err := json.Unmarshal([]byte(data), out); err != nil {
		return 0, fmt.Errorf("decode %s/%s: %w", collection, id, err)
	}
	var ver int64
	if vs, ok := vals[1].(string); ok {
		fmt.Sscanf(vs, "%d", &ver)
	}
	return ver, nil
}

// putDoc CAS-writes a document. expected 0 means create-only.
func (s *RedisStore) putDoc(ctx context.Context, collection, id string, doc any, expected int64) (int64, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return 0, fmt.Errorf("encode %s/%s: %w", collection, id, err)
	}
	res, err := casScript.Run(ctx, s.rdb, []string{docKey(collection, id)}, expected, string(data)).Int64()
	if err != nil {
		return 0, fmt.Errorf("put %s/%s: %w", collection, id, err)
	}
	if res < 0 {
		return 0, ErrConflict
	}
	return res, nil
}

func (s *RedisStore) delDoc(ctx context.Context, collection, id string) error {
	return s.rdb.Del(ctx, docKey(collection, id)).Err()
}

// Jobs

func (s *RedisStore) CreateJob(ctx context.Context, job *model.Job) error {
	ver, err := s.putDoc(ctx, "jobs", job.ID, job, 0)
	if err != nil {
		return err
	}
	job.Version = ver
	score := float64(job.CreatedAt.UnixNano())
	pipe := s.rdb.Pipeline()
	pipe.ZAdd(ctx, "idx:jobs:tenant:"+job.TenantID, redis.Z{Score: score, Member: job.ID})
	pipe.ZAdd(ctx, "idx:jobs:status:"+string(job.Status), redis.Z{Score: score, Member: job.ID})
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	var job model.Job
	ver, err := s.getDoc(ctx, "jobs", id, &job)
	if err != nil {
		return nil, err
	}
	job.Version = ver
	return &job, nil
}

func (s *RedisStore) UpdateJob(ctx context.Context, job *model.Job) error {
	prev, err := s.GetJob(ctx, job.ID)
	if err != nil {
		return err
	}
	ver, err := s.putDoc(ctx, "jobs", job.ID, job, job.Version)
	if err != nil {
		return err
	}
	job.Version = ver
	if prev.Status != job.Status {
		score := float64(job.CreatedAt.UnixNano())
		pipe := s.rdb.Pipeline()
		pipe.ZRem(ctx, "idx:jobs:status:"+string(prev.Status), job.ID)
		pipe.ZAdd(ctx, "idx:jobs:status:"+string(job.Status), redis.Z{Score: score, Member: job.ID})
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (s *RedisStore) ListJobs(ctx context.Context, tenantID string, filter model.JobFilter, cursor string, limit int) ([]*model.Job, string, error) {
	limit = ClampLimit(limit)
	ids, err := s.pageIndex(ctx, "idx:jobs:tenant:"+tenantID, cursor, limit*4)
	if err != nil {
		return nil, "", err
	}
	var out []*model.Job
	var next string
	for _, id := range ids {
		job, err := s.GetJob(ctx, id)
		if err != nil {
			if err == ErrNotFound {
				continue
			}
			return nil, "", err
		}
		if !matchJob(job, filter) {
			continue
		}
		out = append(out, job)
		if len(out) == limit {
			next = EncodeCursor(job.CreatedAt, job.ID)
			break
		}
	}
	return out, next, nil
}

func matchJob(j *model.Job, f model.JobFilter) bool {
	if f.Kind != "" && j.Kind != f.Kind {
		return false
	}
	if f.Status != "" && j.Status != f.Status {
		return false
	}
	if !f.Since.IsZero() && j.CreatedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && j.CreatedAt.After(f.Until) {
		return false
	}
	return true
}

func (s *RedisStore) ListJobsByStatus(ctx context.Context, status model.JobStatus, before time.Time, limit int) ([]*model.Job, error) {
	ids, err := s.rdb.ZRangeByScore(ctx, "idx:jobs:status:"+string(status), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", before.UnixNano()),
		Count: int64(ClampLimit(limit)),
	}).Result()
	if err != nil {
		return nil, err
	}
	var out []*model.Job
	for _, id := range ids {
		job, err := s.GetJob(ctx, id)
		if err == ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, nil
}

// pageIndex reads index members after the cursor position, oldest first.
func (s *RedisStore) pageIndex(ctx context.Context, key, cursor string, count int) ([]string, error) {
	nanos, afterID, err := DecodeCursor(cursor)
	if err != nil {
		return nil, err
	}
	min := "-inf"
	if nanos > 0 {
		min = fmt.Sprintf("%d", nanos)
	}
	zs, err := s.rdb.ZRangeByScoreWithScores(ctx, key, &redis.ZRangeBy{
		Min:   min,
		Max:   "+inf",
		Count: int64(count),
	}).Result()
	if err != nil {
		return nil, err
	}
	var out []string
	for _, z := range zs {
		id, _ := z.Member.(string)
		// Skip the cursor row itself and same-score rows at or before it.
		if nanos > 0 && int64(z.Score) == nanos && id <= afterID {
			continue
		}
		out = append(out, id)
	}
	return out, nil
}

// Dedup

func dedupKey(tenantID, hash string) string { return "dedup:" + tenantID + ":" + hash }

func (s *RedisStore) GetDedup(ctx context.Context, tenantID, configHash string) (string, error) {
	id, err := s.rdb.Get(ctx, dedupKey(tenantID, configHash)).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	return id, err
}

func (s *RedisStore) SetDedup(ctx context.Context, tenantID, configHash, jobID string) error {
	return s.rdb.Set(ctx, dedupKey(tenantID, configHash), jobID, 0).Err()
}

func (s *RedisStore) ClearDedup(ctx context.Context, tenantID, configHash string) error {
	return s.rdb.Del(ctx, dedupKey(tenantID, configHash)).Err()
}

// Executions

func (s *RedisStore) CreateExecution(ctx context.Context, exec *model.Execution) error {
	ver, err := s.putDoc(ctx, "executions", exec.ID, exec, 0)
	if err != nil {
		return err
	}
	exec.Version = ver
	return s.rdb.ZAdd(ctx, "idx:executions:job:"+exec.JobID, redis.Z{
		Score:  float64(exec.DispatchedAt.UnixNano()),
		Member: exec.ID,
	}).Err()
}

func (s *RedisStore) GetExecution(ctx context.Context, id string) (*model.Execution, error) {
	var exec model.Execution
	ver, err := s.getDoc(ctx, "executions", id, &exec)
	if err != nil {
		return nil, err
	}
	exec.Version = ver
	return &exec, nil
}

func (s *RedisStore) UpdateExecution(ctx context.Context, exec *model.Execution) error {
	ver, err := s.putDoc(ctx, "executions", exec.ID, exec, exec.Version)
	if err != nil {
		return err
	}
	exec.Version = ver
	if exec.FinishedAt != nil {
		return s.rdb.ZAdd(ctx, "idx:executions:finished", redis.Z{
			Score:  float64(exec.FinishedAt.Unix()),
			Member: exec.ID,
		}).Err()
	}
	return nil
}

func (s *RedisStore) DeleteExecution(ctx context.Context, id string) error {
	exec, err := s.GetExecution(ctx, id)
	if err == ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	pipe := s.rdb.Pipeline()
	pipe.ZRem(ctx, "idx:executions:job:"+exec.JobID, id)
	pipe.ZRem(ctx, "idx:executions:finished", id)
	pipe.Del(ctx, docKey("executions", id))
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) ListExecutions(ctx context.Context, jobID string, cursor string, limit int) ([]*model.Execution, string, error) {
	limit = ClampLimit(limit)
	ids, err := s.pageIndex(ctx, "idx:executions:job:"+jobID, cursor, limit+1)
	if err != nil {
		return nil, "", err
	}
	var out []*model.Execution
	var next string
	for _, id := range ids {
		exec, err := s.GetExecution(ctx, id)
		if err == ErrNotFound {
			continue
		}
		if err != nil {
			return nil, "", err
		}
		out = append(out, exec)
		if len(out) == limit {
			next = EncodeCursor(exec.DispatchedAt, exec.ID)
			break
		}
	}
	return out, next, nil
}

func (s *RedisStore) ListFinishedBefore(ctx context.Context, cutoff time.Time, limit int) ([]*model.Execution, error) {
	ids, err := s.rdb.ZRangeByScore(ctx, "idx:executions:finished", &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", cutoff.Unix()),
		Count: int64(ClampLimit(limit)),
	}).Result()
	if err != nil {
		return nil, err
	}
	var out []*model.Execution
	for _, id := range ids {
		exec, err := s.GetExecution(ctx, id)
		if err == ErrNotFound {
			s.rdb.ZRem(ctx, "idx:executions:finished", id)
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, exec)
	}
	return out, nil
}

func (s *RedisStore) NextAttempt(ctx context.Context, jobID string) (int, error) {
	n, err := s.rdb.Incr(ctx, "seq:attempt:"+jobID).Result()
	return int(n), err
}

func (s *RedisStore) CurrentExecution(ctx context.Context, jobID string) (string, error) {
	id, err := s.rdb.Get(ctx, "cur:exec:"+jobID).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	return id, err
}

func (s *RedisStore) SetCurrentExecution(ctx context.Context, jobID, execID string) error {
	return s.rdb.Set(ctx, "cur:exec:"+jobID, execID, 0).Err()
}

// Artifacts

func (s *RedisStore) CreateArtifact(ctx context.Context, a *model.Artifact) error {
	if _, err := s.putDoc(ctx, "artifacts", a.ID, a, 0); err != nil {
		return err
	}
	score := float64(a.CreatedAt.UnixNano())
	pipe := s.rdb.Pipeline()
	pipe.ZAdd(ctx, "idx:artifacts:exec:"+a.ExecutionID, redis.Z{Score: score, Member: a.ID})
	pipe.ZAdd(ctx, "idx:artifacts:created", redis.Z{Score: float64(a.CreatedAt.Unix()), Member: a.ID})
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) GetArtifact(ctx context.Context, id string) (*model.Artifact, error) {
	var a model.Artifact
	if _, err := s.getDoc(ctx, "artifacts", id, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *RedisStore) DeleteArtifact(ctx context.Context, id string) error {
	a, err := s.GetArtifact(ctx, id)
	if err == ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	pipe := s.rdb.Pipeline()
	pipe.ZRem(ctx, "idx:artifacts:exec:"+a.ExecutionID, id)
	pipe.ZRem(ctx, "idx:artifacts:created", id)
	pipe.Del(ctx, docKey("artifacts", id))
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) ListArtifactsByExecution(ctx context.Context, execID string) ([]*model.Artifact, error) {
	ids, err := s.rdb.ZRange(ctx, "idx:artifacts:exec:"+execID, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	var out []*model.Artifact
	for _, id := range ids {
		a, err := s.GetArtifact(ctx, id)
		if err == ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func (s *RedisStore) ListArtifactsBefore(ctx context.Context, cutoff time.Time, limit int) ([]*model.Artifact, error) {
	ids, err := s.rdb.ZRangeByScore(ctx, "idx:artifacts:created", &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", cutoff.Unix()),
		Count: int64(ClampLimit(limit)),
	}).Result()
	if err != nil {
		return nil, err
	}
	var out []*model.Artifact
	for _, id := range ids {
		a, err := s.GetArtifact(ctx, id)
		if err == ErrNotFound {
			s.rdb.ZRem(ctx, "idx:artifacts:created", id)
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// Ordering

func (s *RedisStore) NextOrderingSeq(ctx context.Context, tenantID, key string) (int64, error) {
	return s.rdb.Incr(ctx, "seq:ord:"+tenantID+":"+key).Result()
}

func (s *RedisStore) OrderingReleased(ctx context.Context, tenantID, key string) (int64, error) {
	n, err := s.rdb.Get(ctx, "rel:ord:"+tenantID+":"+key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return n, err
}

func (s *RedisStore) ReleaseOrdering(ctx context.Context, tenantID, key string, seq int64) error {
	keys := []string{
		"rel:ord:" + tenantID + ":" + key,
		"done:ord:" + tenantID + ":" + key,
	}
	return releaseScript.Run(ctx, s.rdb, keys, seq).Err()
}

// Lease

func (s *RedisStore) AcquireLease(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	return s.rdb.SetNX(ctx, "lease:"+name, owner, ttl).Result()
}

func (s *RedisStore) RenewLease(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	n, err := renewLeaseScript.Run(ctx, s.rdb, []string{"lease:" + name}, owner, ttl.Milliseconds()).Int64()
	return n == 1, err
}

func (s *RedisStore) ReleaseLease(ctx context.Context, name, owner string) error {
	return releaseLeaseScript.Run(ctx, s.rdb, []string{"lease:" + name}, owner).Err()
}

// Rate limiting

func (s *RedisStore) TakeToken(ctx context.Context, key string, capacity int, refillPerSec float64) (bool, int, error) {
	now := s.clock.Now().UnixMilli()
	res, err := bucketScript.Run(ctx, s.rdb, []string{"rate:" + key}, capacity, refillPerSec, now).Int64Slice()
	if err != nil {
		return false, 0, err
	}
	allowed := len(res) > 0 && res[0] == 1
	retryAfter := 0
	if !allowed && len(res) > 1 {
		retryAfter = int((res[1] + 999) / 1000)
		if retryAfter < 1 {
			retryAfter = 1
		}
	}
	return allowed, retryAfter, nil
}

// Dead letters

func (s *RedisStore) PutDeadLetter(ctx context.Context, d *model.DeadLetter) error {
	data, err := json.Marshal(d)
	if err != nil {
		return err
	}
	pipe := s.rdb.Pipeline()
	pipe.Set(ctx, "dlq:"+d.JobID, data, 0)
	pipe.ZAdd(ctx, "idx:dlq:"+string(d.Kind), redis.Z{
		Score:  float64(d.CreatedAt.UnixNano()),
		Member: d.JobID,
	})
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) GetDeadLetter(ctx context.Context, jobID string) (*model.DeadLetter, error) {
	data, err := s.rdb.Get(ctx, "dlq:"+jobID).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var d model.DeadLetter
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *RedisStore) ListDeadLetters(ctx context.Context, kind model.JobKind, limit int) ([]*model.DeadLetter, error) {
	ids, err := s.rdb.ZRange(ctx, "idx:dlq:"+string(kind), 0, int64(ClampLimit(limit))-1).Result()
	if err != nil {
		return nil, err
	}
	var out []*model.DeadLetter
	for _, id := range ids {
		d, err := s.GetDeadLetter(ctx, id)
		if err == ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func (s *RedisStore) RemoveDeadLetter(ctx context.Context, jobID string) error {
	d, err := s.GetDeadLetter(ctx, jobID)
	if err == ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	pipe := s.rdb.Pipeline()
	pipe.ZRem(ctx, "idx:dlq:"+string(d.Kind), jobID)
	pipe.Del(ctx, "dlq:"+jobID)
	_, err = pipe.Exec(ctx)
	return err
}

// Gaps

func (s *RedisStore) AddScheduleGap(ctx context.Context, g *model.ScheduleGap) error {
	data, err := json.Marshal(g)
	if err != nil {
		return err
	}
	return s.rdb.RPush(ctx, "gaps:"+g.JobID, data).Err()
}

// Pending set

func (s *RedisStore) SchedulePending(ctx context.Context, jobID string, at time.Time) error {
	return s.rdb.ZAdd(ctx, "sched:pending", redis.Z{
		Score:  float64(at.UnixMilli()),
		Member: jobID,
	}).Err()
}

func (s *RedisStore) RemovePending(ctx context.Context, jobID string) error {
	return s.rdb.ZRem(ctx, "sched:pending", jobID).Err()
}

func (s *RedisStore) DueJobs(ctx context.Context, now time.Time, limit int) ([]string, error) {
	return s.rdb.ZRangeByScore(ctx, "sched:pending", &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", now.UnixMilli()),
		Count: int64(ClampLimit(limit)),
	}).Result()
}
