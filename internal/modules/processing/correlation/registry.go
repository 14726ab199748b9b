package correlation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/Aryakoste/redis-captions-overlay/internal/models"
	pkgredis "github.com/Aryakoste/redis-captions-overlay/internal/pkg/redis"
)

// JobStatus is the lifecycle state of a correlated job.
type JobStatus string

const (
	JobEnqueued JobStatus = "enqueued"
	JobClaimed  JobStatus = "claimed"
	JobFailed   JobStatus = "failed"
)

// JobRecord is the registry's view of one job.
type JobRecord struct {
	ID               string            `json:"id"`
	Status           JobStatus         `json:"status"`
	Question         string            `json:"question"`
	Context          string            `json:"context,omitempty"`
	UseKnowledgeBase bool              `json:"use_knowledge_base"`
	DedupKey         string            `json:"dedup_key,omitempty"`
	Result           *models.JobResult `json:"result,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// Done reports whether the job's outcome is known.
func (r *JobRecord) Done() bool {
	return r != nil && r.Result != nil && (r.Status == JobClaimed || r.Status == JobFailed)
}

const (
	jobKeyPrefix   = "llm:job:"
	jobIndexKey    = "llm:jobs:index" // sorted set: score=created_at ms, member=job id
	dedupKeyPrefix = "llm:jobs:dedup:"
	jobTTL         = 24 * time.Hour
)

// Registry records job state so that callers sharing a job id can learn
// an outcome claimed by someone else.
type Registry struct {
	rdb *redis.Client
}

func NewRegistry(rc *pkgredis.Client) *Registry {
	return &Registry{rdb: rc.Raw()}
}

func jobKey(id string) string { return jobKeyPrefix + id }

// Put stores rec and indexes it by creation time.
func (r *Registry) Put(ctx context.Context, rec *JobRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	pipe := r.rdb.TxPipeline()
	pipe.Set(ctx, jobKey(rec.ID), data, jobTTL)
	pipe.ZAdd(ctx, jobIndexKey, redis.Z{Score: float64(rec.CreatedAt.UnixMilli()), Member: rec.ID})
	pipe.ZRemRangeByScore(ctx, jobIndexKey, "-inf", fmt.Sprint(time.Now().Add(-jobTTL).UnixMilli()))
	_, err = pipe.Exec(ctx)
	return err
}

// Get returns the record for id, or nil when unknown or expired.
func (r *Registry) Get(ctx context.Context, id string) (*JobRecord, error) {
	data, err := r.rdb.Get(ctx, jobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rec JobRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Complete stores the outcome of id and releases its dedup reservation.
func (r *Registry) Complete(ctx context.Context, id string, result models.JobResult) error {
	rec, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	if rec == nil {
		rec = &JobRecord{ID: id, CreatedAt: time.Now()}
	}
	rec.Status = JobClaimed
	if result.Failed() {
		rec.Status = JobFailed
	}
	rec.Result = &result
	rec.UpdatedAt = time.Now()

	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	pipe := r.rdb.TxPipeline()
	pipe.Set(ctx, jobKey(id), data, jobTTL)
	if rec.DedupKey != "" {
		pipe.Del(ctx, dedupKeyPrefix+rec.DedupKey)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// Reserve claims dedupKey for jobID for window. When another job already
// holds it, that job's id is returned with reserved=false.
func (r *Registry) Reserve(ctx context.Context, dedupKey, jobID string, window time.Duration) (holder string, reserved bool, err error) {
	ok, err := r.rdb.SetNX(ctx, dedupKeyPrefix+dedupKey, jobID, window).Result()
	if err != nil {
		return "", false, err
	}
	if ok {
		return jobID, true, nil
	}
	holder, err = r.rdb.Get(ctx, dedupKeyPrefix+dedupKey).Result()
	if errors.Is(err, redis.Nil) {
		// Released between the two calls.
		ok, err = r.rdb.SetNX(ctx, dedupKeyPrefix+dedupKey, jobID, window).Result()
		if err != nil {
			return "", false, err
		}
		if ok {
			return jobID, true, nil
		}
		holder, err = r.rdb.Get(ctx, dedupKeyPrefix+dedupKey).Result()
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
	}
	return holder, false, err
}

// Takeover replaces a stale reservation.
func (r *Registry) Takeover(ctx context.Context, dedupKey, jobID string, window time.Duration) error {
	return r.rdb.Set(ctx, dedupKeyPrefix+dedupKey, jobID, window).Err()
}

// Recent returns up to limit records, newest first.
func (r *Registry) Recent(ctx context.Context, limit int64) ([]*JobRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	ids, err := r.rdb.ZRevRange(ctx, jobIndexKey, 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*JobRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := r.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			out = append(out, rec)
		}
	}
	return out, nil
}
