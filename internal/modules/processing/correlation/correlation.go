package correlation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Aryakoste/redis-captions-overlay/internal/models"
	"github.com/Aryakoste/redis-captions-overlay/internal/modules/stream/eventlog"
	"github.com/Aryakoste/redis-captions-overlay/internal/pkg/metrics"
)

// Defaults applied to successful results that omit them.
const (
	DefaultConfidence = 0.7
	DefaultSource     = "llm"

	resultField  = "result"
	payloadField = "payload"
)

// ReplyStatus tells whether Await obtained a result.
type ReplyStatus string

const (
	ReplyClaimed ReplyStatus = "claimed"
	ReplyPending ReplyStatus = "pending"
)

// Reply is the outcome of Await. A pending reply means the deadline passed
// before a result arrived; the job may still complete, and a later Await
// with the same id can claim it.
type Reply struct {
	Status ReplyStatus
	JobID  string
	Result models.JobResult
}

// Log is the part of the event log the correlator uses.
type Log interface {
	Append(ctx context.Context, topic string, fields map[string]interface{}) (string, error)
	Read(ctx context.Context, req eventlog.ReadRequest) ([]eventlog.Entry, error)
	Delete(ctx context.Context, topic string, ids ...string) (int64, error)
	Range(ctx context.Context, topic, start, end string, count int64) ([]eventlog.Entry, error)
}

// Correlator submits jobs on llm_jobs and matches their results on the
// shared llm_results topic.
type Correlator struct {
	log         Log
	reg         *Registry
	logger      *zap.Logger
	pollBlock   time.Duration
	timeout     time.Duration
	dedupWindow time.Duration
	scanBatch   int64
}

// Option configures a Correlator.
type Option func(*Correlator)

// WithLogger sets the logger for the correlator.
func WithLogger(l *zap.Logger) Option {
	return func(c *Correlator) {
		if l != nil {
			c.logger = l.Named("Correlator")
		}
	}
}

// WithPollBlock bounds each blocking read on the result topic.
func WithPollBlock(d time.Duration) Option {
	return func(c *Correlator) {
		if d > 0 {
			c.pollBlock = d
		}
	}
}

// WithTimeout sets the wait used when Await is given no timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Correlator) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithDedupWindow sets how long identical submissions share one job.
func WithDedupWindow(d time.Duration) Option {
	return func(c *Correlator) {
		if d > 0 {
			c.dedupWindow = d
		}
	}
}

func New(log Log, reg *Registry, opts ...Option) *Correlator {
	c := &Correlator{
		log:         log,
		reg:         reg,
		logger:      zap.NewNop(),
		pollBlock:   5 * time.Second,
		timeout:     60 * time.Second,
		dedupWindow: 2 * time.Minute,
		scanBatch:   100,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Submit enqueues job, assigning an id when it has none.
func (c *Correlator) Submit(ctx context.Context, job *models.Job) (string, error) {
	return c.submit(ctx, job, "")
}

// SubmitDedup enqueues job unless an in-flight job holds dedupKey, in which
// case that job's id is returned with reused=true.
func (c *Correlator) SubmitDedup(ctx context.Context, dedupKey string, job *models.Job) (jobID string, reused bool, err error) {
	if job.JobID == "" {
		job.JobID = uuid.NewString()
	}
	holder, reserved, err := c.reg.Reserve(ctx, dedupKey, job.JobID, c.dedupWindow)
	if err != nil {
		c.logger.Warn("dedup reservation failed, submitting without it", zap.Error(err))
		id, err := c.submit(ctx, job, "")
		return id, false, err
	}
	if !reserved && holder != "" {
		rec, err := c.reg.Get(ctx, holder)
		if err == nil && rec != nil && rec.Status == JobEnqueued {
			return holder, true, nil
		}
		if err := c.reg.Takeover(ctx, dedupKey, job.JobID, c.dedupWindow); err != nil {
			c.logger.Warn("dedup takeover failed", zap.String("key", dedupKey), zap.Error(err))
		}
	}
	id, err := c.submit(ctx, job, dedupKey)
	return id, false, err
}

func (c *Correlator) submit(ctx context.Context, job *models.Job, dedupKey string) (string, error) {
	if job.JobID == "" {
		job.JobID = uuid.NewString()
	}
	if job.CreatedAt == 0 {
		job.CreatedAt = time.Now().UnixMilli()
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return "", err
	}

	now := time.Now()
	rec := &JobRecord{
		ID:               job.JobID,
		Status:           JobEnqueued,
		Question:         job.Question,
		Context:          job.Context,
		UseKnowledgeBase: job.UseKnowledgeBase,
		DedupKey:         dedupKey,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	// Record before enqueueing so a fast worker cannot finish an unknown job.
	if err := c.reg.Put(ctx, rec); err != nil {
		c.logger.Warn("job registry write failed", zap.String("job_id", job.JobID), zap.Error(err))
	}
	if _, err := c.log.Append(ctx, eventlog.TopicJobs, map[string]interface{}{payloadField: string(payload)}); err != nil {
		return "", fmt.Errorf("enqueue job %s: %w", job.JobID, err)
	}
	return job.JobID, nil
}

// Await waits up to timeout (the configured default when <= 0) for the
// result of jobID. Results of other jobs are left in place. Cancelling ctx
// aborts the wait with ctx.Err().
func (c *Correlator) Await(ctx context.Context, jobID string, timeout time.Duration) (Reply, error) {
	if timeout <= 0 {
		timeout = c.timeout
	}
	start := time.Now()
	deadline := start.Add(timeout)
	cursor := "0"

	for {
		if err := ctx.Err(); err != nil {
			metrics.RecordCorrelationWait("canceled", time.Since(start))
			return Reply{}, err
		}

		if rec, err := c.reg.Get(ctx, jobID); err == nil && rec.Done() {
			return c.claimed(start, jobID, *rec.Result), nil
		}

		// XREAD takes whole milliseconds and BLOCK 0 never returns.
		remaining := time.Until(deadline)
		if remaining < time.Millisecond {
			metrics.RecordCorrelationWait("pending", time.Since(start))
			return Reply{Status: ReplyPending, JobID: jobID}, nil
		}
		block := c.pollBlock
		if remaining < block {
			block = remaining
		}

		entries, err := c.log.Read(ctx, eventlog.ReadRequest{
			Topic: eventlog.TopicJobResults,
			From:  cursor,
			Count: c.scanBatch,
			Block: block,
		})
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				metrics.RecordCorrelationWait("canceled", time.Since(start))
				return Reply{}, ctxErr
			}
			return Reply{}, fmt.Errorf("await job %s: %w", jobID, err)
		}

		for _, e := range entries {
			cursor = e.ID
			res, ok := c.decodeResult(e)
			if !ok || res.JobID != jobID {
				continue
			}
			n, err := c.log.Delete(ctx, eventlog.TopicJobResults, e.ID)
			if err != nil {
				return Reply{}, fmt.Errorf("claim result of %s: %w", jobID, err)
			}
			if n == 0 {
				// Another caller claimed it; its outcome lands in the registry.
				continue
			}
			res = withDefaults(res)
			if err := c.reg.Complete(ctx, jobID, res); err != nil {
				c.logger.Warn("job registry update failed", zap.String("job_id", jobID), zap.Error(err))
			}
			return c.claimed(start, jobID, res), nil
		}
	}
}

// Call submits job and waits for its result.
func (c *Correlator) Call(ctx context.Context, job *models.Job, timeout time.Duration) (Reply, error) {
	id, err := c.Submit(ctx, job)
	if err != nil {
		return Reply{}, err
	}
	return c.Await(ctx, id, timeout)
}

// Lookup returns the registry record of jobID, nil when unknown.
func (c *Correlator) Lookup(ctx context.Context, jobID string) (*JobRecord, error) {
	return c.reg.Get(ctx, jobID)
}

// Recent lists the newest job records.
func (c *Correlator) Recent(ctx context.Context, limit int64) ([]*JobRecord, error) {
	return c.reg.Recent(ctx, limit)
}

// Reap deletes results older than retention that nobody claimed.
func (c *Correlator) Reap(ctx context.Context, retention time.Duration) (int, error) {
	upper := eventlog.OffsetBefore(time.Now().Add(-retention))
	total := 0
	for {
		entries, err := c.log.Range(ctx, eventlog.TopicJobResults, "-", upper, 500)
		if err != nil {
			return total, err
		}
		if len(entries) == 0 {
			return total, nil
		}
		ids := make([]string, 0, len(entries))
		for _, e := range entries {
			ids = append(ids, e.ID)
			if res, ok := c.decodeResult(e); ok {
				c.logger.Info("discarding unclaimed result", zap.String("job_id", res.JobID), zap.String("offset", e.ID))
			}
		}
		n, err := c.log.Delete(ctx, eventlog.TopicJobResults, ids...)
		total += int(n)
		if err != nil {
			return total, err
		}
	}
}

func (c *Correlator) claimed(start time.Time, jobID string, res models.JobResult) Reply {
	outcome := "claimed"
	if res.Failed() {
		outcome = "failed"
	}
	metrics.RecordCorrelationWait(outcome, time.Since(start))
	return Reply{Status: ReplyClaimed, JobID: jobID, Result: res}
}

func (c *Correlator) decodeResult(e eventlog.Entry) (models.JobResult, bool) {
	var res models.JobResult
	raw, ok := e.Fields[resultField]
	if !ok {
		c.logger.Warn("result entry without payload", zap.String("offset", e.ID))
		return res, false
	}
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		c.logger.Warn("malformed result entry", zap.String("offset", e.ID), zap.Error(err))
		return res, false
	}
	return res, true
}

func withDefaults(res models.JobResult) models.JobResult {
	if res.Failed() {
		return res
	}
	if res.Confidence == 0 {
		res.Confidence = DefaultConfidence
	}
	if res.Source == "" {
		res.Source = DefaultSource
	}
	return res
}

// EncodeResult renders res as the fields of a result entry. Workers use it
// to publish on llm_results.
func EncodeResult(res models.JobResult) (map[string]interface{}, error) {
	data, err := json.Marshal(res)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{resultField: string(data)}, nil
}

// DecodeJob parses a job entry read from llm_jobs.
func DecodeJob(e eventlog.Entry) (models.Job, error) {
	// Payloads without the flag predate it and used the knowledge base.
	job := models.Job{UseKnowledgeBase: true}
	raw, ok := e.Fields[payloadField]
	if !ok {
		return job, errors.New("job entry without payload")
	}
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return job, fmt.Errorf("decode job %s: %w", e.ID, err)
	}
	return job, nil
}
