package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Aryakoste/redis-captions-overlay/internal/models"
	"github.com/Aryakoste/redis-captions-overlay/internal/modules/processing/correlation"
	"github.com/Aryakoste/redis-captions-overlay/internal/modules/stats/search"
	"github.com/Aryakoste/redis-captions-overlay/internal/modules/stream/eventlog"
	"github.com/Aryakoste/redis-captions-overlay/internal/pkg/metrics"
)

// JobLog is the part of the event log the worker uses.
type JobLog interface {
	Append(ctx context.Context, topic string, fields map[string]interface{}) (string, error)
	Read(ctx context.Context, req eventlog.ReadRequest) ([]eventlog.Entry, error)
	EnsureGroup(ctx context.Context, topic, group, start string) error
	Ack(ctx context.Context, topic, group string, ids ...string) error
	Claim(ctx context.Context, topic, group, consumer string, minIdle time.Duration, count int64) ([]eventlog.Entry, error)
}

// Knowledge finds stored answers related to a question.
type Knowledge interface {
	SearchKnowledge(ctx context.Context, req search.Request) (int, []models.QAEntry, error)
}

const knowledgeHits = 3

// Worker consumes llm_jobs as a member of a consumer group and publishes
// one result per job on llm_results.
type Worker struct {
	log         JobLog
	answerer    Answerer
	kb          Knowledge
	logger      *zap.Logger
	group       string
	consumer    string
	concurrency int
	reclaimIdle time.Duration
	readBlock   time.Duration
	jobTimeout  time.Duration
	backlog     time.Duration
}

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithLogger sets the logger for the worker.
func WithLogger(l *zap.Logger) WorkerOption {
	return func(w *Worker) {
		if l != nil {
			w.logger = l.Named("Worker")
		}
	}
}

// WithGroup sets the consumer group and this process's consumer name.
func WithGroup(group, consumer string) WorkerOption {
	return func(w *Worker) {
		if group != "" {
			w.group = group
		}
		if consumer != "" {
			w.consumer = consumer
		}
	}
}

// WithConcurrency sets how many jobs are answered at once.
func WithConcurrency(n int) WorkerOption {
	return func(w *Worker) {
		if n > 0 {
			w.concurrency = n
		}
	}
}

// WithReclaimIdle sets how long a job may stay unacknowledged before
// another consumer takes it over.
func WithReclaimIdle(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d > 0 {
			w.reclaimIdle = d
		}
	}
}

// WithReadBlock bounds each blocking read on llm_jobs.
func WithReadBlock(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d > 0 {
			w.readBlock = d
		}
	}
}

// WithKnowledge lets jobs that ask for it draw on the knowledge base.
func WithKnowledge(kb Knowledge) WorkerOption {
	return func(w *Worker) { w.kb = kb }
}

// WithBacklog sets how far back a newly created group starts reading
// llm_jobs. Older jobs have no caller left to claim their result.
func WithBacklog(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d > 0 {
			w.backlog = d
		}
	}
}

// WithJobTimeout bounds the time spent answering one job.
func WithJobTimeout(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d > 0 {
			w.jobTimeout = d
		}
	}
}

func NewWorker(log JobLog, answerer Answerer, opts ...WorkerOption) *Worker {
	w := &Worker{
		log:         log,
		answerer:    answerer,
		logger:      zap.NewNop(),
		group:       "llm_workers",
		consumer:    "worker-1",
		concurrency: 2,
		reclaimIdle: 2 * time.Minute,
		readBlock:   5 * time.Second,
		jobTimeout:  90 * time.Second,
		backlog:     time.Hour,
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Run consumes jobs until ctx ends.
func (w *Worker) Run(ctx context.Context) error {
	start := eventlog.OffsetBefore(time.Now().Add(-w.backlog))
	if err := w.log.EnsureGroup(ctx, eventlog.TopicJobs, w.group, start); err != nil {
		return err
	}
	w.logger.Info("worker started",
		zap.String("group", w.group), zap.String("consumer", w.consumer), zap.Int("concurrency", w.concurrency))

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.concurrency; i++ {
		consumer := fmt.Sprintf("%s-%d", w.consumer, i+1)
		g.Go(func() error { return w.consume(ctx, consumer) })
	}
	g.Go(func() error { return w.reclaim(ctx) })

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (w *Worker) consume(ctx context.Context, consumer string) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		entries, err := w.log.Read(ctx, eventlog.ReadRequest{
			Topic:    eventlog.TopicJobs,
			Group:    w.group,
			Consumer: consumer,
			Count:    1,
			Block:    w.readBlock,
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Warn("job read failed", zap.String("consumer", consumer), zap.Error(err))
			if !sleep(ctx, time.Second) {
				return ctx.Err()
			}
			continue
		}
		for _, e := range entries {
			w.Process(ctx, e)
		}
	}
}

// reclaim takes over jobs left pending by consumers that died mid-job.
func (w *Worker) reclaim(ctx context.Context) error {
	ticker := time.NewTicker(w.reclaimIdle / 2)
	defer ticker.Stop()
	consumer := w.consumer + "-reclaim"
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		entries, err := w.log.Claim(ctx, eventlog.TopicJobs, w.group, consumer, w.reclaimIdle, 10)
		if err != nil {
			w.logger.Warn("job reclaim failed", zap.Error(err))
			continue
		}
		for _, e := range entries {
			w.logger.Info("reclaimed stalled job", zap.String("offset", e.ID))
			w.Process(ctx, e)
		}
	}
}

// Process answers one job entry, publishes its result and acknowledges it.
// A job that cannot be answered still gets a result carrying the error so
// the waiting caller does not time out.
func (w *Worker) Process(ctx context.Context, e eventlog.Entry) {
	job, err := correlation.DecodeJob(e)
	if err != nil {
		w.logger.Warn("dropping malformed job", zap.String("offset", e.ID), zap.Error(err))
		metrics.WorkerJobs.WithLabelValues("malformed").Inc()
		w.ack(ctx, e.ID)
		return
	}

	start := time.Now()
	jobCtx, cancel := context.WithTimeout(ctx, w.jobTimeout)
	ans, err := w.answerer.Answer(jobCtx, Question{Question: job.Question, Context: w.jobContext(jobCtx, job)})
	cancel()

	res := models.JobResult{
		JobID:          job.JobID,
		ProcessingTime: time.Since(start).Seconds(),
	}
	outcome := "ok"
	if err == nil && ans.Text == "" {
		err = errors.New("empty answer")
	}
	if err != nil {
		if ctx.Err() != nil {
			// Shutting down; leave the job pending for another consumer.
			return
		}
		outcome = "failed"
		res.Error = err.Error()
		w.logger.Warn("job failed", zap.String("job_id", job.JobID), zap.Error(err))
	} else {
		res.Answer = ans.Text
		res.Confidence = ans.Confidence
		res.Source = ans.Source
	}

	fields, err := correlation.EncodeResult(res)
	if err != nil {
		w.logger.Error("encode result failed", zap.String("job_id", job.JobID), zap.Error(err))
		return
	}
	if _, err := w.log.Append(ctx, eventlog.TopicJobResults, fields); err != nil {
		// Not acked: the job is retried after reclaim_idle.
		w.logger.Error("publish result failed", zap.String("job_id", job.JobID), zap.Error(err))
		return
	}
	w.ack(ctx, e.ID)
	metrics.WorkerJobs.WithLabelValues(outcome).Inc()
	w.logger.Info("job completed",
		zap.String("job_id", job.JobID), zap.String("outcome", outcome), zap.Duration("took", time.Since(start)))
}

// jobContext returns the job's context, followed by related knowledge base
// answers when the job asks for them. Search failures only cost the extra
// context.
func (w *Worker) jobContext(ctx context.Context, job models.Job) string {
	if !job.UseKnowledgeBase || w.kb == nil {
		return job.Context
	}
	_, hits, err := w.kb.SearchKnowledge(ctx, search.Request{Text: job.Question, Limit: knowledgeHits})
	if err != nil {
		w.logger.Debug("knowledge lookup failed", zap.String("job_id", job.JobID), zap.Error(err))
		return job.Context
	}
	if len(hits) == 0 {
		return job.Context
	}
	var b strings.Builder
	if job.Context != "" {
		b.WriteString(job.Context)
	} else {
		b.WriteString(DefaultContext)
	}
	b.WriteString("\n\nRelated answers:")
	for _, qa := range hits {
		fmt.Fprintf(&b, "\n- Q: %s\n  A: %s", qa.Question, qa.Answer)
	}
	return b.String()
}

func (w *Worker) ack(ctx context.Context, id string) {
	if err := w.log.Ack(ctx, eventlog.TopicJobs, w.group, id); err != nil {
		w.logger.Warn("job ack failed", zap.String("offset", id), zap.Error(err))
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
