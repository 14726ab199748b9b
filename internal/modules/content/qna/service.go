// Package qna answers viewer questions through the worker pool and keeps
// answered questions in the knowledge base.
package qna

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Aryakoste/redis-captions-overlay/internal/models"
	"github.com/Aryakoste/redis-captions-overlay/internal/modules/processing/cache"
	"github.com/Aryakoste/redis-captions-overlay/internal/modules/processing/correlation"
	"github.com/Aryakoste/redis-captions-overlay/internal/modules/processing/markdown"
	"github.com/Aryakoste/redis-captions-overlay/internal/modules/stats/search"
	"github.com/Aryakoste/redis-captions-overlay/internal/modules/stream/eventlog"
	"github.com/Aryakoste/redis-captions-overlay/internal/modules/stream/pubsub"
)

const (
	DefaultContext  = "This is a question about accessibility, AI, or technology in general. Please provide a helpful answer based on your knowledge."
	DefaultCategory = "general"

	FallbackAnswer     = "I'm sorry, I couldn't come up with an answer right now. Please try asking again in a moment."
	FallbackSource     = "fallback"
	FallbackConfidence = 0.1

	ManualSource = "manual"

	// ActionNewQA is the pub/sub action of a new knowledge base entry.
	ActionNewQA = "new_qa"

	MaxQuestionLength = 1000
	MaxAnswerLength   = 10000
)

var (
	ErrInvalid    = errors.New("invalid question")
	ErrUnknownJob = errors.New("unknown job")
)

// Jobs is the correlation surface used to reach the workers.
type Jobs interface {
	SubmitDedup(ctx context.Context, dedupKey string, job *models.Job) (string, bool, error)
	Await(ctx context.Context, jobID string, timeout time.Duration) (correlation.Reply, error)
	Lookup(ctx context.Context, jobID string) (*correlation.JobRecord, error)
}

// Knowledge stores QA documents.
type Knowledge interface {
	Knowledge() search.Collection
	Put(ctx context.Context, c search.Collection, id string, doc map[string]interface{}) error
	Get(ctx context.Context, c search.Collection, id string) (map[string]string, error)
}

// Votes updates QA counters.
type Votes interface {
	RecordVote(ctx context.Context, qaID string, helpful bool, voterID string) (models.QAEntry, error)
	BumpViews(ctx context.Context, qaID string) error
}

type Appender interface {
	Append(ctx context.Context, topic string, fields map[string]interface{}) (string, error)
}

type Publisher interface {
	Publish(ctx context.Context, channel, action string, data interface{}) error
}

// Question is an incoming viewer question.
type Question struct {
	Question         string
	Context          string
	UseKnowledgeBase bool
	SessionID        string
}

// Answer is returned to the asker and cached for identical questions.
type Answer struct {
	Answer     string  `json:"answer"`
	AnswerHTML string  `json:"answer_html"`
	Source     string  `json:"source"`
	Confidence float64 `json:"confidence"`
	QAID       string  `json:"qa_id,omitempty"`
	JobID      string  `json:"job_id,omitempty"`
	Timestamp  int64   `json:"timestamp"`
	Cached     bool    `json:"cached"`
	Error      string  `json:"error,omitempty"`

	// Pending is set when no result arrived in time; only JobID is valid.
	Pending bool `json:"-"`
}

// cacheInput keys cached answers. Context holds the effective context so a
// poll can rebuild the key from the job record.
type cacheInput struct {
	Question         string `json:"question"`
	Context          string `json:"context"`
	UseKnowledgeBase bool   `json:"use_knowledge_base"`
}

type Service struct {
	jobs     Jobs
	kb       Knowledge
	votes    Votes
	log      Appender
	pub      Publisher
	cache    *cache.Cache
	logger   *zap.Logger
	timeout  time.Duration
	pollWait time.Duration
	now      func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger for the service.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l.Named("QnA")
		}
	}
}

// WithTimeout bounds how long Ask waits for a worker.
func WithTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithPollWait bounds how long Poll waits for a lingering job.
func WithPollWait(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.pollWait = d
		}
	}
}

// WithPublisher enables qna_updates announcements.
func WithPublisher(p Publisher) Option {
	return func(s *Service) { s.pub = p }
}

func NewService(jobs Jobs, kb Knowledge, votes Votes, log Appender, c *cache.Cache, opts ...Option) *Service {
	s := &Service{
		jobs:     jobs,
		kb:       kb,
		votes:    votes,
		log:      log,
		cache:    c,
		logger:   zap.NewNop(),
		timeout:  60 * time.Second,
		pollWait: 2 * time.Second,
		now:      time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Ask answers q from the cache or through a worker. A worker that does not
// answer within the timeout yields a pending Answer carrying the job id.
func (s *Service) Ask(ctx context.Context, q Question) (Answer, error) {
	question := strings.TrimSpace(q.Question)
	if question == "" {
		return Answer{}, fmt.Errorf("%w: question is required", ErrInvalid)
	}
	if utf8.RuneCountInString(question) > MaxQuestionLength {
		return Answer{}, fmt.Errorf("%w: question exceeds %d characters", ErrInvalid, MaxQuestionLength)
	}
	input := cacheInput{
		Question:         question,
		Context:          firstNonEmpty(q.Context, DefaultContext),
		UseKnowledgeBase: q.UseKnowledgeBase,
	}

	var cached Answer
	if s.cache.Lookup(ctx, cache.KindQA, input, &cached) {
		if cached.QAID != "" {
			if err := s.votes.BumpViews(ctx, cached.QAID); err != nil {
				s.logger.Warn("view count update failed", zap.String("qa_id", cached.QAID), zap.Error(err))
			}
		}
		cached.Cached = true
		return cached, nil
	}

	dedupKey, err := cache.Key(cache.KindQA, input)
	if err != nil {
		return Answer{}, err
	}
	job := &models.Job{
		Question:         input.Question,
		Context:          input.Context,
		UseKnowledgeBase: input.UseKnowledgeBase,
		SessionID:        q.SessionID,
	}
	jobID, reused, err := s.jobs.SubmitDedup(ctx, dedupKey, job)
	if err != nil {
		return Answer{}, fmt.Errorf("submit question: %w", err)
	}
	if reused {
		s.logger.Debug("joined in-flight job", zap.String("job_id", jobID))
	}

	reply, err := s.jobs.Await(ctx, jobID, s.timeout)
	if err != nil {
		return Answer{}, err
	}
	return s.resolve(ctx, input, q.SessionID, reply), nil
}

// Poll reports the outcome of a job started by Ask, waiting briefly for it.
func (s *Service) Poll(ctx context.Context, jobID string) (Answer, error) {
	rec, err := s.jobs.Lookup(ctx, jobID)
	if err != nil {
		return Answer{}, err
	}
	if rec == nil {
		return Answer{}, ErrUnknownJob
	}
	reply, err := s.jobs.Await(ctx, jobID, s.pollWait)
	if err != nil {
		return Answer{}, err
	}
	input := cacheInput{
		Question:         rec.Question,
		Context:          firstNonEmpty(rec.Context, DefaultContext),
		UseKnowledgeBase: rec.UseKnowledgeBase,
	}
	return s.resolve(ctx, input, "", reply), nil
}

func (s *Service) resolve(ctx context.Context, input cacheInput, sessionID string, reply correlation.Reply) Answer {
	if reply.Status == correlation.ReplyPending {
		return Answer{Pending: true, JobID: reply.JobID}
	}
	res := reply.Result
	if res.Failed() {
		s.logger.Warn("worker failed to answer", zap.String("job_id", reply.JobID), zap.String("error", res.Error))
		return Answer{
			Answer:     FallbackAnswer,
			AnswerHTML: markdown.Render(FallbackAnswer),
			Source:     FallbackSource,
			Confidence: FallbackConfidence,
			JobID:      reply.JobID,
			Timestamp:  s.now().UnixMilli(),
			Error:      res.Error,
		}
	}

	// The job id doubles as the QA id so that callers sharing a job share
	// one knowledge base entry.
	entry, err := s.record(ctx, models.QAEntry{
		ID:        reply.JobID,
		Question:  input.Question,
		Answer:    res.Answer,
		Category:  DefaultCategory,
		SessionID: sessionID,
		Source:    res.Source,
	})
	if err != nil {
		s.logger.Warn("knowledge base write failed", zap.String("job_id", reply.JobID), zap.Error(err))
	}
	ans := Answer{
		Answer:     res.Answer,
		AnswerHTML: markdown.Render(res.Answer),
		Source:     res.Source,
		Confidence: res.Confidence,
		QAID:       entry.ID,
		JobID:      reply.JobID,
		Timestamp:  s.now().UnixMilli(),
	}
	s.cache.Store(ctx, cache.KindQA, input, ans, 0)
	return ans
}

// AddKnowledge stores a hand-written QA pair.
func (s *Service) AddKnowledge(ctx context.Context, question, answer, category string) (models.QAEntry, error) {
	question, answer = strings.TrimSpace(question), strings.TrimSpace(answer)
	if question == "" || answer == "" {
		return models.QAEntry{}, fmt.Errorf("%w: question and answer are required", ErrInvalid)
	}
	if utf8.RuneCountInString(question) > MaxQuestionLength || utf8.RuneCountInString(answer) > MaxAnswerLength {
		return models.QAEntry{}, fmt.Errorf("%w: question or answer too long", ErrInvalid)
	}
	return s.record(ctx, models.QAEntry{
		ID:       uuid.NewString(),
		Question: question,
		Answer:   answer,
		Category: firstNonEmpty(category, DefaultCategory),
		Source:   ManualSource,
	})
}

// Vote records a helpfulness vote and returns the updated entry.
func (s *Service) Vote(ctx context.Context, qaID string, helpful bool, voterID string) (models.QAEntry, error) {
	return s.votes.RecordVote(ctx, qaID, helpful, strings.TrimSpace(voterID))
}

// record indexes e unless an entry with its id exists, then appends it to
// qna_stream and announces it. An existing entry is returned as stored.
func (s *Service) record(ctx context.Context, e models.QAEntry) (models.QAEntry, error) {
	col := s.kb.Knowledge()
	existing, err := s.kb.Get(ctx, col, e.ID)
	if err != nil {
		return models.QAEntry{}, err
	}
	if existing != nil {
		return models.QAFromHash(existing), nil
	}

	e.Timestamp = s.now().UnixMilli()
	if err := s.kb.Put(ctx, col, e.ID, e.HashFields()); err != nil {
		return models.QAEntry{}, fmt.Errorf("index qa %s: %w", e.ID, err)
	}
	if _, err := s.log.Append(ctx, eventlog.TopicQnA, map[string]interface{}{
		"qa_id":     e.ID,
		"question":  e.Question,
		"category":  e.Category,
		"timestamp": strconv.FormatInt(e.Timestamp, 10),
	}); err != nil {
		s.logger.Warn("qna stream append failed", zap.String("qa_id", e.ID), zap.Error(err))
	}
	if s.pub != nil {
		if err := s.pub.Publish(ctx, pubsub.ChannelQnA, ActionNewQA, e); err != nil {
			s.logger.Warn("qna publish failed", zap.String("qa_id", e.ID), zap.Error(err))
		}
	}
	return e, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
