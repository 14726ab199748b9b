package qna

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"go.uber.org/zap/zaptest"

	"github.com/Aryakoste/redis-captions-overlay/internal/models"
	"github.com/Aryakoste/redis-captions-overlay/internal/modules/processing/cache"
	"github.com/Aryakoste/redis-captions-overlay/internal/modules/processing/correlation"
	"github.com/Aryakoste/redis-captions-overlay/internal/modules/stats/analytics"
	"github.com/Aryakoste/redis-captions-overlay/internal/modules/stats/search"
	"github.com/Aryakoste/redis-captions-overlay/internal/modules/stream/eventlog"
	pkgredis "github.com/Aryakoste/redis-captions-overlay/internal/pkg/redis"
)

// fakeJobs answers every job with reply, standing in for the worker pool.
type fakeJobs struct {
	mu        sync.Mutex
	submitted []models.Job
	records   map[string]*correlation.JobRecord
	reply     func(jobID string) correlation.Reply
	awaitErr  error
}

func newFakeJobs(reply func(jobID string) correlation.Reply) *fakeJobs {
	return &fakeJobs{records: map[string]*correlation.JobRecord{}, reply: reply}
}

func (f *fakeJobs) SubmitDedup(_ context.Context, dedupKey string, job *models.Job) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job.JobID = fmt.Sprintf("job-%d", len(f.submitted)+1)
	f.submitted = append(f.submitted, *job)
	f.records[job.JobID] = &correlation.JobRecord{
		ID:               job.JobID,
		Status:           correlation.JobEnqueued,
		Question:         job.Question,
		Context:          job.Context,
		UseKnowledgeBase: job.UseKnowledgeBase,
		DedupKey:         dedupKey,
	}
	return job.JobID, false, nil
}

func (f *fakeJobs) Await(ctx context.Context, jobID string, _ time.Duration) (correlation.Reply, error) {
	if f.awaitErr != nil {
		return correlation.Reply{}, f.awaitErr
	}
	return f.reply(jobID), nil
}

func (f *fakeJobs) Lookup(_ context.Context, jobID string) (*correlation.JobRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.records[jobID], nil
}

func (f *fakeJobs) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submitted)
}

func answered(text string) func(string) correlation.Reply {
	return func(jobID string) correlation.Reply {
		return correlation.Reply{
			Status: correlation.ReplyClaimed,
			JobID:  jobID,
			Result: models.JobResult{JobID: jobID, Answer: text, Confidence: 0.8, Source: "llm"},
		}
	}
}

type recordingPublisher struct {
	mu      sync.Mutex
	actions []string
}

func (p *recordingPublisher) Publish(_ context.Context, channel, action string, _ interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.actions = append(p.actions, channel+":"+action)
	return nil
}

type fixture struct {
	svc  *Service
	jobs *fakeJobs
	mr   *miniredis.Miniredis
	log  *eventlog.Log
	pub  *recordingPublisher
}

func newFixture(t *testing.T, jobs *fakeJobs) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rc, err := pkgredis.Connect("redis://" + mr.Addr())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = rc.Close() })

	f := &fixture{jobs: jobs, mr: mr, log: eventlog.New(rc), pub: &recordingPublisher{}}
	f.svc = NewService(jobs, search.NewIndex(rc), analytics.NewService(rc), f.log, cache.New(rc),
		WithLogger(zaptest.NewLogger(t)),
		WithPublisher(f.pub),
	)
	return f
}

func TestAskStoresAnswerAndServesRepeatsFromCache(t *testing.T) {
	f := newFixture(t, newFakeJobs(answered("Redis keeps data **in memory**.")))
	ctx := context.Background()

	first, err := f.svc.Ask(ctx, Question{Question: "Why is Redis fast?"})
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if first.Cached || first.Pending || first.QAID != "job-1" || first.JobID != "job-1" {
		t.Fatalf("first answer = %+v", first)
	}
	if !strings.Contains(first.AnswerHTML, "<strong>in memory</strong>") {
		t.Fatalf("answer_html = %q", first.AnswerHTML)
	}
	if got := f.jobs.submitted[0].Context; got != DefaultContext {
		t.Fatalf("job context %q", got)
	}
	if got := f.mr.HGet(models.QAKey("job-1"), "question"); got != "Why is Redis fast?" {
		t.Fatalf("stored question %q", got)
	}
	if n, _ := f.log.Len(ctx, eventlog.TopicQnA); n != 1 {
		t.Fatalf("qna_stream length %d", n)
	}
	if len(f.pub.actions) != 1 || f.pub.actions[0] != "qna_updates:new_qa" {
		t.Fatalf("published %v", f.pub.actions)
	}

	second, err := f.svc.Ask(ctx, Question{Question: "  Why is Redis fast?  "})
	if err != nil {
		t.Fatal(err)
	}
	if !second.Cached || second.Answer != first.Answer || second.QAID != first.QAID {
		t.Fatalf("second answer = %+v", second)
	}
	if f.jobs.count() != 1 {
		t.Fatalf("submitted %d jobs, want 1", f.jobs.count())
	}
	if got := f.mr.HGet(models.QAKey("job-1"), models.QAFieldViews); got != "1" {
		t.Fatalf("views = %q", got)
	}
}

func TestAskFallsBackWhenWorkerFails(t *testing.T) {
	f := newFixture(t, newFakeJobs(func(jobID string) correlation.Reply {
		return correlation.Reply{
			Status: correlation.ReplyClaimed,
			JobID:  jobID,
			Result: models.JobResult{JobID: jobID, Error: "model overloaded"},
		}
	}))
	ctx := context.Background()

	ans, err := f.svc.Ask(ctx, Question{Question: "What is a stream?"})
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if ans.Source != FallbackSource || ans.Confidence != FallbackConfidence || ans.QAID != "" || ans.Error != "model overloaded" {
		t.Fatalf("answer = %+v", ans)
	}
	if f.mr.Exists(models.QAKey(ans.JobID)) {
		t.Fatal("fallback answer stored in the knowledge base")
	}

	if _, err := f.svc.Ask(ctx, Question{Question: "What is a stream?"}); err != nil {
		t.Fatal(err)
	}
	if f.jobs.count() != 2 {
		t.Fatalf("fallback was cached: %d jobs submitted", f.jobs.count())
	}
}

func TestAskPendingThenPoll(t *testing.T) {
	var ready bool
	jobs := newFakeJobs(func(jobID string) correlation.Reply {
		if !ready {
			return correlation.Reply{Status: correlation.ReplyPending, JobID: jobID}
		}
		return answered("Eventually consistent.")(jobID)
	})
	f := newFixture(t, jobs)
	ctx := context.Background()

	ans, err := f.svc.Ask(ctx, Question{Question: "Slow one?", Context: "ctx"})
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if !ans.Pending || ans.JobID != "job-1" {
		t.Fatalf("answer = %+v", ans)
	}

	if _, err := f.svc.Poll(ctx, "missing"); !errors.Is(err, ErrUnknownJob) {
		t.Fatalf("Poll(missing) err = %v", err)
	}

	ready = true
	polled, err := f.svc.Poll(ctx, "job-1")
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if polled.Pending || polled.QAID != "job-1" || polled.Answer != "Eventually consistent." {
		t.Fatalf("polled = %+v", polled)
	}

	// A second poll returns the same entry without announcing it again.
	if _, err := f.svc.Poll(ctx, "job-1"); err != nil {
		t.Fatal(err)
	}
	if n, _ := f.log.Len(ctx, eventlog.TopicQnA); n != 1 {
		t.Fatalf("qna_stream length %d", n)
	}

	// The poll wrote the answer back under the asker's cache key.
	cached, err := f.svc.Ask(ctx, Question{Question: "Slow one?", Context: "ctx"})
	if err != nil || !cached.Cached {
		t.Fatalf("Ask after poll = %+v, %v", cached, err)
	}
}

func TestAskHonorsCancellation(t *testing.T) {
	jobs := newFakeJobs(answered("unused"))
	jobs.awaitErr = context.Canceled
	f := newFixture(t, jobs)

	if _, err := f.svc.Ask(context.Background(), Question{Question: "q"}); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
}

func TestAskValidation(t *testing.T) {
	f := newFixture(t, newFakeJobs(answered("x")))
	for _, q := range []string{"", "   ", strings.Repeat("?", MaxQuestionLength+1)} {
		if _, err := f.svc.Ask(context.Background(), Question{Question: q}); !errors.Is(err, ErrInvalid) {
			t.Fatalf("Ask(%d chars) err = %v", len(q), err)
		}
	}
	if f.jobs.count() != 0 {
		t.Fatalf("submitted %d jobs", f.jobs.count())
	}
}

func TestAddKnowledge(t *testing.T) {
	f := newFixture(t, newFakeJobs(answered("x")))
	entry, err := f.svc.AddKnowledge(context.Background(), "What is RediSearch?", "A search module.", "")
	if err != nil {
		t.Fatalf("AddKnowledge: %v", err)
	}
	if entry.Category != DefaultCategory || entry.Source != ManualSource || entry.Timestamp == 0 {
		t.Fatalf("entry = %+v", entry)
	}
	if got := f.mr.HGet(models.QAKey(entry.ID), "answer"); got != "A search module." {
		t.Fatalf("stored answer %q", got)
	}
	if _, err := f.svc.AddKnowledge(context.Background(), "q", " ", ""); !errors.Is(err, ErrInvalid) {
		t.Fatalf("blank answer err = %v", err)
	}
}
