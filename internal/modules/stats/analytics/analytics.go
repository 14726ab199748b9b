// Package analytics keeps per-day caption counters and the Q&A
// leaderboard.
package analytics

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Aryakoste/redis-captions-overlay/internal/models"
	pkgredis "github.com/Aryakoste/redis-captions-overlay/internal/pkg/redis"
)

const (
	// Retention keeps day keys long enough for a month of history.
	Retention = 30 * 24 * time.Hour

	leaderboardKey = "qa:leaderboard"
	voterRetention = 30 * 24 * time.Hour
	topQALimit     = 5
	dayLayout      = "2006-01-02"
)

var (
	ErrUnknownQA    = errors.New("qa entry not found")
	ErrAlreadyVoted = errors.New("voter already voted on this entry")
)

// Day returns the UTC day bucket of t.
func Day(t time.Time) string { return t.UTC().Format(dayLayout) }

func captionsKey(day string) string       { return "analytics:captions:" + day }
func langKey(lang, day string) string     { return "analytics:lang:" + lang + ":" + day }
func sessionKey(sid, day string) string   { return "analytics:session:" + sid + ":" + day }
func activeSessionsKey(day string) string { return "analytics:active_sessions:" + day }
func voterKey(qaID, voter string) string  { return "qa:voter:" + qaID + ":" + voter }

// TopQA is one leaderboard row.
type TopQA struct {
	Value    string  `json:"value"`
	Score    float64 `json:"score"`
	Question string  `json:"question,omitempty"`
}

// Snapshot is the dashboard view of one day.
type Snapshot struct {
	Day            string  `json:"day"`
	CaptionsToday  int64   `json:"captions_today"`
	ActiveSessions int64   `json:"active_sessions"`
	Languages      []Count `json:"languages,omitempty"`
	TopQAs         []TopQA `json:"top_qas"`
}

// Count is a per-language caption count.
type Count struct {
	Lang  string `json:"lang"`
	Count int64  `json:"count"`
}

type Service struct {
	rc        *pkgredis.Client
	logger    *zap.Logger
	languages []string
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger for the service.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l.Named("Analytics")
		}
	}
}

// WithLanguages lists the languages Snapshot breaks counts down by.
func WithLanguages(langs ...string) Option {
	return func(s *Service) {
		if len(langs) > 0 {
			s.languages = langs
		}
	}
}

func NewService(rc *pkgredis.Client, opts ...Option) *Service {
	s := &Service{rc: rc, logger: zap.NewNop(), languages: []string{"en", "es"}}
	for _, o := range opts {
		o(s)
	}
	return s
}

// RecordIngestion counts one caption for the day of at.
func (s *Service) RecordIngestion(ctx context.Context, lang, sessionID string, at time.Time) error {
	day := Day(at)
	if lang == "" {
		lang = "en"
	}
	if sessionID == "" {
		sessionID = "default"
	}
	keys := []string{captionsKey(day), langKey(lang, day), sessionKey(sessionID, day), activeSessionsKey(day)}

	pipe := s.rc.Raw().TxPipeline()
	pipe.Incr(ctx, keys[0])
	pipe.Incr(ctx, keys[1])
	pipe.Incr(ctx, keys[2])
	pipe.SAdd(ctx, keys[3], sessionID)
	for _, k := range keys {
		pipe.Expire(ctx, k, Retention)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// RecordVote applies one vote on qaID. Views always grow; a helpful vote
// also raises helpful_count, votes and the leaderboard score. A non-empty
// voterID may vote once per entry.
func (s *Service) RecordVote(ctx context.Context, qaID string, helpful bool, voterID string) (models.QAEntry, error) {
	key := models.QAKey(qaID)
	exists, err := s.rc.Exists(ctx, key)
	if err != nil {
		return models.QAEntry{}, err
	}
	if !exists {
		return models.QAEntry{}, ErrUnknownQA
	}

	var claimed string
	if voterID = strings.TrimSpace(voterID); voterID != "" {
		claimed = voterKey(qaID, voterID)
		ok, err := s.rc.SetNX(ctx, claimed, time.Now().UnixMilli(), voterRetention)
		if err != nil {
			return models.QAEntry{}, err
		}
		if !ok {
			return models.QAEntry{}, ErrAlreadyVoted
		}
	}

	pipe := s.rc.Raw().TxPipeline()
	pipe.HIncrBy(ctx, key, models.QAFieldViews, 1)
	if helpful {
		pipe.HIncrBy(ctx, key, models.QAFieldHelpful, 1)
		pipe.HIncrBy(ctx, key, models.QAFieldVotes, 1)
		pipe.ZIncrBy(ctx, leaderboardKey, 1, qaID)
	}
	all := pipe.HGetAll(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		// The vote was not counted, so the voter may retry.
		if claimed != "" {
			if derr := s.rc.Del(context.WithoutCancel(ctx), claimed); derr != nil {
				s.logger.Warn("release voter claim failed", zap.String("qa_id", qaID), zap.Error(derr))
			}
		}
		return models.QAEntry{}, err
	}
	return models.QAFromHash(all.Val()), nil
}

// BumpViews counts a view of qaID, served from cache.
func (s *Service) BumpViews(ctx context.Context, qaID string) error {
	if qaID == "" {
		return nil
	}
	key := models.QAKey(qaID)
	exists, err := s.rc.Exists(ctx, key)
	if err != nil || !exists {
		return err
	}
	return s.rc.Raw().HIncrBy(ctx, key, models.QAFieldViews, 1).Err()
}

// Snapshot reads the counters of day (today when empty).
func (s *Service) Snapshot(ctx context.Context, day string) (Snapshot, error) {
	if day == "" {
		day = Day(time.Now())
	}
	rdb := s.rc.Raw()
	out := Snapshot{Day: day, TopQAs: []TopQA{}}

	pipe := rdb.Pipeline()
	captions := pipe.Get(ctx, captionsKey(day))
	sessions := pipe.SCard(ctx, activeSessionsKey(day))
	langs := make([]*redis.StringCmd, len(s.languages))
	for i, l := range s.languages {
		langs[i] = pipe.Get(ctx, langKey(l, day))
	}
	top := pipe.ZRevRangeWithScores(ctx, leaderboardKey, 0, topQALimit-1)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return out, err
	}

	out.CaptionsToday, _ = captions.Int64()
	out.ActiveSessions = sessions.Val()
	for i, l := range s.languages {
		if n, err := langs[i].Int64(); err == nil && n > 0 {
			out.Languages = append(out.Languages, Count{Lang: l, Count: n})
		}
	}

	for _, z := range top.Val() {
		id, _ := z.Member.(string)
		row := TopQA{Value: id, Score: z.Score}
		question, err := rdb.HGet(ctx, models.QAKey(id), "question").Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			s.logger.Warn("leaderboard question lookup failed", zap.String("qa_id", id), zap.Error(err))
		}
		row.Question = question
		out.TopQAs = append(out.TopQAs, row)
	}
	return out, nil
}
