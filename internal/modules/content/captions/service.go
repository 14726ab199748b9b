// Package captions ingests caption events, keeps the caption index in step
// with the event log and replays recent captions to late joiners.
package captions

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Aryakoste/redis-captions-overlay/internal/models"
	"github.com/Aryakoste/redis-captions-overlay/internal/modules/stats/search"
	"github.com/Aryakoste/redis-captions-overlay/internal/modules/stream/eventlog"
	"github.com/Aryakoste/redis-captions-overlay/internal/modules/stream/pubsub"
	"github.com/Aryakoste/redis-captions-overlay/internal/pkg/metrics"
)

const (
	MaxTextLength = 5000

	DefaultLang       = "en"
	DefaultSessionID  = "default"
	DefaultConfidence = 0.95
	DefaultSource     = "manual"

	// ActionNewCaption is the pub/sub action of an ingested caption.
	ActionNewCaption = "new_caption"

	defaultRecent = 20
	maxRecent     = 100
	recentScanCap = 2000
)

// ErrInvalid marks a caption rejected by validation.
var ErrInvalid = errors.New("invalid caption")

// Log is the part of the event log the pipeline uses.
type Log interface {
	Append(ctx context.Context, topic string, fields map[string]interface{}) (string, error)
	RevRange(ctx context.Context, topic, end, start string, count int64) ([]eventlog.Entry, error)
	Read(ctx context.Context, req eventlog.ReadRequest) ([]eventlog.Entry, error)
	EnsureGroup(ctx context.Context, topic, group, start string) error
	Ack(ctx context.Context, topic, group string, ids ...string) error
	Claim(ctx context.Context, topic, group, consumer string, minIdle time.Duration, count int64) ([]eventlog.Entry, error)
}

// Indexer writes caption documents.
type Indexer interface {
	Captions() search.Collection
	Put(ctx context.Context, c search.Collection, id string, doc map[string]interface{}) error
	Exists(ctx context.Context, c search.Collection, id string) (bool, error)
}

// Recorder counts ingested captions.
type Recorder interface {
	RecordIngestion(ctx context.Context, lang, sessionID string, at time.Time) error
}

// Publisher announces new captions.
type Publisher interface {
	Publish(ctx context.Context, channel, action string, data interface{}) error
}

// Input is an unvalidated caption. Zero values take the defaults.
type Input struct {
	Text       string
	Lang       string
	SessionID  string
	Confidence *float64
	Source     string
}

// Outcome reports where an ingested caption landed.
type Outcome struct {
	Caption      models.CaptionEvent
	StreamOffset string
	Indexed      bool
}

type Service struct {
	log         Log
	index       Indexer
	recorder    Recorder
	pub         Publisher
	logger      *zap.Logger
	reclaimIdle time.Duration
	now         func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger for the service.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l.Named("Captions")
		}
	}
}

// WithRecorder enables analytics on ingestion.
func WithRecorder(r Recorder) Option {
	return func(s *Service) { s.recorder = r }
}

// WithPublisher enables pub/sub announcements on ingestion.
func WithPublisher(p Publisher) Option {
	return func(s *Service) { s.pub = p }
}

// WithReclaimIdle sets how long a projector entry may stay pending before
// a later pass takes it over.
func WithReclaimIdle(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.reclaimIdle = d
		}
	}
}

func NewService(log Log, index Indexer, opts ...Option) *Service {
	s := &Service{log: log, index: index, logger: zap.NewNop(), reclaimIdle: time.Minute, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Validate applies the defaults to in and checks it.
func Validate(in Input) (models.CaptionEvent, error) {
	text := strings.TrimSpace(in.Text)
	if text == "" {
		return models.CaptionEvent{}, fmt.Errorf("%w: text is required", ErrInvalid)
	}
	if utf8.RuneCountInString(text) > MaxTextLength {
		return models.CaptionEvent{}, fmt.Errorf("%w: text exceeds %d characters", ErrInvalid, MaxTextLength)
	}
	ev := models.CaptionEvent{
		Text:       text,
		Lang:       firstNonEmpty(in.Lang, DefaultLang),
		SessionID:  firstNonEmpty(in.SessionID, DefaultSessionID),
		Confidence: DefaultConfidence,
		Source:     firstNonEmpty(in.Source, DefaultSource),
	}
	if in.Confidence != nil {
		if *in.Confidence < 0 || *in.Confidence > 1 {
			return models.CaptionEvent{}, fmt.Errorf("%w: confidence must be between 0 and 1", ErrInvalid)
		}
		ev.Confidence = *in.Confidence
	}
	return ev, nil
}

// Ingest appends the caption to the log, then indexes, counts and
// announces it. Only the append is required to succeed; a failed index
// write is repaired later by Project.
func (s *Service) Ingest(ctx context.Context, in Input) (Outcome, error) {
	ev, err := Validate(in)
	if err != nil {
		return Outcome{}, err
	}
	now := s.now()
	ev.ID = uuid.NewString()
	ev.Timestamp = now.UnixMilli()

	offset, err := s.log.Append(ctx, eventlog.TopicCaptions, ev.StreamFields())
	if err != nil {
		return Outcome{}, fmt.Errorf("append caption: %w", err)
	}
	ev.StreamID = offset
	out := Outcome{Caption: ev, StreamOffset: offset}

	if err := s.index.Put(ctx, s.index.Captions(), ev.ID, ev.HashFields()); err != nil {
		metrics.IndexWriteFailures.Inc()
		s.logger.Warn("caption index write failed", zap.String("caption_id", ev.ID), zap.Error(err))
	} else {
		out.Indexed = true
	}

	if s.recorder != nil {
		if err := s.recorder.RecordIngestion(ctx, ev.Lang, ev.SessionID, now); err != nil {
			s.logger.Warn("analytics update failed", zap.String("caption_id", ev.ID), zap.Error(err))
		}
	}
	if s.pub != nil {
		if err := s.pub.Publish(ctx, pubsub.ChannelCaptions, ActionNewCaption, ev); err != nil {
			s.logger.Warn("caption publish failed", zap.String("caption_id", ev.ID), zap.Error(err))
		}
	}

	metrics.CaptionsIngested.WithLabelValues(ev.Source).Inc()
	return out, nil
}

// Recent returns up to count captions newest first, restricted to
// sessionID when it is set.
func (s *Service) Recent(ctx context.Context, sessionID string, count int) ([]models.CaptionEvent, error) {
	if count <= 0 {
		count = defaultRecent
	}
	if count > maxRecent {
		count = maxRecent
	}
	page := int64(count)
	if sessionID != "" && page < 50 {
		page = 50
	}

	out := make([]models.CaptionEvent, 0, count)
	end, scanned := "+", 0
	for scanned < recentScanCap {
		entries, err := s.log.RevRange(ctx, eventlog.TopicCaptions, end, "-", page)
		if err != nil {
			return nil, fmt.Errorf("read recent captions: %w", err)
		}
		for _, e := range entries {
			ev := models.CaptionFromStream(e.ID, e.Fields)
			if sessionID != "" && ev.SessionID != sessionID {
				continue
			}
			out = append(out, ev)
			if len(out) == count {
				return out, nil
			}
		}
		scanned += len(entries)
		if int64(len(entries)) < page {
			break
		}
		prev, ok := eventlog.PrevOffset(entries[len(entries)-1].ID)
		if !ok {
			break
		}
		end = prev
	}
	return out, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
