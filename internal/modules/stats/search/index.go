package search

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/Aryakoste/redis-captions-overlay/internal/models"
	"github.com/Aryakoste/redis-captions-overlay/internal/pkg/metrics"
	pkgredis "github.com/Aryakoste/redis-captions-overlay/internal/pkg/redis"
)

var (
	// ErrIndexUnavailable means the search module is missing or the
	// breaker around it is open.
	ErrIndexUnavailable = errors.New("document index unavailable")
	// ErrBadQuery reports a request the collection cannot answer.
	ErrBadQuery = errors.New("bad search query")
)

// Result is one page of matches plus the total match count.
type Result struct {
	Total int
	Docs  []redis.Document
}

// Index stores documents as Redis hashes and queries them through
// RediSearch.
type Index struct {
	rc        *pkgredis.Client
	logger    *zap.Logger
	captions  Collection
	knowledge Collection
	breaker   *gobreaker.CircuitBreaker[Result]
}

// Option configures an Index.
type Option func(*indexOptions)

type indexOptions struct {
	logger        *zap.Logger
	captionsIndex string
	knowledgeIdx  string
	tripAfter     uint32
	openTimeout   time.Duration
}

// WithLogger sets the logger for the index.
func WithLogger(l *zap.Logger) Option {
	return func(o *indexOptions) {
		if l != nil {
			o.logger = l.Named("SearchIndex")
		}
	}
}

// WithIndexNames overrides the RediSearch index names.
func WithIndexNames(captions, knowledge string) Option {
	return func(o *indexOptions) {
		if captions != "" {
			o.captionsIndex = captions
		}
		if knowledge != "" {
			o.knowledgeIdx = knowledge
		}
	}
}

// WithBreaker sets how many consecutive failures open the breaker and how
// long it stays open.
func WithBreaker(tripAfter uint32, open time.Duration) Option {
	return func(o *indexOptions) {
		if tripAfter > 0 {
			o.tripAfter = tripAfter
		}
		if open > 0 {
			o.openTimeout = open
		}
	}
}

func NewIndex(rc *pkgredis.Client, opts ...Option) *Index {
	o := indexOptions{
		logger:        zap.NewNop(),
		captionsIndex: "idx:captions",
		knowledgeIdx:  "idx:knowledge",
		tripAfter:     5,
		openTimeout:   30 * time.Second,
	}
	for _, fn := range opts {
		fn(&o)
	}

	ix := &Index{
		rc:        rc,
		logger:    o.logger,
		captions:  CaptionsCollection(o.captionsIndex),
		knowledge: KnowledgeCollection(o.knowledgeIdx),
	}
	logger := o.logger
	ix.breaker = gobreaker.NewCircuitBreaker[Result](gobreaker.Settings{
		Name:        "search",
		MaxRequests: 1,
		Timeout:     o.openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= o.tripAfter
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("search breaker state changed",
				zap.String("from", from.String()), zap.String("to", to.String()))
			metrics.SearchBreakerState.WithLabelValues(name).Set(float64(to))
		},
		// Malformed queries and cancelled requests say nothing about the
		// health of the index.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, ErrBadQuery)
		},
	})
	metrics.SearchBreakerState.WithLabelValues("search").Set(0)
	return ix
}

func (ix *Index) Captions() Collection  { return ix.captions }
func (ix *Index) Knowledge() Collection { return ix.knowledge }

// EnsureIndexes creates both indexes. With recreate set the existing
// definitions are dropped first; documents are kept and re-indexed.
func (ix *Index) EnsureIndexes(ctx context.Context, recreate bool) error {
	for _, c := range []Collection{ix.captions, ix.knowledge} {
		if err := ix.ensure(ctx, c, recreate); err != nil {
			return err
		}
	}
	return nil
}

func (ix *Index) ensure(ctx context.Context, c Collection, recreate bool) error {
	rdb := ix.rc.Raw()
	if recreate {
		if err := rdb.FTDropIndex(ctx, c.Index).Err(); err != nil {
			if pkgredis.IsUnknownCommand(err) {
				return fmt.Errorf("%w: %v", ErrIndexUnavailable, err)
			}
			ix.logger.Debug("drop index skipped", zap.String("index", c.Index), zap.Error(err))
		}
	}

	err := rdb.FTCreate(ctx, c.Index, &redis.FTCreateOptions{
		OnHash: true,
		Prefix: []interface{}{c.Prefix},
	}, c.schema...).Err()
	switch {
	case err == nil:
		ix.logger.Info("index created", zap.String("index", c.Index), zap.String("prefix", c.Prefix))
		return nil
	case isIndexExists(err):
		return nil
	case pkgredis.IsUnknownCommand(err):
		return fmt.Errorf("%w: %v", ErrIndexUnavailable, err)
	default:
		return fmt.Errorf("create index %s: %w", c.Index, err)
	}
}

// Put writes doc under the collection key of id.
func (ix *Index) Put(ctx context.Context, c Collection, id string, doc map[string]interface{}) error {
	if id == "" {
		return errors.New("document id is required")
	}
	return ix.rc.Raw().HSet(ctx, c.Key(id), doc).Err()
}

// Exists reports whether the document of id is stored.
func (ix *Index) Exists(ctx context.Context, c Collection, id string) (bool, error) {
	return ix.rc.Exists(ctx, c.Key(id))
}

// Get loads one document, nil when it does not exist.
func (ix *Index) Get(ctx context.Context, c Collection, id string) (map[string]string, error) {
	fields, err := ix.rc.Raw().HGetAll(ctx, c.Key(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return fields, nil
}

// Search runs req against c, newest or best voted first.
func (ix *Index) Search(ctx context.Context, c Collection, req Request) (Result, error) {
	query, err := BuildQuery(c, req)
	if err != nil {
		return Result{}, err
	}
	offset := req.Offset
	if offset < 0 {
		offset = 0
	}
	return ix.run(ctx, c, query, &redis.FTSearchOptions{
		SortBy:      []redis.FTSearchSortBy{{FieldName: c.SortField, Desc: true}},
		LimitOffset: offset,
		Limit:       clampLimit(req.Limit, c.DefaultLimit),
	})
}

// SearchCaptions is Search over the captions collection, decoded.
func (ix *Index) SearchCaptions(ctx context.Context, req Request) (int, []models.CaptionEvent, error) {
	res, err := ix.Search(ctx, ix.captions, req)
	if err != nil {
		return 0, nil, err
	}
	out := make([]models.CaptionEvent, 0, len(res.Docs))
	for _, d := range res.Docs {
		out = append(out, models.CaptionFromHash(d.Fields))
	}
	return res.Total, out, nil
}

// SearchKnowledge is Search over the knowledge collection, decoded.
func (ix *Index) SearchKnowledge(ctx context.Context, req Request) (int, []models.QAEntry, error) {
	res, err := ix.Search(ctx, ix.knowledge, req)
	if err != nil {
		return 0, nil, err
	}
	out := make([]models.QAEntry, 0, len(res.Docs))
	for _, d := range res.Docs {
		out = append(out, models.QAFromHash(d.Fields))
	}
	return res.Total, out, nil
}

// Count returns how many documents c holds.
func (ix *Index) Count(ctx context.Context, c Collection) (int, error) {
	res, err := ix.run(ctx, c, "*", &redis.FTSearchOptions{NoContent: true, Limit: 1})
	if err != nil {
		return 0, err
	}
	return res.Total, nil
}

// Status reports whether the index of c answers FT.INFO.
func (ix *Index) Status(ctx context.Context, c Collection) string {
	err := ix.rc.Raw().FTInfo(ctx, c.Index).Err()
	switch {
	case err == nil:
		return "exists"
	case pkgredis.IsUnknownCommand(err):
		return "unsupported"
	default:
		return "missing"
	}
}

func (ix *Index) run(ctx context.Context, c Collection, query string, opts *redis.FTSearchOptions) (Result, error) {
	res, err := ix.breaker.Execute(func() (Result, error) {
		raw, err := ix.rc.Raw().FTSearchWithArgs(ctx, c.Index, query, opts).Result()
		if err != nil {
			if isSyntaxError(err) {
				return Result{}, fmt.Errorf("%w: %v", ErrBadQuery, err)
			}
			return Result{}, err
		}
		return Result{Total: raw.Total, Docs: raw.Docs}, nil
	})
	if err == nil {
		return res, nil
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) || pkgredis.IsUnknownCommand(err) {
		return Result{}, fmt.Errorf("%w: %w", ErrIndexUnavailable, err)
	}
	return Result{}, fmt.Errorf("search %s: %w", c.Index, err)
}

func isIndexExists(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "index already exists")
}

func isSyntaxError(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "syntax error")
}
