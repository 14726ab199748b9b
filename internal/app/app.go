package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Aryakoste/redis-captions-overlay/internal/config"
	"github.com/Aryakoste/redis-captions-overlay/internal/middleware"
	"github.com/Aryakoste/redis-captions-overlay/internal/modules/content/captions"
	"github.com/Aryakoste/redis-captions-overlay/internal/modules/content/qna"
	"github.com/Aryakoste/redis-captions-overlay/internal/modules/gateway/gateway"
	"github.com/Aryakoste/redis-captions-overlay/internal/modules/processing/cache"
	"github.com/Aryakoste/redis-captions-overlay/internal/modules/processing/correlation"
	"github.com/Aryakoste/redis-captions-overlay/internal/modules/processing/transcribe"
	"github.com/Aryakoste/redis-captions-overlay/internal/modules/processing/translate"
	"github.com/Aryakoste/redis-captions-overlay/internal/modules/stats/aggregate"
	"github.com/Aryakoste/redis-captions-overlay/internal/modules/stats/analytics"
	"github.com/Aryakoste/redis-captions-overlay/internal/modules/stats/search"
	"github.com/Aryakoste/redis-captions-overlay/internal/modules/storage/archive"
	"github.com/Aryakoste/redis-captions-overlay/internal/modules/stream/eventlog"
	"github.com/Aryakoste/redis-captions-overlay/internal/modules/stream/pubsub"
	pkgcron "github.com/Aryakoste/redis-captions-overlay/internal/pkg/cron"
	pkgredis "github.com/Aryakoste/redis-captions-overlay/internal/pkg/redis"
)

// App holds all application dependencies.
type App struct {
	cfg    *config.AppConfig
	router *gin.Engine
	rc     *pkgredis.Client
	hub    *gateway.Hub
	logger *zap.Logger
	cancel context.CancelFunc
	sched  *pkgcron.Scheduler
	bg     sync.WaitGroup

	log        *eventlog.Log
	index      *search.Index
	captions   *captions.Service
	qna        *qna.Service
	translate  *translate.Service
	analytics  *analytics.Service
	correlator *correlation.Correlator
	asr        captions.Transcriber
	collector  *aggregate.Collector
	archiver   *archive.Archiver
}

// New initializes the application: Redis → indexes → services → routes.
func New(logger *zap.Logger, cfg *config.AppConfig) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if err := applyRuntimeSettings(cfg); err != nil {
		return nil, err
	}

	rc, err := pkgredis.Connect(cfg.Redis.URLValue())
	if err != nil {
		return nil, fmt.Errorf("redis: %w", err)
	}

	a := &App{cfg: cfg, rc: rc, logger: logger}
	a.buildServices()

	startCtx, cancelStart := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelStart()
	if err := a.prepareStorage(startCtx); err != nil {
		_ = rc.Close()
		return nil, err
	}

	if cfg.IsDev() {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.HandleMethodNotAllowed = true
	router.Use(gin.Recovery())
	router.Use(middleware.Logger(logger, "/health", "/metrics"))
	router.Use(middleware.Metrics())
	router.Use(cors.New(corsConfig(cfg)))
	router.Use(middleware.RateLimit(rc.Raw(), cfg.RateLimit.Max, logger))
	router.Use(middleware.Idempotence(rc.Raw()))
	a.router = router

	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.bg.Add(1)
	go func() {
		defer a.bg.Done()
		a.hub.Run(ctx)
	}()

	a.sched = pkgcron.New(pkgcron.WithLogger(logger))
	a.registerCronJobs()
	a.sched.Start(ctx)

	a.registerRoutes()
	return a, nil
}

func (a *App) buildServices() {
	cfg, logger, rc := a.cfg, a.logger, a.rc

	a.log = eventlog.New(rc, eventlog.WithLogger(logger))
	bus := pubsub.New(rc, logger)
	c := cache.New(rc,
		cache.WithLogger(logger),
		cache.WithTTL(cache.KindTranscription, cfg.Cache.TranscriptionTTL),
		cache.WithTTL(cache.KindQA, cfg.Cache.QATTL),
		cache.WithTTL(cache.KindTranslation, cfg.Cache.TranslationTTL),
	)
	a.index = search.NewIndex(rc,
		search.WithLogger(logger),
		search.WithIndexNames(cfg.Search.CaptionsIndex, cfg.Search.KnowledgeIndex),
		search.WithBreaker(cfg.Search.Breaker.TripAfter, cfg.Search.Breaker.OpenFor),
	)
	a.analytics = analytics.NewService(rc,
		analytics.WithLogger(logger),
		analytics.WithLanguages(cfg.Analytics.Languages...),
	)

	a.correlator = correlation.New(a.log, correlation.NewRegistry(rc),
		correlation.WithLogger(logger),
		correlation.WithPollBlock(cfg.Correlation.PollBlock),
		correlation.WithTimeout(cfg.Correlation.Timeout),
		correlation.WithDedupWindow(cfg.Correlation.DedupWindow),
	)

	if len(cfg.ASR.Command) > 0 {
		engine, err := transcribe.NewCommandEngine(cfg.ASR.Command, cfg.ASR.Timeout)
		if err != nil {
			logger.Warn("speech recognition disabled", zap.Error(err))
		} else {
			a.asr = transcribe.NewService(engine, c,
				transcribe.WithLogger(logger),
				transcribe.WithDefaultModel(cfg.ASR.Model),
			)
		}
	}
	a.translate = translate.NewService(translate.TagTranslator{}, c)

	a.captions = captions.NewService(a.log, a.index,
		captions.WithLogger(logger),
		captions.WithRecorder(a.analytics),
		captions.WithPublisher(bus),
	)
	a.qna = qna.NewService(a.correlator, a.index, a.analytics, a.log, c,
		qna.WithLogger(logger),
		qna.WithTimeout(cfg.Correlation.Timeout),
		qna.WithPublisher(bus),
	)

	a.hub = gateway.NewHub(bus,
		gateway.WithLogger(logger),
		gateway.WithCheckOrigin(websocketOriginCheck(cfg)),
	)
	a.collector = aggregate.NewCollector(rc, a.index, a.log, a.hub)

	if cfg.Archive.Enable {
		s3cfg := cfg.Archive.S3
		a.archiver = archive.New(a.log, archive.NewS3Client(s3cfg), s3cfg.Bucket, s3cfg.Prefix,
			archive.WithLogger(logger))
	}
}

// prepareStorage creates the search indexes and the projector's consumer
// group. Index failures leave search degraded but do not stop startup.
func (a *App) prepareStorage(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := a.index.EnsureIndexes(gctx, a.cfg.Search.RecreateOnStart); err != nil {
			a.logger.Warn("search indexes unavailable, search runs degraded", zap.Error(err))
			return nil
		}
		if a.cfg.Search.SeedSampleData {
			if err := a.index.Seed(gctx, time.Now()); err != nil {
				a.logger.Warn("sample knowledge seed failed", zap.Error(err))
			}
		}
		return nil
	})
	g.Go(func() error {
		if err := a.log.EnsureGroup(gctx, eventlog.TopicCaptions, captions.ProjectorGroup, "0"); err != nil {
			return fmt.Errorf("projector group: %w", err)
		}
		return nil
	})
	return g.Wait()
}

// Addr returns the listen address.
func (a *App) Addr() string { return a.cfg.Addr() }

// Router returns the HTTP handler.
func (a *App) Router() http.Handler { return a.router }

// Shutdown stops background jobs and the gateway, then closes Redis.
func (a *App) Shutdown() {
	a.cancel()
	a.sched.Wait()
	a.bg.Wait()
	if err := a.rc.Close(); err != nil {
		a.logger.Warn("redis close failed", zap.Error(err))
	}
}
