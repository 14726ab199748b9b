package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/Aryakoste/redis-captions-overlay/internal/config"
	"github.com/Aryakoste/redis-captions-overlay/internal/modules/processing/ai"
	"github.com/Aryakoste/redis-captions-overlay/internal/modules/stats/search"
	"github.com/Aryakoste/redis-captions-overlay/internal/modules/stream/eventlog"
	"github.com/Aryakoste/redis-captions-overlay/internal/pkg/nativelog"
	pkgredis "github.com/Aryakoste/redis-captions-overlay/internal/pkg/redis"
)

func main() {
	configPath := flag.String("config", config.DefaultConfigPath, "Path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		zap.NewExample().Fatal("failed to load config", zap.Error(err))
	}
	_ = os.Setenv(nativelog.EnvLogDir, cfg.LogDir)

	logger, err := nativelog.NewZapLogger(cfg.IsDev())
	if err != nil {
		logger, _ = zap.NewProduction()
		logger.Warn("native log pipeline unavailable, fallback to zap production logger", zap.Error(err))
	}
	defer logger.Sync()

	rc, err := pkgredis.Connect(cfg.Redis.URLValue())
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rc.Close()

	answerer, err := ai.NewAnswerer(cfg.Worker.Provider, cfg.Worker.MaxOutputTokens)
	if err != nil {
		logger.Fatal("failed to build answerer", zap.Error(err))
	}

	index := search.NewIndex(rc,
		search.WithLogger(logger),
		search.WithIndexNames(cfg.Search.CaptionsIndex, cfg.Search.KnowledgeIndex),
		search.WithBreaker(cfg.Search.Breaker.TripAfter, cfg.Search.Breaker.OpenFor),
	)

	w := ai.NewWorker(eventlog.New(rc, eventlog.WithLogger(logger)), answerer,
		ai.WithLogger(logger),
		ai.WithKnowledge(index),
		ai.WithGroup(cfg.Worker.Group, consumerName(cfg.Worker.Consumer)),
		ai.WithConcurrency(cfg.Worker.Concurrency),
		ai.WithReclaimIdle(cfg.Worker.ReclaimIdle),
		ai.WithReadBlock(cfg.Correlation.PollBlock),
		ai.WithBacklog(cfg.Correlation.ResultRetention),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := w.Run(ctx); err != nil {
		logger.Fatal("worker stopped", zap.Error(err))
	}
	logger.Info("worker exited")
}

// consumerName defaults to host and pid so that replicas never share a
// consumer identity.
func consumerName(configured string) string {
	if configured != "" {
		return configured
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
