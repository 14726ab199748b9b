package captions

import (
	"context"

	"go.uber.org/zap"

	"github.com/Aryakoste/redis-captions-overlay/internal/models"
	"github.com/Aryakoste/redis-captions-overlay/internal/modules/stream/eventlog"
	"github.com/Aryakoste/redis-captions-overlay/internal/pkg/metrics"
)

const (
	ProjectorGroup    = "caption_indexer"
	projectorConsumer = "projector"
	projectBatch      = 100
	projectMaxBatches = 50
)

// ProjectStats summarises one projector pass.
type ProjectStats struct {
	Scanned  int
	Repaired int
	Failed   int
}

// Project walks the captions topic through the caption_indexer group and
// writes the document of every entry whose document is missing. Entries
// that fail stay pending and are reclaimed on a later pass.
func (s *Service) Project(ctx context.Context) (ProjectStats, error) {
	var stats ProjectStats
	if err := s.log.EnsureGroup(ctx, eventlog.TopicCaptions, ProjectorGroup, "0"); err != nil {
		return stats, err
	}

	claimed, err := s.log.Claim(ctx, eventlog.TopicCaptions, ProjectorGroup, projectorConsumer, s.reclaimIdle, projectBatch)
	if err != nil {
		s.logger.Warn("reclaiming caption entries failed", zap.Error(err))
	} else {
		s.projectBatch(ctx, claimed, &stats)
	}

	for i := 0; i < projectMaxBatches; i++ {
		entries, err := s.log.Read(ctx, eventlog.ReadRequest{
			Topic:    eventlog.TopicCaptions,
			Group:    ProjectorGroup,
			Consumer: projectorConsumer,
			Count:    projectBatch,
		})
		if err != nil {
			return stats, err
		}
		if len(entries) == 0 {
			break
		}
		s.projectBatch(ctx, entries, &stats)
	}

	if stats.Repaired > 0 || stats.Failed > 0 {
		s.logger.Info("caption projector pass",
			zap.Int("scanned", stats.Scanned),
			zap.Int("repaired", stats.Repaired),
			zap.Int("failed", stats.Failed))
	}
	return stats, nil
}

func (s *Service) projectBatch(ctx context.Context, entries []eventlog.Entry, stats *ProjectStats) {
	done := make([]string, 0, len(entries))
	for _, e := range entries {
		stats.Scanned++
		ok, repaired := s.projectEntry(ctx, e)
		if !ok {
			stats.Failed++
			continue
		}
		if repaired {
			stats.Repaired++
		}
		done = append(done, e.ID)
	}
	if err := s.log.Ack(ctx, eventlog.TopicCaptions, ProjectorGroup, done...); err != nil {
		s.logger.Warn("acking caption entries failed", zap.Error(err))
	}
}

func (s *Service) projectEntry(ctx context.Context, e eventlog.Entry) (ok, repaired bool) {
	ev := models.CaptionFromStream(e.ID, e.Fields)
	if ev.ID == "" {
		s.logger.Warn("skipping caption entry without id", zap.String("offset", e.ID))
		return true, false
	}
	col := s.index.Captions()
	exists, err := s.index.Exists(ctx, col, ev.ID)
	if err != nil {
		s.logger.Warn("caption lookup failed", zap.String("caption_id", ev.ID), zap.Error(err))
		return false, false
	}
	if exists {
		return true, false
	}
	if err := s.index.Put(ctx, col, ev.ID, ev.HashFields()); err != nil {
		s.logger.Warn("caption repair failed", zap.String("caption_id", ev.ID), zap.Error(err))
		return false, false
	}
	metrics.ProjectorRepairs.Inc()
	return true, true
}
