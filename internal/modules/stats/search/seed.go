package search

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Aryakoste/redis-captions-overlay/internal/models"
)

// SampleSession is the session the sample captions belong to.
const SampleSession = "demo"

var sampleCaptions = []string{
	"Welcome to the real-time captions demo.",
	"Captions are streamed through Redis and indexed for search.",
	"Ask a question at any time and the assistant will answer it.",
	"Every caption you see here can be searched later.",
}

var sampleQAs = []models.QAEntry{
	{
		ID:       "sample-qa-1",
		Question: "What is Redis and how does it work?",
		Answer:   "Redis is an in-memory data store. It keeps data in RAM and serves reads and writes with very low latency, which makes it a good fit for streams, caches and pub/sub.",
		Category: "technology",
		Votes:    5,
	},
	{
		ID:       "sample-qa-2",
		Question: "How does real-time streaming work in this application?",
		Answer:   "Each caption is appended to a Redis stream, indexed for search and published to every connected viewer over WebSocket.",
		Category: "streaming",
		Votes:    3,
	},
	{
		ID:       "sample-qa-3",
		Question: "What accessibility features are provided?",
		Answer:   "Live captions, translation, searchable transcripts and a question and answer assistant.",
		Category: "accessibility",
		Votes:    8,
	},
}

// Seed writes the sample captions and QA entries. Existing sample QA
// documents keep their counters.
func (ix *Index) Seed(ctx context.Context, now time.Time) error {
	base := now.Add(-time.Duration(len(sampleCaptions)) * time.Second).UnixMilli()
	for i, text := range sampleCaptions {
		c := models.CaptionEvent{
			ID:         fmt.Sprintf("sample-caption-%d", i+1),
			Text:       text,
			Lang:       "en",
			SessionID:  SampleSession,
			Confidence: 0.95,
			Source:     "sample",
			Timestamp:  base + int64(i)*1000,
		}
		if err := ix.Put(ctx, ix.captions, c.ID, c.HashFields()); err != nil {
			return fmt.Errorf("seed caption %s: %w", c.ID, err)
		}
	}

	seeded := 0
	for _, qa := range sampleQAs {
		exists, err := ix.Exists(ctx, ix.knowledge, qa.ID)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		qa.HelpfulCount = qa.Votes
		qa.Source = "sample"
		qa.Timestamp = now.UnixMilli()
		if err := ix.Put(ctx, ix.knowledge, qa.ID, qa.HashFields()); err != nil {
			return fmt.Errorf("seed qa %s: %w", qa.ID, err)
		}
		seeded++
	}
	ix.logger.Info("sample data seeded",
		zap.Int("captions", len(sampleCaptions)), zap.Int("qas", seeded))
	return nil
}
