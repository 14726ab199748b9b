// Package transcribe turns uploaded audio into caption text.
package transcribe

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Aryakoste/redis-captions-overlay/internal/modules/processing/cache"
	"github.com/Aryakoste/redis-captions-overlay/internal/pkg/command"
)

// Options select the ASR model and spoken language ("auto" detects it).
type Options struct {
	Model    string `json:"model"`
	Language string `json:"language"`
}

type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Transcription is the ASR output for one file.
type Transcription struct {
	Text           string    `json:"text"`
	Language       string    `json:"language"`
	Confidence     float64   `json:"confidence"`
	ProcessingTime float64   `json:"processing_time"`
	Segments       []Segment `json:"segments,omitempty"`
	Error          string    `json:"error,omitempty"`
}

// Engine transcribes the audio file at path.
type Engine interface {
	Transcribe(ctx context.Context, path string, opts Options) (Transcription, error)
}

// CommandEngine runs an external ASR program as
// `<command...> <path> <model> <language>` and reads one JSON result.
type CommandEngine struct {
	runner  *command.Runner
	timeout time.Duration
}

func NewCommandEngine(argv []string, timeout time.Duration) (*CommandEngine, error) {
	r, err := command.New(argv)
	if err != nil {
		return nil, fmt.Errorf("asr command: %w", err)
	}
	return &CommandEngine{runner: r, timeout: timeout}, nil
}

func (e *CommandEngine) Transcribe(ctx context.Context, path string, opts Options) (Transcription, error) {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	var out Transcription
	if err := e.runner.RunJSON(ctx, nil, &out, path, opts.Model, opts.Language); err != nil {
		return Transcription{}, err
	}
	if out.Error != "" {
		return Transcription{}, errors.New(out.Error)
	}
	out.Text = strings.TrimSpace(out.Text)
	return out, nil
}

// cacheInput identifies a transcription by audio content, not file name.
type cacheInput struct {
	Digest   string
	Model    string
	Language string
}

// Service memoizes an Engine by audio content hash.
type Service struct {
	engine Engine
	cache  *cache.Cache
	logger *zap.Logger
	model  string
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger for the service.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l.Named("Transcribe")
		}
	}
}

// WithDefaultModel sets the model used when a request names none.
func WithDefaultModel(model string) Option {
	return func(s *Service) {
		if model != "" {
			s.model = model
		}
	}
}

func NewService(engine Engine, c *cache.Cache, opts ...Option) *Service {
	s := &Service{engine: engine, cache: c, logger: zap.NewNop(), model: "base"}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Transcribe returns the transcription of the file at path, cached under
// its content hash. hit reports a cache hit.
func (s *Service) Transcribe(ctx context.Context, path string, opts Options) (Transcription, bool, error) {
	if opts.Model == "" {
		opts.Model = s.model
	}
	if opts.Language == "" {
		opts.Language = "auto"
	}
	digest, err := fileDigest(path)
	if err != nil {
		return Transcription{}, false, err
	}

	input := cacheInput{Digest: digest, Model: opts.Model, Language: opts.Language}
	res, hit, err := cache.Remember(ctx, s.cache, cache.KindTranscription, input,
		func(ctx context.Context) (Transcription, bool, error) {
			t, err := s.engine.Transcribe(ctx, path, opts)
			if err != nil {
				return Transcription{}, false, err
			}
			return t, t.Text != "", nil
		})
	if err != nil {
		s.logger.Warn("transcription failed", zap.String("model", opts.Model), zap.Error(err))
		return Transcription{}, false, err
	}
	return res, hit, nil
}

func fileDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
