// Package translate renders caption text in another language.
package translate

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Aryakoste/redis-captions-overlay/internal/modules/processing/cache"
)

const DefaultTarget = "es"

var ErrEmptyText = errors.New("text is required")

// Translator produces a translation of text into target.
type Translator interface {
	Translate(ctx context.Context, text, target string) (string, error)
}

// TagTranslator is the placeholder backend: it prefixes the text with the
// upper-cased target language.
type TagTranslator struct{}

func (TagTranslator) Translate(_ context.Context, text, target string) (string, error) {
	return fmt.Sprintf("[%s] %s", strings.ToUpper(target), text), nil
}

type Result struct {
	Original    string `json:"original"`
	Translation string `json:"translation"`
	TargetLang  string `json:"targetLang"`
	Cached      bool   `json:"cached"`
}

type request struct {
	Text   string
	Target string
}

type Service struct {
	backend Translator
	cache   *cache.Cache
}

func NewService(backend Translator, c *cache.Cache) *Service {
	if backend == nil {
		backend = TagTranslator{}
	}
	return &Service{backend: backend, cache: c}
}

// Translate returns text in target, cached per (text, target).
func (s *Service) Translate(ctx context.Context, text, target string) (Result, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Result{}, ErrEmptyText
	}
	target = strings.ToLower(strings.TrimSpace(target))
	if target == "" {
		target = DefaultTarget
	}

	out, hit, err := cache.Remember(ctx, s.cache, cache.KindTranslation, request{Text: text, Target: target},
		func(ctx context.Context) (string, bool, error) {
			t, err := s.backend.Translate(ctx, text, target)
			return t, err == nil && t != "", err
		})
	if err != nil {
		return Result{}, err
	}
	return Result{Original: text, Translation: out, TargetLang: target, Cached: hit}, nil
}
