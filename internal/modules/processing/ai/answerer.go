// Package ai answers queued questions for the reference worker.
package ai

import (
	"context"
	"errors"
	"fmt"
	neturl "net/url"
	"strings"

	anthropicclient "github.com/anthropics/anthropic-sdk-go"
	anthropicoption "github.com/anthropics/anthropic-sdk-go/option"
	openaiclient "github.com/openai/openai-go/v2"
	openaioption "github.com/openai/openai-go/v2/option"
	jetai "go.jetify.com/ai"
	jetapi "go.jetify.com/ai/api"
	jetanthropic "go.jetify.com/ai/provider/anthropic"
	jetopenai "go.jetify.com/ai/provider/openai"

	"github.com/Aryakoste/redis-captions-overlay/internal/config"
	"github.com/Aryakoste/redis-captions-overlay/internal/pkg/command"
)

// Question is one job as seen by an answerer.
type Question struct {
	Question string `json:"question"`
	Context  string `json:"context"`
}

// Answer is an answerer's reply. Zero Confidence or empty Source are
// filled in by the caller that claims the result.
type Answer struct {
	Text       string
	Confidence float64
	Source     string
}

// Answerer produces an answer for q.
type Answerer interface {
	Answer(ctx context.Context, q Question) (Answer, error)
}

// NewAnswerer builds the answerer selected by cfg.
func NewAnswerer(cfg config.ProviderConfig, maxOutputTokens int) (Answerer, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Type)) {
	case "command":
		return NewCommandAnswerer(cfg.Command)
	case "anthropic", "openai":
		model, err := buildLanguageModel(cfg)
		if err != nil {
			return nil, err
		}
		return &ModelAnswerer{model: model, source: cfg.Type, maxOutputTokens: maxOutputTokens}, nil
	default:
		return nil, fmt.Errorf("unknown provider type %q", cfg.Type)
	}
}

// ModelAnswerer asks a hosted language model.
type ModelAnswerer struct {
	model           jetapi.LanguageModel
	source          string
	maxOutputTokens int
}

func (m *ModelAnswerer) Answer(ctx context.Context, q Question) (Answer, error) {
	maxTokens := m.maxOutputTokens
	if maxTokens <= 0 {
		maxTokens = 300
	}
	system, prompt := buildAnswerPrompt(q.Question, q.Context, maxTokens/2)
	resp, err := jetai.GenerateText(ctx,
		buildPromptMessages(system, prompt),
		jetai.WithModel(m.model),
		jetai.WithMaxOutputTokens(maxTokens),
	)
	if err != nil {
		return Answer{}, err
	}
	text, err := extractText(resp)
	if err != nil {
		return Answer{}, err
	}
	return Answer{Text: text, Source: m.source}, nil
}

// CommandAnswerer runs an external QA program. The program gets the
// question and context both as arguments and as JSON on stdin and prints
// {"answer": ..., "confidence": ...}.
type CommandAnswerer struct {
	runner *command.Runner
}

func NewCommandAnswerer(argv []string) (*CommandAnswerer, error) {
	r, err := command.New(argv)
	if err != nil {
		return nil, fmt.Errorf("qa command: %w", err)
	}
	return &CommandAnswerer{runner: r}, nil
}

func (c *CommandAnswerer) Answer(ctx context.Context, q Question) (Answer, error) {
	if strings.TrimSpace(q.Context) == "" {
		q.Context = DefaultContext
	}
	var out struct {
		Answer     string  `json:"answer"`
		Confidence float64 `json:"confidence"`
		Error      string  `json:"error"`
	}
	if err := c.runner.RunJSON(ctx, q, &out, q.Question, q.Context); err != nil {
		return Answer{}, err
	}
	if out.Error != "" {
		return Answer{}, errors.New(out.Error)
	}
	return Answer{Text: strings.TrimSpace(out.Answer), Confidence: out.Confidence}, nil
}

func buildPromptMessages(systemPrompt, prompt string) []jetapi.Message {
	messages := make([]jetapi.Message, 0, 2)
	if strings.TrimSpace(systemPrompt) != "" {
		messages = append(messages, &jetapi.SystemMessage{Content: systemPrompt})
	}
	messages = append(messages, &jetapi.UserMessage{Content: jetapi.ContentFromText(prompt)})
	return messages
}

func extractText(resp *jetapi.Response) (string, error) {
	if resp == nil {
		return "", errors.New("empty response from AI")
	}
	var full strings.Builder
	for _, block := range resp.Content {
		textBlock, ok := block.(*jetapi.TextBlock)
		if !ok || textBlock.Text == "" {
			continue
		}
		full.WriteString(textBlock.Text)
	}
	text := strings.TrimSpace(full.String())
	if text == "" {
		return "", errors.New("empty response from AI")
	}
	return text, nil
}

func buildLanguageModel(cfg config.ProviderConfig) (jetapi.LanguageModel, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("AI provider api key is empty")
	}
	modelID := strings.TrimSpace(cfg.Model)
	endpoint := strings.TrimSpace(cfg.Endpoint)

	if strings.EqualFold(cfg.Type, "anthropic") {
		if modelID == "" {
			modelID = "claude-haiku-4-5-20251001"
		}
		opts := []anthropicoption.RequestOption{
			anthropicoption.WithAPIKey(apiKey),
			anthropicoption.WithMaxRetries(1),
		}
		if endpoint != "" {
			opts = append(opts, anthropicoption.WithBaseURL(strings.TrimRight(endpoint, "/")))
		}
		client := anthropicclient.NewClient(opts...)
		return jetanthropic.NewLanguageModel(modelID, jetanthropic.WithClient(client)), nil
	}

	if modelID == "" {
		modelID = "gpt-4o-mini"
	}
	opts := []openaioption.RequestOption{
		openaioption.WithAPIKey(apiKey),
		openaioption.WithMaxRetries(1),
	}
	if normalized := normalizeOpenAIBaseURL(endpoint); normalized != "" {
		opts = append(opts, openaioption.WithBaseURL(normalized))
	}
	client := openaiclient.NewClient(opts...)
	return jetopenai.NewLanguageModel(modelID, jetopenai.WithClient(client)), nil
}

// normalizeOpenAIBaseURL makes sure the base URL ends in /v1.
func normalizeOpenAIBaseURL(raw string) string {
	base := strings.TrimSpace(raw)
	if base == "" {
		return ""
	}
	parsed, err := neturl.Parse(base)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return strings.TrimRight(base, "/")
	}
	path := strings.TrimRight(parsed.Path, "/")
	if !strings.HasSuffix(path, "/v1") {
		path += "/v1"
	}
	parsed.Path = path
	return strings.TrimRight(parsed.String(), "/")
}
