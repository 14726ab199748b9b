package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultConfigPath is used when --config is not provided.
	DefaultConfigPath = "config.yaml"
	defaultPort       = 8000
	defaultEnv        = "development"
	defaultRedisHost  = "localhost"
	defaultRedisPort  = 6379
	defaultRedisDB    = 0

	EnvPort     = "PORT"
	EnvRedisURL = "REDIS_URL"
	EnvLogDir   = "CAPTIONS_LOG_DIR"
)

// AppConfig holds runtime startup configuration loaded from YAML.
type AppConfig struct {
	Port           int                `yaml:"port"`
	Env            string             `yaml:"env"` // "development" | "production"
	Redis          RedisRuntimeConfig `yaml:"redis"`
	AllowedOrigins []string           `yaml:"allowed_origins"`
	LogDir         string             `yaml:"log_dir"`
	UploadDir      string             `yaml:"upload_dir"`
	RateLimit      RateLimitConfig    `yaml:"rate_limit"`
	Cache          CacheConfig        `yaml:"cache"`
	Correlation    CorrelationConfig  `yaml:"correlation"`
	Search         SearchConfig       `yaml:"search"`
	Analytics      AnalyticsConfig    `yaml:"analytics"`
	ASR            ASRConfig          `yaml:"asr"`
	Worker         WorkerConfig       `yaml:"worker"`
	Archive        ArchiveConfig      `yaml:"archive"`
}

type RedisRuntimeConfig struct {
	URL      string `yaml:"url"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	TLS      bool   `yaml:"tls"`
}

// RateLimitConfig bounds requests per client IP per second. Max 0 disables it.
type RateLimitConfig struct {
	Max int `yaml:"max"`
}

type CacheConfig struct {
	TranscriptionTTL time.Duration `yaml:"transcription_ttl"`
	QATTL            time.Duration `yaml:"qa_ttl"`
	TranslationTTL   time.Duration `yaml:"translation_ttl"`
	// ResponseTTL caches GET /analytics and /search/* responses. 0 disables it.
	ResponseTTL time.Duration `yaml:"response_ttl"`
}

type CorrelationConfig struct {
	PollBlock       time.Duration `yaml:"poll_block"`
	Timeout         time.Duration `yaml:"timeout"`
	ResultRetention time.Duration `yaml:"result_retention"`
	DedupWindow     time.Duration `yaml:"dedup_window"`
}

type SearchConfig struct {
	CaptionsIndex   string        `yaml:"captions_index"`
	KnowledgeIndex  string        `yaml:"knowledge_index"`
	RecreateOnStart bool          `yaml:"recreate_on_start"`
	SeedSampleData  bool          `yaml:"seed_sample_data"`
	Breaker         BreakerConfig `yaml:"breaker"`
}

// BreakerConfig opens the search breaker after TripAfter consecutive
// failures and keeps it open for OpenFor.
type BreakerConfig struct {
	TripAfter uint32        `yaml:"trip_after"`
	OpenFor   time.Duration `yaml:"open_for"`
}

// AnalyticsConfig lists the languages the dashboard breaks counts down by.
type AnalyticsConfig struct {
	Languages []string `yaml:"languages"`
}

type ASRConfig struct {
	Command        []string      `yaml:"command"`
	Model          string        `yaml:"model"`
	Timeout        time.Duration `yaml:"timeout"`
	MaxUploadBytes int64         `yaml:"max_upload_bytes"`
}

type WorkerConfig struct {
	Group           string         `yaml:"group"`
	Consumer        string         `yaml:"consumer"`
	Concurrency     int            `yaml:"concurrency"`
	ReclaimIdle     time.Duration  `yaml:"reclaim_idle"`
	MaxOutputTokens int            `yaml:"max_output_tokens"`
	Provider        ProviderConfig `yaml:"provider"`
}

// ProviderConfig selects the answer backend used by the worker.
type ProviderConfig struct {
	Type     string   `yaml:"type"` // "anthropic" | "openai" | "command"
	APIKey   string   `yaml:"api_key"`
	Endpoint string   `yaml:"endpoint"`
	Model    string   `yaml:"model"`
	Command  []string `yaml:"command"`
}

type ArchiveConfig struct {
	Enable   bool          `yaml:"enable"`
	Interval time.Duration `yaml:"interval"`
	S3       S3Config      `yaml:"s3"`
}

type S3Config struct {
	Endpoint        string `yaml:"endpoint"`
	Region          string `yaml:"region"`
	Bucket          string `yaml:"bucket"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Prefix          string `yaml:"prefix"`
	ForcePathStyle  bool   `yaml:"force_path_style"`
}

// rawAppConfig accepts the legacy flat keys next to the nested sections.
type rawAppConfig struct {
	AppConfig          `yaml:",inline"`
	RedisURL           string   `yaml:"redis_url"`
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`
}

// Load reads the YAML config at configPath. A missing file at the default
// path yields the defaults; environment overrides are applied last.
func Load(configPath string) (*AppConfig, error) {
	path := strings.TrimSpace(configPath)
	explicit := path != ""
	if !explicit {
		path = DefaultConfigPath
	}

	cfg := defaultAppConfig()
	content, err := os.ReadFile(path)
	switch {
	case err == nil:
		raw := rawAppConfig{AppConfig: cfg}
		decoder := yaml.NewDecoder(bytes.NewReader(content))
		decoder.KnownFields(true)
		if err := decoder.Decode(&raw); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parse config file %q: %w", path, err)
		}
		cfg = applyRawAppConfig(raw)
	case errors.Is(err, fs.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("read config file %q: %w", path, err)
	}

	applyEnvOverrides(&cfg)
	cfg = normalizeAppConfig(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %q: %w", path, err)
	}
	return &cfg, nil
}

func defaultAppConfig() AppConfig {
	return AppConfig{
		Port: defaultPort,
		Env:  defaultEnv,
		Redis: RedisRuntimeConfig{
			Host: defaultRedisHost,
			Port: defaultRedisPort,
			DB:   defaultRedisDB,
		},
		LogDir:    "logs",
		UploadDir: "uploads",
		RateLimit: RateLimitConfig{Max: 50},
		Cache: CacheConfig{
			TranscriptionTTL: time.Hour,
			QATTL:            2 * time.Hour,
			TranslationTTL:   24 * time.Hour,
			ResponseTTL:      5 * time.Second,
		},
		Correlation: CorrelationConfig{
			PollBlock:       5 * time.Second,
			Timeout:         60 * time.Second,
			ResultRetention: time.Hour,
			DedupWindow:     2 * time.Minute,
		},
		Search: SearchConfig{
			CaptionsIndex:   "idx:captions",
			KnowledgeIndex:  "idx:knowledge",
			RecreateOnStart: true,
			SeedSampleData:  true,
			Breaker:         BreakerConfig{TripAfter: 5, OpenFor: 30 * time.Second},
		},
		Analytics: AnalyticsConfig{Languages: []string{"en", "es"}},
		ASR: ASRConfig{
			Command:        []string{"python3", "python-ai/whisper_infer.py"},
			Model:          "base",
			Timeout:        5 * time.Minute,
			MaxUploadBytes: 50 << 20,
		},
		Worker: WorkerConfig{
			Group:           "llm_workers",
			Concurrency:     2,
			ReclaimIdle:     2 * time.Minute,
			MaxOutputTokens: 300,
			Provider:        ProviderConfig{Type: "command", Command: []string{"python3", "python-ai/llm_qa.py"}},
		},
		Archive: ArchiveConfig{
			Interval: 24 * time.Hour,
			S3:       S3Config{Region: "us-east-1", Prefix: "captions-overlay"},
		},
	}
}

// applyRawAppConfig folds the legacy aliases into the nested sections.
func applyRawAppConfig(raw rawAppConfig) AppConfig {
	cfg := raw.AppConfig
	if strings.TrimSpace(cfg.Redis.URL) == "" {
		cfg.Redis.URL = raw.RedisURL
	}
	cfg.AllowedOrigins = append(cfg.AllowedOrigins, raw.CORSAllowedOrigins...)
	return cfg
}

func applyEnvOverrides(cfg *AppConfig) {
	if v := strings.TrimSpace(os.Getenv(EnvPort)); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Port = port
		}
	}
	if v := strings.TrimSpace(os.Getenv(EnvRedisURL)); v != "" {
		cfg.Redis.URL = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogDir)); v != "" {
		cfg.LogDir = v
	}
}

// Validate reports the first out-of-range setting.
func (c *AppConfig) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d, expected 1-65535", c.Port)
	}
	if c.Redis.URL == "" && (c.Redis.Port < 1 || c.Redis.Port > 65535) {
		return fmt.Errorf("invalid redis.port %d, expected 1-65535", c.Redis.Port)
	}
	if c.Redis.DB < 0 {
		return fmt.Errorf("invalid redis.db %d, expected >= 0", c.Redis.DB)
	}
	if c.RateLimit.Max < 0 {
		return fmt.Errorf("invalid rate_limit.max %d, expected >= 0", c.RateLimit.Max)
	}
	if c.Correlation.PollBlock > c.Correlation.Timeout {
		return fmt.Errorf("correlation.poll_block %s exceeds correlation.timeout %s",
			c.Correlation.PollBlock, c.Correlation.Timeout)
	}
	if c.Search.Breaker.TripAfter == 0 || c.Search.Breaker.OpenFor <= 0 {
		return errors.New("search.breaker.trip_after and search.breaker.open_for must be > 0")
	}
	if c.Search.CaptionsIndex == c.Search.KnowledgeIndex {
		return fmt.Errorf("search.captions_index and search.knowledge_index must differ")
	}
	switch c.Worker.Provider.Type {
	case "anthropic", "openai":
	case "command":
		if len(c.Worker.Provider.Command) == 0 {
			return errors.New("worker.provider.command is required for the command provider")
		}
	default:
		return fmt.Errorf("unknown worker.provider.type %q", c.Worker.Provider.Type)
	}
	if c.Archive.Enable && c.Archive.Interval <= 0 {
		return fmt.Errorf("invalid archive.interval %s, expected > 0", c.Archive.Interval)
	}
	if c.Archive.Enable && c.Archive.S3.Bucket == "" {
		return errors.New("archive.s3.bucket is required when archive is enabled")
	}
	return nil
}

func (c *AppConfig) IsDev() bool {
	return c.Env == "development"
}

// Addr returns the HTTP listen address.
func (c *AppConfig) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}
