package config

import (
	"net"
	neturl "net/url"
	"strconv"
	"strings"
)

func normalizeAppConfig(cfg AppConfig) AppConfig {
	cfg.Env = normalizeEnv(cfg.Env)
	cfg.Redis = normalizeRedisConfig(cfg.Redis)
	cfg.AllowedOrigins = normalizeOrigins(cfg.AllowedOrigins)
	cfg.LogDir = strings.TrimSpace(cfg.LogDir)
	cfg.UploadDir = strings.TrimSpace(cfg.UploadDir)
	cfg.Search.CaptionsIndex = strings.TrimSpace(cfg.Search.CaptionsIndex)
	cfg.Search.KnowledgeIndex = strings.TrimSpace(cfg.Search.KnowledgeIndex)
	cfg.Analytics.Languages = normalizeLanguages(cfg.Analytics.Languages)
	cfg.Worker.Provider.Type = strings.ToLower(strings.TrimSpace(cfg.Worker.Provider.Type))
	cfg.Worker.Provider.APIKey = strings.TrimSpace(cfg.Worker.Provider.APIKey)
	cfg.Worker.Provider.Endpoint = strings.TrimRight(strings.TrimSpace(cfg.Worker.Provider.Endpoint), "/")
	cfg.Archive.S3.Endpoint = strings.TrimRight(strings.TrimSpace(cfg.Archive.S3.Endpoint), "/")
	cfg.Archive.S3.Prefix = strings.Trim(strings.TrimSpace(cfg.Archive.S3.Prefix), "/")
	return cfg
}

func normalizeRedisConfig(cfg RedisRuntimeConfig) RedisRuntimeConfig {
	cfg.URL = normalizeRedisRawURL(cfg.URL)
	cfg.Host = strings.TrimSpace(cfg.Host)
	cfg.Username = strings.TrimSpace(cfg.Username)
	if cfg.Host == "" {
		cfg.Host = defaultRedisHost
	}
	if cfg.Port == 0 {
		cfg.Port = defaultRedisPort
	}
	return cfg
}

func normalizeRedisRawURL(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ""
	}
	if strings.HasPrefix(trimmed, "redis://") || strings.HasPrefix(trimmed, "rediss://") {
		return trimmed
	}
	return "redis://" + trimmed
}

func normalizeOrigins(origins []string) []string {
	out := make([]string, 0, len(origins))
	seen := make(map[string]struct{}, len(origins))
	for _, origin := range origins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		out = append(out, trimmed)
	}
	return out
}

func normalizeLanguages(langs []string) []string {
	lowered := make([]string, len(langs))
	for i, l := range langs {
		lowered[i] = strings.ToLower(l)
	}
	return normalizeOrigins(lowered)
}

func normalizeEnv(env string) string {
	v := strings.ToLower(strings.TrimSpace(env))
	switch v {
	case "prod", "production":
		return "production"
	case "":
		return defaultEnv
	default:
		return v
	}
}

// URLValue returns the connection URL, building one from the discrete
// fields when no url is configured.
func (c RedisRuntimeConfig) URLValue() string {
	if u := normalizeRedisRawURL(c.URL); u != "" {
		return u
	}

	host := c.Host
	if host == "" {
		host = defaultRedisHost
	}
	port := c.Port
	if port == 0 {
		port = defaultRedisPort
	}
	scheme := "redis"
	if c.TLS {
		scheme = "rediss"
	}

	u := &neturl.URL{
		Scheme: scheme,
		Host:   net.JoinHostPort(host, strconv.Itoa(port)),
		Path:   "/" + strconv.Itoa(c.DB),
	}
	password := strings.TrimSpace(c.Password)
	switch {
	case c.Username != "" && password != "":
		u.User = neturl.UserPassword(c.Username, password)
	case c.Username != "":
		u.User = neturl.User(c.Username)
	case password != "":
		u.User = neturl.UserPassword("", password)
	}
	return u.String()
}
