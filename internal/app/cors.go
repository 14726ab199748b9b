package app

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-contrib/cors"

	"github.com/Aryakoste/redis-captions-overlay/internal/config"
	"github.com/Aryakoste/redis-captions-overlay/internal/middleware"
	"github.com/Aryakoste/redis-captions-overlay/internal/modules/content/qna"
)

// corsConfig allows every origin in development or when no allow-list is
// configured.
func corsConfig(cfg *config.AppConfig) cors.Config {
	c := cors.Config{
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", middleware.IdempotenceHeader, qna.VoterHeader},
		ExposeHeaders:    []string{"Content-Length", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
		AllowCredentials: true,
	}
	c.AllowOriginFunc = originAllowed(cfg)
	return c
}

// websocketOriginCheck applies the CORS allow-list to raw WebSocket upgrades.
// Requests without an Origin header come from non-browser clients.
func websocketOriginCheck(cfg *config.AppConfig) func(r *http.Request) bool {
	allowed := originAllowed(cfg)
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || allowed(origin)
	}
}

func originAllowed(cfg *config.AppConfig) func(origin string) bool {
	if len(cfg.AllowedOrigins) == 0 || cfg.IsDev() {
		return func(string) bool { return true }
	}
	patterns := cfg.AllowedOrigins
	return func(origin string) bool {
		host := extractOriginHost(origin)
		for _, pattern := range patterns {
			if matchOriginPattern(pattern, host) {
				return true
			}
		}
		return false
	}
}

// extractOriginHost returns the "host[:port]" portion of an origin URL.
func extractOriginHost(origin string) string {
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return origin
	}
	return u.Host
}

// matchOriginPattern reports whether host matches the given wildcard pattern.
func matchOriginPattern(pattern, host string) bool {
	if pattern == host {
		return true
	}
	if strings.HasPrefix(pattern, "*.") {
		suffix := pattern[1:]
		return strings.HasSuffix(host, suffix)
	}
	if strings.HasSuffix(pattern, ":*") {
		prefix := pattern[:len(pattern)-1]
		return strings.HasPrefix(host, prefix)
	}
	return false
}
