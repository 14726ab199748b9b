package ai

import (
	"strings"

	"github.com/Aryakoste/redis-captions-overlay/internal/config"
)

func contains(s, sub string) bool { return strings.Contains(s, sub) }

func configFor(kind string) config.ProviderConfig {
	return config.ProviderConfig{Type: kind}
}
