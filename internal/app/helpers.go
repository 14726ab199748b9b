package app

import (
	"fmt"
	"os"

	"github.com/Aryakoste/redis-captions-overlay/internal/config"
	"github.com/Aryakoste/redis-captions-overlay/internal/pkg/nativelog"
)

func applyRuntimeSettings(cfg *config.AppConfig) error {
	_ = os.Setenv(nativelog.EnvLogDir, cfg.LogDir)
	if err := os.MkdirAll(cfg.UploadDir, 0o755); err != nil {
		return fmt.Errorf("upload dir %q: %w", cfg.UploadDir, err)
	}
	return nil
}
