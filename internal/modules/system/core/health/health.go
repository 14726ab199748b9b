package health

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Aryakoste/redis-captions-overlay/internal/pkg/nativelog"
	"github.com/Aryakoste/redis-captions-overlay/internal/pkg/response"
)

// Pinger reports whether Redis answers.
type Pinger interface {
	Ping(ctx context.Context) error
}

type logItem struct {
	Size     string `json:"size"`
	Filename string `json:"filename"`
	Created  int64  `json:"created"`
}

var processStart = time.Now()

// RegisterRoutes mounts GET /health and the daily log listing.
func RegisterRoutes(rg *gin.RouterGroup, redis Pinger, logDir string) {
	rg.GET("/health", func(c *gin.Context) {
		status, redisStatus, code := "ok", "connected", http.StatusOK
		if err := redis.Ping(c.Request.Context()); err != nil {
			status, redisStatus, code = "degraded", "disconnected", http.StatusServiceUnavailable
		}
		uptime := time.Since(processStart)
		c.JSON(code, gin.H{
			"status":    status,
			"redis":     redisStatus,
			"uptime":    humanizeDuration(uptime),
			"uptime_ms": uptime.Milliseconds(),
			"timestamp": time.Now().UnixMilli(),
		})
	})

	rg.GET("/health/logs", func(c *gin.Context) {
		entries, err := os.ReadDir(logDir)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			response.InternalError(c, err)
			return
		}

		items := make([]logItem, 0, len(entries))
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".log") {
				continue
			}
			info, err := entry.Info()
			if err != nil {
				continue
			}
			items = append(items, logItem{
				Size:     formatByteSize(info.Size()),
				Filename: entry.Name(),
				Created:  info.ModTime().UnixMilli(),
			})
		}
		sort.Slice(items, func(i, j int) bool {
			return items[i].Created > items[j].Created
		})
		response.OK(c, gin.H{"today": nativelog.DailyFilename(time.Now()), "files": items})
	})
}

func humanizeDuration(d time.Duration) string {
	if d < time.Minute {
		return d.Truncate(time.Second).String()
	}
	if d < time.Hour {
		return d.Truncate(time.Minute).String()
	}
	if d < 24*time.Hour {
		return d.Truncate(time.Hour).String()
	}
	return d.Truncate(24 * time.Hour).String()
}

func formatByteSize(size int64) string {
	switch {
	case size >= 1<<20:
		return fmt.Sprintf("%.2f MB", float64(size)/(1<<20))
	case size >= 1<<10:
		return fmt.Sprintf("%.2f KB", float64(size)/(1<<10))
	default:
		return fmt.Sprintf("%d B", size)
	}
}
