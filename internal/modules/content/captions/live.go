package captions

import (
	"encoding/base64"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/Aryakoste/redis-captions-overlay/internal/modules/processing/transcribe"
	"github.com/Aryakoste/redis-captions-overlay/internal/pkg/response"
)

const (
	LiveSessionID  = "live_audio"
	LiveConfidence = 0.85

	// Used when no speech recognizer is configured.
	SimulatedSource     = "live_sim"
	SimulatedConfidence = 0.75
)

type LiveAudioDTO struct {
	AudioData string `json:"audioData" binding:"required"`
	SessionID string `json:"sessionId"`
	Language  string `json:"language"`
	Model     string `json:"model"`
}

// POST /caption/live-audio
func (h *Handler) liveAudio(c *gin.Context) {
	// base64 inflates the chunk by a third.
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUpload/3*4+formOverhead)
	var dto LiveAudioDTO
	if err := c.ShouldBindJSON(&dto); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			response.PayloadTooLarge(c, "Audio chunk too large")
			return
		}
		response.BadRequest(c, "No audio data provided")
		return
	}
	chunk, err := decodeAudio(dto.AudioData)
	if err != nil || len(chunk) == 0 {
		response.BadRequest(c, "Invalid audio data")
		return
	}
	if int64(len(chunk)) > h.maxUpload {
		response.PayloadTooLarge(c, "Audio chunk too large")
		return
	}

	ctx := c.Request.Context()
	in := Input{SessionID: firstNonEmpty(dto.SessionID, LiveSessionID)}
	var tr transcribe.Transcription
	cached := false
	simulated := h.asr == nil
	if simulated {
		confidence := SimulatedConfidence
		in.Text = "[Simulated Live] Audio chunk at " + time.Now().Format("15:04:05")
		in.Lang = "en"
		in.Confidence = &confidence
		in.Source = SimulatedSource
	} else {
		if err := os.MkdirAll(h.uploadDir, 0o755); err != nil {
			response.InternalError(c, err)
			return
		}
		dst := filepath.Join(h.uploadDir, "live-"+uuid.NewString())
		if err := os.WriteFile(dst, chunk, 0o600); err != nil {
			response.InternalError(c, err)
			return
		}
		defer os.Remove(dst)

		tr, cached, err = h.asr.Transcribe(ctx, dst, transcribe.Options{Model: dto.Model, Language: dto.Language})
		if err != nil {
			response.BadGateway(c, "Live transcription failed", err.Error())
			return
		}
		if strings.TrimSpace(tr.Text) == "" {
			// Silence between words is normal for a live stream.
			response.OK(c, gin.H{"status": "no_speech", "cached": cached})
			return
		}
		confidence := tr.Confidence
		if confidence <= 0 || confidence > 1 {
			confidence = LiveConfidence
		}
		in.Text = tr.Text
		if tr.Language != "auto" {
			in.Lang = tr.Language
		}
		in.Confidence = &confidence
		in.Source = AudioSource
	}

	out, err := h.svc.Ingest(ctx, in)
	if err != nil {
		if errors.Is(err, ErrInvalid) {
			response.UnprocessableEntity(c, err.Error())
			return
		}
		response.InternalError(c, err)
		return
	}
	response.OK(c, gin.H{
		"status":       "success",
		"captionId":    out.Caption.ID,
		"streamOffset": out.StreamOffset,
		"indexed":      out.Indexed,
		"simulated":    simulated,
		"cached":       cached,
		"data":         out.Caption,
	})
}

// decodeAudio accepts plain base64 or a data URL.
func decodeAudio(data string) ([]byte, error) {
	data = strings.TrimSpace(data)
	if strings.HasPrefix(data, "data:") {
		if i := strings.Index(data, ","); i >= 0 {
			data = data[i+1:]
		}
	}
	if b, err := base64.StdEncoding.DecodeString(data); err == nil {
		return b, nil
	}
	return base64.RawStdEncoding.DecodeString(data)
}
