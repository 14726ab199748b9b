package captions

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/Aryakoste/redis-captions-overlay/internal/modules/processing/transcribe"
	"github.com/Aryakoste/redis-captions-overlay/internal/pkg/response"
)

const (
	AudioSessionID  = "audio_upload"
	AudioSource     = "whisper"
	AudioConfidence = 0.9

	// multipart framing allowance on top of the file limit
	formOverhead = 1 << 20
)

// Transcriber turns an uploaded file into text.
type Transcriber interface {
	Transcribe(ctx context.Context, path string, opts transcribe.Options) (transcribe.Transcription, bool, error)
}

type CreateCaptionDTO struct {
	Text       string   `json:"text" binding:"required"`
	Lang       string   `json:"lang"`
	SessionID  string   `json:"sessionId"`
	Confidence *float64 `json:"confidence" binding:"omitempty,min=0,max=1"`
	Source     string   `json:"source"`
}

type Handler struct {
	svc       *Service
	asr       Transcriber
	uploadDir string
	maxUpload int64
}

// NewHandler builds the caption routes. asr may be nil, in which case
// audio uploads are refused.
func NewHandler(svc *Service, asr Transcriber, uploadDir string, maxUpload int64) *Handler {
	if maxUpload <= 0 {
		maxUpload = 50 << 20
	}
	return &Handler{svc: svc, asr: asr, uploadDir: uploadDir, maxUpload: maxUpload}
}

func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/caption", h.create)
	rg.POST("/caption/audio", h.audio)
	rg.POST("/caption/live-audio", h.liveAudio)
	rg.GET("/captions/recent", h.recent)
}

// POST /caption
func (h *Handler) create(c *gin.Context) {
	var dto CreateCaptionDTO
	if err := c.ShouldBindJSON(&dto); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	out, err := h.svc.Ingest(c.Request.Context(), Input{
		Text:       dto.Text,
		Lang:       dto.Lang,
		SessionID:  dto.SessionID,
		Confidence: dto.Confidence,
		Source:     dto.Source,
	})
	if err != nil {
		if errors.Is(err, ErrInvalid) {
			response.BadRequest(c, err.Error())
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
		"data":         out.Caption,
	})
}

// POST /caption/audio
func (h *Handler) audio(c *gin.Context) {
	if h.asr == nil {
		response.BadGateway(c, "Transcription failed", "speech recognition is not configured")
		return
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUpload+formOverhead)
	file, err := c.FormFile("audio")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) || strings.Contains(err.Error(), "request body too large") {
			response.PayloadTooLarge(c, "Audio file too large")
			return
		}
		response.BadRequest(c, "No audio file uploaded")
		return
	}
	if file.Size > h.maxUpload {
		response.PayloadTooLarge(c, "Audio file too large")
		return
	}
	if !strings.HasPrefix(file.Header.Get("Content-Type"), "audio/") {
		response.BadRequest(c, "Only audio files are allowed")
		return
	}

	if err := os.MkdirAll(h.uploadDir, 0o755); err != nil {
		response.InternalError(c, err)
		return
	}
	dst := filepath.Join(h.uploadDir, "audio-"+uuid.NewString()+filepath.Ext(file.Filename))
	if err := c.SaveUploadedFile(file, dst); err != nil {
		response.InternalError(c, err)
		return
	}
	defer os.Remove(dst)

	ctx := c.Request.Context()
	tr, cached, err := h.asr.Transcribe(ctx, dst, transcribe.Options{
		Model:    c.PostForm("model"),
		Language: c.PostForm("language"),
	})
	if err != nil {
		response.BadGateway(c, "Transcription failed", err.Error())
		return
	}
	if tr.Error != "" {
		response.BadGateway(c, "Transcription failed", tr.Error)
		return
	}
	if strings.TrimSpace(tr.Text) == "" {
		response.UnprocessableEntity(c, "No speech detected in audio")
		return
	}

	confidence := tr.Confidence
	if confidence <= 0 || confidence > 1 {
		confidence = AudioConfidence
	}
	lang := tr.Language
	if lang == "auto" {
		lang = ""
	}
	out, err := h.svc.Ingest(ctx, Input{
		Text:       tr.Text,
		Lang:       lang,
		SessionID:  firstNonEmpty(c.PostForm("sessionId"), AudioSessionID),
		Confidence: &confidence,
		Source:     AudioSource,
	})
	if err != nil {
		if errors.Is(err, ErrInvalid) {
			response.UnprocessableEntity(c, err.Error())
			return
		}
		response.InternalError(c, err)
		return
	}
	response.OK(c, gin.H{
		"status":          "success",
		"captionId":       out.Caption.ID,
		"streamOffset":    out.StreamOffset,
		"indexed":         out.Indexed,
		"transcription":   out.Caption.Text,
		"language":        out.Caption.Lang,
		"confidence":      out.Caption.Confidence,
		"processing_time": tr.ProcessingTime,
		"segments":        tr.Segments,
		"cached":          cached,
	})
}

// GET /captions/recent
func (h *Handler) recent(c *gin.Context) {
	count, _ := strconv.Atoi(c.Query("count"))
	list, err := h.svc.Recent(c.Request.Context(), firstNonEmpty(c.Query("sessionId"), c.Query("session_id")), count)
	if err != nil {
		response.InternalError(c, err)
		return
	}
	response.OK(c, gin.H{"captions": list, "count": len(list)})
}
