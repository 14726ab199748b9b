package captions

import (
	"bytes"
	"context"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"

	"github.com/Aryakoste/redis-captions-overlay/internal/modules/processing/transcribe"
)

type fakeTranscriber struct {
	result   transcribe.Transcription
	err      error
	sawFile  bool
	lastOpts transcribe.Options
}

func (f *fakeTranscriber) Transcribe(_ context.Context, path string, opts transcribe.Options) (transcribe.Transcription, bool, error) {
	_, statErr := os.Stat(path)
	f.sawFile = statErr == nil
	f.lastOpts = opts
	return f.result, false, f.err
}

func newTestRouter(t *testing.T, asr Transcriber, maxUpload int64) (*gin.Engine, *fixture) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	f := newFixture(t)
	r := gin.New()
	NewHandler(f.svc, asr, t.TempDir(), maxUpload).RegisterRoutes(r.Group(""))
	return r, f
}

func serve(t *testing.T, r http.Handler, req *http.Request) (int, map[string]interface{}) {
	t.Helper()
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	var body map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return w.Code, body
}

func audioRequest(t *testing.T, contentType string, payload []byte, fields map[string]string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatal(err)
		}
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="audio"; filename="clip.wav"`)
	h.Set("Content-Type", contentType)
	part, err := mw.CreatePart(h)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := part.Write(payload); err != nil {
		t.Fatal(err)
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, "/caption/audio", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestCreateCaption(t *testing.T) {
	r, _ := newTestRouter(t, nil, 0)

	req := httptest.NewRequest(http.MethodPost, "/caption",
		strings.NewReader(`{"text":"Welcome","lang":"es","sessionId":"room-1","confidence":0.8}`))
	req.Header.Set("Content-Type", "application/json")
	code, body := serve(t, r, req)
	if code != http.StatusOK {
		t.Fatalf("status %d: %v", code, body)
	}
	if body["status"] != "success" || body["captionId"] == "" || body["indexed"] != true {
		t.Fatalf("body %v", body)
	}
	data := body["data"].(map[string]interface{})
	if data["lang"] != "es" || data["session_id"] != "room-1" || data["confidence"] != 0.8 {
		t.Fatalf("data %v", data)
	}
}

func TestCreateCaptionRejectsBadInput(t *testing.T) {
	r, _ := newTestRouter(t, nil, 0)
	for _, payload := range []string{`{}`, `{"text":"   "}`, `{"text":"hi","confidence":2}`} {
		req := httptest.NewRequest(http.MethodPost, "/caption", strings.NewReader(payload))
		req.Header.Set("Content-Type", "application/json")
		if code, body := serve(t, r, req); code != http.StatusBadRequest {
			t.Fatalf("%s: status %d: %v", payload, code, body)
		}
	}
}

func TestAudioUpload(t *testing.T) {
	asr := &fakeTranscriber{result: transcribe.Transcription{Text: "spoken words", Language: "fr", Confidence: 0.87}}
	r, _ := newTestRouter(t, asr, 0)

	code, body := serve(t, r, audioRequest(t, "audio/wav", []byte("RIFF...."), map[string]string{"model": "small", "language": "fr"}))
	if code != http.StatusOK {
		t.Fatalf("status %d: %v", code, body)
	}
	if !asr.sawFile || asr.lastOpts.Model != "small" || asr.lastOpts.Language != "fr" {
		t.Fatalf("transcriber saw file=%v opts=%+v", asr.sawFile, asr.lastOpts)
	}
	if body["transcription"] != "spoken words" || body["language"] != "fr" || body["confidence"] != 0.87 || body["cached"] != false {
		t.Fatalf("body %v", body)
	}
}

func TestAudioUploadDefaultsLanguageAndSession(t *testing.T) {
	asr := &fakeTranscriber{result: transcribe.Transcription{Text: "hola", Language: "auto"}}
	r, f := newTestRouter(t, asr, 0)

	code, body := serve(t, r, audioRequest(t, "audio/mpeg", []byte("ID3"), nil))
	if code != http.StatusOK {
		t.Fatalf("status %d: %v", code, body)
	}
	if body["language"] != DefaultLang || body["confidence"] != AudioConfidence {
		t.Fatalf("body %v", body)
	}
	recent, err := f.svc.Recent(context.Background(), AudioSessionID, 1)
	if err != nil || len(recent) != 1 || recent[0].Source != AudioSource {
		t.Fatalf("recent %+v, %v", recent, err)
	}
}

func TestAudioUploadRejections(t *testing.T) {
	t.Run("not audio", func(t *testing.T) {
		r, _ := newTestRouter(t, &fakeTranscriber{}, 0)
		if code, _ := serve(t, r, audioRequest(t, "text/plain", []byte("hi"), nil)); code != http.StatusBadRequest {
			t.Fatalf("status %d", code)
		}
	})
	t.Run("too large", func(t *testing.T) {
		r, _ := newTestRouter(t, &fakeTranscriber{}, 16)
		if code, _ := serve(t, r, audioRequest(t, "audio/wav", bytes.Repeat([]byte{1}, 64), nil)); code != http.StatusRequestEntityTooLarge {
			t.Fatalf("status %d", code)
		}
	})
	t.Run("asr failure", func(t *testing.T) {
		r, _ := newTestRouter(t, &fakeTranscriber{err: errors.New("model crashed")}, 0)
		code, body := serve(t, r, audioRequest(t, "audio/wav", []byte("RIFF"), nil))
		if code != http.StatusBadGateway || body["details"] != "model crashed" {
			t.Fatalf("status %d: %v", code, body)
		}
	})
	t.Run("missing file", func(t *testing.T) {
		r, _ := newTestRouter(t, &fakeTranscriber{}, 0)
		req := httptest.NewRequest(http.MethodPost, "/caption/audio", strings.NewReader(""))
		req.Header.Set("Content-Type", "multipart/form-data; boundary=x")
		if code, _ := serve(t, r, req); code != http.StatusBadRequest {
			t.Fatalf("status %d", code)
		}
	})
}

func TestRecentEndpoint(t *testing.T) {
	r, f := newTestRouter(t, nil, 0)
	for _, text := range []string{"one", "two"} {
		if _, err := f.svc.Ingest(context.Background(), Input{Text: text, SessionID: "live"}); err != nil {
			t.Fatal(err)
		}
	}
	code, body := serve(t, r, httptest.NewRequest(http.MethodGet, "/captions/recent?sessionId=live&count=1", nil))
	if code != http.StatusOK || body["count"] != float64(1) {
		t.Fatalf("status %d: %v", code, body)
	}
	first := body["captions"].([]interface{})[0].(map[string]interface{})
	if first["text"] != "two" {
		t.Fatalf("first caption %v", first)
	}
}
