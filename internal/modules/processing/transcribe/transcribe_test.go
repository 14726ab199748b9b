package transcribe

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"go.uber.org/zap/zaptest"

	"github.com/Aryakoste/redis-captions-overlay/internal/modules/processing/cache"
	pkgredis "github.com/Aryakoste/redis-captions-overlay/internal/pkg/redis"
)

type fakeEngine struct {
	calls atomic.Int32
	text  string
	err   error
}

func (f *fakeEngine) Transcribe(_ context.Context, _ string, opts Options) (Transcription, error) {
	f.calls.Add(1)
	if f.err != nil {
		return Transcription{}, f.err
	}
	return Transcription{Text: f.text, Language: opts.Language, Confidence: 0.95}, nil
}

func newCache(t *testing.T) *cache.Cache {
	t.Helper()
	mr := miniredis.RunT(t)
	rc, err := pkgredis.Connect("redis://" + mr.Addr())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = rc.Close() })
	return cache.New(rc)
}

func writeAudio(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestTranscribeCachesByContent(t *testing.T) {
	engine := &fakeEngine{text: "hello there"}
	s := NewService(engine, newCache(t), WithLogger(zaptest.NewLogger(t)))
	ctx := context.Background()

	first, hit, err := s.Transcribe(ctx, writeAudio(t, "a.wav", "RIFF-1"), Options{})
	if err != nil || hit {
		t.Fatalf("first: hit=%v err=%v", hit, err)
	}
	if first.Text != "hello there" || first.Language != "auto" {
		t.Fatalf("first: %+v", first)
	}

	second, hit, err := s.Transcribe(ctx, writeAudio(t, "renamed.wav", "RIFF-1"), Options{})
	if err != nil || !hit || second.Text != first.Text {
		t.Fatalf("second: %+v hit=%v err=%v", second, hit, err)
	}

	if _, hit, _ := s.Transcribe(ctx, writeAudio(t, "a.wav", "RIFF-1"), Options{Language: "es"}); hit {
		t.Fatal("different language must not hit")
	}
	if _, hit, _ := s.Transcribe(ctx, writeAudio(t, "b.wav", "RIFF-2"), Options{}); hit {
		t.Fatal("different audio must not hit")
	}
	if n := engine.calls.Load(); n != 3 {
		t.Fatalf("engine calls %d, want 3", n)
	}
}

func TestTranscribeEmptyTextNotCached(t *testing.T) {
	engine := &fakeEngine{}
	s := NewService(engine, newCache(t))
	path := writeAudio(t, "silence.wav", "quiet")
	for i := 0; i < 2; i++ {
		if _, hit, err := s.Transcribe(context.Background(), path, Options{}); err != nil || hit {
			t.Fatalf("run %d: hit=%v err=%v", i, hit, err)
		}
	}
	if n := engine.calls.Load(); n != 2 {
		t.Fatalf("engine calls %d", n)
	}
}

func TestTranscribeEngineError(t *testing.T) {
	s := NewService(&fakeEngine{err: errors.New("model missing")}, newCache(t))
	if _, _, err := s.Transcribe(context.Background(), writeAudio(t, "x.wav", "x"), Options{}); err == nil {
		t.Fatal("expected error")
	}
}

func TestCommandEngine(t *testing.T) {
	script := `echo '{"text":"  from '"$1"' '"$2"' '"$3"'  ","language":"en","confidence":0.9}'`
	e, err := NewCommandEngine([]string{"sh", "-c", script, "sh"}, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	got, err := e.Transcribe(context.Background(), "clip.wav", Options{Model: "tiny", Language: "en"})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if got.Text != "from clip.wav tiny en" || got.Confidence != 0.9 {
		t.Fatalf("got %+v", got)
	}
}

func TestCommandEngineReportedError(t *testing.T) {
	e, _ := NewCommandEngine([]string{"sh", "-c", `echo '{"error":"Audio file not found","text":""}'`}, time.Second)
	if _, err := e.Transcribe(context.Background(), "missing.wav", Options{}); err == nil || err.Error() != "Audio file not found" {
		t.Fatalf("err = %v", err)
	}
}
