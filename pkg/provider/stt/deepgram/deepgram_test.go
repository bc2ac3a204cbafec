package deepgram

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/MrWong99/nova/pkg/provider/stt"
	"github.com/coder/websocket"
)

// fakeListen is a live endpoint that records the audio it receives and
// answers CloseStream with the configured messages.
type fakeListen struct {
	mu     sync.Mutex
	audio  []byte
	chunks int
	query  url.Values
	auth   string

	replies  []string
	metadata bool
}

func (f *fakeListen) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.query = r.URL.Query()
	f.auth = r.Header.Get("Authorization")
	f.mu.Unlock()

	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer c.CloseNow()

	ctx := r.Context()
	for {
		typ, data, err := c.Read(ctx)
		if err != nil {
			return
		}
		if typ == websocket.MessageText {
			break
		}
		f.mu.Lock()
		f.audio = append(f.audio, data...)
		f.chunks++
		f.mu.Unlock()
	}
	for _, r := range f.replies {
		if err := c.Write(ctx, websocket.MessageText, []byte(r)); err != nil {
			return
		}
	}
	if f.metadata {
		_ = c.Write(ctx, websocket.MessageText, []byte(`{"type":"Metadata","request_id":"abc"}`))
		_, _, _ = c.Read(ctx)
		return
	}
	c.Close(websocket.StatusNormalClosure, "")
}

func newTestProvider(t *testing.T, h http.Handler, opts ...Option) *Provider {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	opts = append([]Option{WithEndpoint(srv.URL + "/v1/listen")}, opts...)
	p, err := New("dg-key", opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func result(text string, final bool) string {
	f := "false"
	if final {
		f = "true"
	}
	return `{"type":"Results","is_final":` + f + `,"channel":{"alternatives":[{"transcript":"` + text + `","confidence":0.9}]}}`
}

func TestNew_RequiresKey(t *testing.T) {
	t.Parallel()
	if _, err := New(""); err == nil {
		t.Fatal("expected error for empty api key")
	}
}

func TestTranscribe_JoinsFinals(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		metadata bool
	}{
		{name: "metadata ends stream", metadata: true},
		{name: "server closes stream"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := &fakeListen{
				replies: []string{
					result("hello", false),
					result("hello nova", true),
					`{"type":"SpeechStarted"}`,
					result("", true),
					result("what time is it", true),
				},
				metadata: tt.metadata,
			}
			p := newTestProvider(t, srv, WithModel("base"), WithLanguage("de"), WithKeywords(5, "Nova"))

			// 250 ms of 16 kHz mono audio is sent as three 100 ms chunks.
			pcm := make([]byte, 8000)
			got, err := p.Transcribe(context.Background(), stt.Audio{PCM: pcm, SampleRate: 16000, Channels: 1})
			if err != nil {
				t.Fatalf("Transcribe: %v", err)
			}
			if want := "hello nova what time is it"; got != want {
				t.Errorf("transcript = %q, want %q", got, want)
			}

			srv.mu.Lock()
			defer srv.mu.Unlock()
			if len(srv.audio) != len(pcm) {
				t.Errorf("server received %d bytes, want %d", len(srv.audio), len(pcm))
			}
			if srv.chunks != 3 {
				t.Errorf("chunks = %d, want 3", srv.chunks)
			}
			if srv.auth != "Token dg-key" {
				t.Errorf("Authorization = %q", srv.auth)
			}
			for key, want := range map[string]string{
				"model":       "base",
				"language":    "de",
				"encoding":    "linear16",
				"sample_rate": "16000",
				"channels":    "1",
				"keywords":    "Nova:5",
			} {
				if got := srv.query.Get(key); got != want {
					t.Errorf("query %s = %q, want %q", key, got, want)
				}
			}
		})
	}
}

func TestTranscribe_EmptyAudio(t *testing.T) {
	t.Parallel()
	p, err := New("k")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.Transcribe(context.Background(), stt.Audio{SampleRate: 16000, Channels: 1}); err != stt.ErrEmptyAudio {
		t.Errorf("err = %v, want ErrEmptyAudio", err)
	}
}

func TestTranscribe_DialFailure(t *testing.T) {
	t.Parallel()
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	})
	p := newTestProvider(t, h)
	_, err := p.Transcribe(context.Background(), stt.Audio{PCM: make([]byte, 320), SampleRate: 16000, Channels: 1})
	if err == nil || !strings.Contains(err.Error(), "deepgram: dial") {
		t.Fatalf("err = %v, want dial error", err)
	}
}

func TestTranscribe_AbnormalClose(t *testing.T) {
	t.Parallel()
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		for {
			typ, _, err := c.Read(r.Context())
			if err != nil {
				return
			}
			if typ == websocket.MessageText {
				break
			}
		}
		c.Close(websocket.StatusInternalError, "boom")
	})
	p := newTestProvider(t, h)
	_, err := p.Transcribe(context.Background(), stt.Audio{PCM: make([]byte, 320), SampleRate: 16000, Channels: 1})
	if err == nil || !strings.Contains(err.Error(), "read results") {
		t.Fatalf("err = %v, want read error", err)
	}
}
