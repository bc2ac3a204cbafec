package openai_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MrWong99/nova/pkg/audio"
	"github.com/MrWong99/nova/pkg/provider/stt"
	"github.com/MrWong99/nova/pkg/provider/stt/openai"
)

type upload struct {
	model    string
	language string
	wav      []byte
}

func newServer(t *testing.T, status int, body string, got chan<- upload) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/audio/transcriptions" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		u := upload{model: r.FormValue("model"), language: r.FormValue("language")}
		if f, _, err := r.FormFile("file"); err == nil {
			u.wav, _ = io.ReadAll(f)
			_ = f.Close()
		}
		select {
		case got <- u:
		default:
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestNew_MissingAPIKey(t *testing.T) {
	t.Parallel()
	if _, err := openai.New("", "whisper-1"); err == nil {
		t.Fatal("expected error for empty apiKey")
	}
}

func TestTranscribe(t *testing.T) {
	t.Parallel()

	got := make(chan upload, 1)
	srv := newServer(t, http.StatusOK, `{"text":" What's the weather? "}`, got)

	p, err := openai.New("sk-test", "", openai.WithBaseURL(srv.URL+"/v1"), openai.WithLanguage("en"), openai.WithTimeout(5*time.Second))
	if err != nil {
		t.Fatal(err)
	}

	pcm := audio.Tone(audio.FormatSpeech, 300*time.Millisecond, 4000)
	text, err := p.Transcribe(context.Background(), stt.Audio{PCM: pcm, SampleRate: 16000, Channels: 1})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if text != "What's the weather?" {
		t.Errorf("text = %q", text)
	}

	u := <-got
	if u.model != "whisper-1" || u.language != "en" {
		t.Errorf("model/language = %q/%q", u.model, u.language)
	}
	if _, f, err := audio.DecodeWAV(u.wav); err != nil || f != audio.FormatSpeech {
		t.Errorf("uploaded WAV format = %s, err = %v", f, err)
	}
}

func TestTranscribe_EmptyAudio(t *testing.T) {
	t.Parallel()
	p, _ := openai.New("sk-test", "whisper-1")
	if _, err := p.Transcribe(context.Background(), stt.Audio{}); !errors.Is(err, stt.ErrEmptyAudio) {
		t.Fatalf("error = %v, want ErrEmptyAudio", err)
	}
}

func TestTranscribe_UpstreamError(t *testing.T) {
	t.Parallel()

	got := make(chan upload, 4)
	srv := newServer(t, http.StatusInternalServerError, `{"error":{"message":"boom"}}`, got)
	p, _ := openai.New("sk-test", "whisper-1", openai.WithBaseURL(srv.URL+"/v1"))

	_, err := p.Transcribe(context.Background(), stt.Audio{PCM: make([]byte, 3200), SampleRate: 16000, Channels: 1})
	if err == nil {
		t.Fatal("expected error")
	}
	// Retries are disabled, so exactly one request reaches the server.
	if n := len(got); n != 1 {
		t.Errorf("requests = %d, want 1", n)
	}
}
