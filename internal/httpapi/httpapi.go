// Package httpapi serves the speech endpoints used by the voice widget,
// next to the health and metrics routes:
//
//	POST /api/speech-to-text  audio body (WAV, or raw PCM described by
//	                          ?sample_rate=&channels=) → {"text": "..."}
//	POST /api/text-to-speech  {"text": "..."} → audio/wav
//	GET  /healthz, /readyz    liveness and readiness
//	GET  /metrics             Prometheus scrape endpoint
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/MrWong99/nova/internal/gateway"
	"github.com/MrWong99/nova/internal/health"
	"github.com/MrWong99/nova/internal/observe"
	"github.com/MrWong99/nova/pkg/audio"
	"github.com/MrWong99/nova/pkg/provider/tts"
)

// Default request body limits.
const (
	DefaultMaxAudioBytes = 25 << 20
	DefaultMaxTextBytes  = 64 << 10
)

// Transcriber turns PCM into text. [*gateway.Transcription] implements it.
type Transcriber interface {
	TranscribeAudio(ctx context.Context, pcm []byte, f audio.Format) (string, error)
}

// Synthesizer turns text into audio. [*gateway.Synthesis] implements it.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (tts.Audio, error)
}

var (
	_ Transcriber = (*gateway.Transcription)(nil)
	_ Synthesizer = (*gateway.Synthesis)(nil)
)

// Option configures a [Server].
type Option func(*Server)

// WithMetrics sets the metrics used by the request middleware. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithHealth mounts h on /healthz and /readyz.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.health = h }
}

// WithMetricsHandler mounts h on /metrics. Defaults to
// [observe.MetricsHandler].
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metricsHandler = h }
}

// WithLimits overrides the request body limits. Non-positive values keep
// the defaults.
func WithLimits(maxAudioBytes, maxTextBytes int64) Option {
	return func(s *Server) {
		if maxAudioBytes > 0 {
			s.maxAudio = maxAudioBytes
		}
		if maxTextBytes > 0 {
			s.maxText = maxTextBytes
		}
	}
}

// Server holds the HTTP handlers. It is safe for concurrent use.
type Server struct {
	stt Transcriber
	tts Synthesizer

	metrics        *observe.Metrics
	health         *health.Handler
	metricsHandler http.Handler
	maxAudio       int64
	maxText        int64
}

// New returns a server backed by stt and tts. Either may be nil, in which
// case its endpoint answers 503.
func New(stt Transcriber, tts Synthesizer, opts ...Option) *Server {
	s := &Server{
		stt:      stt,
		tts:      tts,
		maxAudio: DefaultMaxAudioBytes,
		maxText:  DefaultMaxTextBytes,
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.health == nil {
		s.health = health.New()
	}
	if s.metricsHandler == nil {
		s.metricsHandler = observe.MetricsHandler()
	}
	return s
}

// Handler returns the routed handler wrapped in [observe.Middleware].
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/speech-to-text", s.handleSpeechToText)
	mux.HandleFunc("POST /api/text-to-speech", s.handleTextToSpeech)
	s.health.Register(mux)
	mux.Handle("GET /metrics", s.metricsHandler)
	return observe.Middleware(s.metrics)(mux)
}

// ─── Speech to text ──────────────────────────────────────────────────────────

type speechToTextResponse struct {
	Text string `json:"text"`
}

// handleSpeechToText handles POST /api/speech-to-text.
func (s *Server) handleSpeechToText(w http.ResponseWriter, r *http.Request) {
	if s.stt == nil {
		writeError(w, http.StatusServiceUnavailable, "speech-to-text is not configured")
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxAudio))
	if err != nil {
		writeBodyError(w, err)
		return
	}
	if len(body) == 0 {
		writeError(w, http.StatusBadRequest, "audio body is required")
		return
	}

	pcm, f, err := decodeAudio(body, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	text, err := s.stt.TranscribeAudio(r.Context(), pcm, f)
	if err != nil {
		observe.Logger(r.Context()).Warn("httpapi: speech to text failed", "err", err)
		writeGatewayError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, speechToTextResponse{Text: text})
}

// decodeAudio reads a WAV body, or raw PCM whose format is given by the
// sample_rate and channels query parameters (16 kHz mono when absent).
func decodeAudio(body []byte, r *http.Request) ([]byte, audio.Format, error) {
	if bytes.HasPrefix(body, []byte("RIFF")) {
		pcm, f, err := audio.DecodeWAV(body)
		if err != nil {
			return nil, audio.Format{}, err
		}
		return pcm, f, nil
	}

	f := audio.FormatSpeech
	q := r.URL.Query()
	if v := q.Get("sample_rate"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, audio.Format{}, errors.New("sample_rate must be a positive integer")
		}
		f.SampleRate = n
	}
	if v := q.Get("channels"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 2 {
			return nil, audio.Format{}, errors.New("channels must be 1 or 2")
		}
		f.Channels = n
	}
	return body, f, nil
}

// ─── Text to speech ──────────────────────────────────────────────────────────

type textToSpeechRequest struct {
	Text string `json:"text"`
}

// handleTextToSpeech handles POST /api/text-to-speech.
func (s *Server) handleTextToSpeech(w http.ResponseWriter, r *http.Request) {
	if s.tts == nil {
		writeError(w, http.StatusServiceUnavailable, "text-to-speech is not configured")
		return
	}
	var req textToSpeechRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxText)).Decode(&req); err != nil {
		writeBodyError(w, err)
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	a, err := s.tts.Synthesize(r.Context(), req.Text)
	if err != nil {
		observe.Logger(r.Context()).Warn("httpapi: text to speech failed", "err", err)
		writeGatewayError(w, err)
		return
	}

	wav := audio.EncodeWAV(a.PCM, a.Format)
	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Content-Length", strconv.Itoa(len(wav)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(wav)
}

// ─── Responses ───────────────────────────────────────────────────────────────

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeBodyError reports a failed body read: 413 when the limit was hit,
// 400 otherwise.
func writeBodyError(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge,
			"request body exceeds "+strconv.FormatInt(tooLarge.Limit, 10)+" bytes")
		return
	}
	writeError(w, http.StatusBadRequest, "invalid request body")
}

// writeGatewayError maps a gateway failure to 400 for rejected input and
// 502 for everything the upstream service got wrong.
func writeGatewayError(w http.ResponseWriter, err error) {
	if kind, ok := gateway.KindOf(err); ok && kind == gateway.KindInvalidInput {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeError(w, http.StatusBadGateway, err.Error())
}
