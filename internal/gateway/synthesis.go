package gateway

import (
	"context"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/nova/internal/observe"
	"github.com/MrWong99/nova/pkg/provider/tts"
)

// Synthesis defaults.
const (
	DefaultSynthesizeTimeout = 30 * time.Second
	DefaultMaxChars          = 1000
)

// SynthesisConfig tunes a [Synthesis]. Zero fields take defaults.
type SynthesisConfig struct {
	// ProviderName labels metrics and logs. Default: "tts".
	ProviderName string

	// Timeout bounds a single provider call.
	Timeout time.Duration

	// MaxChars caps the text length; longer text is cut at a word boundary.
	MaxChars int

	// Voice is the voice every reply is rendered in.
	Voice tts.VoiceProfile
}

// Synthesis renders text with a [tts.Provider]. Synthesis has no side
// effects, so the provider may be a [resilience.TTSFallback] that retries on
// another backend.
type Synthesis struct {
	provider tts.Provider
	name     string
	timeout  time.Duration
	maxChars int
	voice    tts.VoiceProfile
	metrics  *observe.Metrics
}

// NewSynthesis wraps p.
func NewSynthesis(p tts.Provider, cfg SynthesisConfig, opts ...Option) *Synthesis {
	if cfg.ProviderName == "" {
		cfg.ProviderName = "tts"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultSynthesizeTimeout
	}
	if cfg.MaxChars <= 0 {
		cfg.MaxChars = DefaultMaxChars
	}
	o := buildOptions(opts)
	return &Synthesis{
		provider: p,
		name:     cfg.ProviderName,
		timeout:  cfg.Timeout,
		maxChars: cfg.MaxChars,
		voice:    cfg.Voice,
		metrics:  o.metrics,
	}
}

// Voice returns the configured voice.
func (s *Synthesis) Voice() tts.VoiceProfile { return s.voice }

// Synthesize renders text in the configured voice. Every error is a
// [*Failure].
func (s *Synthesis) Synthesize(ctx context.Context, text string) (tts.Audio, error) {
	const op = "synthesize"
	text = strings.TrimSpace(text)
	if text == "" {
		return tts.Audio{}, &Failure{Op: op, Kind: KindInvalidInput, Err: ErrEmptyText}
	}
	if utf8.RuneCountInString(text) > s.maxChars {
		text = TruncateText(text, s.maxChars)
		observe.Logger(ctx).Debug("gateway: synthesis text truncated", "max_chars", s.maxChars)
	}

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	var out tts.Audio
	err := protect(op, s.name, func() error {
		var err error
		out, err = s.provider.Synthesize(callCtx, text, s.voice)
		return err
	})
	s.metrics.TTSDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(observe.Attr("provider", s.name)))

	if err == nil && len(out.PCM) == 0 {
		err = ErrEmptyResult
	}
	if err != nil {
		f := classify(callCtx, op, err)
		s.metrics.RecordProviderRequest(ctx, s.name, "tts", "error")
		s.metrics.RecordProviderError(ctx, s.name, "tts")
		observe.Logger(ctx).Warn("gateway: synthesis failed",
			"provider", s.name, "kind", f.Kind.String(), "err", err)
		return tts.Audio{}, f
	}
	s.metrics.RecordProviderRequest(ctx, s.name, "tts", "ok")
	return out, nil
}

// TruncateText shortens s to at most maxChars runes, cutting at the last
// whitespace so no word is split. A single word longer than maxChars is cut
// hard.
func TruncateText(s string, maxChars int) string {
	if maxChars <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= maxChars {
		return s
	}
	runes := []rune(s)
	cut := runes[:maxChars]
	// A boundary exactly at the limit keeps the whole last word.
	if unicode.IsSpace(runes[maxChars]) {
		return strings.TrimRightFunc(string(cut), unicode.IsSpace)
	}
	for i := len(cut) - 1; i > 0; i-- {
		if unicode.IsSpace(cut[i]) {
			return strings.TrimRightFunc(string(cut[:i]), unicode.IsSpace)
		}
	}
	return string(cut)
}
