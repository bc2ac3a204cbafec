package gateway

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/nova/internal/observe"
	"github.com/MrWong99/nova/internal/resilience"
	"github.com/MrWong99/nova/internal/segment"
	"github.com/MrWong99/nova/pkg/audio"
	"github.com/MrWong99/nova/pkg/provider/stt"
)

// Transcription defaults.
const (
	DefaultTranscribeTimeout = 30 * time.Second
	DefaultMaxAudio          = 60 * time.Second
)

// TranscriptionConfig tunes a [Transcription]. Zero fields take defaults.
type TranscriptionConfig struct {
	// ProviderName labels metrics and logs. Default: "stt".
	ProviderName string

	// Timeout bounds a single provider call.
	Timeout time.Duration

	// MaxAudio rejects longer audio before it is uploaded.
	MaxAudio time.Duration

	// Breaker configures the circuit breaker around the provider. Its Name
	// defaults to ProviderName.
	Breaker resilience.CircuitBreakerConfig
}

// Option configures a gateway.
type Option func(*options)

type options struct {
	metrics *observe.Metrics
}

// WithMetrics records latency and request counters on m instead of
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

func buildOptions(opts []Option) options {
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}
	return o
}

// Transcription submits utterances to an [stt.Provider]. Failed calls are
// never retried: a lost utterance is cheaper than a late answer. Repeated
// failures open a circuit breaker so a dead backend is not hammered while the
// user keeps talking.
type Transcription struct {
	provider stt.Provider
	name     string
	timeout  time.Duration
	maxAudio time.Duration
	breaker  *resilience.CircuitBreaker
	metrics  *observe.Metrics
}

// NewTranscription wraps p.
func NewTranscription(p stt.Provider, cfg TranscriptionConfig, opts ...Option) *Transcription {
	if cfg.ProviderName == "" {
		cfg.ProviderName = "stt"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTranscribeTimeout
	}
	if cfg.MaxAudio <= 0 {
		cfg.MaxAudio = DefaultMaxAudio
	}
	if cfg.Breaker.Name == "" {
		cfg.Breaker.Name = cfg.ProviderName
	}
	o := buildOptions(opts)
	return &Transcription{
		provider: p,
		name:     cfg.ProviderName,
		timeout:  cfg.Timeout,
		maxAudio: cfg.MaxAudio,
		breaker:  resilience.NewCircuitBreaker(cfg.Breaker),
		metrics:  o.metrics,
	}
}

// Breaker exposes the circuit breaker, for health reporting.
func (t *Transcription) Breaker() *resilience.CircuitBreaker { return t.breaker }

// Transcribe returns the text spoken in u. An utterance without recognisable
// speech yields "" and a nil error. Every error is a [*Failure].
func (t *Transcription) Transcribe(ctx context.Context, u segment.Utterance) (string, error) {
	return t.TranscribeAudio(ctx, u.Audio, u.Format)
}

// TranscribeAudio is [Transcription.Transcribe] for raw PCM in format f.
func (t *Transcription) TranscribeAudio(ctx context.Context, pcm []byte, f audio.Format) (string, error) {
	const op = "transcribe"
	if len(pcm) == 0 || !f.Valid() {
		return "", &Failure{Op: op, Kind: KindInvalidInput, Err: ErrEmptyAudio}
	}
	if f.Duration(len(pcm)) > t.maxAudio {
		return "", &Failure{Op: op, Kind: KindInvalidInput, Err: ErrAudioTooLong}
	}
	// Conversion drops partial sample frames, so tiny or odd-sized input
	// can come out empty.
	pcm = audio.ConvertPCM(pcm, f, audio.FormatSpeech)
	if len(pcm) == 0 {
		return "", &Failure{Op: op, Kind: KindInvalidInput, Err: ErrEmptyAudio}
	}
	a := stt.Audio{PCM: pcm, SampleRate: audio.FormatSpeech.SampleRate, Channels: audio.FormatSpeech.Channels}

	callCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	start := time.Now()
	var text string
	err := t.breaker.Execute(func() error {
		return protect(op, t.name, func() error {
			var err error
			text, err = t.provider.Transcribe(callCtx, a)
			return err
		})
	})
	t.metrics.STTDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(observe.Attr("provider", t.name)))

	if err != nil {
		f := classify(callCtx, op, err)
		if f.Kind != KindUnavailable {
			t.metrics.RecordProviderRequest(ctx, t.name, "stt", "error")
		}
		t.metrics.RecordProviderError(ctx, t.name, "stt")
		observe.Logger(ctx).Warn("gateway: transcription failed",
			"provider", t.name, "kind", f.Kind.String(), "err", err)
		return "", f
	}
	t.metrics.RecordProviderRequest(ctx, t.name, "stt", "ok")
	return text, nil
}
