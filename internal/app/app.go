// Package app wires all Nova subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves until the context is cancelled, and Shutdown tears
// everything down in order.
//
// For testing, inject doubles via functional options (WithMessageLog,
// WithMetrics, ...) and mock providers in [Providers].
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/nova/internal/channel"
	"github.com/MrWong99/nova/internal/config"
	"github.com/MrWong99/nova/internal/gateway"
	"github.com/MrWong99/nova/internal/health"
	"github.com/MrWong99/nova/internal/httpapi"
	"github.com/MrWong99/nova/internal/observe"
	"github.com/MrWong99/nova/internal/persona"
	"github.com/MrWong99/nova/internal/resilience"
	"github.com/MrWong99/nova/internal/segment"
	"github.com/MrWong99/nova/internal/turn"
	"github.com/MrWong99/nova/pkg/memory"
	"github.com/MrWong99/nova/pkg/memory/postgres"
	"github.com/MrWong99/nova/pkg/provider/tts"
)

// ErrVoiceDisabled is returned by the voice operations when no audio
// platform is configured.
var ErrVoiceDisabled = errors.New("app: voice is not configured")

const readHeaderTimeout = 10 * time.Second

// App owns all subsystem lifetimes and runs the Nova voice pipeline.
type App struct {
	cfg       *config.Config
	providers *Providers
	metrics   *observe.Metrics

	// Subsystems, initialised in New and torn down in Shutdown.
	log           memory.MessageLog
	history       *persona.History
	responder     persona.Responder
	transcription *gateway.Transcription
	synthesis     *gateway.Synthesis
	registry      *channel.Registry
	health        *health.Handler
	handler       http.Handler
	server        *http.Server
	sink          turn.TextSink
	checkers      []health.Checker

	// ctx bounds the controller goroutines; cancel is called in Shutdown.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	persona persona.Persona
	wake    *persona.WakeMatcher
	voice   map[string]*turn.Controller // voice channel ID → controller
	text    map[string]*turn.Controller // text conversation ID → controller

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithMessageLog injects a message log instead of creating one from config.
func WithMessageLog(l memory.MessageLog) Option {
	return func(a *App) { a.log = l }
}

// WithMetrics records all metrics on m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithTextSink sets where voice replies go when they cannot be spoken.
func WithTextSink(s turn.TextSink) Option {
	return func(a *App) { a.sink = s }
}

// WithHealthChecker adds a readiness check to /readyz.
func WithHealthChecker(c health.Checker) Option {
	return func(a *App) { a.checkers = append(a.checkers, c) }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers come
// from [BuildProviders]; an LLM is required, and voice channels need STT and
// TTS as well.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil {
		providers = &Providers{}
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
		voice:     make(map[string]*turn.Controller),
		text:      make(map[string]*turn.Controller),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	a.ctx, a.cancel = context.WithCancel(context.Background())
	a.persona, a.wake = newPersona(cfg.Persona)

	// ── 1. Message log ───────────────────────────────────────────────────
	if err := a.initMemory(ctx); err != nil {
		return nil, fmt.Errorf("app: init memory: %w", err)
	}

	// ── 2. Persona ───────────────────────────────────────────────────────
	if providers.LLM == nil {
		return nil, errors.New("app: an llm provider is required")
	}
	a.history = persona.NewHistory(a.log, cfg.Memory.HistoryLimit)
	a.responder = persona.NewLLMResponder(providers.LLM,
		persona.WithProviderName(providerName(cfg.Providers.LLM.Name, "llm")),
		persona.WithTemperature(cfg.Persona.Temperature),
		persona.WithMaxTokens(cfg.Persona.MaxTokens),
		persona.WithMetrics(a.metrics),
	)

	// ── 3. Gateways ──────────────────────────────────────────────────────
	a.initGateways()

	// ── 4. Voice channels ────────────────────────────────────────────────
	if err := a.initVoice(); err != nil {
		return nil, fmt.Errorf("app: init voice: %w", err)
	}

	// ── 5. HTTP surface ──────────────────────────────────────────────────
	a.initHTTP()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initMemory sets up the PostgreSQL log, an in-memory log, or keeps an
// injected one.
func (a *App) initMemory(ctx context.Context) error {
	if a.log != nil {
		return nil
	}
	dsn := a.cfg.Memory.PostgresDSN
	if dsn == "" {
		a.log = memory.NewInMemoryLog(a.cfg.Memory.Capacity)
		slog.Info("using in-memory message log", "capacity", a.cfg.Memory.Capacity)
		return nil
	}

	store, err := postgres.New(ctx, dsn)
	if err != nil {
		return err
	}
	a.log = store
	a.checkers = append(a.checkers, health.Checker{Name: "postgres", Check: store.Ping})
	a.closers = append(a.closers, func() error {
		store.Close()
		return nil
	})
	slog.Info("using postgres message log")
	return nil
}

// initGateways wraps the STT and TTS providers that are configured.
func (a *App) initGateways() {
	v := a.cfg.Voice
	if a.providers.STT != nil {
		a.transcription = gateway.NewTranscription(a.providers.STT, gateway.TranscriptionConfig{
			ProviderName: providerName(a.cfg.Providers.STT.Name, "stt"),
			Timeout:      v.TranscriptionTimeout,
			MaxAudio:     v.MaxUtterance,
			Breaker: resilience.CircuitBreakerConfig{
				OnStateChange: func(name string, from, to resilience.State) {
					slog.Warn("stt circuit breaker changed state", "provider", name, "from", from.String(), "to", to.String())
				},
			},
		}, gateway.WithMetrics(a.metrics))
		breaker := a.transcription.Breaker()
		a.checkers = append(a.checkers, health.Checker{Name: "stt", Optional: true, Check: func(context.Context) error {
			if breaker.State() == resilience.StateOpen {
				return fmt.Errorf("circuit %q is open", breaker.Name())
			}
			return nil
		}})
	}
	if a.providers.TTS != nil {
		a.synthesis = gateway.NewSynthesis(a.providers.TTS, gateway.SynthesisConfig{
			ProviderName: providerName(a.cfg.Providers.TTS.Name, "tts"),
			Timeout:      v.SynthesisTimeout,
			MaxChars:     v.MaxReplyChars,
			Voice:        voiceProfile(a.cfg),
		}, gateway.WithMetrics(a.metrics))
	}
}

// initVoice creates the channel registry when an audio platform is present.
func (a *App) initVoice() error {
	if a.providers.Audio == nil {
		return nil
	}
	if a.transcription == nil || a.synthesis == nil {
		return errors.New("voice channels require stt and tts providers")
	}
	a.registry = channel.NewRegistry(a.providers.Audio, a.synthesis, channelConfig(a.cfg.Voice), a.metrics)
	a.registry.OnSessionReady(a.attach)
	a.registry.OnSessionEvent(func(s *channel.Session, ev channel.Event) {
		slog.Info("voice channel status", "channel_id", s.ChannelID(), "from", ev.From.String(), "to", ev.To.String(), "err", ev.Err)
	})
	return nil
}

// initHTTP builds the HTTP handler and, when a listen address is set, the
// server.
func (a *App) initHTTP() {
	var (
		stt httpapi.Transcriber
		tts httpapi.Synthesizer
	)
	if a.transcription != nil {
		stt = a.transcription
	}
	if a.synthesis != nil {
		tts = a.synthesis
	}
	a.health = health.New(a.checkers...)
	a.handler = httpapi.New(stt, tts,
		httpapi.WithMetrics(a.metrics),
		httpapi.WithHealth(a.health),
		httpapi.WithLimits(a.cfg.Server.MaxAudioBytes, 0),
	).Handler()

	if a.cfg.Server.ListenAddr == "" {
		return
	}
	a.server = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP and watches the voice channels until ctx is cancelled.
// When ctx is done, Run returns context.Canceled (or the underlying cause).
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	if a.server != nil {
		g.Go(a.serve)
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), readHeaderTimeout)
			defer cancel()
			return a.server.Shutdown(sctx)
		})
	}
	if a.registry != nil {
		g.Go(func() error { return a.registry.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	slog.Info("app running", "listen_addr", a.cfg.Server.ListenAddr, "voice", a.registry != nil)
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

func (a *App) serve() error {
	slog.Info("http server listening", "addr", a.server.Addr)
	var err error
	if tls := a.cfg.Server.TLS; tls != nil {
		err = a.server.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
	} else {
		err = a.server.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return fmt.Errorf("app: http server: %w", err)
}

// Handler returns the HTTP handler with the speech, health and metrics
// routes.
func (a *App) Handler() http.Handler {
	return a.handler
}

// ─── Controllers ─────────────────────────────────────────────────────────────

// attach creates the turn controller of a freshly joined session and runs
// it until the session's utterance channel closes.
func (a *App) attach(s *channel.Session) {
	id := s.ChannelID()
	a.mu.Lock()
	ctl := turn.New(a.responder, a.history, a.turnConfigLocked(id),
		turn.WithTranscriber(a.transcription),
		turn.WithSpeaker(s),
		turn.WithListener(s),
		turn.WithTextSink(a.sink),
		turn.WithWakeMatcher(a.wake),
		turn.WithMetrics(a.metrics),
	)
	a.voice[id] = ctl
	a.mu.Unlock()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := ctl.Run(a.ctx, s.Utterances()); err != nil && !errors.Is(err, context.Canceled) {
			slog.Warn("turn controller stopped", "channel_id", id, "err", err)
		}
		a.mu.Lock()
		if a.voice[id] == ctl {
			delete(a.voice, id)
		}
		a.mu.Unlock()
	}()
}

func (a *App) turnConfigLocked(conversationID string) turn.Config {
	return turn.Config{
		ConversationID:   conversationID,
		Persona:          a.persona,
		TurnTimeout:      a.cfg.Voice.TurnTimeout,
		ConversationMode: a.cfg.Voice.ConversationModeEnabled(),
	}
}

func (a *App) voiceController(channelID string) (*turn.Controller, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ctl, ok := a.voice[channelID]
	if !ok {
		return nil, fmt.Errorf("app: %q: %w", channelID, channel.ErrNotJoined)
	}
	return ctl, nil
}

func (a *App) textController(conversationID string) *turn.Controller {
	a.mu.Lock()
	defer a.mu.Unlock()
	ctl, ok := a.text[conversationID]
	if !ok {
		ctl = turn.New(a.responder, a.history, a.turnConfigLocked(conversationID), turn.WithMetrics(a.metrics))
		a.text[conversationID] = ctl
	}
	return ctl
}

// HandleText runs a text turn in the conversation keyed by conversationID,
// typically a Discord text channel.
func (a *App) HandleText(ctx context.Context, conversationID string, in turn.Input) (turn.Result, error) {
	return a.textController(conversationID).HandleText(ctx, in)
}

// ─── Config reload ───────────────────────────────────────────────────────────

// ApplyConfig applies the hot-reloadable parts of a config change. Other
// changes are logged and take effect after a restart.
func (a *App) ApplyConfig(diff config.ConfigDiff, cfg *config.Config) {
	if diff.PromptChanged || diff.WakeWordsChanged {
		p, wake := newPersona(cfg.Persona)
		a.mu.Lock()
		a.persona, a.wake = p, wake
		ctls := make([]*turn.Controller, 0, len(a.voice)+len(a.text))
		for _, c := range a.voice {
			ctls = append(ctls, c)
		}
		for _, c := range a.text {
			ctls = append(ctls, c)
		}
		a.mu.Unlock()

		for _, c := range ctls {
			c.SetPersona(p, wake)
		}
		slog.Info("persona reloaded", "name", p.Name, "wake_words", len(p.WakeWords), "controllers", len(ctls))
	}
	for _, section := range diff.RestartRequired {
		slog.Warn("config section changed, restart to apply", "section", section)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown leaves every voice channel, stops the HTTP server and tears down
// the remaining subsystems. It respects the context deadline: if ctx expires
// first, remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if a.server != nil {
			if err := a.server.Shutdown(ctx); err != nil {
				slog.Warn("http server shutdown error", "err", err)
				shutdownErr = err
			}
		}

		// Leaving the channels closes the utterance streams, which ends
		// the controllers.
		if a.registry != nil {
			if err := a.registry.Close(); err != nil {
				slog.Warn("leaving voice channels failed", "err", err)
			}
		}
		a.cancel()

		done := make(chan struct{})
		go func() {
			a.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			slog.Warn("shutdown deadline exceeded waiting for turns")
			shutdownErr = ctx.Err()
			return
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

func newPersona(pc config.PersonaConfig) (persona.Persona, *persona.WakeMatcher) {
	p := persona.Persona{
		Name:         pc.Name,
		SystemPrompt: pc.SystemPrompt,
		WakeWords:    slices.Clone(pc.WakeWords),
	}
	return p, persona.NewWakeMatcher(p.WakeWords)
}

// voiceProfile converts the persona voice config to a tts.VoiceProfile.
func voiceProfile(cfg *config.Config) tts.VoiceProfile {
	v := cfg.Persona.Voice
	return tts.VoiceProfile{
		ID:          v.VoiceID,
		Name:        cfg.Persona.Name,
		Provider:    cfg.Providers.TTS.Name,
		Language:    v.Language,
		SpeedFactor: v.SpeedFactor,
	}
}

// channelConfig converts the pipeline config to a channel.Config.
func channelConfig(v config.PipelineConfig) channel.Config {
	return channel.Config{
		JoinTimeout:          v.JoinTimeout,
		MaxReconnectAttempts: v.MaxReconnectAttempts,
		ReconnectBackoff:     v.ReconnectBackoff,
		PlaybackGrace:        v.PlaybackGrace,
		PlaybackTail:         v.PlaybackTail,
		Segment: segment.Config{
			ActivityThreshold:  v.ActivityThreshold,
			SilenceTimeout:     v.SilenceTimeout,
			EndOfStreamTimeout: v.EndOfStreamTimeout,
			MinUtterance:       v.MinUtterance,
			MaxUtterance:       v.MaxUtterance,
		},
	}
}

func providerName(name, fallback string) string {
	if name == "" {
		return fallback
	}
	return name
}
