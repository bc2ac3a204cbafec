package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm": {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"stt": {"whisper", "whisper-native", "openai", "deepgram"},
	"tts": {"coqui", "elevenlabs", "openai"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Unknown keys are rejected. An empty document yields the zero [Config].
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}
	if cfg.Server.MaxAudioBytes < 0 {
		errs = append(errs, errors.New("server.max_audio_bytes must not be negative"))
	}
	if r := cfg.Server.TraceSampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("server.trace_sample_ratio %.2f is out of range [0, 1]", r))
	}

	// Providers
	errs = append(errs, validateEntry("providers.llm", "llm", cfg.Providers.LLM, false)...)
	errs = append(errs, validateEntry("providers.stt", "stt", cfg.Providers.STT, false)...)
	errs = append(errs, validateEntry("providers.tts", "tts", cfg.Providers.TTS, false)...)
	for i, e := range cfg.Providers.LLMFallbacks {
		errs = append(errs, validateEntry(fmt.Sprintf("providers.llm_fallbacks[%d]", i), "llm", e, true)...)
	}
	for i, e := range cfg.Providers.TTSFallbacks {
		errs = append(errs, validateEntry(fmt.Sprintf("providers.tts_fallbacks[%d]", i), "tts", e, true)...)
	}
	if len(cfg.Providers.LLMFallbacks) > 0 && cfg.Providers.LLM.Name == "" {
		errs = append(errs, errors.New("providers.llm_fallbacks requires providers.llm"))
	}
	if len(cfg.Providers.TTSFallbacks) > 0 && cfg.Providers.TTS.Name == "" {
		errs = append(errs, errors.New("providers.tts_fallbacks requires providers.tts"))
	}

	// Persona
	if cfg.Persona.Voice.SpeedFactor != 0 && (cfg.Persona.Voice.SpeedFactor < 0.5 || cfg.Persona.Voice.SpeedFactor > 2.0) {
		errs = append(errs, fmt.Errorf("persona.voice.speed_factor %.2f is out of range [0.5, 2.0]", cfg.Persona.Voice.SpeedFactor))
	}
	if cfg.Persona.Temperature < 0 || cfg.Persona.Temperature > 2 {
		errs = append(errs, fmt.Errorf("persona.temperature %.2f is out of range [0, 2]", cfg.Persona.Temperature))
	}
	if cfg.Persona.MaxTokens < 0 {
		errs = append(errs, errors.New("persona.max_tokens must not be negative"))
	}
	for i, w := range cfg.Persona.WakeWords {
		if strings.TrimSpace(w) == "" {
			errs = append(errs, fmt.Errorf("persona.wake_words[%d] is empty", i))
		}
	}

	// Voice pipeline
	v := cfg.Voice
	if v.ActivityThreshold < 0 {
		errs = append(errs, errors.New("voice.activity_threshold must not be negative"))
	}
	for name, d := range map[string]int64{
		"silence_timeout":       int64(v.SilenceTimeout),
		"end_of_stream_timeout": int64(v.EndOfStreamTimeout),
		"min_utterance":         int64(v.MinUtterance),
		"max_utterance":         int64(v.MaxUtterance),
		"join_timeout":          int64(v.JoinTimeout),
		"reconnect_backoff":     int64(v.ReconnectBackoff),
		"playback_grace":        int64(v.PlaybackGrace),
		"playback_tail":         int64(v.PlaybackTail),
		"turn_timeout":          int64(v.TurnTimeout),
		"transcription_timeout": int64(v.TranscriptionTimeout),
		"synthesis_timeout":     int64(v.SynthesisTimeout),
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("voice.%s must not be negative", name))
		}
	}
	if v.MinUtterance > 0 && v.MaxUtterance > 0 && v.MinUtterance >= v.MaxUtterance {
		errs = append(errs, fmt.Errorf("voice.min_utterance %s must be shorter than voice.max_utterance %s", v.MinUtterance, v.MaxUtterance))
	}
	if v.MaxReconnectAttempts < 0 {
		errs = append(errs, errors.New("voice.max_reconnect_attempts must not be negative"))
	}
	if v.MaxReplyChars < 0 {
		errs = append(errs, errors.New("voice.max_reply_chars must not be negative"))
	}

	// Memory
	if cfg.Memory.HistoryLimit < 0 {
		errs = append(errs, errors.New("memory.history_limit must not be negative"))
	}
	if cfg.Memory.Capacity < 0 {
		errs = append(errs, errors.New("memory.capacity must not be negative"))
	}

	// Availability warnings
	if cfg.Providers.LLM.Name == "" {
		slog.Warn("providers.llm is not configured; Nova will not be able to reply")
	}
	if cfg.Discord.Token != "" && (cfg.Providers.STT.Name == "" || cfg.Providers.TTS.Name == "") {
		slog.Warn("discord is enabled without stt and tts providers; voice channels will not work")
	}
	if cfg.Memory.PostgresDSN == "" {
		slog.Debug("memory.postgres_dsn is empty; conversation history is kept in memory only")
	}

	return errors.Join(errs...)
}

// validateEntry checks a single provider entry. A fallback entry must name
// its provider.
func validateEntry(path, kind string, e ProviderEntry, required bool) []error {
	if e.Name == "" {
		if required {
			return []error{fmt.Errorf("%s.name is required", path)}
		}
		return nil
	}
	validateProviderName(kind, e.Name)
	return nil
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name; may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
