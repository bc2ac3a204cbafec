package app

import (
	"fmt"
	"log/slog"

	"github.com/MrWong99/nova/internal/config"
	"github.com/MrWong99/nova/internal/resilience"
	"github.com/MrWong99/nova/pkg/audio"
	"github.com/MrWong99/nova/pkg/provider/llm"
	"github.com/MrWong99/nova/pkg/provider/stt"
	"github.com/MrWong99/nova/pkg/provider/tts"
)

// Providers holds one interface value per provider slot. Nil means the
// provider is not configured. Populated by [BuildProviders] or by tests.
type Providers struct {
	LLM   llm.Provider
	STT   stt.Provider
	TTS   tts.Provider
	Audio audio.Platform
}

// BuildProviders instantiates every provider named in cfg through reg. LLM
// and TTS providers with fallbacks are wrapped in a resilience fallback
// group, primary first.
func BuildProviders(cfg *config.Config, reg *config.Registry) (*Providers, error) {
	ps := &Providers{}
	pc := cfg.Providers

	if pc.LLM.Name != "" {
		p, err := reg.CreateLLM(pc.LLM)
		if err != nil {
			return nil, fmt.Errorf("app: create llm provider: %w", err)
		}
		ps.LLM = p
		if len(pc.LLMFallbacks) > 0 {
			fb := resilience.NewLLMFallback(p, pc.LLM.Name, resilience.FallbackConfig{})
			for _, entry := range pc.LLMFallbacks {
				alt, err := reg.CreateLLM(entry)
				if err != nil {
					return nil, fmt.Errorf("app: create llm fallback: %w", err)
				}
				fb.AddFallback(entry.Name, alt)
			}
			ps.LLM = fb
		}
		slog.Info("provider created", "kind", "llm", "name", pc.LLM.Name, "fallbacks", len(pc.LLMFallbacks))
	}

	if pc.STT.Name != "" {
		p, err := reg.CreateSTT(pc.STT)
		if err != nil {
			return nil, fmt.Errorf("app: create stt provider: %w", err)
		}
		ps.STT = p
		slog.Info("provider created", "kind", "stt", "name", pc.STT.Name)
	}

	if pc.TTS.Name != "" {
		p, err := reg.CreateTTS(pc.TTS)
		if err != nil {
			return nil, fmt.Errorf("app: create tts provider: %w", err)
		}
		ps.TTS = p
		if len(pc.TTSFallbacks) > 0 {
			fb := resilience.NewTTSFallback(p, pc.TTS.Name, resilience.FallbackConfig{})
			for _, entry := range pc.TTSFallbacks {
				alt, err := reg.CreateTTS(entry)
				if err != nil {
					return nil, fmt.Errorf("app: create tts fallback: %w", err)
				}
				fb.AddFallback(entry.Name, alt)
			}
			ps.TTS = fb
		}
		slog.Info("provider created", "kind", "tts", "name", pc.TTS.Name, "fallbacks", len(pc.TTSFallbacks))
	}

	return ps, nil
}
