package resilience

import (
	"context"

	"github.com/MrWong99/nova/pkg/provider/tts"
)

var (
	_ tts.Provider    = (*TTSFallback)(nil)
	_ tts.VoiceLister = (*TTSFallback)(nil)
)

// TTSFallback implements [tts.Provider] with failover across several
// synthesis backends. Synthesis has no side effects, so retrying a reply on
// the next backend is safe.
type TTSFallback struct {
	group *FallbackGroup[tts.Provider]
}

// NewTTSFallback creates a [TTSFallback] with primary as the preferred backend.
func NewTTSFallback(primary tts.Provider, primaryName string, cfg FallbackConfig) *TTSFallback {
	return &TTSFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers an additional TTS provider.
func (f *TTSFallback) AddFallback(name string, provider tts.Provider) {
	f.group.AddFallback(name, provider)
}

// Synthesize renders text on the first healthy provider.
func (f *TTSFallback) Synthesize(ctx context.Context, text string, voice tts.VoiceProfile) (tts.Audio, error) {
	return ExecuteWithResult(ctx, f.group, func(p tts.Provider) (tts.Audio, error) {
		return p.Synthesize(ctx, text, voice)
	})
}

// ListVoices returns the primary's catalogue when it can list voices.
// Voice IDs are provider-specific, so fallbacks are not consulted.
func (f *TTSFallback) ListVoices(ctx context.Context) ([]tts.VoiceProfile, error) {
	if l, ok := f.group.Primary().(tts.VoiceLister); ok {
		return l.ListVoices(ctx)
	}
	return nil, nil
}
