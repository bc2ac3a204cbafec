// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service (a local Coqui server,
// ElevenLabs, or the OpenAI speech endpoint) and turns one reply into one
// complete audio buffer. Synthesis is idempotent, so callers may retry a
// request against another provider without side effects.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"
	"errors"
	"time"

	"github.com/MrWong99/nova/pkg/audio"
)

// ErrEmptyText is returned by providers that receive text without any
// speakable content.
var ErrEmptyText = errors.New("tts: text must not be empty")

// VoiceProfile selects the voice a provider speaks with.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier.
	ID string

	// Name is the human-readable voice name.
	Name string

	// Provider identifies which TTS provider this voice belongs to.
	Provider string

	// Language is an optional language hint (e.g., "en") for multilingual models.
	Language string

	// SpeedFactor adjusts speaking rate (0.5–2.0, 1.0 = default). Zero means default.
	SpeedFactor float64

	// Metadata holds provider-specific voice attributes (gender, age, accent, etc.).
	Metadata map[string]string
}

// Audio is one synthesized reply as 16-bit signed little-endian PCM in the
// provider's native format.
type Audio struct {
	PCM    []byte
	Format audio.Format
}

// Duration returns the playback length of a.
func (a Audio) Duration() time.Duration {
	return a.Format.Duration(len(a.PCM))
}

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// Synthesize renders text with voice and returns the complete audio.
	//
	// Returns an error if the backend cannot be reached, rejects the request,
	// returns undecodable audio, or ctx is cancelled.
	Synthesize(ctx context.Context, text string, voice VoiceProfile) (Audio, error)
}

// VoiceLister is implemented by providers that can enumerate their voice
// catalogue. It is used at startup to check the configured voice exists.
type VoiceLister interface {
	ListVoices(ctx context.Context) ([]VoiceProfile, error)
}
