// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider wraps a batch transcription service (a local whisper.cpp
// server, the whisper.cpp bindings, or a hosted API) and exposes a uniform
// request/response call: one finalized utterance in, one transcript out.
// Utterance boundaries are decided upstream by the speech segmenter, so
// providers never see partial speech.
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"
	"errors"

	"github.com/MrWong99/nova/pkg/audio"
)

// ErrEmptyAudio is returned by providers that receive an Audio without samples.
var ErrEmptyAudio = errors.New("stt: audio must not be empty")

// Audio is a complete utterance of 16-bit signed little-endian PCM.
type Audio struct {
	PCM        []byte
	SampleRate int
	Channels   int
}

// Format returns the audio format of a.
func (a Audio) Format() audio.Format {
	return audio.Format{SampleRate: a.SampleRate, Channels: a.Channels}
}

// Provider is the abstraction over any STT backend.
type Provider interface {
	// Transcribe returns the text spoken in a. An utterance that contains no
	// recognisable speech yields an empty string and a nil error.
	//
	// Returns an error if the backend cannot be reached, rejects the request,
	// or ctx is cancelled before the result is available.
	Transcribe(ctx context.Context, a Audio) (string, error)
}
