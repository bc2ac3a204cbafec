// Package mock provides a test double for the stt.Provider interface.
//
// Example:
//
//	p := &mock.Provider{Text: "hello there"}
//	text, _ := p.Transcribe(ctx, stt.Audio{PCM: pcm, SampleRate: 16000, Channels: 1})
//	if p.CallCount() != 1 { ... }
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/nova/pkg/provider/stt"
)

// Ensure Provider implements stt.Provider at compile time.
var _ stt.Provider = (*Provider)(nil)

// TranscribeCall records a single invocation of Provider.Transcribe.
type TranscribeCall struct {
	Ctx   context.Context
	Audio stt.Audio
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Text is returned by Transcribe when Err is nil.
	Text string

	// Err, if non-nil, is returned as the error from Transcribe.
	Err error

	// TranscribeFunc, when set, overrides Text and Err.
	TranscribeFunc func(ctx context.Context, a stt.Audio) (string, error)

	// TranscribeCalls records every call to Transcribe.
	TranscribeCalls []TranscribeCall
}

// Transcribe records the call and returns Text / Err, or delegates to
// TranscribeFunc.
func (p *Provider) Transcribe(ctx context.Context, a stt.Audio) (string, error) {
	p.mu.Lock()
	p.TranscribeCalls = append(p.TranscribeCalls, TranscribeCall{Ctx: ctx, Audio: a})
	fn, text, err := p.TranscribeFunc, p.Text, p.Err
	p.mu.Unlock()
	if fn != nil {
		return fn(ctx, a)
	}
	return text, err
}

// CallCount returns the number of Transcribe calls. Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.TranscribeCalls)
}

// LastAudio returns the audio passed to the most recent Transcribe call.
func (p *Provider) LastAudio() stt.Audio {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.TranscribeCalls) == 0 {
		return stt.Audio{}
	}
	return p.TranscribeCalls[len(p.TranscribeCalls)-1].Audio
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.TranscribeCalls = nil
}
