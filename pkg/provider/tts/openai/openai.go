// Package openai provides a TTS provider backed by the OpenAI speech
// endpoint (tts-1, tts-1-hd, gpt-4o-mini-tts). Replies are requested in the
// raw "pcm" response format: 24 kHz, mono, 16-bit little-endian.
package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/MrWong99/nova/pkg/audio"
	"github.com/MrWong99/nova/pkg/provider/tts"
)

// Compile-time assertion that Provider implements tts.Provider.
var _ tts.Provider = (*Provider)(nil)

// pcmFormat is the fixed format of the speech endpoint's "pcm" output.
var pcmFormat = audio.Format{SampleRate: 24000, Channels: 1}

// defaultVoice is used when the voice profile carries no ID.
const defaultVoice = oai.AudioSpeechNewParamsVoiceAlloy

// Provider implements tts.Provider using the OpenAI API.
type Provider struct {
	client       oai.Client
	model        string
	instructions string
}

type config struct {
	baseURL      string
	instructions string
	timeout      time.Duration
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithInstructions sets speaking-style instructions. Ignored by tts-1 and tts-1-hd.
func WithInstructions(s string) Option {
	return func(c *config) {
		c.instructions = s
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// New constructs an OpenAI TTS Provider. model defaults to tts-1.
func New(apiKey string, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("openai: apiKey must not be empty")
	}
	if model == "" {
		model = oai.SpeechModelTTS1
	}

	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}))
	}

	return &Provider{
		client:       oai.NewClient(reqOpts...),
		model:        model,
		instructions: cfg.instructions,
	}, nil
}

// Synthesize requests speech for text in the voice named by voice.ID
// ("alloy", "nova", …).
func (p *Provider) Synthesize(ctx context.Context, text string, voice tts.VoiceProfile) (tts.Audio, error) {
	if strings.TrimSpace(text) == "" {
		return tts.Audio{}, tts.ErrEmptyText
	}

	params := oai.AudioSpeechNewParams{
		Input:          text,
		Model:          p.model,
		Voice:          defaultVoice,
		ResponseFormat: oai.AudioSpeechNewParamsResponseFormatPCM,
	}
	if voice.ID != "" {
		params.Voice = oai.AudioSpeechNewParamsVoice(voice.ID)
	}
	if voice.SpeedFactor > 0 {
		params.Speed = oai.Float(voice.SpeedFactor)
	}
	if p.instructions != "" {
		params.Instructions = oai.String(p.instructions)
	}

	resp, err := p.client.Audio.Speech.New(ctx, params)
	if err != nil {
		return tts.Audio{}, fmt.Errorf("openai: speech: %w", err)
	}
	defer resp.Body.Close()

	pcm, err := io.ReadAll(resp.Body)
	if err != nil {
		return tts.Audio{}, fmt.Errorf("openai: read speech body: %w", err)
	}
	if len(pcm) == 0 {
		return tts.Audio{}, errors.New("openai: speech response was empty")
	}
	// A truncated stream can end mid-sample.
	pcm = pcm[:len(pcm)-len(pcm)%2]
	return tts.Audio{PCM: pcm, Format: pcmFormat}, nil
}
