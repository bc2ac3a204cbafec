// Package deepgram provides a Deepgram-backed STT provider.
//
// Deepgram's live endpoint is a WebSocket that accepts raw PCM and answers
// with JSON "Results" events. [Provider] drives it in batch fashion: it opens
// one connection per utterance, streams the samples in fixed-size chunks,
// sends CloseStream, and joins every final result into a single transcript.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/MrWong99/nova/pkg/provider/stt"
	"github.com/coder/websocket"
)

const (
	deepgramEndpoint = "wss://api.deepgram.com/v1/listen"
	defaultModel     = "nova-3"
	defaultLanguage  = "en"
	defaultTimeout   = 30 * time.Second

	// chunkDuration is the amount of audio sent per binary message.
	chunkDuration = 100 * time.Millisecond
)

// Compile-time assertion that Provider implements stt.Provider.
var _ stt.Provider = (*Provider)(nil)

// Option is a functional option for configuring the Deepgram Provider.
type Option func(*Provider)

// WithModel sets the Deepgram model to use (e.g., "nova-3", "base").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithLanguage sets the BCP-47 language code for recognition (e.g., "en", "de-DE").
func WithLanguage(language string) Option {
	return func(p *Provider) {
		p.language = language
	}
}

// WithKeywords boosts recognition of the given words, typically the persona
// name. Each entry is sent as "word:boost".
func WithKeywords(boost float64, words ...string) Option {
	return func(p *Provider) {
		for _, w := range words {
			p.keywords = append(p.keywords, fmt.Sprintf("%s:%g", w, boost))
		}
	}
}

// WithEndpoint overrides the WebSocket endpoint. Intended for tests.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) {
		p.endpoint = endpoint
	}
}

// WithTimeout bounds a single transcription when ctx carries no deadline.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		p.timeout = d
	}
}

// Provider implements stt.Provider backed by the Deepgram live API.
type Provider struct {
	apiKey   string
	model    string
	language string
	keywords []string
	endpoint string
	timeout  time.Duration
}

// New creates a new Deepgram Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:   apiKey,
		model:    defaultModel,
		language: defaultLanguage,
		endpoint: deepgramEndpoint,
		timeout:  defaultTimeout,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Transcribe streams a to Deepgram and returns the concatenated final
// transcripts.
func (p *Provider) Transcribe(ctx context.Context, a stt.Audio) (string, error) {
	if len(a.PCM) == 0 {
		return "", stt.ErrEmptyAudio
	}
	if _, ok := ctx.Deadline(); !ok && p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	wsURL, err := p.buildURL(a)
	if err != nil {
		return "", fmt.Errorf("deepgram: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.apiKey)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return "", fmt.Errorf("deepgram: dial: %w", err)
	}
	defer conn.CloseNow()

	// Results arrive while audio is still being written, so reading runs
	// concurrently with the writes.
	type result struct {
		text string
		err  error
	}
	done := make(chan result, 1)
	go func() {
		text, err := readFinals(ctx, conn)
		done <- result{text, err}
	}()

	if err := writeAudio(ctx, conn, a); err != nil {
		return "", fmt.Errorf("deepgram: send audio: %w", err)
	}

	res := <-done
	if res.err != nil {
		return "", fmt.Errorf("deepgram: read results: %w", res.err)
	}
	conn.Close(websocket.StatusNormalClosure, "")
	return res.text, nil
}

// buildURL constructs the Deepgram endpoint URL for the given audio.
func (p *Provider) buildURL(a stt.Audio) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}

	channels := a.Channels
	if channels <= 0 {
		channels = 1
	}

	q := u.Query()
	q.Set("model", p.model)
	q.Set("language", p.language)
	q.Set("punctuate", "true")
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(a.SampleRate))
	q.Set("channels", strconv.Itoa(channels))
	for _, kw := range p.keywords {
		q.Add("keywords", kw)
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}

// writeAudio sends a in chunkDuration slices followed by CloseStream.
func writeAudio(ctx context.Context, conn *websocket.Conn, a stt.Audio) error {
	chunk := a.Format().BytesFor(chunkDuration)
	if chunk <= 0 {
		chunk = len(a.PCM)
	}
	for off := 0; off < len(a.PCM); off += chunk {
		end := min(off+chunk, len(a.PCM))
		if err := conn.Write(ctx, websocket.MessageBinary, a.PCM[off:end]); err != nil {
			return err
		}
	}
	return conn.Write(ctx, websocket.MessageText, []byte(`{"type":"CloseStream"}`))
}

// readFinals collects final results until Deepgram sends its closing
// Metadata event or closes the stream.
func readFinals(ctx context.Context, conn *websocket.Conn) (string, error) {
	var parts []string
	for {
		_, msg, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return strings.Join(parts, " "), nil
			}
			return "", err
		}
		var resp deepgramResponse
		if err := json.Unmarshal(msg, &resp); err != nil {
			continue
		}
		switch resp.Type {
		case "Metadata":
			return strings.Join(parts, " "), nil
		case "Results":
			if !resp.IsFinal || len(resp.Channel.Alternatives) == 0 {
				continue
			}
			if text := strings.TrimSpace(resp.Channel.Alternatives[0].Transcript); text != "" {
				parts = append(parts, text)
			}
		}
	}
}

// deepgramResponse is the JSON structure returned by Deepgram for Results
// and Metadata events.
type deepgramResponse struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}
