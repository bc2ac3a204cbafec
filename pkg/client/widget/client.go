package widget

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultClientTimeout = 60 * time.Second

	speechToTextPath = "/api/speech-to-text"
	textToSpeechPath = "/api/text-to-speech"

	maxErrorBody = 4096
)

// APIError is a non-2xx answer of the Nova HTTP API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("widget: server returned HTTP %d: %s", e.StatusCode, e.Message)
}

// ClientOption configures a [Client].
type ClientOption func(*Client)

// WithHTTPClient replaces the default HTTP client (60 s timeout).
func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) { cl.http = c }
}

// Client calls the speech endpoints of the Nova HTTP API.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient returns a client for the server at baseURL
// (e.g., "http://localhost:8080").
func NewClient(baseURL string, opts ...ClientOption) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("widget: baseURL must not be empty")
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: defaultClientTimeout},
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// SpeechToText uploads a WAV recording and returns its transcript.
func (c *Client) SpeechToText(ctx context.Context, wav []byte) (string, error) {
	if len(wav) == 0 {
		return "", errors.New("widget: speech to text: empty audio")
	}
	body, err := c.post(ctx, speechToTextPath, "audio/wav", bytes.NewReader(wav))
	if err != nil {
		return "", err
	}
	defer body.Close()

	var out struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(body).Decode(&out); err != nil {
		return "", fmt.Errorf("widget: speech to text: decode response: %w", err)
	}
	return out.Text, nil
}

// TextToSpeech returns text synthesized as a WAV file.
func (c *Client) TextToSpeech(ctx context.Context, text string) ([]byte, error) {
	payload, err := json.Marshal(struct {
		Text string `json:"text"`
	}{text})
	if err != nil {
		return nil, fmt.Errorf("widget: text to speech: encode request: %w", err)
	}
	body, err := c.post(ctx, textToSpeechPath, "application/json", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	defer body.Close()

	wav, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("widget: text to speech: read response: %w", err)
	}
	return wav, nil
}

func (c *Client) post(ctx context.Context, path, contentType string, body io.Reader) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("widget: create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("widget: %s: %w", path, err)
	}
	if resp.StatusCode/100 == 2 {
		return resp.Body, nil
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	msg := strings.TrimSpace(string(raw))
	var apiErr struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != "" {
		msg = apiErr.Error
	}
	return nil, &APIError{StatusCode: resp.StatusCode, Message: msg}
}
