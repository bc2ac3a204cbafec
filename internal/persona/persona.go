// Package persona produces the companion's replies. A [Responder] turns the
// persona's system prompt and the recent conversation into one reply; the
// [LLMResponder] does so with any [llm.Provider]. [History] reads and
// records that conversation in a [memory.MessageLog], and [WakeMatcher]
// decides whether a transcript in a busy channel was addressed to the
// persona at all.
package persona

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/nova/internal/observe"
	"github.com/MrWong99/nova/pkg/provider/llm"
	"github.com/MrWong99/nova/pkg/types"
)

// ErrEmptyHistory is returned by [LLMResponder.Reply] when there is nothing
// to reply to.
var ErrEmptyHistory = errors.New("persona: history must not be empty")

// Persona is the configured identity of the companion.
type Persona struct {
	// Name is how users address the persona. It is substituted for
	// "{{name}}" in SystemPrompt.
	Name string

	// SystemPrompt describes who the persona is and how it talks.
	SystemPrompt string

	// WakeWords are the names the persona answers to in multi-speaker
	// channels. Empty disables wake-word gating.
	WakeWords []string
}

// Prompt returns the system prompt with the persona's name filled in.
func (p Persona) Prompt() string {
	return strings.ReplaceAll(p.SystemPrompt, "{{name}}", p.Name)
}

// Context is everything a [Responder] needs for one reply.
type Context struct {
	SystemPrompt string

	// History is the conversation so far, oldest first. The last message is
	// the one being answered.
	History []types.Message
}

// Responder produces the persona's reply to a conversation.
//
// An empty reply with a nil error means the persona chose to stay silent.
// Implementations must be safe for concurrent use.
type Responder interface {
	Reply(ctx context.Context, pc Context) (string, error)
}

// ─── LLMResponder ─────────────────────────────────────────────────────────────

var _ Responder = (*LLMResponder)(nil)

// LLMResponder answers with an [llm.Provider], typically an openai or anyllm
// backend, or a [resilience.LLMFallback] over several of them.
type LLMResponder struct {
	provider    llm.Provider
	name        string
	temperature float64
	maxTokens   int
	metrics     *observe.Metrics
}

// Option configures an [LLMResponder].
type Option func(*LLMResponder)

// WithProviderName labels metrics and logs. Default: "llm".
func WithProviderName(name string) Option {
	return func(r *LLMResponder) { r.name = name }
}

// WithTemperature sets the sampling temperature. Zero uses the provider
// default.
func WithTemperature(t float64) Option {
	return func(r *LLMResponder) { r.temperature = t }
}

// WithMaxTokens caps the reply length. Zero uses the provider default.
func WithMaxTokens(n int) Option {
	return func(r *LLMResponder) { r.maxTokens = n }
}

// WithMetrics records latency and request counters on m instead of
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(r *LLMResponder) { r.metrics = m }
}

// NewLLMResponder returns a Responder backed by p.
func NewLLMResponder(p llm.Provider, opts ...Option) *LLMResponder {
	r := &LLMResponder{provider: p, name: "llm"}
	for _, o := range opts {
		o(r)
	}
	if r.metrics == nil {
		r.metrics = observe.DefaultMetrics()
	}
	return r
}

// Reply implements [Responder]. The oldest messages are dropped when the
// history would not fit the model's context window.
func (r *LLMResponder) Reply(ctx context.Context, pc Context) (string, error) {
	if len(pc.History) == 0 {
		return "", ErrEmptyHistory
	}
	history, err := r.fit(pc.SystemPrompt, pc.History)
	if err != nil {
		return "", err
	}

	req := llm.CompletionRequest{
		SystemPrompt: pc.SystemPrompt,
		Messages:     history,
		Temperature:  r.temperature,
		MaxTokens:    r.maxTokens,
	}

	start := time.Now()
	resp, err := r.provider.Complete(ctx, req)
	r.metrics.LLMDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(observe.Attr("provider", r.name)))
	if err != nil {
		r.metrics.RecordProviderRequest(ctx, r.name, "llm", "error")
		r.metrics.RecordProviderError(ctx, r.name, "llm")
		return "", fmt.Errorf("persona: complete: %w", err)
	}
	r.metrics.RecordProviderRequest(ctx, r.name, "llm", "ok")

	reply := strings.TrimSpace(resp.Content)
	observe.Logger(ctx).Debug("persona: reply",
		"provider", r.name, "finish_reason", resp.FinishReason,
		"prompt_tokens", resp.Usage.PromptTokens, "completion_tokens", resp.Usage.CompletionTokens)
	return reply, nil
}

// fit drops the oldest messages until the system prompt, the history and
// the reply budget fit the context window. The newest message is always
// kept.
func (r *LLMResponder) fit(systemPrompt string, history []types.Message) ([]types.Message, error) {
	caps := r.provider.Capabilities()
	if caps.ContextWindow <= 0 {
		return history, nil
	}
	reserve := r.maxTokens
	if reserve <= 0 {
		reserve = caps.MaxOutputTokens
	}
	budget := caps.ContextWindow - reserve
	if systemPrompt != "" {
		n, err := r.provider.CountTokens([]types.Message{{Role: types.RoleSystem, Content: systemPrompt}})
		if err != nil {
			return nil, fmt.Errorf("persona: count tokens: %w", err)
		}
		budget -= n
	}

	for len(history) > 1 {
		n, err := r.provider.CountTokens(history)
		if err != nil {
			return nil, fmt.Errorf("persona: count tokens: %w", err)
		}
		if n <= budget {
			break
		}
		history = history[1:]
	}
	return history, nil
}
