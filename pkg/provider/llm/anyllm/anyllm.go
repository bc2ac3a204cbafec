// Package anyllm provides a universal LLM provider backed by
// github.com/mozilla-ai/any-llm-go, a unified multi-provider interface that
// supports OpenAI, Anthropic, Gemini, Ollama, DeepSeek, Mistral, Groq, and more.
//
// Usage:
//
//	p, err := anyllm.New("anthropic", "claude-sonnet-4-5", anyllmlib.WithAPIKey("sk-ant-..."))
//	p, err := anyllm.New("ollama", "llama3.1")
package anyllm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/llamafile"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/MrWong99/nova/pkg/provider/llm"
	"github.com/MrWong99/nova/pkg/types"
)

// Compile-time assertion that Provider implements llm.Provider.
var _ llm.Provider = (*Provider)(nil)

// Providers lists the backend names accepted by New.
var Providers = []string{"openai", "anthropic", "gemini", "ollama", "deepseek", "mistral", "groq", "llamacpp", "llamafile"}

// Provider implements llm.Provider by wrapping github.com/mozilla-ai/any-llm-go.
type Provider struct {
	backend anyllmlib.Provider
	model   string
}

// New creates a Provider backed by the named any-llm-go backend (one of
// Providers). model is the backend-specific model name.
//
// opts are any-llm-go options (anyllmlib.WithAPIKey, anyllmlib.WithBaseURL).
// Without an API key option the backend falls back to its environment
// variable (OPENAI_API_KEY, ANTHROPIC_API_KEY, …).
func New(providerName string, model string, opts ...anyllmlib.Option) (*Provider, error) {
	if providerName == "" {
		return nil, errors.New("anyllm: providerName must not be empty")
	}
	if model == "" {
		return nil, errors.New("anyllm: model must not be empty")
	}

	backend, err := createBackend(providerName, opts...)
	if err != nil {
		return nil, fmt.Errorf("anyllm: create %q backend: %w", providerName, err)
	}
	return &Provider{backend: backend, model: model}, nil
}

func createBackend(providerName string, opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
	switch strings.ToLower(providerName) {
	case "openai":
		return anyllmoai.New(opts...)
	case "anthropic":
		return anthropic.New(opts...)
	case "gemini":
		return gemini.New(opts...)
	case "ollama":
		return ollama.New(opts...)
	case "deepseek":
		return deepseek.New(opts...)
	case "mistral":
		return mistral.New(opts...)
	case "groq":
		return groq.New(opts...)
	case "llamacpp":
		return llamacpp.New(opts...)
	case "llamafile":
		return llamafile.New(opts...)
	default:
		return nil, fmt.Errorf("unsupported provider %q; supported: %s", providerName, strings.Join(Providers, ", "))
	}
}

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("anyllm: messages must not be empty")
	}

	resp, err := p.backend.Completion(ctx, p.buildParams(req))
	if err != nil {
		return nil, fmt.Errorf("anyllm: completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("anyllm: empty choices in response")
	}

	result := &llm.CompletionResponse{
		Content: resp.Choices[0].Message.ContentString(),
	}
	if resp.Usage != nil {
		result.Usage = llm.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
	}
	return result, nil
}

// CountTokens implements llm.Provider with a ~4 characters per token
// approximation plus per-message framing overhead.
func (p *Provider) CountTokens(messages []types.Message) (int, error) {
	total := 0
	for _, m := range messages {
		total += (len(m.Content)+3)/4 + 4
	}
	return total, nil
}

// Capabilities implements llm.Provider.
func (p *Provider) Capabilities() types.ModelCapabilities {
	return modelCapabilities(p.model)
}

func (p *Provider) buildParams(req llm.CompletionRequest) anyllmlib.CompletionParams {
	messages := make([]anyllmlib.Message, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		messages = append(messages, anyllmlib.Message{
			Role:    anyllmlib.RoleSystem,
			Content: req.SystemPrompt,
		})
	}
	for _, m := range req.Messages {
		messages = append(messages, anyllmlib.Message{
			Role:    m.Role,
			Content: m.Content,
			Name:    m.Name,
		})
	}

	params := anyllmlib.CompletionParams{
		Model:    p.model,
		Messages: messages,
	}
	if req.Temperature != 0 {
		t := req.Temperature
		params.Temperature = &t
	}
	if req.MaxTokens > 0 {
		mt := req.MaxTokens
		params.MaxTokens = &mt
	}
	return params
}

// modelFamily maps a model name pattern to its capabilities. Entries are
// matched in order, so more specific prefixes come first.
type modelFamily struct {
	match func(lower string) bool
	caps  types.ModelCapabilities
}

func prefix(p string) func(string) bool {
	return func(s string) bool { return strings.HasPrefix(s, p) }
}
func contains(p string) func(string) bool {
	return func(s string) bool { return strings.Contains(s, p) }
}

var families = []modelFamily{
	{prefix("gpt-4.1"), types.ModelCapabilities{ContextWindow: 1_047_576, MaxOutputTokens: 32_768}},
	{prefix("gpt-4o"), types.ModelCapabilities{ContextWindow: 128_000, MaxOutputTokens: 16_384}},
	{prefix("gpt-4-turbo"), types.ModelCapabilities{ContextWindow: 128_000, MaxOutputTokens: 4_096}},
	{prefix("gpt-4"), types.ModelCapabilities{ContextWindow: 8_192, MaxOutputTokens: 4_096}},
	{prefix("gpt-3.5-turbo"), types.ModelCapabilities{ContextWindow: 16_385, MaxOutputTokens: 4_096}},
	{prefix("o1-mini"), types.ModelCapabilities{ContextWindow: 128_000, MaxOutputTokens: 65_536}},
	{prefix("o1"), types.ModelCapabilities{ContextWindow: 200_000, MaxOutputTokens: 100_000}},
	{prefix("o3"), types.ModelCapabilities{ContextWindow: 200_000, MaxOutputTokens: 100_000}},
	{contains("claude-3-opus"), types.ModelCapabilities{ContextWindow: 200_000, MaxOutputTokens: 4_096}},
	{prefix("claude"), types.ModelCapabilities{ContextWindow: 200_000, MaxOutputTokens: 8_192}},
	{contains("gemini-1.5-pro"), types.ModelCapabilities{ContextWindow: 2_097_152, MaxOutputTokens: 8_192}},
	{contains("gemini-1.5-flash"), types.ModelCapabilities{ContextWindow: 1_048_576, MaxOutputTokens: 8_192}},
	{contains("gemini-2"), types.ModelCapabilities{ContextWindow: 1_048_576, MaxOutputTokens: 8_192}},
	{prefix("gemini"), types.ModelCapabilities{ContextWindow: 128_000, MaxOutputTokens: 8_192}},
	{prefix("llama3"), types.ModelCapabilities{ContextWindow: 8_192, MaxOutputTokens: 2_048}},
}

// modelCapabilities returns capabilities for known model families. Unknown
// models get a 128k window with 4k output.
func modelCapabilities(model string) types.ModelCapabilities {
	lower := strings.ToLower(model)
	for _, f := range families {
		if f.match(lower) {
			return f.caps
		}
	}
	return types.ModelCapabilities{ContextWindow: 128_000, MaxOutputTokens: 4_096}
}
