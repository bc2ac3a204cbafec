// Package types defines the conversation types shared between the persona,
// the LLM providers and the message log.
package types

import "time"

// Message roles understood by every LLM provider.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a single entry of a conversation history.
type Message struct {
	// Role is one of RoleSystem, RoleUser or RoleAssistant.
	Role string

	// Content is the text content of the message.
	Content string

	// Name is an optional participant name. In multi-speaker channels it
	// identifies which user said what.
	Name string

	// Timestamp is when the message was produced. Zero means unknown.
	Timestamp time.Time
}

// UserMessage returns a user-role message stamped with now.
func UserMessage(name, content string, now time.Time) Message {
	return Message{Role: RoleUser, Name: name, Content: content, Timestamp: now}
}

// AssistantMessage returns an assistant-role message stamped with now.
func AssistantMessage(content string, now time.Time) Message {
	return Message{Role: RoleAssistant, Content: content, Timestamp: now}
}

// ModelCapabilities describes what an LLM model supports.
type ModelCapabilities struct {
	// ContextWindow is the maximum token count for input + output.
	ContextWindow int

	// MaxOutputTokens is the maximum tokens the model can generate in one completion.
	MaxOutputTokens int
}
