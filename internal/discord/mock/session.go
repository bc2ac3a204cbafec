// Package mock provides test doubles for the Discord layer.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/nova/internal/turn"
)

// Message is one recorded SendMessage call.
type Message struct {
	ChannelID string
	Content   string
	ReplyTo   string
}

// Messenger records posted messages for test assertions.
type Messenger struct {
	mu       sync.Mutex
	messages []Message

	// Err is returned by SendMessage when non-nil.
	Err error
}

// SendMessage records the message and returns the configured error.
func (m *Messenger) SendMessage(channelID, content, replyTo string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, Message{ChannelID: channelID, Content: content, ReplyTo: replyTo})
	return m.Err
}

// Messages returns a copy of everything posted so far.
func (m *Messenger) Messages() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Message, len(m.messages))
	copy(out, m.messages)
	return out
}

// TextTurnCall is one recorded HandleText call.
type TextTurnCall struct {
	ChannelID string
	Input     turn.Input
}

// TextTurns answers text turns with a fixed result.
type TextTurns struct {
	mu    sync.Mutex
	calls []TextTurnCall

	// Reply is returned as the Result's Reply.
	Reply string

	// Err is returned by HandleText when non-nil.
	Err error
}

// HandleText records the call and returns Reply or Err.
func (m *TextTurns) HandleText(_ context.Context, channelID string, in turn.Input) (turn.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, TextTurnCall{ChannelID: channelID, Input: in})
	if m.Err != nil {
		return turn.Result{}, m.Err
	}
	return turn.Result{Transcript: in.Text, Reply: m.Reply, Outcome: turn.OutcomeCompleted}, nil
}

// Calls returns a copy of the recorded calls.
func (m *TextTurns) Calls() []TextTurnCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TextTurnCall, len(m.calls))
	copy(out, m.calls)
	return out
}
