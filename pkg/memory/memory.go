// Package memory defines the conversation message log the persona reads its
// context from, plus a bounded in-memory implementation.
//
// The log is a collaborator: appends are best-effort and no durability is
// promised. Persistent storage lives in the postgres subpackage.
package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/MrWong99/nova/pkg/types"
)

// ErrEmptyConversation is returned when a conversation ID is empty.
var ErrEmptyConversation = errors.New("memory: conversationID must not be empty")

// MessageLog stores the messages of many conversations, keyed by
// conversation ID (a voice channel, a text channel, or an HTTP client).
//
// Implementations must be safe for concurrent use.
type MessageLog interface {
	// Append adds msg to the end of the conversation.
	Append(ctx context.Context, conversationID string, msg types.Message) error

	// Recent returns up to limit of the newest messages, oldest first.
	// A limit ≤ 0 returns the whole retained conversation.
	Recent(ctx context.Context, conversationID string, limit int) ([]types.Message, error)
}

// DefaultInMemoryCapacity is the per-conversation capacity of an InMemoryLog
// created with a non-positive capacity.
const DefaultInMemoryCapacity = 200

var _ MessageLog = (*InMemoryLog)(nil)

// InMemoryLog is a MessageLog that keeps the newest capacity messages of
// each conversation in memory.
type InMemoryLog struct {
	mu       sync.RWMutex
	capacity int
	convs    map[string][]types.Message
}

// NewInMemoryLog returns an empty log retaining capacity messages per
// conversation.
func NewInMemoryLog(capacity int) *InMemoryLog {
	if capacity <= 0 {
		capacity = DefaultInMemoryCapacity
	}
	return &InMemoryLog{capacity: capacity, convs: make(map[string][]types.Message)}
}

// Append implements MessageLog. The oldest message is evicted once the
// conversation holds capacity messages.
func (l *InMemoryLog) Append(_ context.Context, conversationID string, msg types.Message) error {
	if conversationID == "" {
		return ErrEmptyConversation
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	msgs := append(l.convs[conversationID], msg)
	if over := len(msgs) - l.capacity; over > 0 {
		msgs = append(msgs[:0:0], msgs[over:]...)
	}
	l.convs[conversationID] = msgs
	return nil
}

// Recent implements MessageLog. The returned slice is a copy.
func (l *InMemoryLog) Recent(_ context.Context, conversationID string, limit int) ([]types.Message, error) {
	if conversationID == "" {
		return nil, ErrEmptyConversation
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	msgs := l.convs[conversationID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]types.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

// Len returns the number of retained messages for conversationID.
func (l *InMemoryLog) Len(conversationID string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.convs[conversationID])
}
