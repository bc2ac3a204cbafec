// Package mock provides a test double for the memory.MessageLog interface.
//
// The mock records every method call for assertion in tests and keeps the
// appended messages so Recent behaves like a real log unless RecentResult is
// set. It is safe for concurrent use.
//
// Typical usage:
//
//	log := &mock.MessageLog{}
//	// inject log into the system under test …
//	if got := log.CallCount("Append"); got != 2 {
//	    t.Errorf("expected 2 Append calls, got %d", got)
//	}
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/nova/pkg/memory"
	"github.com/MrWong99/nova/pkg/types"
)

var _ memory.MessageLog = (*MessageLog)(nil)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the name of the interface method that was called.
	Method string

	// Args holds the non-context arguments passed to the method, in order.
	Args []any
}

// MessageLog is a mock implementation of memory.MessageLog.
type MessageLog struct {
	mu    sync.Mutex
	calls []Call
	msgs  map[string][]types.Message

	// AppendErr, if non-nil, is returned by Append and the message is not kept.
	AppendErr error

	// RecentResult, if non-nil, is returned by Recent instead of the kept messages.
	RecentResult []types.Message

	// RecentErr, if non-nil, is returned by Recent.
	RecentErr error
}

// Append records the call and keeps msg unless AppendErr is set.
func (m *MessageLog) Append(_ context.Context, conversationID string, msg types.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "Append", Args: []any{conversationID, msg}})
	if m.AppendErr != nil {
		return m.AppendErr
	}
	if m.msgs == nil {
		m.msgs = make(map[string][]types.Message)
	}
	m.msgs[conversationID] = append(m.msgs[conversationID], msg)
	return nil
}

// Recent records the call and returns RecentResult / RecentErr, or the
// newest limit kept messages.
func (m *MessageLog) Recent(_ context.Context, conversationID string, limit int) ([]types.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "Recent", Args: []any{conversationID, limit}})
	if m.RecentErr != nil {
		return nil, m.RecentErr
	}
	if m.RecentResult != nil {
		return m.RecentResult, nil
	}
	msgs := m.msgs[conversationID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return append([]types.Message(nil), msgs...), nil
}

// Messages returns a copy of the messages appended to conversationID.
func (m *MessageLog) Messages(conversationID string) []types.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]types.Message(nil), m.msgs[conversationID]...)
}

// Calls returns a copy of all recorded calls.
func (m *MessageLog) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.calls...)
}

// CallCount returns how many times method was called.
func (m *MessageLog) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Reset clears recorded calls and kept messages.
func (m *MessageLog) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
	m.msgs = nil
}
