package persona

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/MrWong99/nova/pkg/memory"
	"github.com/MrWong99/nova/pkg/types"
)

// DefaultHistoryLimit is how many messages a [History] feeds the persona
// when no limit is configured.
const DefaultHistoryLimit = 20

// History builds persona contexts from a message log and records the
// exchanges that happen in them. A conversation is one voice channel, one
// text channel or one HTTP client.
type History struct {
	log   memory.MessageLog
	limit int
}

// NewHistory returns a History reading at most limit recent messages from
// log. A limit ≤ 0 uses [DefaultHistoryLimit].
func NewHistory(log memory.MessageLog, limit int) *History {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &History{log: log, limit: limit}
}

// Limit returns the number of messages fed to the persona.
func (h *History) Limit() int { return h.limit }

// Context returns the persona context for conversationID.
func (h *History) Context(ctx context.Context, conversationID, systemPrompt string) (Context, error) {
	msgs, err := h.log.Recent(ctx, conversationID, h.limit)
	if err != nil {
		return Context{}, fmt.Errorf("persona: load history for %q: %w", conversationID, err)
	}
	return Context{SystemPrompt: systemPrompt, History: msgs}, nil
}

// Record appends msg to conversationID. The log is best-effort, so a failed
// append is logged and otherwise ignored.
func (h *History) Record(ctx context.Context, conversationID string, msg types.Message) {
	if err := h.log.Append(ctx, conversationID, msg); err != nil {
		slog.Warn("persona: failed to record message",
			"conversation_id", conversationID, "role", msg.Role, "err", err)
	}
}
