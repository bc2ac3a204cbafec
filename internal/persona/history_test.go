package persona

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/nova/pkg/memory"
	memorymock "github.com/MrWong99/nova/pkg/memory/mock"
	"github.com/MrWong99/nova/pkg/types"
)

func newLog() memory.MessageLog { return memory.NewInMemoryLog(0) }

func TestHistory_RecordIgnoresLogFailure(t *testing.T) {
	t.Parallel()
	log := &memorymock.MessageLog{AppendErr: errors.New("database is down")}
	h := NewHistory(log, 5)

	h.Record(context.Background(), "chan-1", types.UserMessage("alice", "hi", time.Now()))
	if log.CallCount("Append") != 1 {
		t.Errorf("Append calls = %d, want 1", log.CallCount("Append"))
	}
}

func TestHistory_ContextError(t *testing.T) {
	t.Parallel()
	errDB := errors.New("connection refused")
	h := NewHistory(&memorymock.MessageLog{RecentErr: errDB}, 5)

	if _, err := h.Context(context.Background(), "chan-1", ""); !errors.Is(err, errDB) {
		t.Fatalf("err = %v, want %v", err, errDB)
	}
}
