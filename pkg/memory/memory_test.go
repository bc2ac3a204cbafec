package memory_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/nova/pkg/memory"
	"github.com/MrWong99/nova/pkg/types"
)

func TestInMemoryLog_AppendRecent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	log := memory.NewInMemoryLog(10)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	_ = log.Append(ctx, "chan-1", types.UserMessage("ana", "hi", now))
	_ = log.Append(ctx, "chan-1", types.AssistantMessage("hello ana", now.Add(time.Second)))
	_ = log.Append(ctx, "chan-2", types.UserMessage("bo", "other room", now))

	got, err := log.Recent(ctx, "chan-1", 0)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 2 || got[0].Content != "hi" || got[1].Role != types.RoleAssistant {
		t.Fatalf("Recent = %+v", got)
	}

	got, _ = log.Recent(ctx, "chan-1", 1)
	if len(got) != 1 || got[0].Content != "hello ana" {
		t.Errorf("Recent(limit 1) = %+v, want newest message", got)
	}

	got, _ = log.Recent(ctx, "unknown", 5)
	if len(got) != 0 {
		t.Errorf("Recent(unknown) = %+v, want empty", got)
	}
}

func TestInMemoryLog_EvictsOldest(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	log := memory.NewInMemoryLog(3)
	for i := range 5 {
		_ = log.Append(ctx, "c", types.Message{Role: types.RoleUser, Content: fmt.Sprint(i)})
	}
	if n := log.Len("c"); n != 3 {
		t.Fatalf("Len = %d, want 3", n)
	}
	got, _ := log.Recent(ctx, "c", 0)
	for i, want := range []string{"2", "3", "4"} {
		if got[i].Content != want {
			t.Errorf("got[%d] = %q, want %q", i, got[i].Content, want)
		}
	}
}

func TestInMemoryLog_RecentReturnsCopy(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	log := memory.NewInMemoryLog(0)
	_ = log.Append(ctx, "c", types.Message{Content: "original"})
	got, _ := log.Recent(ctx, "c", 0)
	got[0].Content = "mutated"
	again, _ := log.Recent(ctx, "c", 0)
	if again[0].Content != "original" {
		t.Errorf("stored message mutated through Recent result")
	}
}

func TestInMemoryLog_EmptyConversation(t *testing.T) {
	t.Parallel()

	log := memory.NewInMemoryLog(0)
	if err := log.Append(context.Background(), "", types.Message{}); !errors.Is(err, memory.ErrEmptyConversation) {
		t.Errorf("Append err = %v, want ErrEmptyConversation", err)
	}
	if _, err := log.Recent(context.Background(), "", 1); !errors.Is(err, memory.ErrEmptyConversation) {
		t.Errorf("Recent err = %v, want ErrEmptyConversation", err)
	}
}

func TestInMemoryLog_Concurrent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	log := memory.NewInMemoryLog(1000)
	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range 50 {
				_ = log.Append(ctx, "c", types.Message{Content: fmt.Sprint(i, j)})
				_, _ = log.Recent(ctx, "c", 10)
			}
		}()
	}
	wg.Wait()
	if n := log.Len("c"); n != 400 {
		t.Errorf("Len = %d, want 400", n)
	}
}
