package channel

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestPlaybackSlot_AcquirePreemptsAndWaits(t *testing.T) {
	t.Parallel()
	var slot PlaybackSlot

	first := slot.Acquire(context.Background())
	released := make(chan struct{})
	go func() {
		<-first.Context().Done()
		time.Sleep(10 * time.Millisecond)
		close(released)
		slot.Release(first)
	}()

	second := slot.Acquire(context.Background())
	select {
	case <-released:
	default:
		t.Fatal("Acquire returned before the previous holder released")
	}
	if err := first.cause(); !errors.Is(err, ErrPreempted) {
		t.Errorf("first cause = %v, want ErrPreempted", err)
	}
	if !slot.Active() {
		t.Error("slot not active after Acquire")
	}
	slot.Release(second)
	if slot.Active() {
		t.Error("slot active after Release")
	}
}

func TestPlaybackSlot_Stop(t *testing.T) {
	t.Parallel()
	var slot PlaybackSlot
	slot.Stop() // no holder

	p := slot.Acquire(context.Background())
	go func() {
		<-p.Context().Done()
		slot.Release(p)
	}()
	slot.Stop()

	if err := p.cause(); !errors.Is(err, ErrPlaybackStopped) {
		t.Errorf("cause = %v, want ErrPlaybackStopped", err)
	}
	if slot.Active() {
		t.Error("slot active after Stop")
	}
}

func TestPlaybackSlot_ReleaseTwice(t *testing.T) {
	t.Parallel()
	var slot PlaybackSlot
	p := slot.Acquire(context.Background())
	slot.Release(p)
	slot.Release(p)

	// A later Acquire must not wait on the released claim.
	done := make(chan struct{})
	go func() {
		slot.Release(slot.Acquire(context.Background()))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Acquire blocked on a released claim")
	}
}
