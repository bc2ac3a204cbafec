package channel

import (
	"context"
	"errors"
	"sync"
)

// Playback outcomes returned by [Session.Speak] and [Session.Play].
var (
	// ErrPreempted means a newer Speak or Play took over the channel.
	ErrPreempted = errors.New("channel: playback preempted")

	// ErrPlaybackStopped means StopPlayback (or Leave) ended the playback.
	ErrPlaybackStopped = errors.New("channel: playback stopped")

	// ErrPlaybackTimeout means the playback hit its hard deadline.
	ErrPlaybackTimeout = errors.New("channel: playback timed out")
)

// PlaybackSlot holds at most one playback per channel. Acquiring the slot
// stops the current holder and waits until it has released the slot, so two
// replies never overlap on the output stream.
type PlaybackSlot struct {
	mu      sync.Mutex
	current *Playback
}

// Playback is a claim on a [PlaybackSlot]. Its context is cancelled with
// [ErrPreempted] or [ErrPlaybackStopped] when another caller takes over.
type Playback struct {
	ctx    context.Context
	cancel context.CancelCauseFunc

	done     chan struct{}
	doneOnce sync.Once
}

// Context returns the playback's context.
func (p *Playback) Context() context.Context { return p.ctx }

// Acquire stops any in-flight playback, waits for it to be released and
// returns a new claim derived from parent. The caller must Release it.
func (s *PlaybackSlot) Acquire(parent context.Context) *Playback {
	ctx, cancel := context.WithCancelCause(parent)
	p := &Playback{ctx: ctx, cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	prev := s.current
	s.current = p
	s.mu.Unlock()

	if prev != nil {
		prev.cancel(ErrPreempted)
		<-prev.done
	}
	return p
}

// Release gives the slot back. Releasing twice, or releasing a claim that
// has already been replaced, is harmless.
func (s *PlaybackSlot) Release(p *Playback) {
	s.mu.Lock()
	if s.current == p {
		s.current = nil
	}
	s.mu.Unlock()
	p.cancel(nil)
	p.doneOnce.Do(func() { close(p.done) })
}

// Stop ends the current playback, if any, and waits for its release.
func (s *PlaybackSlot) Stop() {
	s.mu.Lock()
	prev := s.current
	s.current = nil
	s.mu.Unlock()

	if prev != nil {
		prev.cancel(ErrPlaybackStopped)
		<-prev.done
	}
}

// Active reports whether a playback currently holds the slot.
func (s *PlaybackSlot) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current != nil
}

// cause reports why p ended: the slot's cancellation cause, or the parent
// context's error.
func (p *Playback) cause() error {
	if err := context.Cause(p.ctx); err != nil {
		return err
	}
	return p.ctx.Err()
}
