package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/nova/pkg/audio"
	"github.com/MrWong99/nova/pkg/provider/tts"
)

// Speak synthesizes text and plays it. Any playback already running on the
// channel is stopped first. It returns once playback completed (nil), was
// replaced by a newer Speak or Play ([ErrPreempted]), was stopped
// ([ErrPlaybackStopped]) or ran into its hard deadline
// ([ErrPlaybackTimeout]). Synthesis errors are returned unchanged.
func (s *Session) Speak(ctx context.Context, text string) error {
	if s.synth == nil {
		return errors.New("channel: no synthesizer configured")
	}
	conn, err := s.output()
	if err != nil {
		return err
	}

	p := s.slot.Acquire(ctx)
	defer s.slot.Release(p)

	a, err := s.synth.Synthesize(p.Context(), text)
	if err != nil {
		if cause := p.cause(); errors.Is(cause, ErrPreempted) || errors.Is(cause, ErrPlaybackStopped) {
			return cause
		}
		return err
	}
	return s.play(p, conn, a)
}

// Play plays already-synthesized audio with the same semantics as
// [Session.Speak].
func (s *Session) Play(ctx context.Context, a tts.Audio) error {
	conn, err := s.output()
	if err != nil {
		return err
	}
	p := s.slot.Acquire(ctx)
	defer s.slot.Release(p)
	return s.play(p, conn, a)
}

// StopPlayback ends the current playback, if any, and waits until it has
// released the channel.
func (s *Session) StopPlayback() {
	s.slot.Stop()
}

// Playing reports whether a Speak or Play call holds the channel.
func (s *Session) Playing() bool {
	return s.slot.Active()
}

func (s *Session) output() (audio.Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usableLocked(); err != nil {
		return nil, err
	}
	return s.conn, nil
}

// play writes a to the output stream in FrameDuration frames and waits until
// the audio has had time to be heard, plus PlaybackTail. The whole call is
// bounded by the audio duration, the tail and PlaybackGrace. A playback that
// ends early flushes whatever it left queued on the connection.
func (s *Session) play(p *Playback, conn audio.Connection, a tts.Audio) error {
	if len(a.PCM) == 0 || !a.Format.Valid() {
		return fmt.Errorf("channel: play: empty audio")
	}
	dur := a.Duration()
	ctx, cancel := context.WithTimeout(p.Context(), dur+s.cfg.PlaybackTail+s.cfg.PlaybackGrace)
	defer cancel()

	out := conn.OutputStream()
	start := time.Now()
	for _, frame := range audio.Split(a.PCM, a.Format, s.cfg.FrameDuration) {
		select {
		case out <- frame:
		case <-ctx.Done():
			return s.playbackEnded(ctx, p, conn, dur)
		}
	}

	// Frames are queued faster than they are heard. The tail covers encoder
	// and transport latency after the last frame was queued.
	if remaining := dur + s.cfg.PlaybackTail - time.Since(start); remaining > 0 {
		t := time.NewTimer(remaining)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return s.playbackEnded(ctx, p, conn, dur)
		}
	}
	return nil
}

// playbackEnded flushes the connection's queued output and reports why the
// playback ended early.
func (s *Session) playbackEnded(ctx context.Context, p *Playback, conn audio.Connection, dur time.Duration) error {
	conn.FlushOutput()
	if err := p.cause(); err != nil {
		return err
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		slog.Warn("channel: playback hit hard deadline", "channel_id", s.channelID,
			"audio_duration", dur, "grace", s.cfg.PlaybackGrace)
		return ErrPlaybackTimeout
	}
	return ctx.Err()
}
