package channel

import (
	"context"
	"log/slog"
	"time"

	"github.com/MrWong99/nova/internal/segment"
	"github.com/MrWong99/nova/pkg/audio"
)

// StartListening starts capturing utterances. With a non-empty filter only
// that speaker is captured. Calling it again with the same filter is a
// no-op; a different filter replaces the running subscription. While the
// session is still connecting the request is remembered and applied once it
// is ready.
func (s *Session) StartListening(filter string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.status {
	case StatusDisconnected, StatusDestroyed:
		return ErrDisconnected
	}
	if s.listening && s.filter == filter {
		return nil
	}
	if s.listening {
		s.disarmLocked()
	}
	s.listening = true
	s.filter = filter
	if s.status == StatusReady {
		s.armLocked()
	}
	slog.Info("channel: listening", "channel_id", s.channelID, "filter", filter)
	return nil
}

// StopListening tears down every speaker capture immediately. Audio that
// was being captured is dropped.
func (s *Session) StopListening() {
	s.mu.Lock()
	wasListening := s.listening
	s.listening = false
	caps := s.disarmLocked()
	s.mu.Unlock()

	for _, c := range caps {
		<-c.done
	}
	if wasListening {
		slog.Info("channel: stopped listening", "channel_id", s.channelID)
	}
}

// Listening reports whether captures are armed or will be armed on connect.
func (s *Session) Listening() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listening
}

// armLocked starts the stream scanner for the current connection.
// s.mu must be held and s.conn must be set.
func (s *Session) armLocked() {
	s.listenGen++
	gen := s.listenGen
	ctx, cancel := context.WithCancel(context.Background())
	s.listenCancel = cancel
	rescan := make(chan struct{}, 1)
	s.rescan = rescan

	conn := s.conn
	conn.OnParticipantChange(func(ev audio.Event) {
		if ev.Type != audio.EventJoin {
			return
		}
		select {
		case rescan <- struct{}{}:
		default:
		}
	})

	s.scanLocked(ctx, conn, gen)
	go s.scanLoop(ctx, conn, gen, rescan)
}

// disarmLocked cancels the scanner and every capture, returning the
// captures so the caller can wait for them outside the lock.
// s.mu must be held.
func (s *Session) disarmLocked() []*capture {
	s.listenGen++
	if s.listenCancel != nil {
		s.listenCancel()
		s.listenCancel = nil
	}
	caps := make([]*capture, 0, len(s.captures))
	for id, c := range s.captures {
		c.cancel()
		c.seg.Close()
		caps = append(caps, c)
		delete(s.captures, id)
	}
	return caps
}

// scanLoop picks up speakers that appear after listening started, on
// participant-join events and on a periodic scan.
func (s *Session) scanLoop(ctx context.Context, conn audio.Connection, gen uint64, rescan <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.ScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-rescan:
		}
		s.mu.Lock()
		s.scanLocked(ctx, conn, gen)
		s.mu.Unlock()
	}
}

// scanLocked starts a capture for every matching input stream that does not
// have one. s.mu must be held.
func (s *Session) scanLocked(ctx context.Context, conn audio.Connection, gen uint64) {
	if gen != s.listenGen || conn != s.conn {
		return
	}
	for speakerID, frames := range conn.InputStreams() {
		if s.filter != "" && speakerID != s.filter {
			continue
		}
		if _, ok := s.captures[speakerID]; ok {
			continue
		}
		s.startCaptureLocked(ctx, speakerID, frames)
	}
}

// startCaptureLocked runs a segmenter over frames. s.mu must be held.
func (s *Session) startCaptureLocked(parent context.Context, speakerID string, frames <-chan audio.AudioFrame) {
	ctx, cancel := context.WithCancel(parent)
	c := &capture{
		seg:    segment.New(speakerID, s.channelID, s.cfg.CaptureFormat, s.cfg.Segment, s.segEvents),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	s.captures[speakerID] = c
	slog.Debug("channel: capturing speaker", "channel_id", s.channelID, "speaker_id", speakerID)

	go func() {
		defer close(c.done)
		c.seg.Run(ctx, frames)
		cancel()

		// The stream ended; forget it so a later stream for the same
		// speaker gets a fresh capture.
		s.mu.Lock()
		if s.captures[speakerID] == c {
			delete(s.captures, speakerID)
		}
		s.mu.Unlock()
	}()
}

// pumpSegments forwards finalized utterances to Utterances and records
// segmenter outcomes.
func (s *Session) pumpSegments() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case ev := <-s.segEvents:
			ctx := context.Background()
			if ev.Kind == segment.EventDiscarded {
				s.metrics.RecordUtterance(ctx, "discarded", ev.Reason)
				slog.Debug("channel: capture discarded", "channel_id", s.channelID,
					"speaker_id", ev.SpeakerID, "reason", ev.Reason, "duration", ev.Duration)
				continue
			}
			s.metrics.RecordUtterance(ctx, "finalized", "")
			if !s.Listening() {
				slog.Debug("channel: utterance after listening stopped, dropped",
					"channel_id", s.channelID, "speaker_id", ev.SpeakerID)
				continue
			}
			select {
			case s.utterances <- ev.Utterance:
			case <-s.done:
				return
			}
		}
	}
}
