// Package channel owns the lifecycle of joined voice channels.
//
// A [Session] is the single owner of everything attached to one channel: the
// transport connection, the per-speaker segmenters that turn input streams
// into utterances, the playback slot and the reconnect loop. A [Registry]
// maps channel IDs to sessions and adds an entry only once its session is
// ready.
package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/nova/internal/observe"
	"github.com/MrWong99/nova/internal/segment"
	"github.com/MrWong99/nova/pkg/audio"
	"github.com/MrWong99/nova/pkg/provider/tts"
)

// Session errors.
var (
	// ErrNotJoined is returned while the session has not finished joining.
	ErrNotJoined = errors.New("channel: not joined")

	// ErrDisconnected is returned after the connection was lost for good or
	// the session was left.
	ErrDisconnected = errors.New("channel: disconnected")

	// ErrJoinTimeout is returned when the platform did not connect within
	// JoinTimeout.
	ErrJoinTimeout = errors.New("channel: join timed out")
)

// Session defaults.
const (
	DefaultJoinTimeout   = 60 * time.Second
	DefaultPlaybackGrace = 5 * time.Second
	DefaultFrameDuration = 20 * time.Millisecond
	DefaultScanInterval  = 2 * time.Second
)

// Status is the lifecycle state of a [Session].
type Status int

const (
	// StatusSignalling is the state of a session that has not started
	// connecting yet.
	StatusSignalling Status = iota

	// StatusConnecting is held while joining or reconnecting.
	StatusConnecting

	// StatusReady means the connection is usable.
	StatusReady

	// StatusDisconnected is terminal until the session is joined again.
	StatusDisconnected

	// StatusDestroyed is terminal; the session has been left.
	StatusDestroyed
)

// String returns the lower-case status name.
func (s Status) String() string {
	switch s {
	case StatusSignalling:
		return "signalling"
	case StatusConnecting:
		return "connecting"
	case StatusReady:
		return "ready"
	case StatusDisconnected:
		return "disconnected"
	case StatusDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// Event reports a status change of a [Session].
type Event struct {
	ChannelID string
	From, To  Status

	// Err is set when the change was caused by a failure.
	Err error
}

// Synthesizer renders reply text to audio. *gateway.Synthesis implements it.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (tts.Audio, error)
}

// Config tunes a [Session]. Zero fields take defaults.
type Config struct {
	// JoinTimeout bounds one connection attempt.
	JoinTimeout time.Duration

	// MaxReconnectAttempts is how often a lost connection is retried.
	MaxReconnectAttempts int

	// ReconnectBackoff is the first delay between reconnect attempts. It
	// doubles up to MaxReconnectBackoff.
	ReconnectBackoff    time.Duration
	MaxReconnectBackoff time.Duration

	// PlaybackGrace is added to the audio duration to form the hard
	// playback deadline.
	PlaybackGrace time.Duration

	// PlaybackTail is waited after the audio duration before a playback
	// counts as heard. Default: two frames.
	PlaybackTail time.Duration

	// FrameDuration is the length of the frames written to the output stream.
	FrameDuration time.Duration

	// ScanInterval is how often input streams are rescanned for new
	// speakers while listening.
	ScanInterval time.Duration

	// CaptureFormat is the format utterances are produced in.
	// Default: [audio.FormatSpeech].
	CaptureFormat audio.Format

	// Segment tunes the per-speaker segmenters.
	Segment segment.Config
}

func (c Config) withDefaults() Config {
	if c.JoinTimeout <= 0 {
		c.JoinTimeout = DefaultJoinTimeout
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if c.PlaybackGrace <= 0 {
		c.PlaybackGrace = DefaultPlaybackGrace
	}
	if c.FrameDuration <= 0 {
		c.FrameDuration = DefaultFrameDuration
	}
	if c.PlaybackTail <= 0 {
		c.PlaybackTail = 2 * c.FrameDuration
	}
	if c.ScanInterval <= 0 {
		c.ScanInterval = DefaultScanInterval
	}
	if !c.CaptureFormat.Valid() {
		c.CaptureFormat = audio.FormatSpeech
	}
	c.Segment = c.Segment.WithDefaults()
	return c
}

// SessionOption configures a [Session].
type SessionOption func(*Session)

// WithMetrics records channel metrics on m instead of
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) SessionOption {
	return func(s *Session) { s.metrics = m }
}

// Session is one joined (or joining) voice channel. All methods are safe for
// concurrent use.
type Session struct {
	channelID string
	platform  audio.Platform
	synth     Synthesizer
	cfg       Config
	metrics   *observe.Metrics

	slot PlaybackSlot

	segEvents  chan segment.Event
	utterances chan segment.Utterance
	events     chan Event
	done       chan struct{}
	leaveOnce  sync.Once
	wg         sync.WaitGroup

	mu           sync.Mutex
	status       Status
	conn         audio.Connection
	connDone     chan struct{} // closed to stop the monitor of conn
	listening    bool
	filter       string
	listenGen    uint64
	listenCancel context.CancelFunc
	rescan       chan struct{}
	captures     map[string]*capture
}

// capture is one speaker's segmenter and the goroutine feeding it.
type capture struct {
	seg    *segment.Segmenter
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSession creates a session for channelID in [StatusSignalling]. synth
// may be nil when only [Session.Play] is used.
func NewSession(channelID string, platform audio.Platform, synth Synthesizer, cfg Config, opts ...SessionOption) *Session {
	s := &Session{
		channelID:  channelID,
		platform:   platform,
		synth:      synth,
		cfg:        cfg.withDefaults(),
		segEvents:  make(chan segment.Event, 32),
		utterances: make(chan segment.Utterance, 8),
		events:     make(chan Event, 16),
		done:       make(chan struct{}),
		captures:   make(map[string]*capture),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	s.wg.Add(1)
	go s.pumpSegments()
	return s
}

// ChannelID returns the channel this session belongs to.
func (s *Session) ChannelID() string { return s.channelID }

// Status returns the current lifecycle state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Utterances returns the channel on which finalized utterances are
// delivered. It is closed by [Session.Leave].
func (s *Session) Utterances() <-chan segment.Utterance { return s.utterances }

// Events returns the channel on which status changes are delivered. It is
// closed by [Session.Leave]. Events are dropped when nobody reads them.
func (s *Session) Events() <-chan Event { return s.events }

// setStatusLocked records a transition and emits it. s.mu must be held.
func (s *Session) setStatusLocked(to Status, cause error) {
	from := s.status
	if from == to {
		return
	}
	s.status = to
	slog.Info("channel: status changed", "channel_id", s.channelID, "from", from.String(), "to", to.String())
	if from == StatusDestroyed {
		return
	}
	select {
	case s.events <- Event{ChannelID: s.channelID, From: from, To: to, Err: cause}:
	default:
		slog.Debug("channel: event dropped, nobody listening", "channel_id", s.channelID, "to", to.String())
	}
}

// ─── Join / Leave ────────────────────────────────────────────────────────────

// Join connects the session. It may be called on a new session or on one in
// [StatusDisconnected]. The attempt is bounded by JoinTimeout; a connection
// that arrives after the deadline is disconnected immediately.
func (s *Session) Join(ctx context.Context) error {
	s.mu.Lock()
	switch s.status {
	case StatusSignalling, StatusDisconnected:
	case StatusDestroyed:
		s.mu.Unlock()
		return fmt.Errorf("channel: join %q: %w", s.channelID, ErrDisconnected)
	default:
		s.mu.Unlock()
		return fmt.Errorf("channel: join %q: already %s", s.channelID, s.status)
	}
	s.setStatusLocked(StatusConnecting, nil)
	s.mu.Unlock()

	conn, err := s.connect(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusDestroyed {
		if conn != nil {
			_ = conn.Disconnect()
		}
		return fmt.Errorf("channel: join %q: %w", s.channelID, ErrDisconnected)
	}
	if err != nil {
		s.setStatusLocked(StatusDisconnected, err)
		return fmt.Errorf("channel: join %q: %w", s.channelID, err)
	}
	s.attachLocked(conn)
	return nil
}

// connect runs one bounded Platform.Connect attempt.
func (s *Session) connect(ctx context.Context) (audio.Connection, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.JoinTimeout)
	defer cancel()

	type result struct {
		conn audio.Connection
		err  error
	}
	resCh := make(chan result, 1)
	go func() {
		conn, err := s.platform.Connect(ctx, s.channelID)
		resCh <- result{conn, err}
	}()

	select {
	case r := <-resCh:
		if r.err != nil {
			return nil, r.err
		}
		return r.conn, nil
	case <-ctx.Done():
		go func() {
			if r := <-resCh; r.conn != nil {
				slog.Warn("channel: connection arrived after join deadline, disconnecting", "channel_id", s.channelID)
				_ = r.conn.Disconnect()
			}
		}()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrJoinTimeout
		}
		return nil, ctx.Err()
	}
}

// attachLocked makes conn the live connection. s.mu must be held.
func (s *Session) attachLocked(conn audio.Connection) {
	s.conn = conn
	s.connDone = make(chan struct{})
	s.setStatusLocked(StatusReady, nil)
	if s.listening {
		s.armLocked()
	}
	s.wg.Add(1)
	go s.monitor(conn, s.connDone)
}

// Leave stops playback and listening, stops reconnecting and disconnects.
// The session ends in [StatusDestroyed]. Calling Leave again is a no-op.
func (s *Session) Leave() error {
	var err error
	s.leaveOnce.Do(func() {
		s.slot.Stop()
		s.StopListening()

		s.mu.Lock()
		conn := s.conn
		s.conn = nil
		if s.connDone != nil {
			close(s.connDone)
			s.connDone = nil
		}
		s.setStatusLocked(StatusDestroyed, nil)
		close(s.done)
		s.mu.Unlock()

		if conn != nil {
			err = conn.Disconnect()
		}
		s.wg.Wait()
		close(s.utterances)
		close(s.events)
	})
	return err
}

// ─── Reconnect ───────────────────────────────────────────────────────────────

// monitor waits for the loss of conn and runs the reconnect loop.
func (s *Session) monitor(conn audio.Connection, stop <-chan struct{}) {
	defer s.wg.Done()
	select {
	case <-stop:
		return
	case <-s.done:
		return
	case <-conn.Lost():
	}
	s.reconnect(conn)
}

// reconnect replaces a lost connection, retrying with backoff up to
// MaxReconnectAttempts times.
func (s *Session) reconnect(lost audio.Connection) {
	s.mu.Lock()
	if s.conn != lost || s.status == StatusDestroyed {
		s.mu.Unlock()
		return
	}
	slog.Warn("channel: connection lost, reconnecting", "channel_id", s.channelID)
	s.conn = nil
	s.connDone = nil
	s.disarmLocked()
	s.setStatusLocked(StatusConnecting, nil)
	s.mu.Unlock()

	s.slot.Stop()
	_ = lost.Disconnect()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	backoff := NewBackoff(s.cfg.ReconnectBackoff, s.cfg.MaxReconnectBackoff)
	var lastErr error
	for backoff.Attempt() < s.cfg.MaxReconnectAttempts {
		delay := backoff.Next()
		slog.Info("channel: reconnect attempt", "channel_id", s.channelID,
			"attempt", backoff.Attempt(), "max_attempts", s.cfg.MaxReconnectAttempts, "delay", delay)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		conn, err := s.connect(ctx)
		if err != nil {
			lastErr = err
			s.metrics.RecordReconnectAttempt(context.Background(), "error")
			slog.Warn("channel: reconnect attempt failed", "channel_id", s.channelID,
				"attempt", backoff.Attempt(), "err", err)
			continue
		}
		s.metrics.RecordReconnectAttempt(context.Background(), "ok")

		s.mu.Lock()
		if s.status == StatusDestroyed {
			s.mu.Unlock()
			_ = conn.Disconnect()
			return
		}
		backoff.Reset()
		s.attachLocked(conn)
		s.mu.Unlock()
		slog.Info("channel: reconnected", "channel_id", s.channelID)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusDestroyed {
		return
	}
	s.listening = false
	s.setStatusLocked(StatusDisconnected, fmt.Errorf("reconnect failed after %d attempts: %w", s.cfg.MaxReconnectAttempts, lastErr))
	slog.Error("channel: giving up reconnecting", "channel_id", s.channelID, "attempts", s.cfg.MaxReconnectAttempts, "err", lastErr)
}

// usableLocked reports why the session cannot be used, if it cannot.
// s.mu must be held.
func (s *Session) usableLocked() error {
	switch s.status {
	case StatusReady:
		return nil
	case StatusDisconnected, StatusDestroyed:
		return ErrDisconnected
	default:
		return ErrNotJoined
	}
}
