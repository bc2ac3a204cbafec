// Package segment turns a speaker's continuous PCM stream into discrete
// utterances.
//
// A [Segmenter] watches the RMS energy of every frame. The first frame above
// the activity threshold opens a capture; the capture is finalized once the
// speaker has been quiet for [Config.SilenceTimeout] worth of audio, or once
// no frame at all has arrived for [Config.EndOfStreamTimeout] (voice
// transports stop sending packets while a speaker is silent). Trailing
// silence is trimmed, captures shorter than [Config.MinUtterance] are
// discarded, and captures that run past [Config.MaxUtterance] are aborted.
//
// Results are delivered as [Event] values on a single channel supplied to
// [New].
package segment

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/nova/pkg/audio"
)

// Defaults for [Config].
const (
	DefaultActivityThreshold  = 300
	DefaultSilenceTimeout     = time.Second
	DefaultEndOfStreamTimeout = time.Second
	DefaultMinUtterance       = 500 * time.Millisecond
	DefaultMaxUtterance       = 30 * time.Second
)

// Config tunes a [Segmenter]. Zero fields take the package defaults.
type Config struct {
	// ActivityThreshold is the RMS level (16-bit PCM units) a frame must
	// exceed to count as speech.
	ActivityThreshold float64

	// SilenceTimeout is how much contiguous sub-threshold audio finalizes a
	// capture.
	SilenceTimeout time.Duration

	// EndOfStreamTimeout finalizes a capture when no frame has arrived for
	// this long.
	EndOfStreamTimeout time.Duration

	// MinUtterance is the shortest voiced span that is emitted.
	MinUtterance time.Duration

	// MaxUtterance caps a capture. Longer captures are discarded.
	MaxUtterance time.Duration
}

// WithDefaults returns c with every zero field replaced by its default.
func (c Config) WithDefaults() Config {
	if c.ActivityThreshold <= 0 {
		c.ActivityThreshold = DefaultActivityThreshold
	}
	if c.SilenceTimeout <= 0 {
		c.SilenceTimeout = DefaultSilenceTimeout
	}
	if c.EndOfStreamTimeout <= 0 {
		c.EndOfStreamTimeout = DefaultEndOfStreamTimeout
	}
	if c.MinUtterance <= 0 {
		c.MinUtterance = DefaultMinUtterance
	}
	if c.MaxUtterance <= 0 {
		c.MaxUtterance = DefaultMaxUtterance
	}
	return c
}

// State is the capture state of a [Segmenter].
type State int

const (
	// StateIdle waits for the first voiced frame.
	StateIdle State = iota

	// StateCapturing buffers every frame of an open utterance.
	StateCapturing

	// StateFinalizing is held while a finished capture is trimmed and handed
	// off. It always returns to StateIdle.
	StateFinalizing
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCapturing:
		return "capturing"
	case StateFinalizing:
		return "finalizing"
	default:
		return "unknown"
	}
}

// Utterance is one finalized stretch of speech. It is never modified after
// it has been emitted.
type Utterance struct {
	SpeakerID string
	ChannelID string

	// Audio is 16-bit little-endian PCM in Format, trailing silence removed.
	Audio  []byte
	Format audio.Format

	Duration time.Duration

	// EndedAt is the wall-clock time the capture was finalized.
	EndedAt time.Time
}

// EventKind classifies an [Event].
type EventKind int

const (
	// EventUtterance carries a finalized [Utterance].
	EventUtterance EventKind = iota

	// EventDiscarded reports a capture that was dropped; see [Event.Reason].
	EventDiscarded
)

// String returns the lower-case kind name.
func (k EventKind) String() string {
	switch k {
	case EventUtterance:
		return "utterance"
	case EventDiscarded:
		return "discarded"
	default:
		return "unknown"
	}
}

// Discard reasons.
const (
	ReasonTooShort    = "too_short"
	ReasonTooLong     = "too_long"
	ReasonStreamError = "stream_error"
)

// Event is emitted by a [Segmenter] whenever a capture ends.
type Event struct {
	Kind      EventKind
	SpeakerID string
	ChannelID string

	// Utterance is set for EventUtterance.
	Utterance Utterance

	// Reason is set for EventDiscarded.
	Reason string

	// Duration is the voiced length of the capture, also for discards.
	Duration time.Duration
}

// Option configures a [Segmenter].
type Option func(*Segmenter)

// WithClock replaces time.Now, which drives the end-of-stream timeout.
func WithClock(now func() time.Time) Option {
	return func(s *Segmenter) { s.now = now }
}

// Segmenter segments a single speaker's audio. Push, Tick, Fail and Flush may
// be called from different goroutines; events are sent in the order the
// captures end.
type Segmenter struct {
	speakerID string
	channelID string
	format    audio.Format
	cfg       Config
	out       chan<- Event
	now       func() time.Time

	// emitMu serialises sends so events leave in capture order.
	emitMu sync.Mutex
	stop   chan struct{}
	once   sync.Once

	mu        sync.Mutex
	state     State
	buf       []byte
	voicedEnd int
	silence   time.Duration
	lastFrame time.Time
}

// New creates a Segmenter for speakerID in channelID. Frames pushed into it
// are converted to format when they arrive in a different one. Events are
// sent on out; a send blocks until the receiver takes it or [Segmenter.Close]
// is called.
func New(speakerID, channelID string, format audio.Format, cfg Config, out chan<- Event, opts ...Option) *Segmenter {
	s := &Segmenter{
		speakerID: speakerID,
		channelID: channelID,
		format:    format,
		cfg:       cfg.WithDefaults(),
		out:       out,
		now:       time.Now,
		stop:      make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// SpeakerID returns the speaker this segmenter belongs to.
func (s *Segmenter) SpeakerID() string { return s.speakerID }

// State returns the current capture state.
func (s *Segmenter) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Push feeds one frame.
func (s *Segmenter) Push(frame audio.AudioFrame) {
	data := frame.Data
	if f := frame.Format(); f.Valid() && f != s.format {
		data = audio.ConvertPCM(data, f, s.format)
	}
	if len(data) == 0 {
		return
	}
	active := audio.RMS(data) > s.cfg.ActivityThreshold

	s.mu.Lock()
	var (
		ev   Event
		emit bool
	)
	switch s.state {
	case StateIdle:
		if !active {
			s.mu.Unlock()
			return
		}
		s.state = StateCapturing
		s.buf = append(make([]byte, 0, s.format.BytesFor(s.cfg.SilenceTimeout)), data...)
		s.voicedEnd = len(s.buf)
		s.silence = 0
		s.lastFrame = s.now()
		slog.Debug("segment: capture started", "channel_id", s.channelID, "speaker_id", s.speakerID)
	case StateCapturing:
		s.buf = append(s.buf, data...)
		s.lastFrame = s.now()
		if active {
			s.voicedEnd = len(s.buf)
			s.silence = 0
		} else {
			s.silence += s.format.Duration(len(data))
		}
		switch {
		case s.format.Duration(len(s.buf)) > s.cfg.MaxUtterance:
			ev, emit = s.discardLocked(ReasonTooLong), true
		case s.silence >= s.cfg.SilenceTimeout:
			ev, emit = s.finalizeLocked(), true
		}
	}
	s.mu.Unlock()
	if emit {
		s.emit(ev)
	}
}

// Tick finalizes an open capture when no frame has arrived for
// EndOfStreamTimeout as of now.
func (s *Segmenter) Tick(now time.Time) {
	s.mu.Lock()
	if s.state != StateCapturing || now.Sub(s.lastFrame) < s.cfg.EndOfStreamTimeout {
		s.mu.Unlock()
		return
	}
	ev := s.finalizeLocked()
	s.mu.Unlock()
	s.emit(ev)
}

// Flush finalizes whatever is buffered, as if the speaker had stopped.
func (s *Segmenter) Flush() {
	s.mu.Lock()
	if s.state != StateCapturing {
		s.mu.Unlock()
		return
	}
	ev := s.finalizeLocked()
	s.mu.Unlock()
	s.emit(ev)
}

// Fail abandons an open capture after a stream error. The error is logged and
// reported as an EventDiscarded; it is never returned to the caller.
func (s *Segmenter) Fail(err error) {
	s.mu.Lock()
	if s.state != StateCapturing {
		s.mu.Unlock()
		return
	}
	slog.Warn("segment: stream error, capture discarded",
		"channel_id", s.channelID, "speaker_id", s.speakerID, "err", err)
	ev := s.discardLocked(ReasonStreamError)
	s.mu.Unlock()
	s.emit(ev)
}

// Reset drops an open capture without emitting anything.
func (s *Segmenter) Reset() {
	s.mu.Lock()
	s.resetLocked()
	s.mu.Unlock()
}

// Close unblocks any pending send and makes later events no-ops.
func (s *Segmenter) Close() {
	s.once.Do(func() { close(s.stop) })
}

// Run drives the segmenter from frames until ctx is done or frames is closed.
// A closed stream flushes the open capture; a cancelled ctx drops it.
func (s *Segmenter) Run(ctx context.Context, frames <-chan audio.AudioFrame) {
	defer s.Close()

	interval := s.cfg.EndOfStreamTimeout / 4
	if interval < 20*time.Millisecond {
		interval = 20 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.Reset()
			return
		case frame, ok := <-frames:
			if !ok {
				s.Flush()
				return
			}
			s.Push(frame)
		case <-ticker.C:
			s.Tick(s.now())
		}
	}
}

// finalizeLocked trims trailing silence and builds the result event.
// s.mu must be held.
func (s *Segmenter) finalizeLocked() Event {
	s.state = StateFinalizing
	voiced := s.buf[:s.voicedEnd]
	dur := s.format.Duration(len(voiced))

	var ev Event
	if dur < s.cfg.MinUtterance {
		ev = s.event(EventDiscarded, dur)
		ev.Reason = ReasonTooShort
	} else {
		ev = s.event(EventUtterance, dur)
		ev.Utterance = Utterance{
			SpeakerID: s.speakerID,
			ChannelID: s.channelID,
			Audio:     voiced,
			Format:    s.format,
			Duration:  dur,
			EndedAt:   s.now(),
		}
	}
	// The emitted slice is handed off; the next capture gets a new buffer.
	s.buf = nil
	s.resetLocked()
	return ev
}

// discardLocked drops the open capture. s.mu must be held.
func (s *Segmenter) discardLocked(reason string) Event {
	ev := s.event(EventDiscarded, s.format.Duration(s.voicedEnd))
	ev.Reason = reason
	s.resetLocked()
	return ev
}

func (s *Segmenter) resetLocked() {
	s.state = StateIdle
	s.buf = s.buf[:0]
	s.voicedEnd = 0
	s.silence = 0
}

func (s *Segmenter) event(kind EventKind, dur time.Duration) Event {
	return Event{Kind: kind, SpeakerID: s.speakerID, ChannelID: s.channelID, Duration: dur}
}

func (s *Segmenter) emit(ev Event) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	select {
	case <-s.stop:
		return
	default:
	}
	select {
	case s.out <- ev:
	case <-s.stop:
	}
}
