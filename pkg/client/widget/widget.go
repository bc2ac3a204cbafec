package widget

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Widget errors.
var (
	ErrWrongMode = errors.New("widget: not available in this mode")
	ErrClosed    = errors.New("widget: closed")
)

// DefaultTranscribeTimeout bounds one speech-to-text request.
const DefaultTranscribeTimeout = 30 * time.Second

// Mode selects how the widget records.
type Mode int

const (
	// ModeManual records between two ToggleRecording calls and appends the
	// transcript to the draft.
	ModeManual Mode = iota

	// ModeConversation records hands-free and submits every transcript.
	ModeConversation
)

// String returns the mode name.
func (m Mode) String() string {
	if m == ModeConversation {
		return "conversation"
	}
	return "manual"
}

// Transcriber turns a WAV recording into text. [Client] satisfies it.
type Transcriber interface {
	SpeechToText(ctx context.Context, wav []byte) (string, error)
}

// Synthesizer turns text into a WAV file. [Client] satisfies it.
type Synthesizer interface {
	TextToSpeech(ctx context.Context, text string) ([]byte, error)
}

// SubmitFunc sends a conversation-mode transcript to the chat and returns
// the reply to speak. An empty reply is not spoken.
type SubmitFunc func(ctx context.Context, text string) (reply string, err error)

// Config tunes a [Widget].
type Config struct {
	Silence           SilenceConfig
	TranscribeTimeout time.Duration
}

// Option configures a [Widget].
type Option func(*Widget)

// WithSynthesizer enables [Widget.Speak] and spoken replies in
// conversation mode.
func WithSynthesizer(s Synthesizer) Option { return func(w *Widget) { w.tts = s } }

// WithSubmit sets where conversation-mode transcripts go. Without it the
// widget keeps listening and only fills the draft.
func WithSubmit(fn SubmitFunc) Option { return func(w *Widget) { w.submit = fn } }

// Widget drives one capture device and one player. All methods are safe
// for concurrent use.
type Widget struct {
	recorder *Recorder
	player   Player
	stt      Transcriber
	tts      Synthesizer
	submit   SubmitFunc
	cfg      Config

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	mode        Mode
	session     *RecordingSession
	cycleCancel context.CancelFunc // cancels the running hands-free exchange
	draft       []string
	gen         uint64
	playing     bool
	closed      bool
}

// New returns a widget in [ModeManual].
func New(device Device, player Player, stt Transcriber, cfg Config, opts ...Option) *Widget {
	if cfg.TranscribeTimeout <= 0 {
		cfg.TranscribeTimeout = DefaultTranscribeTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	w := &Widget{
		recorder: NewRecorder(device),
		player:   player,
		stt:      stt,
		cfg:      cfg,
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Mode returns the current mode.
func (w *Widget) Mode() Mode {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.mode
}

// Recording reports whether a capture is open.
func (w *Widget) Recording() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.session != nil
}

// Draft returns the transcripts collected in manual mode.
func (w *Widget) Draft() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return strings.Join(w.draft, " ")
}

// ClearDraft empties the draft, typically after it was sent.
func (w *Widget) ClearDraft() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.draft = nil
}

// ─── Manual mode ─────────────────────────────────────────────────────────────

// ToggleRecording starts a recording, or stops the running one and appends
// its transcript to the draft. The transcript is returned; it is empty when
// a recording was started.
func (w *Widget) ToggleRecording(ctx context.Context) (string, error) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return "", ErrClosed
	}
	if w.mode != ModeManual {
		w.mu.Unlock()
		return "", ErrWrongMode
	}
	if w.session == nil {
		g := w.gen
		w.mu.Unlock()
		return "", w.startManual(ctx, g)
	}
	s := w.session
	w.session = nil
	w.mu.Unlock()

	text, err := w.finish(ctx, s)
	if err != nil || text == "" {
		return "", err
	}
	w.mu.Lock()
	w.draft = append(w.draft, text)
	w.mu.Unlock()
	return text, nil
}

// startManual opens a manual capture for generation g. The device is
// opened without w.mu held; the capture is dropped if the widget closed or
// changed mode meanwhile.
func (w *Widget) startManual(ctx context.Context, g uint64) error {
	s, err := w.recorder.Open(ctx)
	if err != nil {
		return err
	}

	w.mu.Lock()
	var stale error
	switch {
	case w.closed:
		stale = ErrClosed
	case w.gen != g || w.mode != ModeManual:
		stale = ErrWrongMode
	case w.session != nil:
		stale = ErrDeviceBusy
	default:
		w.session = s
	}
	w.mu.Unlock()

	if stale != nil {
		_ = s.Release()
	}
	return stale
}

// finish ends s and transcribes it.
func (w *Widget) finish(ctx context.Context, s *RecordingSession) (string, error) {
	wav, err := s.Finish()
	if err != nil {
		slog.Warn("widget: failed to close capture", "err", err)
	}
	if len(wav) == 0 {
		return "", nil
	}
	ctx, cancel := context.WithTimeout(ctx, w.cfg.TranscribeTimeout)
	defer cancel()
	text, err := w.stt.SpeechToText(ctx, wav)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}

// ─── Conversation mode ───────────────────────────────────────────────────────

// SetConversationMode switches between the modes. Turning conversation
// mode on starts listening right away unless a reply is playing; turning it
// off ends the capture, stops playback and cancels any pending restart.
func (w *Widget) SetConversationMode(on bool) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}
	if on == (w.mode == ModeConversation) {
		w.mu.Unlock()
		return nil
	}
	w.gen++
	w.cancelCycleLocked()
	s := w.detachLocked()
	if !on {
		w.mode = ModeManual
		w.mu.Unlock()
		if s != nil {
			_ = s.Release()
		}
		w.player.Stop()
		slog.Info("widget: conversation mode off")
		return nil
	}
	w.mode = ModeConversation
	g, start := w.gen, !w.playing
	w.mu.Unlock()

	if s != nil {
		_ = s.Release()
	}
	slog.Info("widget: conversation mode on")
	if start {
		return w.listen(g)
	}
	return nil
}

// detachLocked takes the open session away from its owner, who notices
// through [RecordingSession.Done] once it is released. w.mu must be held.
func (w *Widget) detachLocked() *RecordingSession {
	s := w.session
	w.session = nil
	return s
}

func (w *Widget) cancelCycleLocked() {
	if w.cycleCancel != nil {
		w.cycleCancel()
		w.cycleCancel = nil
	}
}

// listen opens a conversation capture for generation g unless g is stale
// or a capture is already open.
func (w *Widget) listen(g uint64) error {
	if !w.listenable(g) {
		return nil
	}
	s, err := w.recorder.Open(w.ctx)
	if errors.Is(err, ErrDeviceBusy) {
		return nil
	}
	if err != nil {
		return err
	}

	w.mu.Lock()
	if w.closed || w.gen != g || w.mode != ModeConversation || w.session != nil || w.playing {
		w.mu.Unlock()
		_ = s.Release()
		return nil
	}
	ctx, cancel := context.WithCancel(w.ctx)
	w.session = s
	w.cycleCancel = cancel
	w.wg.Add(1)
	w.mu.Unlock()

	go w.converse(ctx, cancel, g, s)
	return nil
}

func (w *Widget) listenable(g uint64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return !w.closed && w.gen == g && w.mode == ModeConversation && w.session == nil && !w.playing
}

// converse runs one hands-free exchange: wait for the user to stop
// talking, transcribe, submit, speak the reply, listen again.
func (w *Widget) converse(ctx context.Context, cancel context.CancelFunc, g uint64, s *RecordingSession) {
	defer w.wg.Done()
	defer cancel()

	select {
	case <-NewSilenceDetector(w.cfg.Silence).Watch(ctx, s.Levels()):
	case <-s.Done():
		return
	case <-ctx.Done():
		return
	}

	w.mu.Lock()
	if w.session != s {
		w.mu.Unlock()
		return
	}
	w.session = nil
	w.mu.Unlock()

	text, err := w.finish(ctx, s)
	switch {
	case err != nil:
		slog.Warn("widget: transcription failed", "err", err)
	case text == "":
	case w.submit == nil:
		w.mu.Lock()
		w.draft = append(w.draft, text)
		w.mu.Unlock()
	default:
		reply, err := w.submit(ctx, text)
		if err != nil {
			slog.Warn("widget: submit failed", "err", err)
			break
		}
		if reply != "" && w.tts != nil {
			if err := w.Speak(ctx, reply); err != nil && ctx.Err() == nil {
				slog.Warn("widget: failed to speak reply", "err", err)
			}
		}
	}

	if ctx.Err() == nil {
		if err := w.listen(g); err != nil {
			slog.Warn("widget: failed to resume listening", "err", err)
		}
	}
}

// ─── Playback ────────────────────────────────────────────────────────────────

// Speak synthesizes text and plays it like [Widget.PlayReply].
func (w *Widget) Speak(ctx context.Context, text string) error {
	if w.tts == nil {
		return errors.New("widget: no synthesizer configured")
	}
	wav, err := w.tts.TextToSpeech(ctx, text)
	if err != nil {
		return err
	}
	return w.PlayReply(ctx, wav)
}

// PlayReply plays audio. In conversation mode a running capture is
// discarded first so the reply is not recorded, and listening resumes only
// after playback ended.
func (w *Widget) PlayReply(ctx context.Context, audio []byte) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}
	var s *RecordingSession
	if w.mode == ModeConversation {
		s = w.detachLocked()
	}
	w.playing = true
	w.mu.Unlock()

	if s != nil {
		_ = s.Release()
	}
	err := w.player.Play(ctx, audio)

	w.mu.Lock()
	w.playing = false
	resume := w.mode == ModeConversation && !w.closed
	g := w.gen
	w.mu.Unlock()

	if resume {
		if lerr := w.listen(g); lerr != nil {
			slog.Warn("widget: failed to resume listening", "err", lerr)
		}
	}
	return err
}

// Close ends any capture and playback. Further calls fail with
// [ErrClosed].
func (w *Widget) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.gen++
	w.cancelCycleLocked()
	s := w.detachLocked()
	w.mu.Unlock()

	w.cancel()
	var err error
	if s != nil {
		err = s.Release()
	}
	w.player.Stop()
	w.wg.Wait()
	return err
}
