package turn

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/nova/internal/channel"
	"github.com/MrWong99/nova/internal/observe"
	"github.com/MrWong99/nova/internal/persona"
	"github.com/MrWong99/nova/internal/segment"
	"github.com/MrWong99/nova/pkg/types"
)

// Config tunes a [Controller].
type Config struct {
	// ConversationID keys the message log, usually the channel ID.
	ConversationID string

	Persona persona.Persona

	// TurnTimeout bounds transcription, the reply and playback of one turn.
	TurnTimeout time.Duration

	// ConversationMode re-arms capture after every voice turn. Without it
	// a voice turn is one-shot and capture stays off until Listen.
	ConversationMode bool

	NotUnderstood string
	ReplyFailed   string
}

func (c Config) withDefaults() Config {
	if c.TurnTimeout <= 0 {
		c.TurnTimeout = DefaultTurnTimeout
	}
	if c.NotUnderstood == "" {
		c.NotUnderstood = DefaultNotUnderstood
	}
	if c.ReplyFailed == "" {
		c.ReplyFailed = DefaultReplyFailed
	}
	return c
}

// Option configures a [Controller].
type Option func(*Controller)

// WithTranscriber sets the transcriber used for voice turns.
func WithTranscriber(t Transcriber) Option { return func(c *Controller) { c.transcriber = t } }

// WithSpeaker sets where voice replies are played.
func WithSpeaker(s Speaker) Option { return func(c *Controller) { c.speaker = s } }

// WithListener sets the capture that is suspended while a voice turn runs.
func WithListener(l Listener) Option { return func(c *Controller) { c.listener = l } }

// WithTextSink sets where replies go when they cannot be spoken.
func WithTextSink(s TextSink) Option { return func(c *Controller) { c.sink = s } }

// WithWakeMatcher requires voice transcripts to address the persona.
func WithWakeMatcher(m *persona.WakeMatcher) Option { return func(c *Controller) { c.wake = m } }

// WithMetrics records turn metrics on m instead of
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option { return func(c *Controller) { c.metrics = m } }

// Controller runs the turns of one conversation. All methods are safe for
// concurrent use.
type Controller struct {
	cfg         Config
	responder   persona.Responder
	history     *persona.History
	transcriber Transcriber
	speaker     Speaker
	listener    Listener
	sink        TextSink
	wake        *persona.WakeMatcher
	metrics     *observe.Metrics

	mu           sync.Mutex
	state        State
	gen          uint64
	cancel       context.CancelFunc
	conversation bool
	filter       string

	wg sync.WaitGroup
}

// New returns a controller answering with responder and keeping the
// conversation in history.
func New(responder persona.Responder, history *persona.History, cfg Config, opts ...Option) *Controller {
	cfg = cfg.withDefaults()
	c := &Controller{
		cfg:          cfg,
		responder:    responder,
		history:      history,
		conversation: cfg.ConversationMode,
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c
}

// State returns the current turn state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ConversationMode reports whether capture is re-armed after voice turns.
func (c *Controller) ConversationMode() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conversation
}

// turn is one accepted input.
type turn struct {
	ctx     context.Context
	gen     uint64
	mode    Mode
	start   time.Time
	span    trace.Span
	suspend bool
}

// ─── Turn lifecycle ──────────────────────────────────────────────────────────

// begin claims the controller for a new turn, or reports ErrBusy.
func (c *Controller) begin(parent context.Context, mode Mode, suspend bool) (*turn, error) {
	c.mu.Lock()
	if c.state != StateAwaitingInput {
		state := c.state
		c.mu.Unlock()
		c.metrics.RecordDroppedInput(parent, mode.String())
		slog.Info("turn: input dropped, turn in progress",
			"conversation_id", c.cfg.ConversationID, "mode", mode.String(), "state", state.String())
		return nil, ErrBusy
	}
	c.gen++
	ctx, cancel := context.WithTimeout(observe.WithConversation(parent, c.cfg.ConversationID), c.cfg.TurnTimeout)
	ctx, span := observe.StartSpan(ctx, "turn",
		trace.WithAttributes(attribute.String("mode", mode.String())))
	c.state = StateProcessing
	c.cancel = cancel
	t := &turn{ctx: ctx, gen: c.gen, mode: mode, start: time.Now(), span: span,
		suspend: suspend && c.listener != nil}
	c.mu.Unlock()

	if t.suspend {
		c.listener.StopListening()
	}
	return t, nil
}

// advance moves t to next unless it has been stopped or timed out.
func (c *Controller) advance(t *turn, next State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.gen != c.gen || t.ctx.Err() != nil {
		return false
	}
	c.state = next
	return true
}

// end finishes t. Capture is re-armed only when t is still the current turn
// and conversation mode is on.
func (c *Controller) end(t *turn, res Result) {
	c.mu.Lock()
	current := t.gen == c.gen
	rearm := false
	if current {
		c.state = StateAwaitingInput
		c.cancel()
		c.cancel = nil
		rearm = t.suspend && c.conversation
	}
	filter := c.filter
	c.mu.Unlock()

	if !current && res.Outcome != OutcomeInterrupted {
		res.Outcome = OutcomeInterrupted
	}
	elapsed := time.Since(t.start)
	c.metrics.RecordTurn(context.Background(), t.mode.String(), string(res.Outcome), elapsed.Seconds())
	t.span.SetAttributes(attribute.String("outcome", string(res.Outcome)))
	t.span.End()
	slog.Debug("turn: finished", "conversation_id", c.cfg.ConversationID,
		"mode", t.mode.String(), "outcome", string(res.Outcome), "elapsed", elapsed)

	if rearm {
		if err := c.listener.StartListening(filter); err != nil {
			slog.Warn("turn: failed to resume listening", "conversation_id", c.cfg.ConversationID, "err", err)
		}
	}
}

// ─── Entry points ────────────────────────────────────────────────────────────

// HandleUtterance runs a voice turn for u and returns when it is over.
// Capture is suspended for the duration of the turn.
func (c *Controller) HandleUtterance(ctx context.Context, u segment.Utterance) (Result, error) {
	t, err := c.begin(ctx, ModeVoice, true)
	if err != nil {
		return Result{}, err
	}
	res := c.voiceTurn(t, u)
	c.end(t, res)
	return res, nil
}

// HandleText runs a turn for a typed message. A [ModeVoice] input is also
// spoken; the reply is returned either way.
func (c *Controller) HandleText(ctx context.Context, in Input) (Result, error) {
	t, err := c.begin(ctx, in.Mode, false)
	if err != nil {
		return Result{}, err
	}
	res := c.textTurn(t, in)
	c.end(t, res)
	return res, nil
}

// Run handles every utterance received on utterances until the channel is
// closed or ctx is done. Turns run in the background so the channel keeps
// draining; utterances that arrive mid-turn are dropped.
func (c *Controller) Run(ctx context.Context, utterances <-chan segment.Utterance) error {
	defer c.wg.Wait()
	for {
		select {
		case <-ctx.Done():
			c.Stop()
			return ctx.Err()
		case u, ok := <-utterances:
			if !ok {
				return nil
			}
			t, err := c.begin(ctx, ModeVoice, true)
			if err != nil {
				continue
			}
			c.wg.Add(1)
			go func() {
				defer c.wg.Done()
				c.end(t, c.voiceTurn(t, u))
			}()
		}
	}
}

// Stop stops playback and cancels the running turn. A turn that completes
// concurrently no longer resumes capture; call [Controller.Listen] to start
// capturing again.
func (c *Controller) Stop() {
	c.mu.Lock()
	c.gen++
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.state = StateAwaitingInput
	c.mu.Unlock()

	if c.speaker != nil {
		c.speaker.StopPlayback()
	}
}

// Listen starts capture with filter (empty for everyone).
func (c *Controller) Listen(filter string) error {
	if c.listener == nil {
		return errors.New("turn: no listener configured")
	}
	c.mu.Lock()
	c.filter = filter
	c.mu.Unlock()
	return c.listener.StartListening(filter)
}

// SetConversationMode turns automatic re-arming on or off. Turning it on
// starts capture right away when no turn is running. Turning it off stops
// the running turn, playback and capture.
func (c *Controller) SetConversationMode(on bool) error {
	c.mu.Lock()
	c.conversation = on
	idle := c.state == StateAwaitingInput
	filter := c.filter
	c.mu.Unlock()

	if !on {
		c.Stop()
		if c.listener != nil {
			c.listener.StopListening()
		}
		return nil
	}
	if idle && c.listener != nil {
		return c.listener.StartListening(filter)
	}
	return nil
}

// SetPersona replaces the persona and wake matcher for the next turns.
func (c *Controller) SetPersona(p persona.Persona, wake *persona.WakeMatcher) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg.Persona = p
	c.wake = wake
}

// ─── Turn bodies ─────────────────────────────────────────────────────────────

func (c *Controller) voiceTurn(t *turn, u segment.Utterance) Result {
	log := observe.Logger(t.ctx).With("speaker_id", u.SpeakerID)
	if c.transcriber == nil {
		log.Error("turn: voice turn without a transcriber")
		return Result{Outcome: OutcomeTranscriptionFailed}
	}

	text, err := c.transcriber.Transcribe(t.ctx, u)
	if err != nil {
		if t.ctx.Err() != nil {
			return Result{Outcome: OutcomeInterrupted}
		}
		observe.RecordError(t.span, err)
		log.Warn("turn: transcription failed", "err", err)
		return c.deliver(t, Result{Outcome: OutcomeTranscriptionFailed}, c.cfg.NotUnderstood)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return Result{Outcome: OutcomeEmpty}
	}
	c.mu.Lock()
	wake := c.wake
	c.mu.Unlock()
	if wake.Enabled() && !wake.Addressed(text) {
		log.Debug("turn: transcript not addressed to persona", "transcript", text)
		return Result{Transcript: text, Outcome: OutcomeNotAddressed}
	}
	log.Info("turn: heard", "transcript", text)

	return c.respond(t, u.SpeakerID, text)
}

func (c *Controller) textTurn(t *turn, in Input) Result {
	text := strings.TrimSpace(in.Text)
	if text == "" {
		return Result{Outcome: OutcomeEmpty}
	}
	return c.respond(t, in.Speaker, text)
}

// respond records the user's message, asks the persona and delivers the
// reply.
func (c *Controller) respond(t *turn, speaker, text string) Result {
	res := Result{Transcript: text}
	c.history.Record(t.ctx, c.cfg.ConversationID, types.UserMessage(speaker, text, time.Now()))

	c.mu.Lock()
	prompt := c.cfg.Persona.Prompt()
	c.mu.Unlock()

	pc, err := c.history.Context(t.ctx, c.cfg.ConversationID, prompt)
	if err == nil {
		res.Reply, err = c.responder.Reply(t.ctx, pc)
	}
	if err != nil {
		if t.ctx.Err() != nil {
			res.Outcome = OutcomeInterrupted
			return res
		}
		observe.RecordError(t.span, err)
		observe.Logger(t.ctx).Warn("turn: reply failed", "err", err)
		res.Outcome = OutcomeReplyFailed
		return c.deliver(t, res, c.cfg.ReplyFailed)
	}
	if res.Reply == "" {
		res.Outcome = OutcomeSilent
		return res
	}
	c.history.Record(t.ctx, c.cfg.ConversationID, types.AssistantMessage(res.Reply, time.Now()))

	res.Outcome = OutcomeCompleted
	return c.deliver(t, res, res.Reply)
}

// deliver speaks text for voice turns and falls back to the text sink when
// speaking fails. res.Reply is set to text.
func (c *Controller) deliver(t *turn, res Result, text string) Result {
	res.Reply = text
	if t.mode == ModeText {
		return res
	}
	if c.speaker == nil {
		return c.sendText(t, res)
	}
	if !c.advance(t, StateSpeaking) {
		res.Outcome = OutcomeInterrupted
		return res
	}

	err := c.speaker.Speak(t.ctx, text)
	switch {
	case err == nil:
	case errors.Is(err, channel.ErrPlaybackTimeout):
		observe.Logger(t.ctx).Warn("turn: playback timed out")
	case errors.Is(err, channel.ErrPreempted), errors.Is(err, channel.ErrPlaybackStopped), t.ctx.Err() != nil:
		res.Outcome = OutcomeInterrupted
	default:
		observe.RecordError(t.span, err)
		observe.Logger(t.ctx).Warn("turn: speaking failed, replying in text", "err", err)
		res = c.sendText(t, res)
	}
	return res
}

func (c *Controller) sendText(t *turn, res Result) Result {
	if res.Outcome == OutcomeCompleted {
		res.Outcome = OutcomeTextOnly
	}
	if c.sink == nil {
		return res
	}
	if err := c.sink.SendText(t.ctx, res.Reply); err != nil {
		observe.Logger(t.ctx).Warn("turn: text fallback failed", "err", err)
	}
	return res
}
