// Package turn runs the conversation turns of one channel or client: an
// utterance or a typed message goes in, is transcribed when needed, answered
// by the persona and spoken back.
//
// A [Controller] handles one turn at a time. Input that arrives while a turn
// is being processed or spoken is dropped, counted and logged.
package turn

import (
	"context"
	"errors"
	"time"

	"github.com/MrWong99/nova/internal/segment"
)

// ErrBusy is returned when input arrives while a turn is in progress.
var ErrBusy = errors.New("turn: busy, input dropped")

// DefaultTurnTimeout bounds every external call of a turn.
const DefaultTurnTimeout = 60 * time.Second

// Default fallback phrases.
const (
	DefaultNotUnderstood = "Sorry, I didn't catch that."
	DefaultReplyFailed   = "Sorry, I'm having trouble thinking right now. Please try again in a moment."
)

// State is the position of a [Controller] in its turn cycle.
type State int

const (
	// StateAwaitingInput means the controller accepts the next input.
	StateAwaitingInput State = iota

	// StateProcessing means the input is being transcribed or answered.
	StateProcessing

	// StateSpeaking means the reply is being played.
	StateSpeaking
)

// String returns a snake_case state name.
func (s State) String() string {
	switch s {
	case StateAwaitingInput:
		return "awaiting_input"
	case StateProcessing:
		return "processing"
	case StateSpeaking:
		return "speaking"
	default:
		return "unknown"
	}
}

// Mode is how a turn's reply is delivered.
type Mode int

const (
	// ModeVoice speaks the reply.
	ModeVoice Mode = iota

	// ModeText only returns the reply.
	ModeText
)

// String returns the mode name used in metrics.
func (m Mode) String() string {
	if m == ModeText {
		return "text"
	}
	return "voice"
}

// Outcome labels how a turn ended.
type Outcome string

const (
	OutcomeCompleted           Outcome = "completed"
	OutcomeEmpty               Outcome = "empty"
	OutcomeNotAddressed        Outcome = "not_addressed"
	OutcomeTranscriptionFailed Outcome = "transcription_failed"
	OutcomeReplyFailed         Outcome = "reply_failed"
	OutcomeSilent              Outcome = "silent"
	OutcomeTextOnly            Outcome = "text_only"
	OutcomeInterrupted         Outcome = "interrupted"
)

// Input is a typed message.
type Input struct {
	Text string

	// Speaker is the display name of the author.
	Speaker string

	Mode Mode
}

// Result describes a finished turn.
type Result struct {
	Transcript string
	Reply      string
	Outcome    Outcome
}

// ─── Collaborators ───────────────────────────────────────────────────────────

// Transcriber turns an utterance into text. [gateway.Transcription]
// satisfies it.
type Transcriber interface {
	Transcribe(ctx context.Context, u segment.Utterance) (string, error)
}

// Speaker plays a reply. [channel.Session] satisfies it.
type Speaker interface {
	Speak(ctx context.Context, text string) error
	StopPlayback()
}

// Listener suspends and resumes voice capture. [channel.Session] satisfies
// it.
type Listener interface {
	StartListening(filter string) error
	StopListening()
}

// TextSink receives replies that could not be spoken.
type TextSink interface {
	SendText(ctx context.Context, text string) error
}
