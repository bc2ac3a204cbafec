// Package audio defines the interfaces and types for voice-channel
// connectivity and PCM handling within Nova.
//
// The two primary abstractions are:
//
//   - [Platform] connects to a voice channel and returns a [Connection].
//   - [Connection] represents an active session on that channel, giving callers
//     per-speaker input streams, a single output stream, loss notification and
//     participant lifecycle events.
//
// Alongside the transport boundary the package carries the PCM toolkit used
// by every stage of the pipeline: format conversion ([FormatConverter],
// [ConvertPCM]), energy measurement ([RMS]) and the WAV container
// ([EncodeWAV], [ParseWAV]).
//
// This package lives under pkg/ because external code (third-party platform
// adapters) is expected to implement [Platform] and [Connection].
package audio

import (
	"context"
)

// EventType classifies participant lifecycle events emitted by a [Connection].
type EventType int

const (
	// EventJoin is emitted when a participant enters the voice channel.
	EventJoin EventType = iota

	// EventLeave is emitted when a participant leaves the voice channel.
	EventLeave
)

// String returns the human-readable name of the event type.
func (e EventType) String() string {
	switch e {
	case EventJoin:
		return "JOIN"
	case EventLeave:
		return "LEAVE"
	default:
		return "UNKNOWN"
	}
}

// Event describes a participant lifecycle change on a voice channel.
type Event struct {
	Type EventType

	// UserID is the platform-specific identifier of the participant. It is the
	// same key used by [Connection.InputStreams].
	UserID string

	Username string
}

// Connection represents an active session on a voice channel.
//
// A Connection is obtained by calling [Platform.Connect] and remains valid
// until [Connection.Disconnect] is called or the transport is lost. Input
// channels are closed when the connection terminates.
//
// Implementations must be safe for concurrent use.
type Connection interface {
	// InputStreams returns a snapshot of the current per-speaker audio channels,
	// keyed by speaker ID. A new entry appears the first time audio arrives
	// from a speaker; callers pick it up by calling InputStreams again after an
	// [EventJoin] or on a periodic scan.
	InputStreams() map[string]<-chan AudioFrame

	// OutputStream returns the write-only channel for outbound audio. Frames
	// written here are encoded and sent to every channel participant.
	//
	// The platform does NOT close this channel on Disconnect. Writing after
	// Disconnect drops the frame instead of panicking.
	OutputStream() chan<- AudioFrame

	// FlushOutput discards every frame written to the output stream that has
	// not been handed to the transport yet, including a partially assembled
	// packet. It returns once the discarded audio can no longer be heard,
	// apart from packets the transport already buffers. Frames written after
	// it returns play normally.
	FlushOutput()

	// OnParticipantChange registers cb as the callback for participant join
	// and leave events. Subsequent calls replace the previous registration.
	// The callback runs on an internal goroutine and must not block.
	OnParticipantChange(cb func(Event))

	// Lost returns a channel that is closed when the transport drops without
	// a call to Disconnect (network failure, kicked from the channel, …).
	// It is never closed by a clean Disconnect.
	Lost() <-chan struct{}

	// Disconnect tears down the connection and closes all input channels.
	// Calling it more than once is a no-op returning nil.
	Disconnect() error
}

// Platform is the entry point for a voice-channel provider.
//
// Implementations must be safe for concurrent use.
type Platform interface {
	// Connect joins the voice channel identified by channelID and returns an
	// active [Connection]. ctx bounds the connection attempt only; once
	// connected, the Connection lives until Disconnect or loss.
	Connect(ctx context.Context, channelID string) (Connection, error)
}
