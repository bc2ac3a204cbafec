// Package gateway is the boundary between the conversation pipeline and the
// remote speech services.
//
// [Transcription] turns a finalized utterance into text and [Synthesis] turns
// reply text into playable audio. Both validate their input before calling
// out, bound every call with a timeout, recover provider panics and report
// every failure as a [*Failure] carrying a [Kind] the caller can branch on.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/MrWong99/nova/internal/resilience"
)

// Kind classifies a [Failure].
type Kind int

const (
	// KindInvalidInput means the request was rejected before any call was
	// made (empty or oversized input).
	KindInvalidInput Kind = iota

	// KindUpstream means the provider returned an error, an unusable result,
	// or panicked.
	KindUpstream

	// KindTimeout means the call did not finish within its deadline or was
	// abandoned because the caller's context ended.
	KindTimeout

	// KindUnavailable means no provider was tried because every circuit
	// breaker in the way is open.
	KindUnavailable
)

// String returns the lower-case kind name.
func (k Kind) String() string {
	switch k {
	case KindInvalidInput:
		return "invalid_input"
	case KindUpstream:
		return "upstream"
	case KindTimeout:
		return "timeout"
	case KindUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// Failure is the error type returned by every gateway operation.
type Failure struct {
	// Op is the operation that failed: "transcribe" or "synthesize".
	Op   string
	Kind Kind
	Err  error
}

// Error implements error.
func (f *Failure) Error() string {
	return fmt.Sprintf("gateway: %s: %s: %v", f.Op, f.Kind, f.Err)
}

// Unwrap returns the underlying error.
func (f *Failure) Unwrap() error { return f.Err }

// KindOf returns the [Kind] of err when it is (or wraps) a [*Failure].
func KindOf(err error) (Kind, bool) {
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind, true
	}
	return 0, false
}

// Input validation errors, wrapped in a KindInvalidInput [Failure].
var (
	ErrEmptyAudio   = errors.New("audio must not be empty")
	ErrAudioTooLong = errors.New("audio exceeds the maximum duration")
	ErrEmptyText    = errors.New("text must not be empty")
	ErrEmptyResult  = errors.New("provider returned no audio")
)

// errPanic wraps a recovered provider panic.
type errPanic struct{ value any }

func (e errPanic) Error() string { return fmt.Sprintf("provider panic: %v", e.value) }

// protect runs fn and converts a panic into an error.
func protect(op, provider string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("gateway: provider panicked", "op", op, "provider", provider,
				"panic", r, "stack", string(debug.Stack()))
			err = errPanic{value: r}
		}
	}()
	return fn()
}

// classify maps a provider-side error to a [Failure]. ctx is the per-call
// context, already bounded by the gateway timeout.
func classify(ctx context.Context, op string, err error) *Failure {
	kind := KindUpstream
	switch {
	case errors.Is(err, resilience.ErrCircuitOpen):
		kind = KindUnavailable
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled), ctx.Err() != nil:
		kind = KindTimeout
		if ctx.Err() != nil && !errors.Is(err, ctx.Err()) {
			err = fmt.Errorf("%w: %w", ctx.Err(), err)
		}
	}
	return &Failure{Op: op, Kind: kind, Err: err}
}
