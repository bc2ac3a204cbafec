package channel

import "time"

// Default reconnect parameters.
const (
	DefaultMaxReconnectAttempts = 5
	DefaultReconnectBackoff     = time.Second
	DefaultMaxReconnectBackoff  = 30 * time.Second
)

// Backoff tracks reconnect attempts for one session. The delay starts at the
// initial value and doubles after every attempt up to the maximum.
//
// Backoff is not safe for concurrent use; each session's reconnect loop owns
// its own instance.
type Backoff struct {
	initial time.Duration
	max     time.Duration

	attempt int
	next    time.Duration
}

// NewBackoff returns a Backoff starting at initial and capped at max. Zero
// values take the package defaults.
func NewBackoff(initial, max time.Duration) *Backoff {
	if initial <= 0 {
		initial = DefaultReconnectBackoff
	}
	if max <= 0 {
		max = DefaultMaxReconnectBackoff
	}
	if max < initial {
		max = initial
	}
	return &Backoff{initial: initial, max: max, next: initial}
}

// Attempt returns how many delays have been handed out since the last Reset.
func (b *Backoff) Attempt() int { return b.attempt }

// Peek returns the delay the next call to Next will return.
func (b *Backoff) Peek() time.Duration { return b.next }

// Next records an attempt and returns the delay to wait before it.
func (b *Backoff) Next() time.Duration {
	d := b.next
	b.attempt++
	b.next *= 2
	if b.next > b.max {
		b.next = b.max
	}
	return d
}

// Reset starts over after a successful reconnect.
func (b *Backoff) Reset() {
	b.attempt = 0
	b.next = b.initial
}
