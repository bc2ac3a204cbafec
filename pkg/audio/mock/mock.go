// Package mock provides in-memory mock implementations of the [audio.Platform]
// and [audio.Connection] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	conn := mock.NewConnection()
//	in := conn.AddSpeaker("user-1")
//	platform := &mock.Platform{ConnectResult: conn}
//	got, err := platform.Connect(ctx, "channel-42")
//	in <- audio.AudioFrame{...}
//	frames := conn.Written()
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/nova/pkg/audio"
)

// ─── Connection ───────────────────────────────────────────────────────────────

// Connection is a mock implementation of [audio.Connection].
//
// Use [NewConnection] to get a connection whose output stream is drained into
// an internal buffer (see [Connection.Written]) and whose Lost channel can be
// triggered with [Connection.SimulateLoss].
type Connection struct {
	mu sync.Mutex

	// InputStreamsResult is returned by [Connection.InputStreams].
	// Defaults to an empty (non-nil) map if left nil.
	InputStreamsResult map[string]<-chan audio.AudioFrame

	// OutputStreamResult is returned by [Connection.OutputStream].
	OutputStreamResult chan<- audio.AudioFrame

	// DisconnectError is returned by [Connection.Disconnect].
	DisconnectError error

	CallCountInputStreams        int
	CallCountOutputStream        int
	CallCountDisconnect          int
	CallCountOnParticipantChange int
	CallCountFlushOutput         int

	// RecordedCallbacks holds the callbacks registered via OnParticipantChange,
	// in order of registration.
	RecordedCallbacks []func(audio.Event)

	inputs   map[string]chan audio.AudioFrame
	written  []audio.AudioFrame
	lost     chan struct{}
	lostOnce sync.Once

	// out is the receiving side of the output stream for connections built
	// by the constructors. drainMu makes taking a frame off out and
	// recording it atomic with respect to FlushOutput.
	out     chan audio.AudioFrame
	drainMu sync.Mutex
}

// NewConnection returns a Connection with a buffered output stream that is
// drained into [Connection.Written] by a background goroutine.
func NewConnection() *Connection {
	c := newOutputConnection(256)
	go func() {
		for f := range c.out {
			c.record(f)
		}
	}()
	return c
}

// NewPacedConnection returns a Connection whose output stream buffers up to
// buffer frames and is consumed one frame per interval, the way a real-time
// transport sends audio. Use it to observe what is still heard after a
// playback is stopped.
func NewPacedConnection(buffer int, interval time.Duration) *Connection {
	c := newOutputConnection(buffer)
	go func() {
		t := time.NewTicker(interval)
		for range t.C {
			c.drainMu.Lock()
			select {
			case f := <-c.out:
				c.record(f)
			default:
			}
			c.drainMu.Unlock()
		}
	}()
	return c
}

func newOutputConnection(buffer int) *Connection {
	out := make(chan audio.AudioFrame, buffer)
	return &Connection{OutputStreamResult: out, out: out}
}

func (c *Connection) record(f audio.AudioFrame) {
	c.mu.Lock()
	c.written = append(c.written, f)
	c.mu.Unlock()
}

// AddSpeaker creates an input stream for speakerID, makes it visible through
// InputStreams, and returns the sending side. It does not emit an event; call
// [Connection.EmitEvent] to simulate the join notification.
func (c *Connection) AddSpeaker(speakerID string) chan<- audio.AudioFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inputs == nil {
		c.inputs = make(map[string]chan audio.AudioFrame)
	}
	if c.InputStreamsResult == nil {
		c.InputStreamsResult = make(map[string]<-chan audio.AudioFrame)
	}
	ch := make(chan audio.AudioFrame, 64)
	c.inputs[speakerID] = ch
	c.InputStreamsResult[speakerID] = ch
	return ch
}

// InputStreams implements [audio.Connection]. Returns a copy of InputStreamsResult.
func (c *Connection) InputStreams() map[string]<-chan audio.AudioFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountInputStreams++
	snap := make(map[string]<-chan audio.AudioFrame, len(c.InputStreamsResult))
	for k, v := range c.InputStreamsResult {
		snap[k] = v
	}
	return snap
}

// OutputStream implements [audio.Connection]. Returns OutputStreamResult.
func (c *Connection) OutputStream() chan<- audio.AudioFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountOutputStream++
	return c.OutputStreamResult
}

// FlushOutput implements [audio.Connection]. Frames still queued on the
// output stream of a connection built by a constructor are dropped.
func (c *Connection) FlushOutput() {
	c.mu.Lock()
	c.CallCountFlushOutput++
	c.mu.Unlock()
	if c.out == nil {
		return
	}
	c.drainMu.Lock()
	defer c.drainMu.Unlock()
	for {
		select {
		case <-c.out:
		default:
			return
		}
	}
}

// Flushes returns how many times FlushOutput was called.
func (c *Connection) Flushes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.CallCountFlushOutput
}

// OnParticipantChange implements [audio.Connection].
// The callback is appended to RecordedCallbacks. To simulate events in tests,
// call [Connection.EmitEvent].
func (c *Connection) OnParticipantChange(cb func(audio.Event)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountOnParticipantChange++
	c.RecordedCallbacks = append(c.RecordedCallbacks, cb)
}

// Lost implements [audio.Connection].
func (c *Connection) Lost() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lost == nil {
		c.lost = make(chan struct{})
	}
	return c.lost
}

// SimulateLoss closes the Lost channel, as a transport failure would.
func (c *Connection) SimulateLoss() {
	lost := c.Lost()
	c.lostOnce.Do(func() { close(lost) })
}

// Disconnect implements [audio.Connection]. Returns DisconnectError. Input
// streams created through AddSpeaker are closed on the first call.
func (c *Connection) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountDisconnect++
	if c.CallCountDisconnect == 1 {
		for id, ch := range c.inputs {
			close(ch)
			delete(c.inputs, id)
		}
	}
	return c.DisconnectError
}

// Disconnects returns how many times Disconnect was called.
func (c *Connection) Disconnects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.CallCountDisconnect
}

// Written returns a copy of every frame drained from the output stream of a
// connection built with [NewConnection].
func (c *Connection) Written() []audio.AudioFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]audio.AudioFrame, len(c.written))
	copy(out, c.written)
	return out
}

// EmitEvent calls all registered participant-change callbacks with the given event.
func (c *Connection) EmitEvent(ev audio.Event) {
	c.mu.Lock()
	cbs := make([]func(audio.Event), len(c.RecordedCallbacks))
	copy(cbs, c.RecordedCallbacks)
	c.mu.Unlock()
	for _, cb := range cbs {
		cb(ev)
	}
}

// ─── Platform ─────────────────────────────────────────────────────────────────

// ConnectCall records the arguments of a single [Platform.Connect] invocation.
type ConnectCall struct {
	ChannelID string
}

// Platform is a mock implementation of [audio.Platform].
type Platform struct {
	mu sync.Mutex

	// ConnectResult is the [audio.Connection] returned by Connect.
	ConnectResult audio.Connection

	// ConnectError is the error returned by Connect.
	ConnectError error

	// ConnectFunc, when set, overrides ConnectResult and ConnectError.
	// It lets tests return a fresh connection per attempt or block until ctx
	// is done.
	ConnectFunc func(ctx context.Context, channelID string) (audio.Connection, error)

	// ConnectCalls records all Connect invocations.
	ConnectCalls []ConnectCall
}

// Connect implements [audio.Platform].
func (p *Platform) Connect(ctx context.Context, channelID string) (audio.Connection, error) {
	p.mu.Lock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{ChannelID: channelID})
	fn := p.ConnectFunc
	res, err := p.ConnectResult, p.ConnectError
	p.mu.Unlock()
	if fn != nil {
		return fn(ctx, channelID)
	}
	return res, err
}

// Calls returns how many times Connect was called.
func (p *Platform) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ConnectCalls)
}
