// Package widget is the client side of a voice conversation with Nova. It
// records the user from a capture [Device], detects when they stopped
// talking, has the speech transcribed by the Nova HTTP API and plays the
// synthesized replies through a [Player].
//
// A [Widget] runs in one of two exclusive modes. In [ModeManual] the user
// toggles recording and the transcript is appended to a draft. In
// [ModeConversation] capture starts by itself, ends on silence, the
// transcript is submitted, and capture resumes once the reply has played.
package widget

import (
	"context"
	"errors"
	"sync"
)

// ErrDeviceBusy is returned when a capture is opened while another one is
// still open.
var ErrDeviceBusy = errors.New("widget: capture device busy")

// Level is the loudness of the capture on the 0–255 scale of a
// frequency-domain analyser (the average bin magnitude).
type Level uint8

// Device opens captures, typically a microphone.
type Device interface {
	Open(ctx context.Context) (Capture, error)
}

// Capture is one open recording.
type Capture interface {
	// Levels reports the loudness of the capture at the analyser's rate.
	// It is closed when the capture is closed.
	Levels() <-chan Level

	// Audio returns everything recorded so far as a WAV file.
	Audio() []byte

	// Close releases the device.
	Close() error
}

// Player plays synthesized audio.
type Player interface {
	// Play blocks until audio has played, ctx is done or Stop is called.
	Play(ctx context.Context, audio []byte) error

	// Stop interrupts the current Play, if any.
	Stop()
}

// ─── Recorder ────────────────────────────────────────────────────────────────

// Recorder hands out at most one [RecordingSession] at a time for a device.
type Recorder struct {
	device Device

	mu      sync.Mutex
	active  *RecordingSession
	opening bool
}

// NewRecorder returns a recorder for device.
func NewRecorder(device Device) *Recorder {
	return &Recorder{device: device}
}

// Open starts a recording. It fails with [ErrDeviceBusy] while another
// session is open or being opened. The device is opened without holding
// the recorder lock, so a slow device does not block other callers.
func (r *Recorder) Open(ctx context.Context) (*RecordingSession, error) {
	r.mu.Lock()
	if r.active != nil || r.opening {
		r.mu.Unlock()
		return nil, ErrDeviceBusy
	}
	r.opening = true
	r.mu.Unlock()

	c, err := r.device.Open(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.opening = false
	if err != nil {
		return nil, err
	}
	s := &RecordingSession{capture: c, recorder: r, done: make(chan struct{})}
	r.active = s
	return s, nil
}

// Active reports whether a session is open or being opened.
func (r *Recorder) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active != nil || r.opening
}

func (r *Recorder) release(s *RecordingSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == s {
		r.active = nil
	}
}

// RecordingSession owns one open capture. The capture is released exactly
// once, by whichever of Finish and Release comes first.
type RecordingSession struct {
	capture  Capture
	recorder *Recorder

	once     sync.Once
	done     chan struct{}
	audio    []byte
	closeErr error
}

// Levels returns the capture's level stream.
func (s *RecordingSession) Levels() <-chan Level { return s.capture.Levels() }

// Done is closed once the capture has been released.
func (s *RecordingSession) Done() <-chan struct{} { return s.done }

// Finish releases the capture and returns what was recorded. Later calls
// return the same audio.
func (s *RecordingSession) Finish() ([]byte, error) {
	s.release(true)
	return s.audio, s.closeErr
}

// Release discards the recording and frees the device.
func (s *RecordingSession) Release() error {
	s.release(false)
	return s.closeErr
}

func (s *RecordingSession) release(keep bool) {
	s.once.Do(func() {
		if keep {
			s.audio = s.capture.Audio()
		}
		s.closeErr = s.capture.Close()
		s.recorder.release(s)
		close(s.done)
	})
}
