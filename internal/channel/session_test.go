package channel

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/nova/internal/observe"
	"github.com/MrWong99/nova/internal/segment"
	"github.com/MrWong99/nova/pkg/audio"
	audiomock "github.com/MrWong99/nova/pkg/audio/mock"
	"github.com/MrWong99/nova/pkg/provider/tts"
	ttsmock "github.com/MrWong99/nova/pkg/provider/tts/mock"
)

// synth adapts a tts mock to the Synthesizer interface.
type synth struct{ p *ttsmock.Provider }

func (s synth) Synthesize(ctx context.Context, text string) (tts.Audio, error) {
	return s.p.Synthesize(ctx, text, tts.VoiceProfile{})
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func fastConfig() Config {
	return Config{
		JoinTimeout:         time.Second,
		ReconnectBackoff:    time.Millisecond,
		MaxReconnectBackoff: 5 * time.Millisecond,
		PlaybackGrace:       time.Second,
		ScanInterval:        20 * time.Millisecond,
		Segment: segment.Config{
			SilenceTimeout: 200 * time.Millisecond,
			MinUtterance:   100 * time.Millisecond,
		},
	}
}

func toneAudio(d time.Duration) tts.Audio {
	return tts.Audio{PCM: audio.Tone(audio.FormatSpeech, d, 2000), Format: audio.FormatSpeech}
}

func newJoinedSession(t *testing.T, conn *audiomock.Connection, p *ttsmock.Provider) *Session {
	t.Helper()
	platform := &audiomock.Platform{ConnectResult: conn}
	s := NewSession("chan-1", platform, synth{p}, fastConfig(), WithMetrics(testMetrics(t)))
	t.Cleanup(func() { _ = s.Leave() })
	if err := s.Join(context.Background()); err != nil {
		t.Fatalf("Join: %v", err)
	}
	return s
}

// feed sends a 300 ms utterance followed by enough silence to finalize it.
// It runs in the background so an unconsumed stream does not block the test.
func feed(in chan<- audio.AudioFrame) {
	pcm := append(audio.Tone(audio.FormatSpeech, 300*time.Millisecond, 4000),
		audio.Silence(audio.FormatSpeech, 300*time.Millisecond)...)
	go func() {
		defer func() { _ = recover() }() // stream closed by Disconnect
		for _, f := range audio.Split(pcm, audio.FormatSpeech, 20*time.Millisecond) {
			select {
			case in <- f:
			case <-time.After(2 * time.Second):
				return
			}
		}
	}()
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met: %s", msg)
}

func expectUtterance(t *testing.T, s *Session) segment.Utterance {
	t.Helper()
	select {
	case u := <-s.Utterances():
		return u
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for utterance")
		return segment.Utterance{}
	}
}

func drainStatuses(s *Session) []Status {
	var out []Status
	for {
		select {
		case ev := <-s.Events():
			out = append(out, ev.To)
		default:
			return out
		}
	}
}

// ─── Join / Leave ────────────────────────────────────────────────────────────

func TestSession_JoinTransitions(t *testing.T) {
	t.Parallel()
	conn := audiomock.NewConnection()
	s := newJoinedSession(t, conn, &ttsmock.Provider{})

	if s.Status() != StatusReady {
		t.Fatalf("Status() = %v, want ready", s.Status())
	}
	got := drainStatuses(s)
	if len(got) != 2 || got[0] != StatusConnecting || got[1] != StatusReady {
		t.Fatalf("statuses = %v, want [connecting ready]", got)
	}
	if err := s.Join(context.Background()); err == nil {
		t.Fatal("second Join on a ready session succeeded")
	}
}

func TestSession_JoinError(t *testing.T) {
	t.Parallel()
	errAuth := errors.New("missing permissions")
	platform := &audiomock.Platform{ConnectError: errAuth}
	s := NewSession("chan-1", platform, nil, fastConfig(), WithMetrics(testMetrics(t)))
	t.Cleanup(func() { _ = s.Leave() })

	err := s.Join(context.Background())
	if !errors.Is(err, errAuth) {
		t.Fatalf("err = %v, want %v", err, errAuth)
	}
	if s.Status() != StatusDisconnected {
		t.Fatalf("Status() = %v, want disconnected", s.Status())
	}
	if err := s.StartListening(""); !errors.Is(err, ErrDisconnected) {
		t.Fatalf("StartListening err = %v, want ErrDisconnected", err)
	}
}

func TestSession_JoinTimeoutDisconnectsLateConnection(t *testing.T) {
	t.Parallel()
	late := audiomock.NewConnection()
	release := make(chan struct{})
	platform := &audiomock.Platform{ConnectFunc: func(context.Context, string) (audio.Connection, error) {
		<-release
		return late, nil
	}}
	cfg := fastConfig()
	cfg.JoinTimeout = 30 * time.Millisecond
	s := NewSession("chan-1", platform, nil, cfg, WithMetrics(testMetrics(t)))
	t.Cleanup(func() { _ = s.Leave() })

	if err := s.Join(context.Background()); !errors.Is(err, ErrJoinTimeout) {
		t.Fatalf("err = %v, want ErrJoinTimeout", err)
	}
	close(release)
	eventually(t, func() bool { return late.Disconnects() == 1 }, "late connection disconnected")
}

func TestSession_LeaveIsIdempotent(t *testing.T) {
	t.Parallel()
	conn := audiomock.NewConnection()
	s := newJoinedSession(t, conn, &ttsmock.Provider{Audio: toneAudio(100 * time.Millisecond)})

	if err := s.Leave(); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	if err := s.Leave(); err != nil {
		t.Fatalf("second Leave: %v", err)
	}
	if s.Status() != StatusDestroyed {
		t.Fatalf("Status() = %v, want destroyed", s.Status())
	}
	if conn.Disconnects() != 1 {
		t.Fatalf("Disconnect called %d times, want 1", conn.Disconnects())
	}
	if _, ok := <-s.Utterances(); ok {
		t.Fatal("Utterances not closed")
	}
	if err := s.Speak(context.Background(), "hello"); !errors.Is(err, ErrDisconnected) {
		t.Fatalf("Speak err = %v, want ErrDisconnected", err)
	}
}

// ─── Playback ────────────────────────────────────────────────────────────────

func TestSession_SpeakPlaysAllAudio(t *testing.T) {
	t.Parallel()
	conn := audiomock.NewConnection()
	a := toneAudio(100 * time.Millisecond)
	p := &ttsmock.Provider{Audio: a}
	s := newJoinedSession(t, conn, p)

	start := time.Now()
	if err := s.Speak(context.Background(), "hi there"); err != nil {
		t.Fatalf("Speak: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Errorf("Speak returned after %v, before the audio could be heard", elapsed)
	}
	if p.LastText() != "hi there" {
		t.Errorf("synthesized %q", p.LastText())
	}

	eventually(t, func() bool {
		n := 0
		for _, f := range conn.Written() {
			n += len(f.Data)
		}
		return n == len(a.PCM)
	}, "all PCM written")
	if s.Playing() {
		t.Error("Playing() after Speak returned")
	}
}

func TestSession_SpeakPreemptsPrevious(t *testing.T) {
	t.Parallel()
	conn := audiomock.NewConnection()
	p := &ttsmock.Provider{SynthesizeFunc: func(_ context.Context, text string, _ tts.VoiceProfile) (tts.Audio, error) {
		if text == "long" {
			return toneAudio(3 * time.Second), nil
		}
		return toneAudio(50 * time.Millisecond), nil
	}}
	s := newJoinedSession(t, conn, p)

	first := make(chan error, 1)
	go func() { first <- s.Speak(context.Background(), "long") }()
	eventually(t, s.Playing, "first playback running")
	time.Sleep(20 * time.Millisecond)

	if err := s.Speak(context.Background(), "short"); err != nil {
		t.Fatalf("second Speak: %v", err)
	}
	select {
	case err := <-first:
		if !errors.Is(err, ErrPreempted) {
			t.Fatalf("first Speak err = %v, want ErrPreempted", err)
		}
	case <-time.After(time.Second):
		t.Fatal("first Speak did not return")
	}
}

func TestSession_StopPlayback(t *testing.T) {
	t.Parallel()
	conn := audiomock.NewConnection()
	s := newJoinedSession(t, conn, &ttsmock.Provider{})

	done := make(chan error, 1)
	go func() { done <- s.Play(context.Background(), toneAudio(3*time.Second)) }()
	eventually(t, s.Playing, "playback running")

	s.StopPlayback()
	select {
	case err := <-done:
		if !errors.Is(err, ErrPlaybackStopped) {
			t.Fatalf("Play err = %v, want ErrPlaybackStopped", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Play did not return after StopPlayback")
	}
}

// Replies are told apart on the output by amplitude.
const (
	quietReply = 1000
	loudReply  = 8000
)

func replyAudio(d time.Duration, amplitude int16) tts.Audio {
	return tts.Audio{PCM: audio.Tone(audio.FormatSpeech, d, amplitude), Format: audio.FormatSpeech}
}

func isLoud(f audio.AudioFrame) bool { return audio.RMS(f.Data) > (quietReply+loudReply)/2 }

// newPacedSession joins a session whose output is consumed in real time
// with a buffer that holds more than a second of queued audio.
func newPacedSession(t *testing.T) (*Session, *audiomock.Connection) {
	t.Helper()
	conn := audiomock.NewPacedConnection(64, 20*time.Millisecond)
	return newJoinedSession(t, conn, &ttsmock.Provider{}), conn
}

func TestSession_PreemptedReplyIsNotHeard(t *testing.T) {
	t.Parallel()
	s, conn := newPacedSession(t)

	first := make(chan error, 1)
	go func() { first <- s.Play(context.Background(), replyAudio(3*time.Second, quietReply)) }()
	eventually(t, func() bool { return len(conn.Written()) >= 2 }, "first reply audible")

	if err := s.Play(context.Background(), replyAudio(200*time.Millisecond, loudReply)); err != nil {
		t.Fatalf("second Play: %v", err)
	}
	if err := <-first; !errors.Is(err, ErrPreempted) {
		t.Fatalf("first Play err = %v, want ErrPreempted", err)
	}
	eventually(t, func() bool {
		n := 0
		for _, f := range conn.Written() {
			if isLoud(f) {
				n++
			}
		}
		return n == 10
	}, "second reply fully consumed")

	written := conn.Written()
	started := false
	for i, f := range written {
		switch {
		case isLoud(f):
			started = true
		case started:
			t.Fatalf("frame %d of the preempted reply consumed after the new reply started", i)
		}
	}
	if conn.Flushes() == 0 {
		t.Error("preemption did not flush the output")
	}
}

func TestSession_StopPlaybackSilencesQueuedAudio(t *testing.T) {
	t.Parallel()
	s, conn := newPacedSession(t)

	done := make(chan error, 1)
	go func() { done <- s.Play(context.Background(), replyAudio(3*time.Second, quietReply)) }()
	eventually(t, func() bool { return len(conn.Written()) >= 2 }, "reply audible")

	s.StopPlayback()
	heard := len(conn.Written())
	time.Sleep(100 * time.Millisecond)
	if after := len(conn.Written()); after != heard {
		t.Errorf("%d frames consumed after StopPlayback returned", after-heard)
	}
	if err := <-done; !errors.Is(err, ErrPlaybackStopped) {
		t.Fatalf("Play err = %v, want ErrPlaybackStopped", err)
	}
}

func TestSession_PlayWaitsForTail(t *testing.T) {
	t.Parallel()
	conn := audiomock.NewConnection()
	platform := &audiomock.Platform{ConnectResult: conn}
	cfg := fastConfig()
	cfg.PlaybackTail = 150 * time.Millisecond
	s := NewSession("chan-1", platform, nil, cfg, WithMetrics(testMetrics(t)))
	t.Cleanup(func() { _ = s.Leave() })
	if err := s.Join(context.Background()); err != nil {
		t.Fatalf("Join: %v", err)
	}

	start := time.Now()
	if err := s.Play(context.Background(), replyAudio(100*time.Millisecond, quietReply)); err != nil {
		t.Fatalf("Play: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 250*time.Millisecond {
		t.Errorf("Play returned after %v, before audio plus tail", elapsed)
	}
	if conn.Flushes() != 0 {
		t.Error("completed playback flushed the output")
	}
}

func TestConfig_PlaybackTailDefault(t *testing.T) {
	t.Parallel()
	cfg := Config{FrameDuration: 10 * time.Millisecond}.withDefaults()
	if cfg.PlaybackTail != 20*time.Millisecond {
		t.Errorf("PlaybackTail = %v, want two frames", cfg.PlaybackTail)
	}
}

func TestSession_PlaybackHardDeadline(t *testing.T) {
	t.Parallel()
	// Nobody drains this output stream, so every write blocks.
	conn := &audiomock.Connection{OutputStreamResult: make(chan audio.AudioFrame)}
	platform := &audiomock.Platform{ConnectResult: conn}
	cfg := fastConfig()
	cfg.PlaybackGrace = 50 * time.Millisecond
	s := NewSession("chan-1", platform, nil, cfg, WithMetrics(testMetrics(t)))
	t.Cleanup(func() { _ = s.Leave() })
	if err := s.Join(context.Background()); err != nil {
		t.Fatalf("Join: %v", err)
	}

	start := time.Now()
	err := s.Play(context.Background(), toneAudio(100*time.Millisecond))
	if !errors.Is(err, ErrPlaybackTimeout) {
		t.Fatalf("err = %v, want ErrPlaybackTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("Play took %v, deadline not enforced", elapsed)
	}
}

func TestSession_SpeakSynthesisError(t *testing.T) {
	t.Parallel()
	errTTS := errors.New("tts down")
	s := newJoinedSession(t, audiomock.NewConnection(), &ttsmock.Provider{Err: errTTS})

	if err := s.Speak(context.Background(), "hello"); !errors.Is(err, errTTS) {
		t.Fatalf("err = %v, want %v", err, errTTS)
	}
}

// ─── Listening ───────────────────────────────────────────────────────────────

func TestSession_ListeningEmitsUtterances(t *testing.T) {
	t.Parallel()
	conn := audiomock.NewConnection()
	alice := conn.AddSpeaker("alice")
	s := newJoinedSession(t, conn, &ttsmock.Provider{})

	if err := s.StartListening(""); err != nil {
		t.Fatalf("StartListening: %v", err)
	}
	feed(alice)

	u := expectUtterance(t, s)
	if u.SpeakerID != "alice" || u.ChannelID != "chan-1" {
		t.Fatalf("utterance from %q in %q", u.SpeakerID, u.ChannelID)
	}
	if u.Duration != 300*time.Millisecond {
		t.Errorf("Duration = %v, want 300ms", u.Duration)
	}
}

func TestSession_ListeningFilter(t *testing.T) {
	t.Parallel()
	conn := audiomock.NewConnection()
	alice := conn.AddSpeaker("alice")
	bob := conn.AddSpeaker("bob")
	s := newJoinedSession(t, conn, &ttsmock.Provider{})

	if err := s.StartListening("bob"); err != nil {
		t.Fatalf("StartListening: %v", err)
	}
	feed(alice)
	feed(bob)

	u := expectUtterance(t, s)
	if u.SpeakerID != "bob" {
		t.Fatalf("utterance from %q, want bob", u.SpeakerID)
	}
	select {
	case u := <-s.Utterances():
		t.Fatalf("unexpected utterance from %q", u.SpeakerID)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestSession_StartListeningIdempotent(t *testing.T) {
	t.Parallel()
	conn := audiomock.NewConnection()
	s := newJoinedSession(t, conn, &ttsmock.Provider{})

	for range 3 {
		if err := s.StartListening("alice"); err != nil {
			t.Fatalf("StartListening: %v", err)
		}
	}
	if conn.CallCountOnParticipantChange != 1 {
		t.Fatalf("subscriptions = %d, want 1", conn.CallCountOnParticipantChange)
	}
	if err := s.StartListening("bob"); err != nil {
		t.Fatalf("StartListening(bob): %v", err)
	}
	if conn.CallCountOnParticipantChange != 2 {
		t.Fatalf("subscriptions = %d, want 2 after filter change", conn.CallCountOnParticipantChange)
	}
}

func TestSession_PicksUpLateSpeaker(t *testing.T) {
	t.Parallel()
	conn := audiomock.NewConnection()
	s := newJoinedSession(t, conn, &ttsmock.Provider{})
	if err := s.StartListening(""); err != nil {
		t.Fatalf("StartListening: %v", err)
	}

	carol := conn.AddSpeaker("carol")
	conn.EmitEvent(audio.Event{Type: audio.EventJoin, UserID: "carol"})
	feed(carol)

	if u := expectUtterance(t, s); u.SpeakerID != "carol" {
		t.Fatalf("utterance from %q, want carol", u.SpeakerID)
	}
}

func TestSession_StopListeningDropsCaptures(t *testing.T) {
	t.Parallel()
	conn := audiomock.NewConnection()
	alice := conn.AddSpeaker("alice")
	s := newJoinedSession(t, conn, &ttsmock.Provider{})

	if err := s.StartListening(""); err != nil {
		t.Fatalf("StartListening: %v", err)
	}
	s.StopListening()
	if s.Listening() {
		t.Fatal("Listening() after StopListening")
	}
	feed(alice)

	select {
	case u := <-s.Utterances():
		t.Fatalf("unexpected utterance from %q", u.SpeakerID)
	case <-time.After(400 * time.Millisecond):
	}
}

// ─── Reconnect ───────────────────────────────────────────────────────────────

func TestSession_ReconnectRearmsListening(t *testing.T) {
	t.Parallel()
	conn1 := audiomock.NewConnection()
	conn2 := audiomock.NewConnection()
	alice := conn2.AddSpeaker("alice")

	var (
		mu    sync.Mutex
		calls int
	)
	platform := &audiomock.Platform{ConnectFunc: func(context.Context, string) (audio.Connection, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		switch calls {
		case 1:
			return conn1, nil
		case 2:
			return nil, errors.New("voice server busy")
		default:
			return conn2, nil
		}
	}}
	s := NewSession("chan-1", platform, nil, fastConfig(), WithMetrics(testMetrics(t)))
	t.Cleanup(func() { _ = s.Leave() })
	if err := s.Join(context.Background()); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if err := s.StartListening(""); err != nil {
		t.Fatalf("StartListening: %v", err)
	}
	drainStatuses(s)

	conn1.SimulateLoss()
	eventually(t, func() bool { return platform.Calls() == 3 && s.Status() == StatusReady }, "reconnected")

	if conn1.Disconnects() != 1 {
		t.Errorf("lost connection disconnected %d times, want 1", conn1.Disconnects())
	}
	got := drainStatuses(s)
	if len(got) != 2 || got[0] != StatusConnecting || got[1] != StatusReady {
		t.Errorf("statuses = %v, want [connecting ready]", got)
	}

	feed(alice)
	if u := expectUtterance(t, s); u.SpeakerID != "alice" {
		t.Fatalf("utterance from %q, want alice", u.SpeakerID)
	}
}

func TestSession_ReconnectExhaustion(t *testing.T) {
	t.Parallel()
	conn := audiomock.NewConnection()
	first := true
	var mu sync.Mutex
	platform := &audiomock.Platform{ConnectFunc: func(context.Context, string) (audio.Connection, error) {
		mu.Lock()
		defer mu.Unlock()
		if first {
			first = false
			return conn, nil
		}
		return nil, errors.New("channel deleted")
	}}
	cfg := fastConfig()
	cfg.MaxReconnectAttempts = 3
	s := NewSession("chan-1", platform, synth{&ttsmock.Provider{}}, cfg, WithMetrics(testMetrics(t)))
	t.Cleanup(func() { _ = s.Leave() })
	if err := s.Join(context.Background()); err != nil {
		t.Fatalf("Join: %v", err)
	}
	drainStatuses(s)

	conn.SimulateLoss()
	eventually(t, func() bool { return s.Status() == StatusDisconnected }, "gave up reconnecting")

	if got := platform.Calls(); got != 1+3 {
		t.Errorf("Connect calls = %d, want 4", got)
	}
	var terminal *Event
	for {
		select {
		case ev := <-s.Events():
			if ev.To == StatusDisconnected {
				terminal = &ev
			}
			continue
		default:
		}
		break
	}
	if terminal == nil || terminal.Err == nil {
		t.Fatalf("terminal event = %+v, want disconnected with error", terminal)
	}
	if err := s.Speak(context.Background(), "hello"); !errors.Is(err, ErrDisconnected) {
		t.Errorf("Speak err = %v, want ErrDisconnected", err)
	}
	if err := s.StartListening(""); !errors.Is(err, ErrDisconnected) {
		t.Errorf("StartListening err = %v, want ErrDisconnected", err)
	}
}

func TestStatus_String(t *testing.T) {
	t.Parallel()
	tests := map[Status]string{
		StatusSignalling:   "signalling",
		StatusConnecting:   "connecting",
		StatusReady:        "ready",
		StatusDisconnected: "disconnected",
		StatusDestroyed:    "destroyed",
		Status(42):         "unknown",
	}
	for s, want := range tests {
		if got := s.String(); got != want {
			t.Errorf("Status(%d).String() = %q, want %q", int(s), got, want)
		}
	}
}
