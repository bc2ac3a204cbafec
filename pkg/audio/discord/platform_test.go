package discord

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/nova/pkg/audio"
	"github.com/bwmarrin/discordgo"
)

// ─── test helpers ─────────────────────────────────────────────────────────────

// Opus silence frame.
var silenceOpus = []byte{0xF8, 0xFF, 0xFE}

// newTestConnection creates a Connection suitable for unit testing without
// a real Discord voice connection. It wires up fake OpusSend/OpusRecv channels.
func newTestConnection(t *testing.T) *Connection {
	t.Helper()
	return newTestConnectionSendBuffer(t, 16)
}

// newTestConnectionSendBuffer is newTestConnection with an OpusSend channel
// of the given capacity. With 0 the send loop blocks until a test reads.
func newTestConnectionSendBuffer(t *testing.T, sendBuffer int) *Connection {
	t.Helper()
	vc := &discordgo.VoiceConnection{
		UserID:    "bot-user",
		ChannelID: "voice-1",
		OpusSend:  make(chan []byte, sendBuffer),
		OpusRecv:  make(chan *discordgo.Packet, 16),
	}
	c := &Connection{
		vc:           vc,
		session:      &discordgo.Session{},
		guildID:      "guild-test",
		inputs:       make(map[string]chan audio.AudioFrame),
		ssrcUser:     make(map[uint32]string),
		output:       make(chan audio.AudioFrame, outputChannelBuffer),
		flush:        make(chan chan struct{}),
		sendDone:     make(chan struct{}),
		done:         make(chan struct{}),
		lost:         make(chan struct{}),
		disconnectVC: func() error { return nil },
		ready:        func() bool { return true },
	}
	// Start loops like the real constructor, without the session handler.
	go c.recvLoop()
	go c.sendLoop()
	t.Cleanup(func() { _ = c.Disconnect() })
	return c
}

func waitStreams(t *testing.T, c *Connection, n int) map[string]<-chan audio.AudioFrame {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if s := c.InputStreams(); len(s) >= n {
			return s
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d input streams, have %d", n, len(c.InputStreams()))
	return nil
}

// ─── Platform tests ──────────────────────────────────────────────────────────

func TestNewPlatform(t *testing.T) {
	t.Parallel()

	s := &discordgo.Session{}
	p := New(s, "guild-123")
	if p.session != s {
		t.Error("session not stored correctly")
	}
	if p.guildID != "guild-123" {
		t.Errorf("guildID = %q, want %q", p.guildID, "guild-123")
	}
	if p.join == nil {
		t.Error("join func not set")
	}
}

func TestPlatform_ConnectJoinError(t *testing.T) {
	t.Parallel()

	wantErr := errors.New("unknown channel")
	p := &Platform{guildID: "g", join: func(string, string, bool, bool) (*discordgo.VoiceConnection, error) {
		return nil, wantErr
	}}
	_, err := p.Connect(context.Background(), "voice-1")
	if !errors.Is(err, wantErr) {
		t.Fatalf("Connect error = %v, want %v", err, wantErr)
	}
}

func TestPlatform_ConnectTimeout(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	returned := make(chan struct{})
	p := &Platform{guildID: "g", join: func(string, string, bool, bool) (*discordgo.VoiceConnection, error) {
		<-release
		defer close(returned)
		return nil, errors.New("too late")
	}}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := p.Connect(ctx, "voice-1")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Connect error = %v, want DeadlineExceeded", err)
	}
	if time.Since(start) > time.Second {
		t.Error("Connect did not return promptly after the deadline")
	}

	close(release)
	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("join goroutine never finished")
	}
}

// ─── Connection tests ─────────────────────────────────────────────────────────

func TestConnection_DisconnectIdempotent(t *testing.T) {
	t.Parallel()

	c := newTestConnection(t)
	for i := range 3 {
		if err := c.Disconnect(); err != nil {
			t.Fatalf("Disconnect[%d]: unexpected error: %v", i, err)
		}
	}
	select {
	case <-c.Lost():
		t.Error("Lost must not be closed by a clean Disconnect")
	default:
	}
}

func TestConnection_OnParticipantChangeReplaces(t *testing.T) {
	t.Parallel()

	c := newTestConnection(t)

	first := make(chan audio.Event, 4)
	c.OnParticipantChange(func(ev audio.Event) { first <- ev })
	c.emitEvent(audio.Event{Type: audio.EventJoin, UserID: "u1", Username: "Alice"})

	select {
	case ev := <-first:
		if ev.Type != audio.EventJoin || ev.UserID != "u1" || ev.Username != "Alice" {
			t.Errorf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for participant change event")
	}

	second := make(chan audio.Event, 4)
	c.OnParticipantChange(func(ev audio.Event) { second <- ev })
	c.emitEvent(audio.Event{Type: audio.EventLeave, UserID: "u1"})

	select {
	case ev := <-second:
		if ev.Type != audio.EventLeave {
			t.Errorf("event type = %v, want EventLeave", ev.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event on replaced callback")
	}
	select {
	case ev := <-first:
		t.Errorf("replaced callback still received %v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestConnection_RecvDemuxBySpeaker(t *testing.T) {
	t.Parallel()

	c := newTestConnection(t)

	// SSRC 100 was announced by a speaking update, SSRC 200 was not.
	c.handleSpeakingUpdate(nil, &discordgo.VoiceSpeakingUpdate{UserID: "user-a", SSRC: 100, Speaking: true})

	c.vc.OpusRecv <- &discordgo.Packet{SSRC: 100, Opus: silenceOpus}
	c.vc.OpusRecv <- &discordgo.Packet{SSRC: 200, Opus: silenceOpus}

	streams := waitStreams(t, c, 2)
	for _, key := range []string{"user-a", "200"} {
		ch, ok := streams[key]
		if !ok {
			t.Fatalf("InputStreams: missing %q (have %v)", key, streams)
		}
		select {
		case frame := <-ch:
			if frame.Format() != audio.FormatDiscord {
				t.Errorf("%s: format = %s, want %s", key, frame.Format(), audio.FormatDiscord)
			}
			if len(frame.Data) == 0 {
				t.Errorf("%s: frame data is empty", key)
			}
		case <-time.After(time.Second):
			t.Fatalf("%s: timed out waiting for frame", key)
		}
	}
}

func TestConnection_InputClosedOnDisconnect(t *testing.T) {
	t.Parallel()

	c := newTestConnection(t)
	c.vc.OpusRecv <- &discordgo.Packet{SSRC: 7, Opus: silenceOpus}
	ch := waitStreams(t, c, 1)["7"]

	_ = c.Disconnect()

	timeout := time.After(time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-timeout:
			t.Fatal("input stream not closed after Disconnect")
		}
	}
}

func TestConnection_SendEncodes(t *testing.T) {
	t.Parallel()

	c := newTestConnection(t)

	// Exactly one Opus frame worth of 48 kHz stereo PCM.
	c.OutputStream() <- audio.AudioFrame{
		Data:       make([]byte, opusFrameSize*opusChannels*2),
		SampleRate: opusSampleRate,
		Channels:   opusChannels,
	}

	select {
	case opus := <-c.vc.OpusSend:
		if len(opus) == 0 {
			t.Error("OpusSend: received empty Opus packet")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Opus packet on OpusSend")
	}
}

func TestConnection_SendFlushesPartialFrame(t *testing.T) {
	t.Parallel()

	c := newTestConnection(t)

	// 10 ms of 16 kHz mono: converts to half an Opus frame.
	c.OutputStream() <- audio.AudioFrame{Data: make([]byte, 320), SampleRate: 16000, Channels: 1}

	select {
	case opus := <-c.vc.OpusSend:
		if len(opus) == 0 {
			t.Error("OpusSend: received empty Opus packet")
		}
	case <-time.After(time.Second):
		t.Fatal("partial frame was never flushed")
	}
}

func TestConnection_FlushOutputDropsQueuedFrames(t *testing.T) {
	t.Parallel()

	c := newTestConnectionSendBuffer(t, 0)
	frame := audio.AudioFrame{Data: make([]byte, opusFrameBytes), SampleRate: opusSampleRate, Channels: opusChannels}
	packet := func(what string) {
		t.Helper()
		select {
		case <-c.vc.OpusSend:
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for %s", what)
		}
	}

	for range 10 {
		c.OutputStream() <- frame
	}
	packet("first packet")

	// The send loop holds at most one more packet; everything else queued
	// must be dropped.
	flushed := make(chan struct{})
	go func() {
		c.FlushOutput()
		close(flushed)
	}()
	time.Sleep(20 * time.Millisecond) // let the flush request queue up
	sent := 0
	for waiting := true; waiting; {
		select {
		case <-c.vc.OpusSend:
			sent++
		case <-flushed:
			waiting = false
		case <-time.After(time.Second):
			t.Fatal("FlushOutput did not return")
		}
	}
	if sent > 1 {
		t.Errorf("%d packets sent while flushing, want at most 1", sent)
	}
	select {
	case <-c.vc.OpusSend:
		t.Fatal("queued frame sent after FlushOutput returned")
	case <-time.After(100 * time.Millisecond):
	}

	c.OutputStream() <- frame
	packet("packet written after the flush")
}

func TestConnection_FlushOutputAfterDisconnect(t *testing.T) {
	t.Parallel()

	c := newTestConnection(t)
	_ = c.Disconnect()

	done := make(chan struct{})
	go func() {
		c.FlushOutput()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("FlushOutput blocked on a closed connection")
	}
}

func TestConnection_LostWhenRecvClosed(t *testing.T) {
	t.Parallel()

	c := newTestConnection(t)
	close(c.vc.OpusRecv)

	select {
	case <-c.Lost():
	case <-time.After(time.Second):
		t.Fatal("Lost not closed after the receive channel closed")
	}
}

func TestConnection_LostWhenBotRemoved(t *testing.T) {
	t.Parallel()

	c := newTestConnection(t)
	c.handleVoiceStateUpdate(nil, &discordgo.VoiceStateUpdate{
		VoiceState: &discordgo.VoiceState{GuildID: "guild-test", UserID: "bot-user", ChannelID: ""},
	})

	select {
	case <-c.Lost():
	default:
		t.Fatal("Lost not closed after the bot left the channel")
	}
}

func TestConnection_WatchReady(t *testing.T) {
	t.Parallel()

	c := newTestConnection(t)
	c.ready = func() bool { return false }
	go c.watchReady(5*time.Millisecond, 20*time.Millisecond)

	select {
	case <-c.Lost():
	case <-time.After(time.Second):
		t.Fatal("watchdog did not report the connection lost")
	}
}

func TestConnection_VoiceStateJoinLeave(t *testing.T) {
	t.Parallel()

	c := newTestConnection(t)
	events := make(chan audio.Event, 4)
	c.OnParticipantChange(func(ev audio.Event) { events <- ev })

	c.handleVoiceStateUpdate(nil, &discordgo.VoiceStateUpdate{
		VoiceState: &discordgo.VoiceState{GuildID: "guild-test", UserID: "u2", ChannelID: "voice-1"},
	})
	c.handleVoiceStateUpdate(nil, &discordgo.VoiceStateUpdate{
		VoiceState:   &discordgo.VoiceState{GuildID: "guild-test", UserID: "u2", ChannelID: ""},
		BeforeUpdate: &discordgo.VoiceState{GuildID: "guild-test", UserID: "u2", ChannelID: "voice-1"},
	})

	want := map[audio.EventType]bool{audio.EventJoin: false, audio.EventLeave: false}
	for range 2 {
		select {
		case ev := <-events:
			want[ev.Type] = true
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for participant events")
		}
	}
	for typ, seen := range want {
		if !seen {
			t.Errorf("missing %s event", typ)
		}
	}
}

func TestConnection_ConcurrentDisconnect(t *testing.T) {
	t.Parallel()

	c := newTestConnection(t)
	var wg sync.WaitGroup
	for range 10 {
		wg.Go(func() {
			_ = c.Disconnect()
		})
	}
	wg.Wait()
}
