package discord

import (
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/MrWong99/nova/pkg/audio"
	"github.com/bwmarrin/discordgo"
)

// Compile-time interface assertion.
var _ audio.Connection = (*Connection)(nil)

const (
	inputChannelBuffer  = 64
	outputChannelBuffer = 64

	// readyPollInterval is how often the loss watchdog samples vc.Ready.
	readyPollInterval = 2 * time.Second

	// readyGrace is how long the voice connection may stay not-ready (while
	// discordgo retries internally) before the connection is reported lost.
	readyGrace = 20 * time.Second
)

// Connection wraps a discordgo.VoiceConnection and adapts it to the
// [audio.Connection] interface. It demuxes incoming Opus packets by SSRC
// into per-speaker PCM input streams keyed by Discord user ID, and encodes
// outgoing PCM frames to Opus for transmission.
//
// Connection is safe for concurrent use.
type Connection struct {
	vc      *discordgo.VoiceConnection
	session *discordgo.Session
	guildID string

	inputsMu sync.RWMutex
	inputs   map[string]chan audio.AudioFrame // keyed by speaker ID
	ssrcUser map[uint32]string                // SSRC -> user ID, from speaking updates

	output chan audio.AudioFrame

	// flush carries FlushOutput requests to the send loop, which closes the
	// ack channel once the queue is empty. sendDone is closed when the send
	// loop exits.
	flush    chan chan struct{}
	sendDone chan struct{}

	changeCb func(audio.Event)
	changeMu sync.Mutex

	done      chan struct{}
	closeOnce sync.Once

	lost     chan struct{}
	lostOnce sync.Once

	removeHandler func() // removes the VoiceStateUpdate handler

	// disconnectVC is called during Disconnect to tear down the voice connection.
	// Defaults to vc.Disconnect; overridden in tests.
	disconnectVC func() error

	// ready reports whether the voice connection is usable. Defaults to
	// reading vc.Ready; overridden in tests.
	ready func() bool
}

// newConnection initialises a Connection for an already-joined voice channel.
// It starts background goroutines for receiving and sending audio and for
// watching the transport health.
func newConnection(vc *discordgo.VoiceConnection, session *discordgo.Session, guildID string) (*Connection, error) {
	c := &Connection{
		vc:           vc,
		session:      session,
		guildID:      guildID,
		inputs:       make(map[string]chan audio.AudioFrame),
		ssrcUser:     make(map[uint32]string),
		output:       make(chan audio.AudioFrame, outputChannelBuffer),
		flush:        make(chan chan struct{}),
		sendDone:     make(chan struct{}),
		done:         make(chan struct{}),
		lost:         make(chan struct{}),
		disconnectVC: vc.Disconnect,
	}
	c.ready = func() bool {
		vc.RLock()
		defer vc.RUnlock()
		return vc.Ready
	}

	c.removeHandler = session.AddHandler(c.handleVoiceStateUpdate)
	vc.AddHandler(c.handleSpeakingUpdate)

	go c.recvLoop()
	go c.sendLoop()
	go c.watchReady(readyPollInterval, readyGrace)

	return c, nil
}

// InputStreams returns a snapshot of the current per-speaker audio channels.
func (c *Connection) InputStreams() map[string]<-chan audio.AudioFrame {
	c.inputsMu.RLock()
	defer c.inputsMu.RUnlock()
	snap := make(map[string]<-chan audio.AudioFrame, len(c.inputs))
	for id, ch := range c.inputs {
		snap[id] = ch
	}
	return snap
}

// OutputStream returns the write-only channel for reply audio.
// Frames written here are encoded to Opus and sent to Discord.
func (c *Connection) OutputStream() chan<- audio.AudioFrame {
	return c.output
}

// FlushOutput drops queued reply audio. It blocks until the send loop has
// emptied the output channel and discarded its partial frame, or the
// connection is closed. Packets already on vc.OpusSend still go out.
func (c *Connection) FlushOutput() {
	ack := make(chan struct{})
	select {
	case c.flush <- ack:
	case <-c.sendDone:
		return
	case <-c.done:
		return
	}
	select {
	case <-ack:
	case <-c.done:
	}
}

// OnParticipantChange registers cb as the callback for participant join/leave events.
func (c *Connection) OnParticipantChange(cb func(audio.Event)) {
	c.changeMu.Lock()
	defer c.changeMu.Unlock()
	c.changeCb = cb
}

// Lost returns a channel closed when the voice transport drops unexpectedly.
func (c *Connection) Lost() <-chan struct{} {
	return c.lost
}

// Disconnect cleanly tears down the voice connection and stops all background
// goroutines. It is safe to call more than once; subsequent calls return nil.
func (c *Connection) Disconnect() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)

		if c.removeHandler != nil {
			c.removeHandler()
		}

		if c.disconnectVC != nil {
			err = c.disconnectVC()
		}

		c.inputsMu.Lock()
		for id, ch := range c.inputs {
			close(ch)
			delete(c.inputs, id)
		}
		c.inputsMu.Unlock()
	})
	return err
}

// markLost closes the lost channel once, unless Disconnect was already called.
func (c *Connection) markLost(reason string) {
	select {
	case <-c.done:
		return
	default:
	}
	c.lostOnce.Do(func() {
		slog.Warn("discord: voice connection lost", "guild_id", c.guildID, "reason", reason)
		close(c.lost)
	})
}

// speakerFor resolves the stream key for an SSRC. Discord announces the
// SSRC→user mapping with a speaking update before audio flows; if audio
// arrives first, the SSRC itself is used as the key.
func (c *Connection) speakerFor(ssrc uint32) string {
	if id, ok := c.ssrcUser[ssrc]; ok {
		return id
	}
	return strconv.FormatUint(uint64(ssrc), 10)
}

// recvLoop reads Opus packets from the Discord voice connection, demuxes them
// by SSRC, decodes Opus to PCM, and delivers AudioFrames to per-speaker channels.
func (c *Connection) recvLoop() {
	// Each SSRC gets its own decoder to maintain state across frames.
	decoders := make(map[uint32]*opusDecoder)

	for {
		select {
		case <-c.done:
			return
		case pkt, ok := <-c.vc.OpusRecv:
			if !ok {
				c.markLost("opus receive channel closed")
				return
			}
			if pkt == nil {
				continue
			}

			dec, exists := decoders[pkt.SSRC]
			if !exists {
				var err error
				dec, err = newOpusDecoder()
				if err != nil {
					slog.Error("discord: failed to create opus decoder", "ssrc", pkt.SSRC, "err", err)
					continue
				}
				decoders[pkt.SSRC] = dec
			}

			c.inputsMu.Lock()
			speakerID := c.speakerFor(pkt.SSRC)
			ch, chExists := c.inputs[speakerID]
			if !chExists {
				select {
				case <-c.done:
					c.inputsMu.Unlock()
					return
				default:
				}
				ch = make(chan audio.AudioFrame, inputChannelBuffer)
				c.inputs[speakerID] = ch
			}
			c.inputsMu.Unlock()

			if !chExists {
				c.emitEvent(audio.Event{Type: audio.EventJoin, UserID: speakerID})
			}

			frames, err := dec.decode(pkt)
			if err != nil {
				slog.Warn("discord: opus decode error", "speaker_id", speakerID, "err", err)
			}
			if len(frames) == 0 {
				continue
			}

			// The RTP timestamp counts 48 kHz samples; concealed frames sit
			// one packet earlier than the packet that carried them.
			ts := time.Duration(pkt.Timestamp) * time.Second / time.Duration(opusSampleRate)
			ts -= time.Duration(len(frames)-1) * opusFrameSizeMs * time.Millisecond

			// Input channels are closed under the write lock after done, so
			// checking done while holding the read lock makes the send safe.
			c.inputsMu.RLock()
			for i, pcm := range frames {
				frame := audio.AudioFrame{
					Data:       pcm,
					SampleRate: opusSampleRate,
					Channels:   opusChannels,
					Timestamp:  ts + time.Duration(i)*opusFrameSizeMs*time.Millisecond,
				}
				select {
				case <-c.done:
				case ch <- frame:
				default:
					// Consumer is behind: drop rather than stall every other speaker.
				}
			}
			c.inputsMu.RUnlock()
		}
	}
}

// sendLoop reads PCM AudioFrames from the output channel, converts them to
// 48 kHz stereo, cuts exact Opus frame-sized chunks, encodes them and sends
// the packets on the voice connection.
func (c *Connection) sendLoop() {
	defer close(c.sendDone)

	enc, err := newOpusEncoder()
	if err != nil {
		slog.Error("discord: failed to create opus encoder", "err", err)
		return
	}

	conv := audio.FormatConverter{Target: audio.FormatDiscord}
	speaking := false

	var buf []byte

	// idle flushes the partial tail and clears the speaking flag once the
	// output stream has been quiet for a couple of frames.
	idle := time.NewTimer(time.Hour)
	defer idle.Stop()

	discard := func(ack chan struct{}) {
		buf = buf[:0]
		dropped := c.drainOutput()
		close(ack)
		if dropped > 0 {
			slog.Debug("discord: flushed queued output", "frames", dropped)
		}
		if speaking {
			idle.Reset(opusFrameSizeMs * time.Millisecond)
		}
	}

	for {
		select {
		case <-c.done:
			if speaking {
				c.setSpeaking(false)
			}
			return

		case <-idle.C:
			if len(buf) > 0 {
				tail := buf
				buf = buf[:0]
				if !c.sendOpus(enc, tail) {
					return
				}
			}
			if speaking {
				c.setSpeaking(false)
				speaking = false
			}

		case ack := <-c.flush:
			discard(ack)

		case frame, ok := <-c.output:
			if !ok {
				return
			}
			// A pending flush wins over queued audio, so frame belongs to
			// the discarded reply.
			select {
			case ack := <-c.flush:
				discard(ack)
				continue
			default:
			}
			if !speaking {
				c.setSpeaking(true)
				speaking = true
			}

			buf = append(buf, conv.Convert(frame).Data...)
			for len(buf) >= opusFrameBytes {
				if !c.sendOpus(enc, buf[:opusFrameBytes]) {
					return
				}
				buf = buf[opusFrameBytes:]
			}
			idle.Reset(3 * opusFrameSizeMs * time.Millisecond)
		}
	}
}

// drainOutput empties the output channel without blocking and reports how
// many frames were dropped.
func (c *Connection) drainOutput() int {
	n := 0
	for {
		select {
		case _, ok := <-c.output:
			if !ok {
				return n
			}
			n++
		default:
			return n
		}
	}
}

// sendOpus encodes one PCM frame and queues it on the voice connection.
// Returns false when the connection was closed while waiting.
func (c *Connection) sendOpus(enc *opusEncoder, pcm []byte) bool {
	opus, err := enc.encode(pcm)
	if err != nil {
		slog.Warn("discord: opus encode error", "err", err)
		return true
	}
	select {
	case c.vc.OpusSend <- opus:
		return true
	case <-c.done:
		return false
	}
}

// watchReady reports the connection lost when discordgo's internal
// reconnect has left the voice connection not-ready for longer than grace.
func (c *Connection) watchReady(interval, grace time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var notReadySince time.Time
	for {
		select {
		case <-c.done:
			return
		case <-c.lost:
			return
		case now := <-ticker.C:
			if c.ready() {
				notReadySince = time.Time{}
				continue
			}
			if notReadySince.IsZero() {
				notReadySince = now
				continue
			}
			if now.Sub(notReadySince) >= grace {
				c.markLost("voice connection not ready")
				return
			}
		}
	}
}

// handleSpeakingUpdate records the SSRC→user mapping Discord announces when
// a user starts speaking.
func (c *Connection) handleSpeakingUpdate(_ *discordgo.VoiceConnection, vs *discordgo.VoiceSpeakingUpdate) {
	if vs == nil || vs.UserID == "" {
		return
	}
	c.inputsMu.Lock()
	c.ssrcUser[uint32(vs.SSRC)] = vs.UserID
	c.inputsMu.Unlock()
}

// handleVoiceStateUpdate processes Discord VoiceStateUpdate events to detect
// participant joins and leaves, and the bot itself being removed from the
// channel.
func (c *Connection) handleVoiceStateUpdate(_ *discordgo.Session, vsu *discordgo.VoiceStateUpdate) {
	if vsu.GuildID != c.guildID {
		return
	}

	channelID := c.vc.ChannelID

	if vsu.UserID != "" && vsu.UserID == c.vc.UserID {
		if vsu.ChannelID == "" {
			c.markLost("bot removed from voice channel")
		}
		return
	}

	username := ""
	if vsu.Member != nil && vsu.Member.User != nil {
		username = vsu.Member.User.Username
	}

	// Participant left our channel.
	if vsu.BeforeUpdate != nil && vsu.BeforeUpdate.ChannelID == channelID && vsu.ChannelID != channelID {
		c.emitEvent(audio.Event{Type: audio.EventLeave, UserID: vsu.UserID, Username: username})
		return
	}

	// Participant joined our channel.
	if vsu.ChannelID == channelID && (vsu.BeforeUpdate == nil || vsu.BeforeUpdate.ChannelID != channelID) {
		c.emitEvent(audio.Event{Type: audio.EventJoin, UserID: vsu.UserID, Username: username})
	}
}

// setSpeaking sends a speaking notification to Discord, logging any errors.
func (c *Connection) setSpeaking(b bool) {
	if err := c.vc.Speaking(b); err != nil {
		slog.Warn("discord: speaking notification error", "speaking", b, "err", err)
	}
}

// emitEvent invokes the registered participant change callback on its own goroutine.
func (c *Connection) emitEvent(ev audio.Event) {
	c.changeMu.Lock()
	cb := c.changeCb
	c.changeMu.Unlock()
	if cb != nil {
		go cb(ev)
	}
}
