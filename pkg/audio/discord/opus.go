package discord

import (
	"encoding/binary"
	"fmt"

	"github.com/bwmarrin/discordgo"
	"layeh.com/gopus"
)

// Discord voice carries 48 kHz stereo Opus in 20 ms packets.
const (
	opusSampleRate  = 48000
	opusChannels    = 2
	opusFrameSizeMs = 20

	// opusFrameSize is the number of samples per channel in one packet.
	opusFrameSize = opusSampleRate * opusFrameSizeMs / 1000 // 960

	// opusFrameBytes is one packet of 16-bit interleaved PCM.
	opusFrameBytes = opusFrameSize * opusChannels * 2 // 3840

	// opusBitrate matches the default bitrate of a Discord voice channel.
	opusBitrate = 64000
)

// opusDecoder decodes the packets of one speaker. Opus decoding is
// stateful, so every SSRC owns its own decoder.
//
// A single missing packet is concealed with the forward error correction
// data carried by the packet after it. Longer gaps are skipped.
type opusDecoder struct {
	dec       *gopus.Decoder
	lastSeq   uint16
	haveSeq   bool
	recovered int
}

func newOpusDecoder() (*opusDecoder, error) {
	dec, err := gopus.NewDecoder(opusSampleRate, opusChannels)
	if err != nil {
		return nil, fmt.Errorf("discord: create opus decoder: %w", err)
	}
	return &opusDecoder{dec: dec}, nil
}

// decode returns the PCM frames for pkt in playback order: a concealed
// frame for a single lost predecessor, then the packet itself. Packets
// that arrive late or duplicated yield no frames.
func (d *opusDecoder) decode(pkt *discordgo.Packet) ([][]byte, error) {
	var frames [][]byte
	if d.haveSeq {
		switch gap := pkt.Sequence - d.lastSeq; {
		case gap == 0 || gap > 0x8000:
			// Duplicate or reordered packet; its slot has already been played.
			return nil, nil
		case gap == 2:
			if pcm, err := d.dec.Decode(pkt.Opus, opusFrameSize, true); err == nil {
				frames = append(frames, int16sToBytes(pcm))
				d.recovered++
			}
		}
	}
	d.lastSeq, d.haveSeq = pkt.Sequence, true

	pcm, err := d.dec.Decode(pkt.Opus, opusFrameSize, false)
	if err != nil {
		return frames, fmt.Errorf("discord: opus decode: %w", err)
	}
	return append(frames, int16sToBytes(pcm)), nil
}

// opusEncoder encodes the outgoing stream.
type opusEncoder struct {
	enc *gopus.Encoder
	buf []byte
}

func newOpusEncoder() (*opusEncoder, error) {
	enc, err := gopus.NewEncoder(opusSampleRate, opusChannels, gopus.Audio)
	if err != nil {
		return nil, fmt.Errorf("discord: create opus encoder: %w", err)
	}
	enc.SetBitrate(opusBitrate)
	return &opusEncoder{enc: enc, buf: make([]byte, opusFrameBytes)}, nil
}

// encode turns at most one frame of 48 kHz stereo PCM into an Opus packet.
// Shorter input is padded with silence.
func (e *opusEncoder) encode(pcm []byte) ([]byte, error) {
	if len(pcm) > opusFrameBytes {
		return nil, fmt.Errorf("discord: opus encode: %d bytes exceed one frame", len(pcm))
	}
	if len(pcm) < opusFrameBytes {
		n := copy(e.buf, pcm)
		clear(e.buf[n:])
		pcm = e.buf
	}
	packet, err := e.enc.Encode(bytesToInt16s(pcm), opusFrameSize, opusFrameBytes)
	if err != nil {
		return nil, fmt.Errorf("discord: opus encode: %w", err)
	}
	return packet, nil
}

func int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		binary.LittleEndian.PutUint16(b[i*2:], uint16(s))
	}
	return b
}

func bytesToInt16s(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return pcm
}
