package discord

import (
	"testing"

	"github.com/bwmarrin/discordgo"
)

func TestOpusDecoder_Sequence(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		seqs      []uint16
		wantLast  int
		recovered int
	}{
		{name: "in order", seqs: []uint16{10, 11}, wantLast: 1},
		{name: "single loss concealed", seqs: []uint16{10, 12}, wantLast: 2, recovered: 1},
		{name: "burst loss skipped", seqs: []uint16{10, 15}, wantLast: 1},
		{name: "duplicate dropped", seqs: []uint16{10, 10}, wantLast: 0},
		{name: "late packet dropped", seqs: []uint16{10, 9}, wantLast: 0},
		{name: "wraparound", seqs: []uint16{65535, 0}, wantLast: 1},
		{name: "wraparound with loss", seqs: []uint16{65535, 1}, wantLast: 2, recovered: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			dec, err := newOpusDecoder()
			if err != nil {
				t.Fatalf("newOpusDecoder: %v", err)
			}
			var frames [][]byte
			for _, seq := range tt.seqs {
				frames, err = dec.decode(&discordgo.Packet{Sequence: seq, Opus: silenceOpus})
				if err != nil {
					t.Fatalf("decode seq %d: %v", seq, err)
				}
			}
			if len(frames) != tt.wantLast {
				t.Errorf("frames for last packet = %d, want %d", len(frames), tt.wantLast)
			}
			for i, f := range frames {
				if len(f) != opusFrameBytes {
					t.Errorf("frame %d = %d bytes, want %d", i, len(f), opusFrameBytes)
				}
			}
			if dec.recovered != tt.recovered {
				t.Errorf("recovered = %d, want %d", dec.recovered, tt.recovered)
			}
		})
	}
}

func TestOpusDecoder_InvalidPacket(t *testing.T) {
	t.Parallel()

	dec, err := newOpusDecoder()
	if err != nil {
		t.Fatalf("newOpusDecoder: %v", err)
	}
	if _, err := dec.decode(&discordgo.Packet{Sequence: 1, Opus: []byte{0xFF}}); err == nil {
		t.Error("expected error for truncated packet")
	}
}

func TestOpusEncoder(t *testing.T) {
	t.Parallel()

	enc, err := newOpusEncoder()
	if err != nil {
		t.Fatalf("newOpusEncoder: %v", err)
	}

	for _, size := range []int{opusFrameBytes, 100, 0} {
		packet, err := enc.encode(make([]byte, size))
		if err != nil {
			t.Fatalf("encode %d bytes: %v", size, err)
		}
		if len(packet) == 0 {
			t.Errorf("encode %d bytes: empty packet", size)
		}
	}

	if _, err := enc.encode(make([]byte, opusFrameBytes+2)); err == nil {
		t.Error("expected error for oversized frame")
	}
}

func TestPCMConversion(t *testing.T) {
	t.Parallel()

	in := []int16{0, 1, -1, 32767, -32768}
	out := bytesToInt16s(int16sToBytes(in))
	for i := range in {
		if out[i] != in[i] {
			t.Errorf("sample %d = %d, want %d", i, out[i], in[i])
		}
	}
}
