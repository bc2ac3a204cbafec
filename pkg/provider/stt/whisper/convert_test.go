package whisper

import (
	"encoding/binary"
	"math"
	"testing"
	"time"

	"github.com/MrWong99/nova/pkg/audio"
	"github.com/MrWong99/nova/pkg/provider/stt"
)

func TestPcmToFloat32(t *testing.T) {
	t.Parallel()

	pcm := make([]byte, 7) // three samples plus a trailing odd byte
	binary.LittleEndian.PutUint16(pcm[0:], uint16(0))
	binary.LittleEndian.PutUint16(pcm[2:], uint16(16384))
	v := int16(-32768)
	binary.LittleEndian.PutUint16(pcm[4:], uint16(v))

	got := pcmToFloat32(pcm)
	want := []float32{0, 0.5, -1}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if math.Abs(float64(got[i]-want[i])) > 1e-6 {
			t.Errorf("sample %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestToWhisperSamples_ConvertsToSpeechFormat(t *testing.T) {
	t.Parallel()

	a := stt.Audio{
		PCM:        audio.Tone(audio.FormatDiscord, 100*time.Millisecond, 1000),
		SampleRate: 48000,
		Channels:   2,
	}
	// 100 ms at 16 kHz mono.
	if got := len(toWhisperSamples(a)); got != 1600 {
		t.Errorf("sample count = %d, want 1600", got)
	}

	mono := stt.Audio{PCM: audio.Silence(audio.FormatSpeech, 10*time.Millisecond), SampleRate: 16000, Channels: 1}
	if got := len(toWhisperSamples(mono)); got != 160 {
		t.Errorf("sample count = %d, want 160", got)
	}
}
