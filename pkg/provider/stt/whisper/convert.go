package whisper

import (
	"encoding/binary"

	"github.com/MrWong99/nova/pkg/audio"
	"github.com/MrWong99/nova/pkg/provider/stt"
)

// toWhisperSamples converts a to the 16 kHz mono float32 samples whisper.cpp
// consumes, normalised to [-1.0, 1.0).
func toWhisperSamples(a stt.Audio) []float32 {
	pcm := a.PCM
	if f := a.Format(); f.Valid() && f != audio.FormatSpeech {
		pcm = audio.ConvertPCM(pcm, f, audio.FormatSpeech)
	}
	return pcmToFloat32(pcm)
}

// pcmToFloat32 converts 16-bit signed little-endian PCM to float32 samples.
// A trailing odd byte is ignored.
func pcmToFloat32(pcm []byte) []float32 {
	n := len(pcm) / 2
	samples := make([]float32, n)
	for i := range n {
		samples[i] = float32(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768.0
	}
	return samples
}
