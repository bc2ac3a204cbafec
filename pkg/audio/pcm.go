package audio

import (
	"encoding/binary"
	"math"
	"time"
)

// RMS returns the root-mean-square energy of a 16-bit signed little-endian
// PCM buffer, in sample units (0–32 767). Returns 0 for buffers shorter than
// one sample. Interleaved channels are treated as a single sample sequence.
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		v := float64(int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2])))
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}

// Silence returns d of digital silence in format f.
func Silence(f Format, d time.Duration) []byte {
	return make([]byte, f.BytesFor(d))
}

// Tone returns d of a constant-amplitude square wave in format f. It is a
// cheap way to produce PCM with a known RMS (equal to amplitude) for tests and
// calibration.
func Tone(f Format, d time.Duration, amplitude int16) []byte {
	pcm := make([]byte, f.BytesFor(d))
	for i := 0; i+1 < len(pcm); i += 2 {
		s := amplitude
		if (i/2/f.Channels)%2 == 1 {
			s = -amplitude
		}
		binary.LittleEndian.PutUint16(pcm[i:i+2], uint16(s))
	}
	return pcm
}

// Split cuts pcm into frames of frameDur each. The final frame may be shorter.
func Split(pcm []byte, f Format, frameDur time.Duration) []AudioFrame {
	size := f.BytesFor(frameDur)
	if size <= 0 {
		size = len(pcm)
	}
	var (
		frames []AudioFrame
		ts     time.Duration
	)
	for len(pcm) > 0 {
		end := min(size, len(pcm))
		frames = append(frames, AudioFrame{
			Data:       pcm[:end],
			SampleRate: f.SampleRate,
			Channels:   f.Channels,
			Timestamp:  ts,
		})
		ts += f.Duration(end)
		pcm = pcm[end:]
	}
	return frames
}
