package audio

import (
	"encoding/binary"
	"log/slog"
	"sync"
)

// FormatConverter converts AudioFrames to a target format. It logs once on
// the first format mismatch and once on the first misaligned buffer.
// Create one per stream; not designed for shared use across goroutines.
type FormatConverter struct {
	Target Format

	warnedMismatch sync.Once
	warnedCorrupt  sync.Once
}

// Convert converts a frame to the target format. If the source format already
// matches the target, the frame is returned unchanged (zero allocation).
// Resampling happens before the channel conversion so that stereo input bound
// for a mono target is only resampled once per sample pair.
func (c *FormatConverter) Convert(frame AudioFrame) AudioFrame {
	if len(frame.Data)%bytesPerSample != 0 {
		c.warnedCorrupt.Do(func() {
			slog.Warn("audio: odd byte count in PCM frame, dropping",
				"bytes", len(frame.Data),
				"format", frame.Format().String(),
			)
		})
		return AudioFrame{
			SampleRate: c.Target.SampleRate,
			Channels:   c.Target.Channels,
			Timestamp:  frame.Timestamp,
		}
	}

	src := frame.Format()
	if src == c.Target {
		return frame
	}

	c.warnedMismatch.Do(func() {
		slog.Debug("audio: converting stream format", "from", src.String(), "to", c.Target.String())
	})

	pcm := Resample(frame.Data, src.Channels, src.SampleRate, c.Target.SampleRate)
	pcm = Remix(pcm, src.Channels, c.Target.Channels)

	return AudioFrame{
		Data:       pcm,
		SampleRate: c.Target.SampleRate,
		Channels:   c.Target.Channels,
		Timestamp:  frame.Timestamp,
	}
}

// ConvertPCM converts a whole PCM buffer from one format to another. It is
// the buffer-level counterpart of [FormatConverter.Convert] used for complete
// utterances and synthesized replies. A trailing partial sample frame is dropped.
func ConvertPCM(pcm []byte, from, to Format) []byte {
	if frame := from.Channels * bytesPerSample; frame > 0 && len(pcm)%frame != 0 {
		pcm = pcm[:len(pcm)-len(pcm)%frame]
	}
	if from == to || !from.Valid() || !to.Valid() {
		return pcm
	}
	return Remix(Resample(pcm, from.Channels, from.SampleRate, to.SampleRate), from.Channels, to.Channels)
}

// ConvertStream wraps an input channel with a conversion goroutine. The
// returned channel is closed when in closes and uses cap(in) as its buffer.
// Frames that convert to empty data are dropped.
func ConvertStream(in <-chan AudioFrame, target Format) <-chan AudioFrame {
	out := make(chan AudioFrame, cap(in))
	go func() {
		defer close(out)
		conv := FormatConverter{Target: target}
		for frame := range in {
			converted := conv.Convert(frame)
			if len(converted.Data) == 0 {
				continue
			}
			out <- converted
		}
	}()
	return out
}

// ─── Channel conversion ──────────────────────────────────────────────────────

// Remix converts interleaved PCM between channel layouts. Mono input is
// duplicated into every output channel; multi-channel input headed for mono is
// averaged. Any other combination keeps the first min(from, to) channels and
// fills the rest with the first channel.
func Remix(pcm []byte, from, to int) []byte {
	if from == to || from <= 0 || to <= 0 {
		return pcm
	}
	frames := len(pcm) / (from * bytesPerSample)
	out := make([]byte, frames*to*bytesPerSample)

	for i := range frames {
		in := pcm[i*from*bytesPerSample:]
		dst := out[i*to*bytesPerSample:]

		if to == 1 {
			var sum int32
			for ch := range from {
				sum += int32(sampleAt(in, ch))
			}
			putSample(dst, 0, clamp16(sum/int32(from)))
			continue
		}
		first := sampleAt(in, 0)
		for ch := range to {
			s := first
			if ch < from {
				s = sampleAt(in, ch)
			}
			putSample(dst, ch, s)
		}
	}
	return out
}

// MonoToStereo duplicates each mono sample into an L+R pair.
func MonoToStereo(pcm []byte) []byte { return Remix(pcm, 1, 2) }

// StereoToMono averages each L+R pair into one mono sample.
func StereoToMono(pcm []byte) []byte { return Remix(pcm, 2, 1) }

// ─── Resampling ──────────────────────────────────────────────────────────────

// Resample converts interleaved PCM with the given channel count from srcRate
// to dstRate using linear interpolation. Invalid rates or equal rates return
// the input unchanged.
func Resample(pcm []byte, channels, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || channels <= 0 || srcRate == dstRate {
		return pcm
	}
	frameSize := channels * bytesPerSample
	srcFrames := len(pcm) / frameSize
	if srcFrames == 0 {
		return pcm
	}
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	if dstFrames == 0 {
		return nil
	}

	out := make([]byte, dstFrames*frameSize)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstFrames {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)
		next := min(idx+1, srcFrames-1)

		a := pcm[idx*frameSize:]
		b := pcm[next*frameSize:]
		dst := out[i*frameSize:]
		for ch := range channels {
			s0 := float64(sampleAt(a, ch))
			s1 := float64(sampleAt(b, ch))
			putSample(dst, ch, int16(s0*(1-frac)+s1*frac))
		}
	}
	return out
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	return Resample(pcm, 1, srcRate, dstRate)
}

// ResampleStereo16 resamples 16-bit stereo PCM from srcRate to dstRate.
func ResampleStereo16(pcm []byte, srcRate, dstRate int) []byte {
	return Resample(pcm, 2, srcRate, dstRate)
}

// ─── Sample helpers ──────────────────────────────────────────────────────────

func sampleAt(frame []byte, ch int) int16 {
	return int16(binary.LittleEndian.Uint16(frame[ch*bytesPerSample:]))
}

func putSample(frame []byte, ch int, s int16) {
	binary.LittleEndian.PutUint16(frame[ch*bytesPerSample:], uint16(s))
}

func clamp16(v int32) int16 {
	switch {
	case v > 32767:
		return 32767
	case v < -32768:
		return -32768
	}
	return int16(v)
}
