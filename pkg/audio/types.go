package audio

import (
	"fmt"
	"time"
)

// bytesPerSample is fixed: every PCM buffer in the pipeline is 16-bit signed
// little-endian, interleaved when Channels > 1.
const bytesPerSample = 2

// AudioFrame represents a single frame of audio data flowing through the pipeline.
// Frames are the atomic unit of audio transport: captured from input streams,
// segmented into utterances, and written to the playback output stream.
type AudioFrame struct {
	// PCM audio data. Sample rate and channel count are given by the fields below.
	Data []byte

	// SampleRate in Hz (e.g., 48000 for Discord Opus, 16000 for STT).
	SampleRate int

	// Channels: 1 for mono (STT input), 2 for stereo (Discord output).
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Format returns the [Format] the frame's PCM data is encoded in.
func (f AudioFrame) Format() Format {
	return Format{SampleRate: f.SampleRate, Channels: f.Channels}
}

// Duration returns the playback length of the frame.
func (f AudioFrame) Duration() time.Duration {
	return f.Format().Duration(len(f.Data))
}

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// Common formats used across the pipeline.
var (
	// FormatDiscord is the native format of Discord voice (48 kHz stereo).
	FormatDiscord = Format{SampleRate: 48000, Channels: 2}

	// FormatSpeech is the format transcription engines expect (16 kHz mono).
	FormatSpeech = Format{SampleRate: 16000, Channels: 1}
)

// Valid reports whether both the sample rate and channel count are positive.
func (f Format) Valid() bool {
	return f.SampleRate > 0 && f.Channels > 0
}

// BytesPerSecond returns the PCM byte rate for f. Returns 0 for invalid formats.
func (f Format) BytesPerSecond() int {
	if !f.Valid() {
		return 0
	}
	return f.SampleRate * f.Channels * bytesPerSample
}

// Duration converts a PCM byte count in format f to a playback duration.
func (f Format) Duration(n int) time.Duration {
	bps := f.BytesPerSecond()
	if bps == 0 || n <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(bps))
}

// BytesFor returns the number of PCM bytes that hold d of audio in format f,
// rounded down to a whole sample frame.
func (f Format) BytesFor(d time.Duration) int {
	bps := f.BytesPerSecond()
	if bps == 0 || d <= 0 {
		return 0
	}
	n := int(int64(d) * int64(bps) / int64(time.Second))
	frame := f.Channels * bytesPerSample
	return n - n%frame
}

// String returns a human-readable label such as "48000Hz stereo".
func (f Format) String() string {
	ch := "mono"
	switch {
	case f.Channels == 2:
		ch = "stereo"
	case f.Channels > 2:
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %s", f.SampleRate, ch)
}
