package audio

import (
	"encoding/binary"
	"errors"
)

// wavHeaderSize is the size of the canonical PCM RIFF/WAVE header written by
// [EncodeWAV].
const wavHeaderSize = 44

// WAV parsing errors.
var (
	ErrWAVTooShort = errors.New("audio: wav data too short to be a RIFF file")
	ErrWAVNoRIFF   = errors.New("audio: wav data missing RIFF/WAVE header")
	ErrWAVNoData   = errors.New("audio: wav data missing data chunk")
	ErrWAVEncoding = errors.New("audio: wav data is not 16-bit PCM")
)

// WAVInfo describes the PCM payload of a parsed WAV file.
type WAVInfo struct {
	Format Format

	// DataOffset is the byte offset of the first PCM sample.
	DataOffset int

	// DataLength is the number of PCM bytes after DataOffset. Streaming
	// encoders sometimes write 0 or 0xFFFFFFFF; in that case the length is
	// clamped to the bytes actually present.
	DataLength int
}

// EncodeWAV wraps raw 16-bit signed little-endian PCM in a minimal RIFF/WAVE
// container. The returned slice is suitable for upload to transcription
// services or for serving to browsers.
func EncodeWAV(pcm []byte, f Format) []byte {
	byteRate := f.BytesPerSecond()
	blockAlign := f.Channels * bytesPerSample
	dataSize := len(pcm)

	buf := make([]byte, wavHeaderSize+dataSize)

	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize))
	copy(buf[8:12], "WAVE")

	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], uint16(f.Channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(f.SampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], bytesPerSample*8)

	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
	copy(buf[wavHeaderSize:], pcm)

	return buf
}

// ParseWAV walks the RIFF chunks of a WAV file and returns the PCM format and
// the location of the data chunk. Unknown chunks (LIST, fact, …) are skipped.
func ParseWAV(wav []byte) (WAVInfo, error) {
	if len(wav) < 12 {
		return WAVInfo{}, ErrWAVTooShort
	}
	if string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		return WAVInfo{}, ErrWAVNoRIFF
	}

	var info WAVInfo
	foundFmt := false

	offset := 12
	for offset+8 <= len(wav) {
		chunkID := string(wav[offset : offset+4])
		chunkSize := int(binary.LittleEndian.Uint32(wav[offset+4 : offset+8]))

		switch chunkID {
		case "fmt ":
			if chunkSize >= 16 && offset+8+16 <= len(wav) {
				fmtData := wav[offset+8:]
				if bits := binary.LittleEndian.Uint16(fmtData[14:16]); bits != 16 {
					return WAVInfo{}, ErrWAVEncoding
				}
				info.Format.Channels = int(binary.LittleEndian.Uint16(fmtData[2:4]))
				info.Format.SampleRate = int(binary.LittleEndian.Uint32(fmtData[4:8]))
				foundFmt = true
			}
		case "data":
			if !foundFmt {
				// Headerless data chunks come from single-speaker Coqui models.
				info.Format = Format{SampleRate: 22050, Channels: 1}
			}
			info.DataOffset = offset + 8
			remaining := len(wav) - info.DataOffset
			if chunkSize <= 0 || chunkSize > remaining {
				chunkSize = remaining
			}
			info.DataLength = chunkSize
			return info, nil
		}

		offset += 8 + chunkSize
		if chunkSize%2 != 0 {
			offset++
		}
	}
	return WAVInfo{}, ErrWAVNoData
}

// DecodeWAV parses wav and returns a copy of its PCM payload together with
// the payload format.
func DecodeWAV(wav []byte) ([]byte, Format, error) {
	info, err := ParseWAV(wav)
	if err != nil {
		return nil, Format{}, err
	}
	pcm := make([]byte, info.DataLength)
	copy(pcm, wav[info.DataOffset:info.DataOffset+info.DataLength])
	return pcm, info.Format, nil
}
