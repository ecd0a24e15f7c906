package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// wavHeaderSize is the size of the canonical PCM RIFF/WAVE header.
	wavHeaderSize = 44

	bitsPerSample = 16

	// WAVContentType is the MIME type of payloads produced by [EncodeWAV].
	WAVContentType = "audio/wav"
)

// ErrInvalidWAV is returned by [DecodeWAV] for input that is not a 16-bit
// PCM RIFF/WAVE stream.
var ErrInvalidWAV = errors.New("audio: invalid wav data")

// EncodeWAV wraps mono samples in a canonical 44-byte RIFF/WAVE header
// (format 1 = PCM, 1 channel, 16 bit) followed by little-endian sample data.
func EncodeWAV(samples []float32, sampleRate int) []byte {
	pcm := FloatToPCM16(samples)
	return encodePCM16WAV(pcm, sampleRate, 1)
}

func encodePCM16WAV(pcm []byte, sampleRate, channels int) []byte {
	byteRate := sampleRate * channels * bitsPerSample / 8
	blockAlign := channels * bitsPerSample / 8
	dataSize := len(pcm)

	buf := make([]byte, wavHeaderSize+dataSize)

	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize))
	copy(buf[8:12], "WAVE")

	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1)
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], bitsPerSample)

	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
	copy(buf[wavHeaderSize:], pcm)

	return buf
}

// DecodeWAV reads a 16-bit PCM WAV stream and returns its samples downmixed
// to mono together with the sample rate. Unknown chunks (LIST, fact, ...)
// are skipped.
func DecodeWAV(r io.Reader) ([]float32, int, error) {
	var riff [12]byte
	if _, err := io.ReadFull(r, riff[:]); err != nil {
		return nil, 0, fmt.Errorf("%w: read riff header: %v", ErrInvalidWAV, err)
	}
	if string(riff[0:4]) != "RIFF" || string(riff[8:12]) != "WAVE" {
		return nil, 0, fmt.Errorf("%w: missing RIFF/WAVE magic", ErrInvalidWAV)
	}

	var (
		channels   int
		sampleRate int
		haveFormat bool
	)
	for {
		var hdr [8]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			return nil, 0, fmt.Errorf("%w: no data chunk: %v", ErrInvalidWAV, err)
		}
		id := string(hdr[0:4])
		size := int64(binary.LittleEndian.Uint32(hdr[4:8]))

		switch id {
		case "fmt ":
			if size < 16 {
				return nil, 0, fmt.Errorf("%w: fmt chunk too small", ErrInvalidWAV)
			}
			fmtChunk := make([]byte, size)
			if _, err := io.ReadFull(r, fmtChunk); err != nil {
				return nil, 0, fmt.Errorf("%w: read fmt chunk: %v", ErrInvalidWAV, err)
			}
			if format := binary.LittleEndian.Uint16(fmtChunk[0:2]); format != 1 {
				return nil, 0, fmt.Errorf("%w: unsupported format %d", ErrInvalidWAV, format)
			}
			if bits := binary.LittleEndian.Uint16(fmtChunk[14:16]); bits != bitsPerSample {
				return nil, 0, fmt.Errorf("%w: unsupported bit depth %d", ErrInvalidWAV, bits)
			}
			channels = int(binary.LittleEndian.Uint16(fmtChunk[2:4]))
			sampleRate = int(binary.LittleEndian.Uint32(fmtChunk[4:8]))
			haveFormat = true
		case "data":
			if !haveFormat {
				return nil, 0, fmt.Errorf("%w: data chunk before fmt chunk", ErrInvalidWAV)
			}
			pcm, err := io.ReadAll(io.LimitReader(r, size))
			if err != nil {
				return nil, 0, fmt.Errorf("audio: read wav data: %w", err)
			}
			return Downmix(PCM16ToFloat(pcm), channels), sampleRate, nil
		default:
			// Chunks are word aligned.
			if _, err := io.CopyN(io.Discard, r, size+size%2); err != nil {
				return nil, 0, fmt.Errorf("%w: skip %q chunk: %v", ErrInvalidWAV, id, err)
			}
		}
	}
}
