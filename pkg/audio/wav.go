package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// EncodeWAV wraps raw 16-bit signed little-endian PCM data in a standard
// RIFF/WAV container. No external dependencies are required.
func EncodeWAV(pcm []byte, sampleRate, channels int) []byte {
	const bps = 16
	byteRate := sampleRate * channels * bps / 8
	blockAlign := channels * bps / 8
	dataSize := len(pcm)

	buf := make([]byte, 44+dataSize)

	// RIFF chunk descriptor
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize)) // file size − 8
	copy(buf[8:12], "WAVE")

	// fmt sub-chunk
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)                 // sub-chunk size (PCM)
	binary.LittleEndian.PutUint16(buf[20:22], 1)                  // audio format: PCM
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))   // num channels
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate)) // sample rate
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))   // byte rate
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign)) // block align
	binary.LittleEndian.PutUint16(buf[34:36], bps)                // bits per sample

	// data sub-chunk
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
	copy(buf[44:], pcm)

	return buf
}

// WAVDuration parses the header of a RIFF/WAV byte stream and returns the
// play time of its data chunk. Only uncompressed PCM containers are
// supported; the function walks sub-chunks so extra chunks (LIST, fact)
// before the data chunk are tolerated.
func WAVDuration(wav []byte) (time.Duration, error) {
	if len(wav) < 44 {
		return 0, errors.New("audio: wav too short for a RIFF header")
	}
	if string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		return 0, errors.New("audio: missing RIFF/WAVE magic")
	}

	var byteRate uint32
	var dataSize uint32
	haveFmt := false

	// Walk sub-chunks starting after the 12-byte RIFF descriptor.
	off := 12
	for off+8 <= len(wav) {
		id := string(wav[off : off+4])
		size := binary.LittleEndian.Uint32(wav[off+4 : off+8])
		body := off + 8

		switch id {
		case "fmt ":
			if body+16 > len(wav) {
				return 0, errors.New("audio: truncated fmt chunk")
			}
			if format := binary.LittleEndian.Uint16(wav[body : body+2]); format != 1 {
				return 0, fmt.Errorf("audio: unsupported wav format %d (want PCM)", format)
			}
			byteRate = binary.LittleEndian.Uint32(wav[body+8 : body+12])
			haveFmt = true
		case "data":
			dataSize = size
			// The data chunk may legally be the last chunk with trailing
			// bytes truncated; clamp to what is actually present.
			if avail := len(wav) - body; avail < int(dataSize) {
				dataSize = uint32(avail)
			}
			if !haveFmt {
				return 0, errors.New("audio: data chunk precedes fmt chunk")
			}
			if byteRate == 0 {
				return 0, errors.New("audio: fmt chunk has zero byte rate")
			}
			return time.Duration(dataSize) * time.Second / time.Duration(byteRate), nil
		}

		// Chunks are word-aligned.
		off = body + int(size)
		if size%2 == 1 {
			off++
		}
	}

	return 0, errors.New("audio: no data chunk found")
}
