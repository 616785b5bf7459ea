// Package wav reads and writes 16-bit PCM RIFF/WAVE files and exposes them
// as audio devices: a [Microphone] that replays a file at real-time pace and
// a [Recorder] output device that writes everything it plays to disk.
package wav

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/medilearn/livevoice/pkg/audio"
)

// ErrInvalid is returned for data that is not a 16-bit PCM WAV file.
var ErrInvalid = errors.New("wav: invalid file")

// header is the canonical 44-byte PCM WAV header.
type header struct {
	ChunkID       [4]byte // "RIFF"
	ChunkSize     uint32  // file size - 8
	Format        [4]byte // "WAVE"
	Subchunk1ID   [4]byte // "fmt "
	Subchunk1Size uint32  // 16 for PCM
	AudioFormat   uint16  // 1 for PCM
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	Subchunk2ID   [4]byte // "data"
	Subchunk2Size uint32
}

const headerSize = 44

// Encode writes samples in format f to w as a PCM WAV file.
func Encode(w io.Writer, samples []int16, f audio.Format) error {
	if !f.Valid() {
		return fmt.Errorf("wav: encode: invalid format %s", f)
	}
	dataSize := uint32(len(samples) * 2)
	h := header{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     36 + dataSize,
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   1,
		NumChannels:   uint16(f.Channels),
		SampleRate:    uint32(f.SampleRate),
		ByteRate:      uint32(f.SampleRate * f.Channels * 2),
		BlockAlign:    uint16(f.Channels * 2),
		BitsPerSample: 16,
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: dataSize,
	}
	if err := binary.Write(w, binary.LittleEndian, h); err != nil {
		return fmt.Errorf("wav: write header: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, samples); err != nil {
		return fmt.Errorf("wav: write samples: %w", err)
	}
	return nil
}

// Decode parses a PCM WAV file and returns its samples and format. Chunks
// other than "fmt " and "data" (e.g. LIST metadata) are skipped.
func Decode(data []byte) ([]int16, audio.Format, error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, audio.Format{}, fmt.Errorf("%w: missing RIFF/WAVE header", ErrInvalid)
	}
	var (
		f       audio.Format
		haveFmt bool
	)
	r := bytes.NewReader(data[12:])
	for {
		var chunk struct {
			ID   [4]byte
			Size uint32
		}
		if err := binary.Read(r, binary.LittleEndian, &chunk); err != nil {
			return nil, audio.Format{}, fmt.Errorf("%w: missing data chunk", ErrInvalid)
		}
		body := make([]byte, chunk.Size)
		if _, err := io.ReadFull(r, body); err != nil {
			return nil, audio.Format{}, fmt.Errorf("%w: truncated %q chunk", ErrInvalid, chunk.ID[:])
		}
		if chunk.Size%2 == 1 {
			_, _ = r.ReadByte()
		}

		switch string(chunk.ID[:]) {
		case "fmt ":
			if len(body) < 16 {
				return nil, audio.Format{}, fmt.Errorf("%w: short fmt chunk", ErrInvalid)
			}
			if af := binary.LittleEndian.Uint16(body[0:2]); af != 1 {
				return nil, audio.Format{}, fmt.Errorf("%w: unsupported audio format %d (only PCM)", ErrInvalid, af)
			}
			if bits := binary.LittleEndian.Uint16(body[14:16]); bits != 16 {
				return nil, audio.Format{}, fmt.Errorf("%w: unsupported bit depth %d (only 16-bit)", ErrInvalid, bits)
			}
			f = audio.Format{
				Channels:   int(binary.LittleEndian.Uint16(body[2:4])),
				SampleRate: int(binary.LittleEndian.Uint32(body[4:8])),
			}
			haveFmt = f.Valid()
		case "data":
			if !haveFmt {
				return nil, audio.Format{}, fmt.Errorf("%w: data chunk before fmt chunk", ErrInvalid)
			}
			return audio.PCM16ToInt16(nil, body), f, nil
		}
	}
}
