package export

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/audiolibrelab/replaycapture/internal/framestore"
	"github.com/audiolibrelab/replaycapture/internal/media"
)

// WAVHeaderSize is the size of the canonical RIFF/WAVE header
const WAVHeaderSize = 44

type wavHeader struct {
	ChunkID       [4]byte
	ChunkSize     uint32
	Format        [4]byte
	Subchunk1ID   [4]byte
	Subchunk1Size uint32
	AudioFormat   uint16
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	Subchunk2ID   [4]byte
	Subchunk2Size uint32
}

func newWAVHeader(desc media.Descriptor, dataLen uint32) wavHeader {
	return wavHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     dataLen + 36,
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   1,
		NumChannels:   uint16(desc.Channels),
		SampleRate:    uint32(desc.SampleRate),
		ByteRate:      uint32(desc.SampleRate * desc.Channels * desc.BitsPerSample / 8),
		BlockAlign:    uint16(desc.Channels * desc.BitsPerSample / 8),
		BitsPerSample: uint16(desc.BitsPerSample),
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: dataLen,
	}
}

// WriteWAV writes the PCM payloads of a snapshot, anchor first, to a WAV
// file at path and returns the number of data bytes written.
//
// The data length is only known once every payload has been written, so the
// header area is reserved first and filled in afterwards.
func WriteWAV(path string, desc media.Descriptor, snap framestore.StreamSnapshot) (int64, error) {
	if !desc.IsRawAudio() {
		return 0, fmt.Errorf("stream codec %s cannot be stored in a WAV file", desc.CodecID)
	}
	if err := desc.Validate(); err != nil {
		return 0, fmt.Errorf("invalid audio format: %w", err)
	}

	f, err := createPartial(path)
	if err != nil {
		return 0, err
	}

	dataLen, err := writeWAV(f, desc, snap.All())
	if err != nil {
		f.abort()
		return 0, ioErr("write", path, err)
	}
	if err := f.Close(); err != nil {
		f.abort()
		return 0, ioErr("close", path, err)
	}
	if err := f.commit(); err != nil {
		return 0, err
	}
	return dataLen, nil
}

func writeWAV(w io.WriteSeeker, desc media.Descriptor, frames []*framestore.Frame) (int64, error) {
	if _, err := w.Write(make([]byte, WAVHeaderSize)); err != nil {
		return 0, fmt.Errorf("reserve header: %w", err)
	}

	bw := bufio.NewWriter(w)
	var dataLen int64
	for _, frame := range frames {
		n, err := bw.Write(frame.Payload[:frame.Size])
		dataLen += int64(n)
		if err != nil {
			return dataLen, fmt.Errorf("write samples: %w", err)
		}
	}
	if err := bw.Flush(); err != nil {
		return dataLen, fmt.Errorf("flush samples: %w", err)
	}

	if dataLen > math.MaxUint32-36 {
		return dataLen, fmt.Errorf("audio data too large for WAV: %d bytes", dataLen)
	}

	if _, err := w.Seek(0, io.SeekStart); err != nil {
		return dataLen, fmt.Errorf("seek to header: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, newWAVHeader(desc, uint32(dataLen))); err != nil {
		return dataLen, fmt.Errorf("write header: %w", err)
	}
	return dataLen, nil
}
