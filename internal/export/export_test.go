package export

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/at-wat/ebml-go"
	"github.com/at-wat/ebml-go/webm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/audiolibrelab/replaycapture/internal/framestore"
	"github.com/audiolibrelab/replaycapture/internal/media"
)

var (
	vp8Desc = media.Descriptor{Kind: media.KindVideo, CodecID: media.CodecVP8, Width: 64, Height: 48, FrameRate: 10}
	pcmDesc = media.Descriptor{Kind: media.KindAudio, CodecID: media.CodecPCM, SampleRate: 8000, Channels: 1, BitsPerSample: 16}
)

type testFrame struct {
	payload  string
	pts      time.Duration
	keyframe bool
}

func testSnapshot(t *testing.T, frames []testFrame) framestore.StreamSnapshot {
	t.Helper()
	now := time.Unix(0, 0)
	s := framestore.NewStream(time.Minute, framestore.WithClock(func() time.Time { return now }))
	for _, f := range frames {
		now = now.Add(100 * time.Millisecond)
		s.Push([]byte(f.payload), len(f.payload), media.Meta{PTS: f.pts, Keyframe: f.keyframe})
	}
	return s.Snapshot()
}

func TestWriteWAV_DeferredHeader(t *testing.T) {
	snap := testSnapshot(t, []testFrame{{payload: "ANCH"}, {payload: "0011"}, {payload: "2233"}})
	path := filepath.Join(t.TempDir(), "out.wav")

	n, err := WriteWAV(path, pcmDesc, snap)
	require.NoError(t, err)
	assert.Equal(t, int64(12), n)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Len(t, data, 12+WAVHeaderSize)

	var h wavHeader
	require.NoError(t, binary.Read(bytes.NewReader(data[:WAVHeaderSize]), binary.LittleEndian, &h))
	assert.Equal(t, "RIFF", string(h.ChunkID[:]))
	assert.Equal(t, uint32(12+36), h.ChunkSize)
	assert.Equal(t, "WAVE", string(h.Format[:]))
	assert.Equal(t, "fmt ", string(h.Subchunk1ID[:]))
	assert.Equal(t, uint32(16), h.Subchunk1Size)
	assert.Equal(t, uint16(1), h.AudioFormat)
	assert.Equal(t, uint16(1), h.NumChannels)
	assert.Equal(t, uint32(8000), h.SampleRate)
	assert.Equal(t, uint32(16000), h.ByteRate)
	assert.Equal(t, uint16(2), h.BlockAlign)
	assert.Equal(t, uint16(16), h.BitsPerSample)
	assert.Equal(t, "data", string(h.Subchunk2ID[:]))
	assert.Equal(t, uint32(12), h.Subchunk2Size)

	assert.Equal(t, "ANCH00112233", string(data[WAVHeaderSize:]))

	_, err = os.Stat(path + partialSuffix)
	assert.True(t, os.IsNotExist(err))
}

func TestWriteWAV_StereoHeader(t *testing.T) {
	desc := media.Descriptor{Kind: media.KindAudio, CodecID: media.CodecPCM, SampleRate: 44100, Channels: 2, BitsPerSample: 16}
	h := newWAVHeader(desc, 1000)

	assert.Equal(t, uint32(176400), h.ByteRate)
	assert.Equal(t, uint16(4), h.BlockAlign)
	assert.Equal(t, uint32(1036), h.ChunkSize)
}

func TestWriteWAV_EmptySnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.wav")

	n, err := WriteWAV(path, pcmDesc, framestore.StreamSnapshot{})
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(WAVHeaderSize), info.Size())
}

func TestWriteWAV_RejectsEncodedAudio(t *testing.T) {
	desc := media.Descriptor{Kind: media.KindAudio, CodecID: media.CodecOpus, SampleRate: 48000, Channels: 2}
	_, err := WriteWAV(filepath.Join(t.TempDir(), "x.wav"), desc, framestore.StreamSnapshot{})
	assert.Error(t, err)
}

func TestWriteWAV_IOError(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0644))

	snap := testSnapshot(t, []testFrame{{payload: "AAAA"}})
	_, err := WriteWAV(filepath.Join(blocker, "out.wav"), pcmDesc, snap)
	require.Error(t, err)

	var ioe *IOError
	require.True(t, errors.As(err, &ioe))
	assert.True(t, IsIOError(err))
}

type decodedBlock struct {
	track     uint64
	timestamp int64
	keyframe  bool
	payload   string
}

// decodeMatroska reads back a file written by WriteMatroska and returns its
// container and every SimpleBlock in file order, with absolute timestamps.
func decodeMatroska(t *testing.T, path string) (*webm.Container, []decodedBlock) {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var c webm.Container
	require.NoError(t, ebml.Unmarshal(f, &c))

	var blocks []decodedBlock
	for _, cluster := range c.Segment.Cluster {
		for _, b := range cluster.SimpleBlock {
			require.Len(t, b.Data, 1)
			blocks = append(blocks, decodedBlock{
				track:     b.TrackNumber,
				timestamp: int64(cluster.Timecode) + int64(b.Timecode),
				keyframe:  b.Keyframe,
				payload:   string(b.Data[0]),
			})
		}
	}
	return &c, blocks
}

func TestWriteMatroska_WebM(t *testing.T) {
	now := time.Unix(0, 0)
	stream := framestore.NewStream(250*time.Millisecond, framestore.WithClock(func() time.Time { return now }))
	for i, f := range []testFrame{
		{payload: "key0", pts: 0, keyframe: true},
		{payload: "del1", pts: 100 * time.Millisecond},
		{payload: "del2", pts: 200 * time.Millisecond},
		{payload: "del3", pts: 300 * time.Millisecond},
	} {
		if i > 0 {
			now = now.Add(100 * time.Millisecond)
		}
		stream.Push([]byte(f.payload), len(f.payload), media.Meta{PTS: f.pts, Keyframe: f.keyframe})
	}
	path := filepath.Join(t.TempDir(), "out.webm")

	stats, err := WriteMatroska(path, []framestore.NamedSnapshot{
		{Name: "screen", Descriptor: vp8Desc, StreamSnapshot: stream.Snapshot()},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, stats["screen"].Frames)
	assert.Equal(t, int64(12), stats["screen"].Bytes)

	c, blocks := decodeMatroska(t, path)
	assert.Equal(t, "webm", c.Header.DocType)
	require.Len(t, c.Segment.Tracks.TrackEntry, 1)
	assert.Equal(t, "screen", c.Segment.Tracks.TrackEntry[0].Name)
	assert.Equal(t, media.CodecVP8, c.Segment.Tracks.TrackEntry[0].CodecID)

	// The anchor comes first, del1 was evicted
	assert.Equal(t, []decodedBlock{
		{track: 1, timestamp: 0, keyframe: true, payload: "key0"},
		{track: 1, timestamp: 200, keyframe: false, payload: "del2"},
		{track: 1, timestamp: 300, keyframe: false, payload: "del3"},
	}, blocks)

	_, err = os.Stat(path + partialSuffix)
	assert.True(t, os.IsNotExist(err))
}

func TestWriteMatroska_NothingToExport(t *testing.T) {
	_, err := WriteMatroska(filepath.Join(t.TempDir(), "out.webm"), []framestore.NamedSnapshot{
		{Name: "screen", Descriptor: vp8Desc},
	})
	assert.ErrorIs(t, err, ErrNothingToExport)
}

func TestContainerExtension(t *testing.T) {
	assert.Equal(t, ".webm", ContainerExtension([]framestore.NamedSnapshot{{Descriptor: vp8Desc}}))
	assert.Equal(t, ".mkv", ContainerExtension([]framestore.NamedSnapshot{{Descriptor: vp8Desc}, {Descriptor: pcmDesc}}))
}

func TestInterleave(t *testing.T) {
	video := testSnapshot(t, []testFrame{
		{payload: "v0", pts: 40 * time.Millisecond, keyframe: true},
		{payload: "v1", pts: 140 * time.Millisecond},
		{payload: "v2", pts: 120 * time.Millisecond},
	})
	audio := testSnapshot(t, []testFrame{
		{payload: "a0", pts: 20 * time.Millisecond},
		{payload: "a1", pts: 100 * time.Millisecond},
	})

	blocks, stats := interleave([]framestore.NamedSnapshot{
		{Name: "video", Descriptor: vp8Desc, StreamSnapshot: video},
		{Name: "audio", Descriptor: media.Descriptor{Kind: media.KindAudio, CodecID: media.CodecOpus, SampleRate: 48000, Channels: 1}, StreamSnapshot: audio},
	})

	require.Len(t, blocks, 5)
	var order []string
	for i, b := range blocks {
		order = append(order, string(b.payload))
		if i > 0 {
			assert.GreaterOrEqual(t, b.timestamp, blocks[i-1].timestamp)
		}
	}
	assert.Equal(t, []string{"a0", "v0", "a1", "v1", "v2"}, order)

	// The base is the earliest first frame, and the out-of-order v2 is clamped
	assert.Equal(t, int64(0), blocks[0].timestamp)
	assert.Equal(t, int64(120), blocks[3].timestamp)
	assert.Equal(t, int64(120), blocks[4].timestamp)

	// Audio blocks are always keyframes, video keeps its flag
	assert.True(t, blocks[0].keyframe)
	assert.True(t, blocks[1].keyframe)
	assert.False(t, blocks[3].keyframe)

	assert.Equal(t, 3, stats["video"].Frames)
	assert.Equal(t, 2, stats["audio"].Frames)
}

func TestManifestRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "m.yaml")
	m := &Manifest{
		ID:        "abc",
		TakenAt:   time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
		Window:    30 * time.Second,
		Container: "abc.webm",
		Tracks:    []ManifestTrack{{Name: "screen", Kind: "video", CodecID: media.CodecVP8, File: "abc.webm", Frames: 3, Span: 2 * time.Second}},
	}
	require.NoError(t, WriteManifest(path, m))

	got, err := ReadManifest(path)
	require.NoError(t, err)
	assert.Equal(t, m.Window, got.Window)
	assert.Equal(t, m.Tracks, got.Tracks)
	assert.True(t, m.TakenAt.Equal(got.TakenAt))
}

func TestManifestContainerAudioTracks(t *testing.T) {
	m := &Manifest{
		Container: "abc.webm",
		Tracks: []ManifestTrack{
			{Name: "screen", Kind: "video", File: "abc.webm"},
			{Name: "voice", Kind: "audio", File: "abc.webm"},
			{Name: "mic", Kind: "audio", File: "abc.wav"},
		},
	}
	assert.Equal(t, 1, m.ContainerAudioTracks())

	m.Container = ""
	assert.Equal(t, 0, m.ContainerAudioTracks())
}
