package export

import (
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/at-wat/ebml-go/mkvcore"
	"github.com/at-wat/ebml-go/webm"

	"github.com/audiolibrelab/replaycapture/internal/framestore"
	"github.com/audiolibrelab/replaycapture/internal/media"
)

// ContainerExtension returns ".webm" when every stream can be stored in a
// WebM file and ".mkv" otherwise.
func ContainerExtension(streams []framestore.NamedSnapshot) string {
	for _, s := range streams {
		if !media.IsWebMCodec(s.Descriptor.CodecID) {
			return ".mkv"
		}
	}
	return ".webm"
}

// TrackStats summarizes what was written for one stream
type TrackStats struct {
	Frames int           `yaml:"frames" json:"frames"`
	Bytes  int64         `yaml:"bytes" json:"bytes"`
	Span   time.Duration `yaml:"span" json:"span"`
}

type block struct {
	track     int
	timestamp int64
	keyframe  bool
	payload   []byte
}

// WriteMatroska muxes the given streams into a single Matroska/WebM file,
// one track per stream, in the order the streams are listed. Each frame is
// written with its own timestamp and keyframe flag.
func WriteMatroska(path string, streams []framestore.NamedSnapshot) (map[string]TrackStats, error) {
	var muxed []framestore.NamedSnapshot
	for _, s := range streams {
		if !s.Empty() {
			muxed = append(muxed, s)
		}
	}
	if len(muxed) == 0 {
		return nil, ErrNothingToExport
	}

	tracks := make([]webm.TrackEntry, 0, len(muxed))
	for i, s := range muxed {
		entry, err := trackEntry(i+1, s.Name, s.Descriptor)
		if err != nil {
			return nil, fmt.Errorf("stream %s: %w", s.Name, err)
		}
		tracks = append(tracks, entry)
	}

	blocks, stats := interleave(muxed)

	f, err := createPartial(path)
	if err != nil {
		return nil, err
	}
	sink := newBlockSink(f.File)

	opts := []mkvcore.BlockWriterOption{
		mkvcore.WithOnFatalHandler(sink.fatal),
	}
	if ContainerExtension(muxed) == ".mkv" {
		header := *webm.DefaultEBMLHeader
		header.DocType = "matroska"
		header.DocTypeVersion = 4
		header.DocTypeReadVersion = 2
		opts = append(opts, mkvcore.WithEBMLHeader(&header))
	}

	writers, err := webm.NewSimpleBlockWriter(sink, tracks, opts...)
	if err != nil {
		f.abort()
		return nil, ioErr("create", path, err)
	}

	for _, b := range blocks {
		if _, err := writers[b.track].Write(b.keyframe, b.timestamp, b.payload); err != nil {
			sink.fatal(err)
			break
		}
		if sink.failed() {
			break
		}
	}

	for _, w := range writers {
		w.Close()
	}
	// The last track to close finalizes the file and closes the sink.
	<-sink.done

	if err := sink.error(); err != nil {
		f.abort()
		return nil, ioErr("write", path, err)
	}
	if err := f.commit(); err != nil {
		return nil, err
	}
	return stats, nil
}

func trackEntry(number int, name string, desc media.Descriptor) (webm.TrackEntry, error) {
	if err := desc.Validate(); err != nil {
		return webm.TrackEntry{}, err
	}

	entry := webm.TrackEntry{
		Name:         name,
		TrackNumber:  uint64(number),
		TrackUID:     uint64(number),
		CodecID:      desc.CodecID,
		CodecPrivate: desc.CodecPrivate,
	}
	switch desc.Kind {
	case media.KindVideo:
		entry.TrackType = 1
		if desc.FrameRate > 0 {
			entry.DefaultDuration = uint64(time.Second) / uint64(desc.FrameRate)
		}
		entry.Video = &webm.Video{
			PixelWidth:  uint64(desc.Width),
			PixelHeight: uint64(desc.Height),
		}
	case media.KindAudio:
		entry.TrackType = 2
		entry.Audio = &webm.Audio{
			SamplingFrequency: float64(desc.SampleRate),
			Channels:          uint64(desc.Channels),
		}
	}
	return entry, nil
}

// interleave orders the frames of every stream by timestamp. Timestamps are
// milliseconds relative to the earliest first frame across streams and are
// kept monotonic within a track.
func interleave(streams []framestore.NamedSnapshot) ([]block, map[string]TrackStats) {
	var base time.Duration
	first := true
	for _, s := range streams {
		all := s.All()
		if len(all) == 0 {
			continue
		}
		if first || all[0].Meta.PTS < base {
			base = all[0].Meta.PTS
			first = false
		}
	}

	stats := make(map[string]TrackStats, len(streams))
	var blocks []block
	for i, s := range streams {
		var last int64
		var st TrackStats
		for j, frame := range s.All() {
			ts := (frame.Meta.PTS - base).Milliseconds()
			if j > 0 && ts < last {
				ts = last
			}
			last = ts
			keyframe := frame.Meta.Keyframe || s.Descriptor.Kind == media.KindAudio
			blocks = append(blocks, block{
				track:     i,
				timestamp: ts,
				keyframe:  keyframe,
				payload:   frame.Payload[:frame.Size],
			})
			st.Frames++
			st.Bytes += int64(frame.Size)
		}
		st.Span = s.Span()
		stats[s.Name] = st
	}

	sort.SliceStable(blocks, func(a, b int) bool {
		return blocks[a].timestamp < blocks[b].timestamp
	})
	return blocks, stats
}

// blockSink is the io.WriteCloser handed to the block writer. It keeps the
// first error seen and signals done once the writer has closed it or given up.
type blockSink struct {
	f *os.File

	mu   sync.Mutex
	err  error
	once sync.Once
	done chan struct{}
}

func newBlockSink(f *os.File) *blockSink {
	return &blockSink{f: f, done: make(chan struct{})}
}

func (s *blockSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return 0, s.err
	}
	n, err := s.f.Write(p)
	if err != nil {
		s.err = err
	}
	return n, err
}

func (s *blockSink) Close() error {
	err := s.f.Close()
	s.mu.Lock()
	if err != nil && s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
	s.once.Do(func() { close(s.done) })
	return err
}

func (s *blockSink) fatal(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
	s.once.Do(func() { close(s.done) })
}

func (s *blockSink) failed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err != nil
}

func (s *blockSink) error() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
