// Package container opens local media files through libav, describing their
// elementary streams and supplying sequential packets to the dispatcher.
package container

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/asticode/go-astiav"
	"github.com/asticode/go-astikit"

	"github.com/zsiec/matinee/internal/media"
)

// ErrNoStreams is returned when a file holds nothing playable.
var ErrNoStreams = errors.New("container: no streams found")

var libLogOnce sync.Once

// configureLibLog silences libav's stderr chatter below error level, once
// per process.
func configureLibLog() {
	libLogOnce.Do(func() {
		astiav.SetLogLevel(astiav.LogLevelError)
	})
}

// File reads packets from one local media file in container order. Returned
// packets have their data copied out of libav's buffers, so they stay valid
// after the next read. A File is not safe for concurrent use; the
// dispatcher is its only reader.
type File struct {
	log     *slog.Logger
	closer  *astikit.Closer
	fc      *astiav.FormatContext
	pkt     *astiav.Packet
	streams []media.StreamInfo
	byIndex map[int]*astiav.Stream

	closeOnce sync.Once
	closeErr  error
}

// Open opens path and probes its streams.
func Open(path string, log *slog.Logger) (*File, error) {
	configureLibLog()
	if log == nil {
		log = slog.Default()
	}

	f := &File{
		log:     log.With("component", "container", "path", path),
		closer:  astikit.NewCloser(),
		byIndex: make(map[int]*astiav.Stream),
	}

	f.fc = astiav.AllocFormatContext()
	if f.fc == nil {
		return nil, errors.New("container: alloc format context")
	}
	f.closer.Add(f.fc.Free)

	if err := f.fc.OpenInput(path, nil, nil); err != nil {
		f.closer.Close()
		return nil, fmt.Errorf("container: open %q: %w", path, err)
	}
	f.closer.Add(f.fc.CloseInput)

	if err := f.fc.FindStreamInfo(nil); err != nil {
		f.closer.Close()
		return nil, fmt.Errorf("container: find stream info: %w", err)
	}

	streams := f.fc.Streams()
	if len(streams) == 0 {
		f.closer.Close()
		return nil, ErrNoStreams
	}

	// Container duration is in microseconds; per-stream durations are often
	// missing in real files, so every descriptor carries the container's.
	duration := time.Duration(f.fc.Duration()) * time.Microsecond

	for _, s := range streams {
		f.streams = append(f.streams, describeStream(s, duration))
		f.byIndex[s.Index()] = s
	}

	f.pkt = astiav.AllocPacket()
	f.closer.Add(f.pkt.Free)

	f.log.Debug("opened", "streams", len(f.streams), "duration", duration)
	return f, nil
}

func describeStream(s *astiav.Stream, duration time.Duration) media.StreamInfo {
	cp := s.CodecParameters()
	info := media.StreamInfo{
		Index:    s.Index(),
		Codec:    cp.CodecID().Name(),
		TimeBase: media.Rational{Num: s.TimeBase().Num(), Den: s.TimeBase().Den()},
		Duration: duration,
	}

	switch cp.MediaType() {
	case astiav.MediaTypeVideo:
		info.Kind = media.StreamKindVideo
		info.Width = cp.Width()
		info.Height = cp.Height()
		fr := s.AvgFrameRate()
		info.FrameRate = media.Rational{Num: fr.Num(), Den: fr.Den()}
	case astiav.MediaTypeAudio:
		info.Kind = media.StreamKindAudio
		info.SampleRate = cp.SampleRate()
		info.Channels = cp.ChannelLayout().Channels()
	default:
		info.Kind = media.StreamKindOther
	}
	return info
}

// Streams returns the probed stream descriptors in container order. The
// returned slice is shared; callers must not mutate it.
func (f *File) Streams() []media.StreamInfo { return f.streams }

// Stream exposes the underlying libav stream for a probed index, so the
// codec layer can bind a decoder to its codec parameters.
func (f *File) Stream(index int) (*astiav.Stream, bool) {
	s, ok := f.byIndex[index]
	return s, ok
}

// ReadPacket returns the next packet in container order, skipping packets
// libav flags as corrupt, and io.EOF once the container is exhausted.
func (f *File) ReadPacket() (*media.Packet, error) {
	for {
		if err := f.fc.ReadFrame(f.pkt); err != nil {
			if errors.Is(err, astiav.ErrEof) {
				return nil, io.EOF
			}
			return nil, fmt.Errorf("container: read packet: %w", err)
		}

		if f.pkt.Flags().Has(astiav.PacketFlagCorrupt) {
			f.log.Debug("skipping corrupt packet", "stream", f.pkt.StreamIndex())
			f.pkt.Unref()
			continue
		}

		out := &media.Packet{
			StreamIndex: f.pkt.StreamIndex(),
			PTS:         normalizeTS(f.pkt.Pts()),
			DTS:         normalizeTS(f.pkt.Dts()),
			Duration:    f.pkt.Duration(),
			Keyframe:    f.pkt.Flags().Has(astiav.PacketFlagKey),
			Data:        append([]byte(nil), f.pkt.Data()...),
		}
		f.pkt.Unref()
		return out, nil
	}
}

// normalizeTS maps libav's missing-timestamp sentinel onto media.NoPTS.
func normalizeTS(v int64) int64 {
	if v == astiav.NoPtsValue {
		return media.NoPTS
	}
	return v
}

// Close releases the libav contexts. Idempotent.
func (f *File) Close() error {
	f.closeOnce.Do(func() {
		f.closeErr = f.closer.Close()
	})
	return f.closeErr
}
