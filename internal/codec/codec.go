// Package codec adapts libav decoders to the playback engine. Each decoder
// wraps one codec context plus the conversion step that normalizes output:
// video frames become I420 at native size, audio frames become interleaved
// signed 16-bit samples at the source rate and layout.
package codec

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime"

	"github.com/asticode/go-astiav"

	"github.com/zsiec/matinee/internal/container"
	"github.com/zsiec/matinee/internal/media"
	"github.com/zsiec/matinee/internal/playback"
)

// Options tunes decoder construction. A VideoThreads of zero means one
// thread per CPU.
type Options struct {
	VideoThreads int
}

// Opener builds decoders bound to the streams of one open file.
type Opener struct {
	file *container.File
	opts Options
	log  *slog.Logger
}

// NewOpener returns an opener over f's streams.
func NewOpener(f *container.File, opts Options, log *slog.Logger) *Opener {
	if log == nil {
		log = slog.Default()
	}
	return &Opener{
		file: f,
		opts: opts,
		log:  log.With("component", "codec"),
	}
}

// OpenDecoder builds a decoder for the described stream. The returned
// decoder belongs to exactly one pipeline worker and must be released with
// Close.
func (o *Opener) OpenDecoder(info media.StreamInfo) (playback.Decoder, error) {
	s, ok := o.file.Stream(info.Index)
	if !ok {
		return nil, fmt.Errorf("codec: unknown stream index %d", info.Index)
	}

	switch info.Kind {
	case media.StreamKindVideo:
		threads := o.opts.VideoThreads
		if threads <= 0 {
			threads = runtime.NumCPU()
		}
		return newVideoDecoder(s, threads, o.log)
	case media.StreamKindAudio:
		return newAudioDecoder(s, o.log)
	default:
		return nil, fmt.Errorf("codec: unsupported stream kind %q", info.Kind)
	}
}

// openCodecContext finds the decoder for a stream, copies its parameters
// into a fresh codec context, and opens it.
func openCodecContext(s *astiav.Stream, threads int) (*astiav.CodecContext, error) {
	cp := s.CodecParameters()
	cdc := astiav.FindDecoder(cp.CodecID())
	if cdc == nil {
		return nil, fmt.Errorf("codec: no decoder for %s", cp.CodecID().Name())
	}

	cc := astiav.AllocCodecContext(cdc)
	if cc == nil {
		return nil, fmt.Errorf("codec: alloc context for %s", cp.CodecID().Name())
	}
	if err := cp.ToCodecContext(cc); err != nil {
		cc.Free()
		return nil, fmt.Errorf("codec: copy parameters: %w", err)
	}
	if threads > 0 {
		cc.SetThreadCount(threads)
	}
	if err := cc.Open(cdc, nil); err != nil {
		cc.Free()
		return nil, fmt.Errorf("codec: open %s: %w", cp.CodecID().Name(), err)
	}
	return cc, nil
}

// normalizeTS maps libav's missing-timestamp sentinel onto media.NoPTS.
func normalizeTS(v int64) int64 {
	if v == astiav.NoPtsValue {
		return media.NoPTS
	}
	return v
}

// denormalizeTS is the inverse mapping, applied when handing packets back
// to libav.
func denormalizeTS(v int64) int64 {
	if v == media.NoPTS {
		return astiav.NoPtsValue
	}
	return v
}

// recvErr translates a ReceiveFrame error. EAGAIN means the decoder wants
// more input and EOF means a flush has fully drained; both are the
// pipeline's ErrNoFrame.
func recvErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, astiav.ErrEagain) || errors.Is(err, astiav.ErrEof) {
		return playback.ErrNoFrame
	}
	return fmt.Errorf("codec: receive frame: %w", err)
}
