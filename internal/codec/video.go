package codec

import (
	"fmt"
	"log/slog"

	"github.com/asticode/go-astiav"
	"github.com/asticode/go-astikit"

	"github.com/zsiec/matinee/internal/media"
)

// videoDecoder decodes one video stream and converts every frame to I420.
// Frames keep their native dimensions; fitting them to a window is the
// presentation layer's job. All methods run on the owning pipeline's worker
// goroutine, so no locking.
type videoDecoder struct {
	log    *slog.Logger
	closer *astikit.Closer
	cc     *astiav.CodecContext
	pkt    *astiav.Packet
	frame  *astiav.Frame
	scaled *astiav.Frame

	// The scaler is built lazily from the first decoded frame and rebuilt if
	// the stream changes geometry or pixel format mid-file.
	ssc  *astiav.SoftwareScaleContext
	srcW int
	srcH int
	srcF astiav.PixelFormat
}

func newVideoDecoder(s *astiav.Stream, threads int, log *slog.Logger) (*videoDecoder, error) {
	cc, err := openCodecContext(s, threads)
	if err != nil {
		return nil, err
	}

	d := &videoDecoder{
		log:    log.With("kind", "video", "stream", s.Index()),
		closer: astikit.NewCloser(),
		cc:     cc,
	}
	d.closer.Add(cc.Free)
	d.pkt = astiav.AllocPacket()
	d.closer.Add(d.pkt.Free)
	d.frame = astiav.AllocFrame()
	d.closer.Add(d.frame.Free)
	d.scaled = astiav.AllocFrame()
	d.closer.Add(d.scaled.Free)

	d.log.Debug("video decoder opened",
		"codec", s.CodecParameters().CodecID().Name(), "threads", threads)
	return d, nil
}

// SendPacket feeds one compressed packet to the decoder. A nil packet
// begins the end-of-stream flush.
func (d *videoDecoder) SendPacket(pkt *media.Packet) error {
	if pkt == nil {
		if err := d.cc.SendPacket(nil); err != nil {
			return fmt.Errorf("codec: flush video decoder: %w", err)
		}
		return nil
	}

	d.pkt.Unref()
	if err := d.pkt.FromData(pkt.Data); err != nil {
		return fmt.Errorf("codec: wrap packet data: %w", err)
	}
	d.pkt.SetPts(denormalizeTS(pkt.PTS))
	d.pkt.SetDts(denormalizeTS(pkt.DTS))
	d.pkt.SetDuration(pkt.Duration)

	err := d.cc.SendPacket(d.pkt)
	d.pkt.Unref()
	if err != nil {
		return fmt.Errorf("codec: send video packet: %w", err)
	}
	return nil
}

// ReceiveFrame returns the next decoded frame as I420, or
// playback.ErrNoFrame when the decoder needs more input or has drained.
func (d *videoDecoder) ReceiveFrame() (media.Frame, error) {
	d.frame.Unref()
	if err := d.cc.ReceiveFrame(d.frame); err != nil {
		return nil, recvErr(err)
	}

	f := d.frame
	if f.PixelFormat() != astiav.PixelFormatYuv420P {
		scaled, err := d.convert(f)
		if err != nil {
			return nil, err
		}
		f = scaled
	}
	return i420Frame(f)
}

// convert runs the decoded frame through the software scaler into I420 at
// identical dimensions.
func (d *videoDecoder) convert(src *astiav.Frame) (*astiav.Frame, error) {
	if err := d.ensureScaler(src); err != nil {
		return nil, err
	}
	d.scaled.Unref()
	if err := d.ssc.ScaleFrame(src, d.scaled); err != nil {
		return nil, fmt.Errorf("codec: scale frame: %w", err)
	}
	d.scaled.SetPts(src.Pts())
	return d.scaled, nil
}

func (d *videoDecoder) ensureScaler(src *astiav.Frame) error {
	if d.ssc != nil && src.Width() == d.srcW && src.Height() == d.srcH && src.PixelFormat() == d.srcF {
		return nil
	}
	if d.ssc != nil {
		d.ssc.Free()
		d.ssc = nil
		d.log.Debug("rebuilding scaler",
			"width", src.Width(), "height", src.Height(), "pixelFormat", src.PixelFormat().String())
	}

	ssc, err := astiav.CreateSoftwareScaleContext(
		src.Width(), src.Height(), src.PixelFormat(),
		src.Width(), src.Height(), astiav.PixelFormatYuv420P,
		astiav.NewSoftwareScaleContextFlags(astiav.SoftwareScaleContextFlagBilinear))
	if err != nil {
		return fmt.Errorf("codec: create scaler: %w", err)
	}
	d.ssc = ssc
	d.srcW = src.Width()
	d.srcH = src.Height()
	d.srcF = src.PixelFormat()
	return nil
}

// i420Frame copies a YUV420P libav frame into a media.VideoFrame. The copy
// is tightly packed, so each plane's stride is its row width and the three
// plane slices share one backing buffer.
func i420Frame(f *astiav.Frame) (*media.VideoFrame, error) {
	buf, err := f.Data().Bytes(1)
	if err != nil {
		return nil, fmt.Errorf("codec: copy frame bytes: %w", err)
	}

	w, h := f.Width(), f.Height()
	ySize := w * h
	cW, cH := (w+1)/2, (h+1)/2
	cSize := cW * cH
	if len(buf) < ySize+2*cSize {
		return nil, fmt.Errorf("codec: frame buffer too small: %d bytes for %dx%d", len(buf), w, h)
	}

	return &media.VideoFrame{
		Width:  w,
		Height: h,
		Format: media.PixelFormatI420,
		Data: [][]byte{
			buf[:ySize],
			buf[ySize : ySize+cSize],
			buf[ySize+cSize : ySize+2*cSize],
		},
		Stride: []int{w, cW, cW},
		PTS:    normalizeTS(f.Pts()),
	}, nil
}

// Close releases the codec context and scratch frames.
func (d *videoDecoder) Close() {
	if d.ssc != nil {
		d.ssc.Free()
		d.ssc = nil
	}
	if err := d.closer.Close(); err != nil {
		d.log.Debug("video decoder close", "error", err)
	}
}
