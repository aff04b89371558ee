package codec

import (
	"fmt"
	"log/slog"

	"github.com/asticode/go-astiav"
	"github.com/asticode/go-astikit"

	"github.com/zsiec/matinee/internal/media"
)

// audioDecoder decodes one audio stream and converts every frame to
// interleaved signed 16-bit samples. Sample rate and channel layout pass
// through untouched, so the resampler converts format only and never holds
// tail samples that would need a drain. All methods run on the owning
// pipeline's worker goroutine.
type audioDecoder struct {
	log    *slog.Logger
	closer *astikit.Closer
	cc     *astiav.CodecContext
	pkt    *astiav.Packet
	frame  *astiav.Frame
	out    *astiav.Frame
	srx    *astiav.SoftwareResampleContext

	rate     int
	channels int
	layout   astiav.ChannelLayout
}

func newAudioDecoder(s *astiav.Stream, log *slog.Logger) (*audioDecoder, error) {
	cc, err := openCodecContext(s, 0)
	if err != nil {
		return nil, err
	}

	d := &audioDecoder{
		log:      log.With("kind", "audio", "stream", s.Index()),
		closer:   astikit.NewCloser(),
		cc:       cc,
		rate:     cc.SampleRate(),
		channels: cc.ChannelLayout().Channels(),
		layout:   cc.ChannelLayout(),
	}
	d.closer.Add(cc.Free)
	d.pkt = astiav.AllocPacket()
	d.closer.Add(d.pkt.Free)
	d.frame = astiav.AllocFrame()
	d.closer.Add(d.frame.Free)
	d.out = astiav.AllocFrame()
	d.closer.Add(d.out.Free)
	d.srx = astiav.AllocSoftwareResampleContext()
	d.closer.Add(d.srx.Free)

	d.log.Debug("audio decoder opened",
		"codec", s.CodecParameters().CodecID().Name(),
		"sampleRate", d.rate, "channels", d.channels)
	return d, nil
}

// SendPacket feeds one compressed packet to the decoder. A nil packet
// begins the end-of-stream flush.
func (d *audioDecoder) SendPacket(pkt *media.Packet) error {
	if pkt == nil {
		if err := d.cc.SendPacket(nil); err != nil {
			return fmt.Errorf("codec: flush audio decoder: %w", err)
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
		return fmt.Errorf("codec: send audio packet: %w", err)
	}
	return nil
}

// ReceiveFrame returns the next decoded frame as interleaved S16, or
// playback.ErrNoFrame when the decoder needs more input or has drained.
func (d *audioDecoder) ReceiveFrame() (media.Frame, error) {
	d.frame.Unref()
	if err := d.cc.ReceiveFrame(d.frame); err != nil {
		return nil, recvErr(err)
	}

	// Decoders mostly emit planar floats; one unconditional conversion keeps
	// a single output path even when the source is already packed S16.
	d.out.Unref()
	d.out.SetChannelLayout(d.layout)
	d.out.SetSampleFormat(astiav.SampleFormatS16)
	d.out.SetSampleRate(d.rate)
	if err := d.srx.ConvertFrame(d.frame, d.out); err != nil {
		return nil, fmt.Errorf("codec: convert samples: %w", err)
	}

	buf, err := d.out.Data().Bytes(1)
	if err != nil {
		return nil, fmt.Errorf("codec: copy sample bytes: %w", err)
	}
	want := d.out.NbSamples() * d.channels * media.SampleFormatS16.BytesPerSample()
	if len(buf) < want {
		return nil, fmt.Errorf("codec: sample buffer too small: %d bytes for %d samples", len(buf), d.out.NbSamples())
	}

	return &media.AudioFrame{
		SampleRate:  d.rate,
		Channels:    d.channels,
		SampleCount: d.out.NbSamples(),
		Format:      media.SampleFormatS16,
		Data:        buf[:want],
		PTS:         normalizeTS(d.frame.Pts()),
	}, nil
}

// Close releases the codec context, resampler, and scratch frames.
func (d *audioDecoder) Close() {
	if err := d.closer.Close(); err != nil {
		d.log.Debug("audio decoder close", "error", err)
	}
}
