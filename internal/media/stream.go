package media

import (
	"fmt"
	"time"
)

// StreamKind classifies an elementary stream. The engine builds pipelines
// for video and audio; everything else is discarded by the dispatcher.
type StreamKind int

const (
	StreamKindOther StreamKind = iota
	StreamKindVideo
	StreamKindAudio
)

func (k StreamKind) String() string {
	switch k {
	case StreamKindVideo:
		return "video"
	case StreamKindAudio:
		return "audio"
	default:
		return "other"
	}
}

// Rational is an exact ratio, used for stream time bases and frame rates.
type Rational struct {
	Num int
	Den int
}

// Seconds returns the ratio as a float64, or 0 when the denominator is 0.
func (r Rational) Seconds() float64 {
	if r.Den == 0 {
		return 0
	}
	return float64(r.Num) / float64(r.Den)
}

// IsValid reports whether the ratio has a positive denominator.
func (r Rational) IsValid() bool { return r.Den > 0 }

func (r Rational) String() string { return fmt.Sprintf("%d/%d", r.Num, r.Den) }

// StreamInfo describes one elementary stream as probed from the container:
// enough to construct a decoder, a clock, and log lines. Width/Height and
// FrameRate are zero for audio; SampleRate/Channels are zero for video.
type StreamInfo struct {
	Index      int
	Kind       StreamKind
	Codec      string
	TimeBase   Rational
	Width      int
	Height     int
	FrameRate  Rational
	SampleRate int
	Channels   int
	Duration   time.Duration
}
