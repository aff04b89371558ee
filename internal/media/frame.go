// Package media defines the packet and frame types that flow through the
// matinee playback engine, from container demuxing through decode to the
// presentation callbacks.
package media

// Channel capacities shared by the dispatcher (producer) and the decode
// pipelines (consumer). The packet queue is the backpressure knob: once a
// pipeline holds this many undecoded packets, the dispatcher's submit
// suspends, which throttles container reads. The control queue only ever
// holds a handful of play/pause commands because the worker services it in
// every state, including while paused.
const (
	PacketQueueSize  = 128
	ControlQueueSize = 16
)

// PixelFormat identifies the memory layout of a decoded video frame.
type PixelFormat int

// Video frames leave the decode layer in planar 4:2:0 (I420); anything the
// decoder produced in another layout has already been converted.
const (
	PixelFormatUnknown PixelFormat = iota
	PixelFormatI420
)

// PlaneCount returns the number of planes for the format, or 0 when unknown.
func (f PixelFormat) PlaneCount() int {
	if f == PixelFormatI420 {
		return 3
	}
	return 0
}

func (f PixelFormat) String() string {
	if f == PixelFormatI420 {
		return "i420"
	}
	return "unknown"
}

// SampleFormat identifies the memory layout of decoded audio samples.
type SampleFormat int

// Audio frames leave the decode layer as interleaved signed 16-bit samples.
const (
	SampleFormatUnknown SampleFormat = iota
	SampleFormatS16
)

// BytesPerSample returns the size of one sample of one channel, or 0 when
// unknown.
func (f SampleFormat) BytesPerSample() int {
	if f == SampleFormatS16 {
		return 2
	}
	return 0
}

func (f SampleFormat) String() string {
	if f == SampleFormatS16 {
		return "s16"
	}
	return "unknown"
}

// Frame is the common shape of decoded output a pipeline paces and delivers:
// either a *VideoFrame or an *AudioFrame.
type Frame interface {
	// FramePTS returns the presentation timestamp in stream time-base
	// ticks, or NoPTS when the decoder could not assign one.
	FramePTS() int64
}

// VideoFrame is one decoded picture. Data holds one slice per plane
// (Y, U, V for I420) and Stride the corresponding bytes-per-row, which may
// exceed the visible width. Callbacks borrow the frame for the duration of
// the call and must Clone anything they retain.
type VideoFrame struct {
	Width  int
	Height int
	Format PixelFormat
	Data   [][]byte
	Stride []int
	PTS    int64
}

// FramePTS implements Frame.
func (f *VideoFrame) FramePTS() int64 { return f.PTS }

// Clone returns a deep copy whose plane data is independent of the original.
func (f *VideoFrame) Clone() *VideoFrame {
	c := *f
	c.Data = make([][]byte, len(f.Data))
	for i, plane := range f.Data {
		c.Data[i] = append([]byte(nil), plane...)
	}
	c.Stride = append([]int(nil), f.Stride...)
	return &c
}

// AudioFrame is one decoded run of audio samples, interleaved across
// channels. SampleCount is per channel, so len(Data) is
// SampleCount * Channels * Format.BytesPerSample().
type AudioFrame struct {
	SampleRate  int
	Channels    int
	SampleCount int
	Format      SampleFormat
	Data        []byte
	PTS         int64
}

// FramePTS implements Frame.
func (f *AudioFrame) FramePTS() int64 { return f.PTS }

// Clone returns a deep copy whose sample data is independent of the original.
func (f *AudioFrame) Clone() *AudioFrame {
	c := *f
	c.Data = append([]byte(nil), f.Data...)
	return &c
}
