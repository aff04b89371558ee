package media

import "math"

// NoPTS marks a missing presentation timestamp. The value matches libav's
// AV_NOPTS_VALUE so container timestamps pass through unchanged.
const NoPTS int64 = math.MinInt64

// Packet is one compressed access unit read from the container, tagged with
// the elementary stream it belongs to. Data is copied out of the demuxer's
// buffers at read time, so a Packet owns its bytes. A packet is moved into
// exactly one pipeline's queue and consumed there; it is never shared.
type Packet struct {
	StreamIndex int
	PTS         int64
	DTS         int64
	Duration    int64
	Keyframe    bool
	Data        []byte
}
