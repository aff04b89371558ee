package playback

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/matinee/internal/media"
)

// fpsWindowSpan is the sliding window used to estimate delivered frame rate.
const fpsWindowSpan = 2 * time.Second

// Stats accumulates telemetry for one pipeline in a concurrency-safe manner:
// the worker records frames and errors, the dispatcher records packets, and
// any goroutine may snapshot.
//
// Fields are organized by the mechanism that guards them:
//   - Atomic counters: lock-free concurrent reads/writes
//   - fpsWindowMu: frame-delivery sliding window
type Stats struct {
	// Atomic counters, no mutex needed
	packets      atomic.Int64
	packetBytes  atomic.Int64
	frames       atomic.Int64
	decodeErrors atomic.Int64
	lastPTS      atomic.Int64
	queueDepth   atomic.Int32
	queueHigh    atomic.Int32

	// fpsWindowMu guards fpsWindow
	fpsWindowMu sync.Mutex
	fpsWindow   []time.Time
}

// NewStats creates a Stats ready for recording.
func NewStats() *Stats {
	s := &Stats{}
	s.lastPTS.Store(media.NoPTS)
	return s
}

// Snapshot is a point-in-time view of one pipeline's telemetry.
type Snapshot struct {
	Packets        int64
	PacketBytes    int64
	Frames         int64
	DecodeErrors   int64
	LastPTS        int64 // media.NoPTS until a timestamped frame is delivered
	QueueDepth     int
	QueueHighWater int
	FPS            float64
}

// RecordPacket records an accepted packet and the queue depth observed right
// after the enqueue, maintaining the high-water mark.
func (s *Stats) RecordPacket(bytes, depth int) {
	s.packets.Add(1)
	s.packetBytes.Add(int64(bytes))
	s.queueDepth.Store(int32(depth))
	for {
		high := s.queueHigh.Load()
		if int32(depth) <= high || s.queueHigh.CompareAndSwap(high, int32(depth)) {
			return
		}
	}
}

// RecordFrame records a delivered frame, feeding the FPS window and the
// last-PTS gauge.
func (s *Stats) RecordFrame(frame media.Frame) {
	s.frames.Add(1)
	if pts := frame.FramePTS(); pts != media.NoPTS {
		s.lastPTS.Store(pts)
	}

	now := time.Now()
	cutoff := now.Add(-fpsWindowSpan)

	s.fpsWindowMu.Lock()
	s.fpsWindow = append(s.fpsWindow, now)
	i := 0
	for i < len(s.fpsWindow) && s.fpsWindow[i].Before(cutoff) {
		i++
	}
	s.fpsWindow = s.fpsWindow[i:]
	s.fpsWindowMu.Unlock()
}

// RecordDecodeError counts a skipped packet or failed frame receive.
func (s *Stats) RecordDecodeError() {
	s.decodeErrors.Add(1)
}

// FPS computes the delivered frame rate over the sliding window.
func (s *Stats) FPS() float64 {
	s.fpsWindowMu.Lock()
	defer s.fpsWindowMu.Unlock()

	if len(s.fpsWindow) < 2 {
		return 0
	}

	dur := s.fpsWindow[len(s.fpsWindow)-1].Sub(s.fpsWindow[0]).Seconds()
	if dur <= 0 {
		return 0
	}
	return float64(len(s.fpsWindow)-1) / dur
}

// Snapshot produces a consistent point-in-time view.
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		Packets:        s.packets.Load(),
		PacketBytes:    s.packetBytes.Load(),
		Frames:         s.frames.Load(),
		DecodeErrors:   s.decodeErrors.Load(),
		LastPTS:        s.lastPTS.Load(),
		QueueDepth:     int(s.queueDepth.Load()),
		QueueHighWater: int(s.queueHigh.Load()),
		FPS:            s.FPS(),
	}
}
