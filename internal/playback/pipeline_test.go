package playback

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/zsiec/matinee/internal/clock"
	"github.com/zsiec/matinee/internal/media"
)

// fakeDecoder scripts decode behavior without touching a real codec: each
// packet yields framesPerPacket video frames carrying the packet's PTS, a
// nil packet releases flushFrames, and PTS values in failPTS are rejected.
// It is only called from the worker goroutine, like a real decoder.
type fakeDecoder struct {
	framesPerPacket int
	flushFrames     []media.Frame
	failPTS         map[int64]bool

	queue   []media.Frame
	sent    []int64
	flushed bool
	closed  bool
}

func newFakeDecoder() *fakeDecoder {
	return &fakeDecoder{framesPerPacket: 1}
}

func (d *fakeDecoder) SendPacket(pkt *media.Packet) error {
	if pkt == nil {
		d.flushed = true
		d.queue = append(d.queue, d.flushFrames...)
		return nil
	}
	if d.failPTS[pkt.PTS] {
		return fmt.Errorf("scripted failure for pts %d", pkt.PTS)
	}
	d.sent = append(d.sent, pkt.PTS)
	for i := 0; i < d.framesPerPacket; i++ {
		d.queue = append(d.queue, &media.VideoFrame{
			Width:  16,
			Height: 16,
			Format: media.PixelFormatI420,
			PTS:    pkt.PTS,
		})
	}
	return nil
}

func (d *fakeDecoder) ReceiveFrame() (media.Frame, error) {
	if len(d.queue) == 0 {
		return nil, ErrNoFrame
	}
	f := d.queue[0]
	d.queue = d.queue[1:]
	return f, nil
}

func (d *fakeDecoder) Close() { d.closed = true }

// pastClock returns a clock whose epoch is long gone, so every delay clamps
// to zero and frames deliver immediately.
func pastClock() clock.Clock {
	return clock.New(media.Rational{Num: 1, Den: 1000}, time.Now().Add(-time.Hour))
}

func testStream() media.StreamInfo {
	return media.StreamInfo{
		Index:    0,
		Kind:     media.StreamKindVideo,
		Codec:    "h264",
		TimeBase: media.Rational{Num: 1, Den: 1000},
	}
}

func mkPacket(pts int64) *media.Packet {
	return &media.Packet{StreamIndex: 0, PTS: pts, DTS: pts, Data: []byte{0, 0, 0, 1}}
}

func startPipeline(t *testing.T, cfg Config) *Pipeline {
	t.Helper()
	p, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	p.Start()
	t.Cleanup(p.Close)
	return p
}

func submitAll(t *testing.T, p *Pipeline, pts ...int64) {
	t.Helper()
	for _, v := range pts {
		if !p.SubmitPacket(context.Background(), mkPacket(v)) {
			t.Fatalf("SubmitPacket(%d) rejected", v)
		}
	}
}

func collectPTS(t *testing.T, ch <-chan int64, n int) []int64 {
	t.Helper()
	out := make([]int64, 0, n)
	for len(out) < n {
		select {
		case v := <-ch:
			out = append(out, v)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after %d of %d frames", len(out), n)
		}
	}
	return out
}

func waitState(t *testing.T, p *Pipeline, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if p.State() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("state = %v, want %v", p.State(), want)
}

func waitDone(t *testing.T, p *Pipeline) {
	t.Helper()
	select {
	case <-p.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not exit")
	}
}

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{FrameFunc: func(media.Frame) {}}); err == nil {
		t.Error("expected error for missing decoder")
	}
	if _, err := New(Config{Decoder: newFakeDecoder()}); err == nil {
		t.Error("expected error for missing frame func")
	}
}

func TestDeliversFramesInPacketOrder(t *testing.T) {
	t.Parallel()

	got := make(chan int64, 32)
	p := startPipeline(t, Config{
		Stream:    testStream(),
		Decoder:   newFakeDecoder(),
		Clock:     pastClock(),
		FrameFunc: func(f media.Frame) { got <- f.FramePTS() },
	})

	want := []int64{10, 20, 30, 40, 50, 60, 70, 80}
	submitAll(t, p, want...)
	p.CloseInput()

	for i, v := range collectPTS(t, got, len(want)) {
		if v != want[i] {
			t.Errorf("frame %d: pts = %d, want %d", i, v, want[i])
		}
	}
	waitDone(t, p)
	if p.State() != StateStopped {
		t.Errorf("state = %v, want %v", p.State(), StateStopped)
	}
}

func TestMultipleFramesPerPacketKeepEmissionOrder(t *testing.T) {
	t.Parallel()

	dec := newFakeDecoder()
	dec.framesPerPacket = 3

	got := make(chan int64, 32)
	p := startPipeline(t, Config{
		Stream:    testStream(),
		Decoder:   dec,
		Clock:     pastClock(),
		FrameFunc: func(f media.Frame) { got <- f.FramePTS() },
	})

	submitAll(t, p, 1, 2)
	p.CloseInput()

	want := []int64{1, 1, 1, 2, 2, 2}
	for i, v := range collectPTS(t, got, len(want)) {
		if v != want[i] {
			t.Errorf("frame %d: pts = %d, want %d", i, v, want[i])
		}
	}
	waitDone(t, p)
}

func TestBackpressureSuspendsSubmitter(t *testing.T) {
	t.Parallel()

	const capacity = 4

	got := make(chan int64, 32)
	p := startPipeline(t, Config{
		Stream:    testStream(),
		Decoder:   newFakeDecoder(),
		Clock:     pastClock(),
		FrameFunc: func(f media.Frame) { got <- f.FramePTS() },
		QueueSize: capacity,
	})

	// Pause so nothing is consumed, then fill the queue exactly.
	p.SendControl(CommandPause)
	waitState(t, p, StatePaused)
	submitAll(t, p, 1, 2, 3, 4)

	// The capacity+1th submission must block until a slot frees.
	extraDone := make(chan bool, 1)
	go func() {
		extraDone <- p.SubmitPacket(context.Background(), mkPacket(5))
	}()

	select {
	case <-extraDone:
		t.Fatal("submission into a full queue did not suspend")
	case <-time.After(100 * time.Millisecond):
	}

	p.SendControl(CommandPlay)

	select {
	case ok := <-extraDone:
		if !ok {
			t.Fatal("suspended submission was rejected")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("suspended submission never completed")
	}

	p.CloseInput()
	want := []int64{1, 2, 3, 4, 5}
	for i, v := range collectPTS(t, got, len(want)) {
		if v != want[i] {
			t.Errorf("frame %d: pts = %d, want %d", i, v, want[i])
		}
	}
	waitDone(t, p)
}

func TestSubmitHonorsContext(t *testing.T) {
	t.Parallel()

	p := startPipeline(t, Config{
		Stream:    testStream(),
		Decoder:   newFakeDecoder(),
		Clock:     pastClock(),
		FrameFunc: func(media.Frame) {},
		QueueSize: 1,
	})

	p.SendControl(CommandPause)
	waitState(t, p, StatePaused)
	submitAll(t, p, 1)

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan bool, 1)
	go func() {
		result <- p.SubmitPacket(ctx, mkPacket(2))
	}()
	cancel()

	select {
	case ok := <-result:
		if ok {
			t.Error("submit reported accepted after ctx cancellation")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("submit did not observe ctx cancellation")
	}
}

func TestPausePlayLosesNoPackets(t *testing.T) {
	t.Parallel()

	got := make(chan int64, 32)
	p := startPipeline(t, Config{
		Stream:    testStream(),
		Decoder:   newFakeDecoder(),
		Clock:     pastClock(),
		FrameFunc: func(f media.Frame) { got <- f.FramePTS() },
	})

	submitAll(t, p, 1, 2, 3)
	p.SendControl(CommandPause)
	waitState(t, p, StatePaused)

	// Anything in flight at pause time has already been delivered; nothing
	// new may arrive while paused.
	drained := len(got)
	time.Sleep(50 * time.Millisecond)
	if n := len(got); n != drained {
		t.Errorf("frames delivered while paused: %d", n-drained)
	}

	// Packets submitted during the pause stay queued.
	submitAll(t, p, 4, 5, 6)

	p.SendControl(CommandPlay)
	p.CloseInput()

	want := []int64{1, 2, 3, 4, 5, 6}
	for i, v := range collectPTS(t, got, len(want)) {
		if v != want[i] {
			t.Errorf("frame %d: pts = %d, want %d", i, v, want[i])
		}
	}
	waitDone(t, p)
}

func TestCloseInputWithQueuedPacketsDeliversExactlyThose(t *testing.T) {
	t.Parallel()

	const queued = 5

	dec := newFakeDecoder()
	got := make(chan int64, 32)
	p := startPipeline(t, Config{
		Stream:    testStream(),
		Decoder:   dec,
		Clock:     pastClock(),
		FrameFunc: func(f media.Frame) { got <- f.FramePTS() },
	})

	p.SendControl(CommandPause)
	waitState(t, p, StatePaused)
	submitAll(t, p, 1, 2, 3, 4, 5)
	p.CloseInput()
	p.SendControl(CommandPlay)

	collectPTS(t, got, queued)
	waitDone(t, p)

	// Exactly the queued packets were decoded and delivered, nothing more.
	if len(got) != 0 {
		t.Errorf("unexpected extra frames: %d", len(got))
	}
	if len(dec.sent) != queued {
		t.Errorf("decoder saw %d packets, want %d", len(dec.sent), queued)
	}
}

func TestDrainFlushesDecoder(t *testing.T) {
	t.Parallel()

	dec := newFakeDecoder()
	dec.flushFrames = []media.Frame{
		&media.VideoFrame{Format: media.PixelFormatI420, PTS: 98},
		&media.VideoFrame{Format: media.PixelFormatI420, PTS: 99},
	}

	got := make(chan int64, 32)
	p := startPipeline(t, Config{
		Stream:    testStream(),
		Decoder:   dec,
		Clock:     pastClock(),
		FrameFunc: func(f media.Frame) { got <- f.FramePTS() },
	})

	submitAll(t, p, 1, 2)
	p.CloseInput()

	want := []int64{1, 2, 98, 99}
	for i, v := range collectPTS(t, got, len(want)) {
		if v != want[i] {
			t.Errorf("frame %d: pts = %d, want %d", i, v, want[i])
		}
	}
	waitDone(t, p)
	if !dec.flushed {
		t.Error("decoder was not flushed on drain")
	}
}

func TestPacingFollowsClock(t *testing.T) {
	t.Parallel()

	const frames = 10
	frameDur := 40 * time.Millisecond // 1/25 time base, one tick per frame

	epoch := time.Now()
	type arrival struct {
		pts int64
		at  time.Time
	}
	got := make(chan arrival, frames)

	p := startPipeline(t, Config{
		Stream: media.StreamInfo{
			Index:    0,
			Kind:     media.StreamKindVideo,
			TimeBase: media.Rational{Num: 1, Den: 25},
		},
		Decoder:   newFakeDecoder(),
		Clock:     clock.New(media.Rational{Num: 1, Den: 25}, epoch),
		FrameFunc: func(f media.Frame) { got <- arrival{pts: f.FramePTS(), at: time.Now()} },
	})

	for pts := int64(0); pts < frames; pts++ {
		if !p.SubmitPacket(context.Background(), mkPacket(pts)) {
			t.Fatalf("SubmitPacket(%d) rejected", pts)
		}
	}
	p.CloseInput()

	arrivals := make([]arrival, 0, frames)
	for len(arrivals) < frames {
		select {
		case a := <-got:
			arrivals = append(arrivals, a)
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out after %d of %d frames", len(arrivals), frames)
		}
	}
	waitDone(t, p)

	for i, a := range arrivals {
		if a.pts != int64(i) {
			t.Fatalf("frame %d: pts = %d, want %d", i, a.pts, i)
		}
		target := epoch.Add(time.Duration(a.pts) * frameDur)
		// Timers never fire early; lateness tolerance absorbs scheduler
		// jitter in loaded CI environments.
		if early := target.Sub(a.at); early > 2*time.Millisecond {
			t.Errorf("frame %d delivered %v before its target", i, early)
		}
		if late := a.at.Sub(target); late > 250*time.Millisecond {
			t.Errorf("frame %d delivered %v after its target", i, late)
		}
	}
}

func TestPausePreemptsPacingWait(t *testing.T) {
	t.Parallel()

	epoch := time.Now()
	target := epoch.Add(400 * time.Millisecond) // pts 400 at 1/1000

	type arrival struct {
		pts int64
		at  time.Time
	}
	got := make(chan arrival, 4)

	p := startPipeline(t, Config{
		Stream:    testStream(),
		Decoder:   newFakeDecoder(),
		Clock:     clock.New(media.Rational{Num: 1, Den: 1000}, epoch),
		FrameFunc: func(f media.Frame) { got <- arrival{pts: f.FramePTS(), at: time.Now()} },
	})

	submitAll(t, p, 400)

	// Interrupt the worker mid-sleep; the frame must stay pending.
	time.Sleep(50 * time.Millisecond)
	p.SendControl(CommandPause)
	waitState(t, p, StatePaused)

	select {
	case a := <-got:
		t.Fatalf("frame %d delivered while paused", a.pts)
	case <-time.After(100 * time.Millisecond):
	}

	p.SendControl(CommandPlay)

	select {
	case a := <-got:
		if a.at.Before(target.Add(-2 * time.Millisecond)) {
			t.Errorf("frame delivered %v before its target", target.Sub(a.at))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending frame never delivered after resume")
	}

	p.CloseInput()
	waitDone(t, p)
}

func TestCloseDuringPacingWaitAbandonsPendingFrame(t *testing.T) {
	t.Parallel()

	epoch := time.Now()
	delivered := make(chan int64, 4)

	p := startPipeline(t, Config{
		Stream:    testStream(),
		Decoder:   newFakeDecoder(),
		Clock:     clock.New(media.Rational{Num: 1, Den: 1000}, epoch),
		FrameFunc: func(f media.Frame) { delivered <- f.FramePTS() },
	})

	submitAll(t, p, 5000) // five seconds out
	time.Sleep(50 * time.Millisecond)

	start := time.Now()
	p.Close()
	if waited := time.Since(start); waited > time.Second {
		t.Errorf("close blocked %v on a pacing wait", waited)
	}
	if len(delivered) != 0 {
		t.Error("frame delivered despite shutdown")
	}
	if p.State() != StateStopped {
		t.Errorf("state = %v, want %v", p.State(), StateStopped)
	}
}

func TestUndecodablePacketIsSkipped(t *testing.T) {
	t.Parallel()

	dec := newFakeDecoder()
	dec.failPTS = map[int64]bool{2: true}

	stats := NewStats()
	got := make(chan int64, 32)
	p := startPipeline(t, Config{
		Stream:    testStream(),
		Decoder:   dec,
		Clock:     pastClock(),
		FrameFunc: func(f media.Frame) { got <- f.FramePTS() },
		Stats:     stats,
	})

	submitAll(t, p, 1, 2, 3)
	p.CloseInput()

	want := []int64{1, 3}
	for i, v := range collectPTS(t, got, len(want)) {
		if v != want[i] {
			t.Errorf("frame %d: pts = %d, want %d", i, v, want[i])
		}
	}
	waitDone(t, p)

	if n := stats.Snapshot().DecodeErrors; n != 1 {
		t.Errorf("decode errors = %d, want 1", n)
	}
}

func TestCloseJoinsWorkerAndReleasesDecoder(t *testing.T) {
	t.Parallel()

	dec := newFakeDecoder()
	p := startPipeline(t, Config{
		Stream:    testStream(),
		Decoder:   dec,
		Clock:     pastClock(),
		FrameFunc: func(media.Frame) {},
	})

	p.Close()
	p.Close() // idempotent

	waitDone(t, p)
	if !dec.closed {
		t.Error("decoder not released after close")
	}
	if p.SubmitPacket(context.Background(), mkPacket(1)) {
		t.Error("submit accepted after close")
	}
	// Dropped, not delivered, and must not panic.
	p.SendControl(CommandPause)
}

func TestCloseWithoutStart(t *testing.T) {
	t.Parallel()

	dec := newFakeDecoder()
	p, err := New(Config{
		Stream:    testStream(),
		Decoder:   dec,
		Clock:     pastClock(),
		FrameFunc: func(media.Frame) {},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	p.Close()
	waitDone(t, p)
	if !dec.closed {
		t.Error("decoder not released")
	}
	if p.State() != StateStopped {
		t.Errorf("state = %v, want %v", p.State(), StateStopped)
	}
}

func TestDrainingStateVisibleDuringFlush(t *testing.T) {
	t.Parallel()

	epoch := time.Now()
	dec := newFakeDecoder()
	dec.framesPerPacket = 0
	dec.flushFrames = []media.Frame{
		&media.VideoFrame{Format: media.PixelFormatI420, PTS: 200},
		&media.VideoFrame{Format: media.PixelFormatI420, PTS: 400},
	}

	p := startPipeline(t, Config{
		Stream:    testStream(),
		Decoder:   dec,
		Clock:     clock.New(media.Rational{Num: 1, Den: 1000}, epoch),
		FrameFunc: func(media.Frame) {},
	})

	submitAll(t, p, 1)
	p.CloseInput()

	waitState(t, p, StateDraining)
	waitDone(t, p)
	if p.State() != StateStopped {
		t.Errorf("state = %v, want %v", p.State(), StateStopped)
	}
}

func TestUnknownCommandIsIgnored(t *testing.T) {
	t.Parallel()

	got := make(chan int64, 8)
	p := startPipeline(t, Config{
		Stream:    testStream(),
		Decoder:   newFakeDecoder(),
		Clock:     pastClock(),
		FrameFunc: func(f media.Frame) { got <- f.FramePTS() },
	})

	p.SendControl(Command(99))
	submitAll(t, p, 7)
	p.CloseInput()

	if v := collectPTS(t, got, 1)[0]; v != 7 {
		t.Errorf("pts = %d, want 7", v)
	}
	waitDone(t, p)
}

func TestErrNoFrameMatching(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("receive: %w", ErrNoFrame)
	if !errors.Is(err, ErrNoFrame) {
		t.Error("wrapped ErrNoFrame did not match")
	}
}
