// Package playback implements the per-stream decode pipeline: a bounded
// packet queue, a control inbox, and a single worker goroutine that decodes
// packets, paces the resulting frames against a stream clock, and delivers
// them to a callback.
//
// One [Pipeline] exists per elementary stream. The dispatcher is the only
// packet producer and the player is the only control producer; the worker is
// the only consumer of both channels and the only code that touches the
// decoder. All coordination goes through those two channels.
package playback

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/zsiec/matinee/internal/clock"
	"github.com/zsiec/matinee/internal/media"
)

// Command is a control message for a pipeline worker. Commands are observed
// at the worker's next scheduling point and are never reordered relative to
// each other.
type Command int

const (
	CommandPlay Command = iota
	CommandPause
)

func (c Command) String() string {
	switch c {
	case CommandPlay:
		return "play"
	case CommandPause:
		return "pause"
	default:
		return "unknown"
	}
}

// State reports where a pipeline worker is in its lifecycle.
type State int32

const (
	StatePlaying State = iota
	StatePaused
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// ErrNoFrame is returned by Decoder.ReceiveFrame when no frame is ready:
// the decoder either needs more input or, after a nil flush packet, has
// emitted everything it ever will.
var ErrNoFrame = errors.New("playback: no frame available")

// Decoder turns compressed packets into decoded frames. A decoder is owned
// by exactly one pipeline and is only used from its worker goroutine, so
// implementations need no internal locking. Passing a nil packet to
// SendPacket begins a flush; ReceiveFrame then drains buffered frames until
// ErrNoFrame reports the decoder dry.
type Decoder interface {
	SendPacket(pkt *media.Packet) error
	ReceiveFrame() (media.Frame, error)
	Close()
}

// FrameFunc receives each decoded, pace-gated frame. It runs on the
// pipeline's worker goroutine and borrows the frame for the duration of the
// call; retained data must be cloned.
type FrameFunc func(media.Frame)

// Config carries everything a pipeline needs. Decoder and FrameFunc are
// required; QueueSize defaults to media.PacketQueueSize; a nil Logger falls
// back to slog.Default(); Stats is optional.
type Config struct {
	Stream    media.StreamInfo
	Decoder   Decoder
	Clock     clock.Clock
	FrameFunc FrameFunc
	QueueSize int
	Stats     *Stats
	Logger    *slog.Logger
}

// Pipeline drives one elementary stream from compressed packets to paced
// frame callbacks. Lifecycle calls (Start, SendControl, Close) are
// serialized by the owning player; SubmitPacket and CloseInput belong to the
// single dispatcher goroutine.
type Pipeline struct {
	stream  media.StreamInfo
	dec     Decoder
	clk     clock.Clock
	frameFn FrameFunc
	stats   *Stats
	log     *slog.Logger
	warnLog rate.Sometimes

	packets chan *media.Packet
	control chan Command
	done    chan struct{}

	state   atomic.Int32
	started atomic.Bool
	closed  atomic.Bool
}

// New validates cfg and builds a pipeline. The worker does not run until
// Start is called.
func New(cfg Config) (*Pipeline, error) {
	if cfg.Decoder == nil {
		return nil, errors.New("playback: config requires a decoder")
	}
	if cfg.FrameFunc == nil {
		return nil, errors.New("playback: config requires a frame func")
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = media.PacketQueueSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Pipeline{
		stream:  cfg.Stream,
		dec:     cfg.Decoder,
		clk:     cfg.Clock,
		frameFn: cfg.FrameFunc,
		stats:   cfg.Stats,
		log: logger.With("component", "playback",
			"stream", cfg.Stream.Index, "kind", cfg.Stream.Kind.String()),
		warnLog: rate.Sometimes{First: 5, Interval: 5 * time.Second},
		packets: make(chan *media.Packet, queueSize),
		control: make(chan Command, media.ControlQueueSize),
		done:    make(chan struct{}),
	}, nil
}

// Start spawns the worker goroutine. Subsequent calls are no-ops.
func (p *Pipeline) Start() {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	go p.run()
}

// Stream returns the descriptor of the elementary stream this pipeline owns.
func (p *Pipeline) Stream() media.StreamInfo { return p.stream }

// State returns the worker's current lifecycle state.
func (p *Pipeline) State() State { return State(p.state.Load()) }

// Done is closed when the worker has exited and the decoder is released.
func (p *Pipeline) Done() <-chan struct{} { return p.done }

// SubmitPacket enqueues a packet for decoding, blocking while the bounded
// queue is full. That suspension is the engine's backpressure: a slow
// decoder stalls the dispatcher and with it container reads. It reports
// false when the packet was not accepted because the worker already exited
// or ctx ended.
func (p *Pipeline) SubmitPacket(ctx context.Context, pkt *media.Packet) bool {
	select {
	case <-p.done:
		return false
	case <-ctx.Done():
		return false
	default:
	}

	select {
	case p.packets <- pkt:
		if p.stats != nil {
			p.stats.RecordPacket(len(pkt.Data), len(p.packets))
		}
		return true
	case <-p.done:
		return false
	case <-ctx.Done():
		return false
	}
}

// CloseInput closes the packet channel, marking end of input and starting
// the drain-and-stop sequence once the queue empties. Only the dispatcher,
// as sole producer, may call it, and only once.
func (p *Pipeline) CloseInput() {
	close(p.packets)
}

// SendControl enqueues a play or pause command. The worker services the
// control channel in every state, including while paused and during pacing
// waits, so the buffered send does not block in practice. A command sent
// after the worker exited is dropped with a log line.
func (p *Pipeline) SendControl(cmd Command) {
	if p.closed.Load() {
		p.log.Warn("control command dropped, pipeline closed", "command", cmd.String())
		return
	}
	select {
	case p.control <- cmd:
	case <-p.done:
		p.log.Warn("control command dropped, worker stopped", "command", cmd.String())
	}
}

// Close signals shutdown by closing the control channel, then joins the
// worker, guaranteeing the decoder is released before Close returns and is
// never touched afterwards. Queued packets are abandoned. Close is
// idempotent; like SendControl it must only be called by the owning player.
func (p *Pipeline) Close() {
	if p.closed.CompareAndSwap(false, true) {
		close(p.control)
		if !p.started.Load() {
			// No worker to join; release the decoder here.
			p.state.Store(int32(StateStopped))
			p.dec.Close()
			close(p.done)
		}
	}
	<-p.done
}

func (p *Pipeline) setState(s State) {
	p.state.Store(int32(s))
}

// run is the worker loop. Each iteration services exactly one of: a control
// command, a pacing wait, or a packet. Pacing waits race the control channel
// so pause and shutdown preempt a sleep without losing the pending frame;
// its delay is recomputed from the absolute clock target on resume.
func (p *Pipeline) run() {
	defer close(p.done)
	defer p.dec.Close()
	defer p.setState(StateStopped)

	p.log.Debug("worker started", "queueCapacity", cap(p.packets), "timeBase", p.stream.TimeBase.String())

	playing := true
	draining := false
	var pending []media.Frame // decoded, not yet delivered

	for {
		// Paused: queued packets stay queued, only control can wake us.
		if !playing {
			cmd, ok := <-p.control
			if !ok {
				return
			}
			playing = p.applyCommand(cmd, playing)
			continue
		}

		if len(pending) > 0 {
			frame := pending[0]
			if delay := p.clk.Delay(frame.FramePTS()); delay > 0 {
				timer := time.NewTimer(delay)
				select {
				case cmd, ok := <-p.control:
					timer.Stop()
					if !ok {
						return
					}
					playing = p.applyCommand(cmd, playing)
					continue // frame stays pending
				case <-timer.C:
				}
			}
			p.frameFn(frame)
			pending = pending[1:]
			if p.stats != nil {
				p.stats.RecordFrame(frame)
			}
			continue
		}

		if draining {
			p.log.Debug("drained")
			return
		}

		// Race the next packet against the next command.
		select {
		case cmd, ok := <-p.control:
			if !ok {
				return
			}
			playing = p.applyCommand(cmd, playing)
		case pkt, ok := <-p.packets:
			if !ok {
				// Input closed and queue fully consumed: flush the decoder
				// and deliver whatever it still holds, paced as usual.
				draining = true
				p.setState(StateDraining)
				pending = p.flushDecoder()
				continue
			}
			pending = p.decodePacket(pkt)
		}
	}
}

func (p *Pipeline) applyCommand(cmd Command, playing bool) bool {
	switch cmd {
	case CommandPause:
		p.setState(StatePaused)
		p.log.Debug("paused")
		return false
	case CommandPlay:
		p.setState(StatePlaying)
		p.log.Debug("playing")
		return true
	default:
		p.log.Warn("unknown control command", "command", int(cmd))
		return playing
	}
}

// decodePacket feeds one packet to the decoder and collects every frame it
// is willing to emit, in emission order. A packet may yield zero, one, or
// several frames. A rejected packet is logged and skipped; it never stops
// the pipeline.
func (p *Pipeline) decodePacket(pkt *media.Packet) []media.Frame {
	if err := p.dec.SendPacket(pkt); err != nil {
		if p.stats != nil {
			p.stats.RecordDecodeError()
		}
		p.warnLog.Do(func() {
			p.log.Warn("packet rejected by decoder, skipping",
				"pts", pkt.PTS, "size", len(pkt.Data), "error", err)
		})
		return nil
	}
	return p.receiveFrames()
}

func (p *Pipeline) flushDecoder() []media.Frame {
	if err := p.dec.SendPacket(nil); err != nil {
		p.log.Debug("decoder flush rejected", "error", err)
		return nil
	}
	return p.receiveFrames()
}

func (p *Pipeline) receiveFrames() []media.Frame {
	var frames []media.Frame
	for {
		frame, err := p.dec.ReceiveFrame()
		if err != nil {
			if !errors.Is(err, ErrNoFrame) {
				if p.stats != nil {
					p.stats.RecordDecodeError()
				}
				p.warnLog.Do(func() {
					p.log.Warn("decode error, continuing", "error", err)
				})
			}
			return frames
		}
		frames = append(frames, frame)
	}
}
