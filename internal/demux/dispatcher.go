// Package demux routes container packets to their decode pipelines in file
// order, honoring each pipeline's backpressure.
package demux

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"

	"github.com/zsiec/matinee/internal/media"
)

// Source supplies stream descriptors and sequential packets from an opened
// container. The libav-backed implementation lives in internal/container;
// tests script their own.
type Source interface {
	Streams() []media.StreamInfo
	// ReadPacket returns the next packet in container order, or io.EOF once
	// the container is exhausted. Returned packets own their data.
	ReadPacket() (*media.Packet, error)
	Close() error
}

// RouteTarget is the slice of a decode pipeline the dispatcher drives:
// blocking packet submission and end-of-input signaling.
type RouteTarget interface {
	SubmitPacket(ctx context.Context, pkt *media.Packet) bool
	CloseInput()
}

// Dispatcher reads packets from a source and forwards each to the pipeline
// registered for its stream index. A full pipeline queue suspends the
// dispatch loop, which throttles container reads; that is the engine's only
// backpressure mechanism. Packets for unregistered streams are counted and
// discarded.
type Dispatcher struct {
	src    Source
	log    *slog.Logger
	routes map[int]RouteTarget

	routed       atomic.Int64
	discarded    atomic.Int64
	inputsClosed bool
}

// NewDispatcher creates a dispatcher over src. If log is nil, slog.Default()
// is used.
func NewDispatcher(src Source, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		src:    src,
		log:    log.With("component", "demux"),
		routes: make(map[int]RouteTarget),
	}
}

// Register binds a stream index to a pipeline. All registrations must happen
// before Run starts; the route table is read-only afterwards.
func (d *Dispatcher) Register(streamIndex int, target RouteTarget) {
	d.routes[streamIndex] = target
}

// Next advances the container reader once. The packet read is routed to its
// pipeline, suspending on that pipeline's backpressure, and returned for
// inspection. ok is false at end of container. An unregistered stream index
// is not an error; the packet is discarded.
func (d *Dispatcher) Next(ctx context.Context) (pkt *media.Packet, ok bool, err error) {
	pkt, err = d.src.ReadPacket()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("read packet: %w", err)
	}

	target, registered := d.routes[pkt.StreamIndex]
	if !registered {
		d.discarded.Add(1)
		return pkt, true, nil
	}

	if !target.SubmitPacket(ctx, pkt) {
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		// Pipeline worker already exited; nothing left to feed on this
		// stream. Normal during shutdown, not a dispatch failure.
		d.discarded.Add(1)
		d.log.Debug("packet not accepted, pipeline stopped", "stream", pkt.StreamIndex, "pts", pkt.PTS)
		return pkt, true, nil
	}

	d.routed.Add(1)
	return pkt, true, nil
}

// Run dispatches packets until end of container, a read failure, or ctx
// cancellation. On every exit path it closes each registered pipeline's
// packet channel exactly once, so pipelines always drain and stop. Run is
// single-shot: it must be called at most once.
func (d *Dispatcher) Run(ctx context.Context) error {
	defer d.closeInputs()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		_, ok, err := d.Next(ctx)
		if err != nil {
			return err
		}
		if !ok {
			d.log.Debug("end of container",
				"routed", d.routed.Load(), "discarded", d.discarded.Load())
			return nil
		}
	}
}

// Counts reports how many packets were routed to pipelines and how many were
// discarded (unregistered streams or stopped pipelines).
func (d *Dispatcher) Counts() (routed, discarded int64) {
	return d.routed.Load(), d.discarded.Load()
}

func (d *Dispatcher) closeInputs() {
	if d.inputsClosed {
		return
	}
	d.inputsClosed = true
	for _, target := range d.routes {
		target.CloseInput()
	}
}
