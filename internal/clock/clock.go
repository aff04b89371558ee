// Package clock converts stream presentation timestamps into wall-clock
// pacing delays measured from a fixed playback epoch.
package clock

import (
	"time"

	"github.com/zsiec/matinee/internal/media"
)

// Clock maps the PTS ticks of one elementary stream onto the wall clock.
// It is immutable: the epoch (the instant treated as stream time zero) is
// captured once at construction, and every conversion is a pure function of
// (epoch, time base, pts). Pipelines that should play in sync are built with
// the same epoch; that shared anchor is the entire A/V sync mechanism.
type Clock struct {
	num   int64
	den   int64
	epoch time.Time
}

// New builds a Clock for the given stream time base, anchored at epoch. A
// degenerate time base (zero or negative denominator) collapses every
// conversion to zero, so such streams present immediately instead of
// dividing by zero.
func New(timeBase media.Rational, epoch time.Time) Clock {
	num, den := int64(timeBase.Num), int64(timeBase.Den)
	if den <= 0 || num < 0 {
		num, den = 0, 1
	}
	return Clock{num: num, den: den, epoch: epoch}
}

// Epoch returns the instant treated as stream time zero.
func (c Clock) Epoch() time.Time { return c.epoch }

// offset converts pts ticks into a duration using integer math, splitting
// whole seconds from the fractional remainder so the usual container time
// bases convert exactly and without overflow.
func (c Clock) offset(pts int64) time.Duration {
	ticks := pts * c.num
	secs := ticks / c.den
	rem := ticks % c.den
	return time.Duration(secs)*time.Second + time.Duration(rem)*time.Second/time.Duration(c.den)
}

// Target returns the wall-clock instant a frame with the given PTS should be
// presented. ok is false when the PTS is absent; such frames present
// immediately.
func (c Clock) Target(pts int64) (target time.Time, ok bool) {
	if pts == media.NoPTS {
		return time.Time{}, false
	}
	return c.epoch.Add(c.offset(pts)), true
}

// DelayFrom returns how long to wait from now before presenting a frame
// with the given PTS. An absent PTS or a target already in the past yields
// zero: late frames present immediately, they are never dropped here.
func (c Clock) DelayFrom(pts int64, now time.Time) time.Duration {
	target, ok := c.Target(pts)
	if !ok {
		return 0
	}
	d := target.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// Delay is DelayFrom measured against the current time.
func (c Clock) Delay(pts int64) time.Duration {
	return c.DelayFrom(pts, time.Now())
}
