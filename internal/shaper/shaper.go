// Package shaper implements the token-bucket traffic pacing and the coarse
// and fine timer planes.
package shaper

import (
	"time"

	"golang.org/x/time/rate"
)

// MinBPS and MaxBPS bound the configurable --shaper rate.
const (
	MinBPS = 100
	MaxBPS = 100_000_000
)

// Shaper paces outgoing bytes with a token bucket. It never busy-waits:
// callers thread Wait() into their next select timeout instead of blocking.
type Shaper struct {
	limiter *rate.Limiter
}

// New constructs a Shaper for the given nominal bytes-per-second, clamped to
// [MinBPS, MaxBPS]. bps == 0 disables shaping (a limiter with an infinite
// rate, which never delays).
func New(bps int64) *Shaper {
	if bps == 0 {
		return &Shaper{limiter: rate.NewLimiter(rate.Inf, 0)}
	}
	if bps < MinBPS {
		bps = MinBPS
	}
	if bps > MaxBPS {
		bps = MaxBPS
	}
	burst := int(bps) // one second worth of burst, matching a simple token bucket
	if burst < 1 {
		burst = 1
	}
	return &Shaper{limiter: rate.NewLimiter(rate.Limit(bps), burst)}
}

// Reserve accounts for n bytes about to be written and returns how long the
// caller must wait before it is legal to send them. A zero delay means send
// immediately.
func (s *Shaper) Reserve(n int, now time.Time) time.Duration {
	r := s.limiter.ReserveN(now, n)
	if !r.OK() {
		// n exceeds the bucket's burst entirely; fall back to the nominal
		// rate for the wait computation.
		return time.Duration(float64(n) / float64(s.limiter.Limit()) * float64(time.Second))
	}
	d := r.DelayFrom(now)
	if d < 0 {
		return 0
	}
	return d
}

// CoarseTimer fires whatever is due at 1-second granularity: pings,
// inactivity, ping-restart, OCC, packet-ID persistence flush, route
// retries, status-file update.
type CoarseTimer struct {
	lastTick time.Time
}

// Due reports whether at least a second has elapsed since the last tick,
// and if so, advances the tick and returns true.
func (c *CoarseTimer) Due(now time.Time) bool {
	if c.lastTick.IsZero() || now.Sub(c.lastTick) >= time.Second {
		c.lastTick = now
		return true
	}
	return false
}

// Deadline is a single scalar re-armable timer used by the fine plane (TLS
// handshake retransmits, reliability retransmits, fragment housekeeping,
// shaper delay): every long-running condition is a scalar deadline
// re-evaluated each loop pass.
type Deadline struct {
	at time.Time
	armed bool
}

func (d *Deadline) Arm(at time.Time)   { d.at, d.armed = at, true }
func (d *Deadline) Disarm()            { d.armed = false }
func (d *Deadline) Armed() bool        { return d.armed }
func (d *Deadline) Due(now time.Time) bool {
	return d.armed && !now.Before(d.at)
}

// RemainingOrMax returns the duration until d fires, or max if d is not
// armed — used to fold every timer's deadline into a single select timeout.
func (d *Deadline) RemainingOrMax(now time.Time, max time.Duration) time.Duration {
	if !d.armed {
		return max
	}
	if now.After(d.at) {
		return 0
	}
	return d.at.Sub(now)
}

// EarliestOf folds a set of deadlines (and the shaper delay) into the
// smallest wakeup duration, the way the event loop computes its select
// timeout.
func EarliestOf(now time.Time, sentinel time.Duration, deadlines ...*Deadline) time.Duration {
	min := sentinel
	for _, d := range deadlines {
		if r := d.RemainingOrMax(now, sentinel); r < min {
			min = r
		}
	}
	return min
}
