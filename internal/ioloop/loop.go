// Package ioloop implements the peer-mode single-threaded I/O event loop:
// coarse timers, TLS processing, fragment housekeeping, and a
// strict one-action-per-iteration dispatch between endpoint and tun I/O.
//
// Go has no direct equivalent of a single OS select/poll call across
// heterogeneous blocking sources (a UDP/TCP socket and a tun device), so
// each blocking read is driven by its own goroutine feeding a channel; the
// loop's single suspension point is the `select` in dispatchOne, keeping
// the fairness rule that at most one action fires per iteration.
package ioloop

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"motovpn/internal/shaper"
	"motovpn/internal/tunif"
)

// sentinelTimeout is the initial per-iteration timeout before any timer
// shortens it.
const sentinelTimeout = 24 * time.Hour

// Transport is the minimal blocking read/write surface the loop drives; a
// UDP socket or a length-framed TCP stream (internal/stream) both satisfy
// it.
type Transport interface {
	ReadPacket() ([]byte, error)
	WritePacket([]byte) error
}

// Driver supplies the session/crypto-layer behavior the loop calls into at
// each step, keeping this package free of a direct dependency on the
// session state machine's internals.
type Driver interface {
	// RunCoarseTimers executes ping/inactivity/reneg/persistence-flush
	// housekeeping and optionally proposes a shorter timeout.
	RunCoarseTimers(now time.Time) (shorter time.Duration, ok bool)
	// RunTLS advances the TLS-driven key state machine, returning a control
	// frame ready for to_link if one was produced.
	RunTLS(now time.Time) (linkFrame []byte, ok bool)
	// PullControlMessages drains push/pull-style in-band control messages
	// already delivered by the TLS consumer; purely
	// side-effecting from the loop's point of view.
	PullControlMessages(now time.Time)
	// RunFragmentHousekeeping evicts expired reassemblies and returns a
	// ready fragment frame for to_link if one completed.
	RunFragmentHousekeeping(now time.Time) (linkFrame []byte, ok bool)
	// DecryptAndDeliver runs the receive pipeline on a wire frame, yielding
	// a tun frame to write (endpoint-read dispatch).
	DecryptAndDeliver(wireFrame []byte, now time.Time) (tunFrame []byte, err error)
	// EncryptForSend runs the send pipeline on a tun frame, yielding a wire
	// frame to write (tun-read dispatch).
	EncryptForSend(tunFrame []byte, now time.Time) (wireFrame []byte, err error)
}

// errSignaled is returned by Run when the platform signal source fires;
// callers distinguish it from a transport error to drive the soft/hard
// restart decision in internal/lifecycle.
var errSignaled = errors.New("ioloop: signaled")

// ErrSignaled reports whether err is the sentinel returned when the
// platform signal source fired.
func ErrSignaled(err error) bool { return errors.Is(err, errSignaled) }

type readResult struct {
	buf []byte
	err error
}

// Loop is the peer-mode event loop described above.
type Loop struct {
	transport Transport
	tun       tunif.Device
	driver    Driver
	shp       *shaper.Shaper
	coarse    shaper.CoarseTimer
	signal    <-chan struct{}
	log       *zap.Logger

	toLink []byte
	toTun  []byte

	endpointReadCh chan readResult
	tunReadCh      chan readResult
}

// New constructs a Loop and starts its background reader goroutines. signal
// is closed (or sent to) when the platform signal source fires; the wait
// set always includes it.
func New(transport Transport, tun tunif.Device, driver Driver, shaperBPS int64, signal <-chan struct{}, log *zap.Logger) *Loop {
	if log == nil {
		log = zap.NewNop()
	}
	l := &Loop{
		transport:      transport,
		tun:            tun,
		driver:         driver,
		shp:            shaper.New(shaperBPS),
		signal:         signal,
		log:            log,
		endpointReadCh: make(chan readResult, 1),
		tunReadCh:      make(chan readResult, 1),
	}
	go l.readEndpointLoop()
	go l.readTunLoop()
	return l
}

func (l *Loop) readEndpointLoop() {
	for {
		buf, err := l.transport.ReadPacket()
		l.endpointReadCh <- readResult{buf: buf, err: err}
		if err != nil {
			return
		}
	}
}

func (l *Loop) readTunLoop() {
	bufs := make([][]byte, 1)
	sizes := make([]int, 1)
	for {
		bufs[0] = make([]byte, 65536)
		n, err := l.tun.Read(bufs, sizes, 0)
		if err != nil {
			l.tunReadCh <- readResult{err: err}
			return
		}
		if n > 0 {
			l.tunReadCh <- readResult{buf: bufs[0][:sizes[0]]}
		}
	}
}

// Run drives the loop until ctx is canceled, the signal source fires, or a
// fatal transport/tun error occurs.
func (l *Loop) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		now := time.Now()
		timeout := sentinelTimeout

		// Step 2: coarse timers.
		if l.coarse.Due(now) {
			if shorter, ok := l.driver.RunCoarseTimers(now); ok && shorter < timeout {
				timeout = shorter
			}
		}

		// Step 3: TLS processing.
		if l.toLink == nil {
			if frame, ok := l.driver.RunTLS(now); ok {
				l.toLink = frame
			}
		}

		// Step 4: inbound control-channel messages.
		l.driver.PullControlMessages(now)

		// Step 5: fragment housekeeping.
		if l.toLink == nil {
			if frame, ok := l.driver.RunFragmentHousekeeping(now); ok {
				l.toLink = frame
			}
		}

		// Step 6: jitter.
		timeout += shaper.Jitter()

		// Steps 7-9: wait_mask + select + single dispatch.
		if err := l.dispatchOne(ctx, timeout); err != nil {
			return err
		}
	}
}

// dispatchOne performs at most one action, in priority order:
// endpoint-write, tun-write, endpoint-read, tun-read.
func (l *Loop) dispatchOne(ctx context.Context, timeout time.Duration) error {
	if l.toLink != nil {
		frame := l.toLink
		l.toLink = nil
		if d := l.shp.Reserve(len(frame), time.Now()); d > 0 {
			time.Sleep(d)
		}
		if err := l.transport.WritePacket(frame); err != nil {
			return fmt.Errorf("ioloop: endpoint write: %w", err)
		}
		return nil
	}
	if l.toTun != nil {
		frame := l.toTun
		l.toTun = nil
		if _, err := l.tun.Write([][]byte{frame}, 0); err != nil {
			return fmt.Errorf("ioloop: tun write: %w", err)
		}
		return nil
	}

	// Priority check for already-ready reads before committing to a
	// blocking, unordered select.
	select {
	case r := <-l.endpointReadCh:
		return l.handleEndpointRead(r)
	default:
	}
	select {
	case r := <-l.tunReadCh:
		return l.handleTunRead(r)
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-l.signal:
		return errSignaled
	case r := <-l.endpointReadCh:
		return l.handleEndpointRead(r)
	case r := <-l.tunReadCh:
		return l.handleTunRead(r)
	case <-timer.C:
		return nil
	}
}

func (l *Loop) handleEndpointRead(r readResult) error {
	if r.err != nil {
		return fmt.Errorf("ioloop: endpoint read: %w", r.err)
	}
	tunFrame, err := l.driver.DecryptAndDeliver(r.buf, time.Now())
	if err != nil {
		l.log.Debug("decrypt pipeline dropped packet", zap.Error(err))
		return nil
	}
	if tunFrame != nil {
		l.toTun = tunFrame
	}
	return nil
}

func (l *Loop) handleTunRead(r readResult) error {
	if r.err != nil {
		return fmt.Errorf("ioloop: tun read: %w", r.err)
	}
	wireFrame, err := l.driver.EncryptForSend(r.buf, time.Now())
	if err != nil {
		l.log.Debug("encrypt pipeline dropped packet", zap.Error(err))
		return nil
	}
	if wireFrame != nil {
		l.toLink = wireFrame
	}
	return nil
}
