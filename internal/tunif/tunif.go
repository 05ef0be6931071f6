// Package tunif defines the narrow interface boundary the core depends on
// for the virtual interface. The interface's driver, route/MTU programming,
// and OS plumbing are explicitly out of scope; only the Go-shaped
// boundary into the core is defined here, shaped after
// golang.zx2c4.com/wireguard/tun's Device so a real platform tun can be
// plugged in without touching the forwarding engine.
package tunif

import (
	"io"

	"golang.zx2c4.com/wireguard/tun"
)

// Device is the subset of golang.zx2c4.com/wireguard/tun.Device the I/O loop
// needs: batched, nonblocking-friendly reads/writes of L3 (tun) or L2 (tap)
// frames plus lifecycle teardown.
type Device interface {
	io.Closer
	// Read fills bufs (each sized offset..offset+frame budget) with frames
	// read from the interface, returning how many of bufs were filled and
	// their individual lengths in sizes.
	Read(bufs [][]byte, sizes []int, offset int) (n int, err error)
	// Write sends bufs (each already carrying offset bytes of reserved
	// header room the caller has written into) as one or more frames.
	Write(bufs [][]byte, offset int) (int, error)
	// MTU reports the device's current MTU in bytes.
	MTU() (int, error)
	// Name reports the OS-assigned interface name (e.g. "tun0").
	Name() (string, error)
	// Events surfaces MTU/up/down changes so the loop can react without
	// polling.
	Events() <-chan tun.Event
}

// wgDevice adapts a golang.zx2c4.com/wireguard/tun.Device to Device; Device
// is a subset of tun.Device's methods, and this wrapper exists so the rest of
// the module depends on motovpn's own Device type rather than importing the
// wireguard-go tun package directly everywhere.
type wgDevice struct {
	tun.Device
}

// Wrap adapts a concrete wireguard-go tun.Device (or its test double) to
// Device.
func Wrap(d tun.Device) Device { return wgDevice{d} }

// BatchSize reports how many packets Read/Write can move in one call,
// mirroring tun.Device's batching so the I/O loop can size its scratch
// buffers once at startup.
func BatchSize(d Device) int {
	if bs, ok := d.(interface{ BatchSize() int }); ok {
		return bs.BatchSize()
	}
	return 1
}
