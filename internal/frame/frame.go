// Package frame accounts for the additive per-layer overheads that separate
// the tun MTU from the on-wire link MTU.
package frame

import "fmt"

// Overhead names one additive layer's contribution to packet size.
type Overhead struct {
	CryptoIVAndHMAC int // cipher IV (if any) + authentication tag/HMAC
	PacketID        int // sequence (+ optional epoch) field
	Fragment        int // fragment header, zero if fragmentation disabled
	OpcodeSession   int // opcode+key_id byte (+ session-id on control packets)
	Compression     int // one-byte compression tag, zero if compression disabled
	Proxy           int // outer proxy framing (e.g. HTTP CONNECT relay), usually zero
}

func (o Overhead) total() int {
	return o.CryptoIVAndHMAC + o.PacketID + o.Fragment + o.OpcodeSession + o.Compression + o.Proxy
}

func (o Overhead) totalExcludingFragment() int {
	return o.total() - o.Fragment
}

// Params is the frame object: the link/tun MTUs plus the overhead vector, and
// the derived quantities every stage budgets against.
type Params struct {
	LinkMTU  int
	TunMTU   int
	Overhead Overhead
}

// ExpandedSize is the largest buffer a tun-side payload can grow to after
// every layer has added its header: tun_mtu + sum(overheads).
func (p Params) ExpandedSize() int {
	return p.TunMTU + p.Overhead.total()
}

// DynamicPayloadSize is the link MTU minus every layer's overhead except the
// fragment header: link_mtu - sum(overheads excluding fragment).
// Fragmentation uses this to size fragments.
func (p Params) DynamicPayloadSize() int {
	return p.LinkMTU - p.Overhead.totalExcludingFragment()
}

// CheckOutput enforces the invariant that no stage ever emits a packet
// larger than the link MTU after all layers have added their overhead.
func (p Params) CheckOutput(wireLen int) error {
	if wireLen > p.LinkMTU {
		return fmt.Errorf("frame: output packet %d exceeds link mtu %d", wireLen, p.LinkMTU)
	}
	return nil
}

// CheckInbound flags any buffer larger than ExpandedSize as a protocol
// violation.
func (p Params) CheckInbound(n int) error {
	if n > p.ExpandedSize() {
		return fmt.Errorf("frame: inbound buffer %d exceeds expanded size %d", n, p.ExpandedSize())
	}
	return nil
}
