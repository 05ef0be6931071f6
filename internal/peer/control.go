package peer

import (
	"crypto/hmac"
	"crypto/sha1"
	"fmt"
	"hash"
	"time"

	"motovpn/internal/crypto"
	"motovpn/internal/pktid"
	"motovpn/internal/reliable"
	"motovpn/internal/wire"
)

// TLSAuth is the outer pre-shared HMAC layer on control packets: a cheap
// authentication gate ahead of any TLS processing, so unauthenticated
// control traffic is dropped before it can cost CPU or state.
type TLSAuth struct {
	sendKey []byte
	recvKey []byte
	newHash func() hash.Hash
	size    int

	send *pktid.Send
	recv *pktid.ReplayWindow
}

// NewTLSAuth builds the layer from a loaded static key and the local key
// direction. The HMAC is SHA1 (20 bytes on the wire).
func NewTLSAuth(key *crypto.StaticKey, direction int, replayWindowSize int, replayTime time.Duration) *TLSAuth {
	h := sha1.New
	size := sha1.Size
	send, recv := key.HMACKeys(direction, size)
	return &TLSAuth{
		sendKey: send,
		recvKey: recv,
		newHash: h,
		size:    size,
		send:    pktid.NewSend(),
		recv:    pktid.NewReplayWindow(replayWindowSize, replayTime),
	}
}

// Size is the HMAC length on the wire.
func (a *TLSAuth) Size() int { return a.size }

// NextPacketID consumes the tls-auth send counter, returning the epoch and
// sequence to place in the header.
func (a *TLSAuth) NextPacketID(now time.Time) (epoch, seq uint32, err error) {
	id, _, err := a.send.Next()
	if err != nil {
		return 0, 0, err
	}
	return uint32(now.Unix()), id, nil
}

// mac computes the HMAC over the swapped arrangement: packet-id field, then
// everything after the hmac field.
func (a *TLSAuth) mac(key, swapped []byte) []byte {
	m := hmac.New(a.newHash, key)
	m.Write(swapped[0:8])
	m.Write(swapped[8+a.size:])
	return m.Sum(nil)
}

// Sign fills the HMAC field of a marshaled control packet (post-opcode
// bytes, laid out sid(8) || hmac || epoch(4) || seq(4) || rest).
func (a *TLSAuth) Sign(buf []byte) error {
	if len(buf) < 16+a.size {
		return fmt.Errorf("peer: control packet too short to sign")
	}
	wire.SwapTLSAuth(buf, a.size)
	tag := a.mac(a.sendKey, buf)
	copy(buf[8:8+a.size], tag)
	wire.SwapTLSAuth(buf, a.size)
	return nil
}

// Verify checks the HMAC field and admits the packet-id through the
// tls-auth replay window. Failures are indistinguishable from noise to the
// peer; the caller drops silently.
func (a *TLSAuth) Verify(buf []byte, now time.Time) error {
	if len(buf) < 16+a.size {
		return fmt.Errorf("peer: control packet too short for tls-auth block")
	}
	wire.SwapTLSAuth(buf, a.size)
	want := a.mac(a.recvKey, buf)
	got := buf[8 : 8+a.size]
	ok := hmac.Equal(want, got)
	wire.SwapTLSAuth(buf, a.size)
	if !ok {
		return fmt.Errorf("peer: tls-auth hmac verification failed")
	}
	h, _, err := wire.ParseControlHeader(buf, true, a.size, false)
	if err != nil {
		return err
	}
	if !a.recv.Admit(h.TLSAuthSeq, now, true, int64(h.TLSAuthEpoch)) {
		return fmt.Errorf("peer: tls-auth packet-id replayed or stale")
	}
	return nil
}

// ControlChannel frames the reliable control stream onto the wire: it owns
// the send/recv rings, the ACK piggyback queue, and session-id matching,
// and applies the optional tls-auth layer on both directions.
type ControlChannel struct {
	LocalSID      uint64
	RemoteSID     uint64
	HaveRemoteSID bool

	KeyID uint8

	Send *reliable.SendRing
	Recv *reliable.RecvRing
	Auth *TLSAuth

	// ids queued by SealOutgoing but not yet transmitted once.
	untransmitted []uint32
}

func NewControlChannel(localSID uint64, auth *TLSAuth) *ControlChannel {
	return &ControlChannel{
		LocalSID: localSID,
		Send:     reliable.NewSendRing(reliable.DefaultSendCapacity),
		Recv:     reliable.NewRecvRing(reliable.DefaultRecvCapacity),
		Auth:     auth,
	}
}

// SealOutgoing admits one control payload into the send ring. It returns
// false when the ring is full; the caller retries after an ACK frees a slot.
func (c *ControlChannel) SealOutgoing(op wire.Opcode, payload []byte, now time.Time) bool {
	if c.Send.Full() {
		return false
	}
	id := c.Send.NextID()
	if !c.Send.Send(id, int(op), payload, now) {
		return false
	}
	c.untransmitted = append(c.untransmitted, id)
	return true
}

// NextWire produces at most one frame ready for the endpoint: first any
// never-transmitted entry, then any entry due for retransmission, then a
// pure ACK packet if acknowledgements are pending with nothing to carry
// them.
func (c *ControlChannel) NextWire(now time.Time) ([]byte, bool, error) {
	if len(c.untransmitted) > 0 {
		id := c.untransmitted[0]
		c.untransmitted = c.untransmitted[1:]
		if e := c.entry(id); e != nil {
			frame, err := c.buildPacket(wire.Opcode(e.Opcode), e.PacketID, e.Buf, now)
			return frame, err == nil, err
		}
	}
	for _, e := range c.Send.DueForRetransmit(now) {
		frame, err := c.buildPacket(wire.Opcode(e.Opcode), e.PacketID, e.Buf, now)
		return frame, err == nil, err
	}
	if c.hasPendingACKs() {
		frame, err := c.buildPacket(wire.ACKV1, 0, nil, now)
		return frame, err == nil, err
	}
	return nil, false, nil
}

func (c *ControlChannel) hasPendingACKs() bool {
	acks := c.Recv.DrainACKs()
	if len(acks) == 0 {
		return false
	}
	// Put them back; buildPacket drains for real.
	for _, id := range acks {
		c.requeueACK(id)
	}
	return true
}

func (c *ControlChannel) requeueACK(id uint32) {
	// RecvRing rejects duplicates of buffered ids but queues ACKs for any
	// already-seen id, which is exactly the re-ACK we want here.
	c.Recv.QueueACK(id)
}

func (c *ControlChannel) entry(id uint32) *reliable.SendEntry {
	for _, e := range c.Send.Entries() {
		if e.PacketID == id {
			return e
		}
	}
	return nil
}

// buildPacket marshals one control/ACK frame, piggybacking up to 4 pending
// ACKs and applying tls-auth when configured.
func (c *ControlChannel) buildPacket(op wire.Opcode, packetID uint32, payload []byte, now time.Time) ([]byte, error) {
	h := wire.ControlHeader{
		SessionID:   c.LocalSID,
		ACKIDs:      c.Recv.DrainACKs(),
		HasPacketID: op != wire.ACKV1,
		PacketID:    packetID,
	}
	if len(h.ACKIDs) > 0 {
		h.RemoteSessionID = c.RemoteSID
	}
	hmacLen := 0
	if c.Auth != nil {
		hmacLen = c.Auth.Size()
		epoch, seq, err := c.Auth.NextPacketID(now)
		if err != nil {
			return nil, err
		}
		h.HasTLSAuth = true
		h.TLSAuthHMAC = make([]byte, hmacLen)
		h.TLSAuthEpoch = epoch
		h.TLSAuthSeq = seq
	}
	body := append(h.Marshal(hmacLen), payload...)
	if c.Auth != nil {
		if err := c.Auth.Sign(body); err != nil {
			return nil, err
		}
	}
	out := make([]byte, 0, 1+len(body))
	out = append(out, wire.PackPrefix(op, c.KeyID))
	return append(out, body...), nil
}

// HandleInbound processes one control/ACK frame (post-opcode bytes) and
// returns the reliable payloads now releasable in order. A nil error with
// no payloads is the common case (pure ACK, duplicate, out-of-order).
func (c *ControlChannel) HandleInbound(op wire.Opcode, body []byte, now time.Time) ([][]byte, error) {
	if c.Auth != nil {
		if err := c.Auth.Verify(body, now); err != nil {
			return nil, err
		}
	}
	hmacLen := 0
	if c.Auth != nil {
		hmacLen = c.Auth.Size()
	}
	h, payload, err := wire.ParseControlHeader(body, c.Auth != nil, hmacLen, op != wire.ACKV1)
	if err != nil {
		return nil, err
	}

	if op.IsHardReset() && !c.HaveRemoteSID {
		c.RemoteSID = h.SessionID
		c.HaveRemoteSID = true
	} else if c.HaveRemoteSID && h.SessionID != c.RemoteSID {
		return nil, fmt.Errorf("peer: control packet from unknown session %016x", h.SessionID)
	}

	if len(h.ACKIDs) > 0 && h.RemoteSessionID == c.LocalSID {
		for _, id := range h.ACKIDs {
			c.Send.Ack(id)
		}
	}

	if h.HasPacketID {
		c.Recv.Admit(h.PacketID, payload)
	}
	return c.Recv.Release(), nil
}

// InFlight reports unacknowledged send-ring entries, for the rekey/teardown
// paths that must drain the control channel first.
func (c *ControlChannel) InFlight() int { return c.Send.Len() }
