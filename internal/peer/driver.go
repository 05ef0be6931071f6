// Package peer implements the p2p forwarding engine: the pipeline between
// the virtual interface and the endpoint (mssfix, compression tag,
// fragmentation, crypto envelope, wire prefix) and the TLS-driven
// key-negotiation orchestration that feeds it keys.
package peer

import (
	crand "crypto/rand"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"time"

	"go.uber.org/zap"

	"motovpn/internal/crypto"
	"motovpn/internal/errs"
	"motovpn/internal/frag"
	"motovpn/internal/frame"
	"motovpn/internal/lifecycle"
	"motovpn/internal/mssfix"
	"motovpn/internal/pktid"
	"motovpn/internal/session"
	"motovpn/internal/wire"
)

// compNoOpTag marks an uncompressed payload when the compression byte is
// carried. Compressed tags are rejected: algorithm internals live outside
// the core, and a peer negotiating compression against this build gets its
// packets dropped with a counter rather than garbage on the tun.
const (
	compNoOpTag       = 0xFA
	compCompressedTag = 0x66
)

// pingMagic is the fixed payload of keepalive data packets; it is swallowed
// on receive and never written to the virtual interface.
var pingMagic = []byte{
	0x2a, 0x18, 0x7b, 0xf3, 0x64, 0x1e, 0xb4, 0xcb,
	0x07, 0xed, 0x2d, 0x0a, 0x98, 0x1f, 0xc7, 0x48,
}

// exitMagic is the explicit-exit-notify payload: on receipt the peer
// restarts immediately instead of waiting out the ping timeout.
var exitMagic = []byte{
	0x92, 0x51, 0x0e, 0xc4, 0xaa, 0x36, 0x5d, 0x13,
	0x70, 0x8b, 0xdf, 0x29, 0x41, 0xe6, 0x9c, 0x57,
}

// Options bundles the configuration slice the driver needs.
type Options struct {
	IsServer bool
	TCPMode  bool // decrypt failures are fatal-for-the-connection on TCP

	Frame frame.Params
	Suite crypto.Suite

	LongForm pktid.LongForm
	NoReplay bool

	ReplayWindowSize int
	ReplayTime       time.Duration

	FragmentSize int // 0 disables fragmentation
	MSSFixLimit  int // 0 disables mss clamping
	Compress     bool

	PingInterval    time.Duration
	PingRestartWait time.Duration
	InactiveWait    time.Duration

	RenegSeconds int64
	RenegBytes   int64
	RenegPackets int64

	HandshakeWindow  time.Duration
	TransitionWindow time.Duration

	OCC session.OCCOptions

	TLSConfig *tls.Config
	TLSAuth   *TLSAuth

	PacketIDFlusher *pktid.PersistFlusher

	Log *zap.Logger
}

// Driver wires the session state machine, control channel, and data-packet
// pipeline into the shape the I/O event loop drives (ioloop.Driver).
type Driver struct {
	opt Options
	log *zap.Logger

	sess *session.Session
	ctrl *ControlChannel

	tlsio          *session.TLSIO
	tlsEstablished bool
	sentKeyPayload bool
	localKeySource crypto.KeySource

	reasm      *frag.Reassembler
	fragOut    [][]byte
	nextFragID uint16

	lastSend time.Time
	lastRecv time.Time
	started  time.Time

	tlsOutPending [][]byte // ciphertext waiting for a free send-ring slot

	replayDrops  uint64
	authFailures uint64
	compDrops    uint64

	// OnCondition receives lifecycle escalations (ping-restart, fatal TLS
	// on TCP) for the main loop to act on.
	OnCondition func(lifecycle.Condition)
}

// NewDriver builds the engine around a fresh session. Call Start before
// handing it to the event loop.
func NewDriver(opt Options) *Driver {
	if opt.Log == nil {
		opt.Log = zap.NewNop()
	}
	d := &Driver{
		opt:   opt,
		log:   opt.Log,
		sess:  session.NewSession(opt.ReplayWindowSize, opt.ReplayTime),
		reasm: frag.NewReassembler(32, frag.DefaultTTL),
	}
	d.ctrl = NewControlChannel(d.sess.SessionID, opt.TLSAuth)
	d.ctrl.KeyID = d.sess.Primary.KeyID
	return d
}

// Session exposes the driver's session for tests and status reporting.
func (d *Driver) Session() *session.Session { return d.sess }

// Start arms the handshake: the client queues its hard reset, the server
// waits for one. now also seeds the ping/inactivity clocks.
func (d *Driver) Start(now time.Time) error {
	d.started = now
	d.lastSend = now
	d.lastRecv = now

	ks := d.sess.Primary
	if err := ks.Transition(session.PreStart); err != nil {
		return err
	}
	ks.MustNegotiateBy = now.Add(d.opt.HandshakeWindow)

	if !d.opt.IsServer {
		ks.InitiatingOpcode = wire.ControlHardResetClientV2
		if !d.ctrl.SealOutgoing(wire.ControlHardResetClientV2, nil, now) {
			return fmt.Errorf("peer: control send ring full at startup")
		}
	}
	d.tlsio = session.NewTLSIO(d.opt.TLSConfig, !d.opt.IsServer)
	return nil
}

// --- ioloop.Driver ---

// RunCoarseTimers handles the 1-second plane: ping keepalive, ping-restart
// and inactivity deadlines, rekey policy, lame-duck retirement, handshake
// timeout, packet-id persistence flush.
func (d *Driver) RunCoarseTimers(now time.Time) (time.Duration, bool) {
	ks := d.sess.Primary

	if !ks.IsUsable() && !ks.MustNegotiateBy.IsZero() && now.After(ks.MustNegotiateBy) {
		d.log.Warn("handshake window elapsed, resetting session")
		d.restartSession(now)
		return time.Second, true
	}

	if d.sess.ReapLameDuck(now) {
		d.log.Info("lame-duck key retired")
	}

	if ks.IsUsable() && ks.RekeyDue(now, d.opt.RenegSeconds, d.opt.RenegBytes, d.opt.RenegPackets) {
		if err := d.softReset(now); err != nil {
			d.log.Warn("soft reset failed", zap.Error(err))
		}
	}

	if d.opt.PingInterval > 0 && ks.IsUsable() && now.Sub(d.lastSend) >= d.opt.PingInterval {
		// The keepalive runs through the normal send pipeline so the peer's
		// receive side (reassembly, compression tag) undoes it symmetrically.
		if frame, err := d.EncryptForSend(pingMagic, now); err == nil && frame != nil {
			d.fragOut = append(d.fragOut, frame)
		}
	}

	if d.opt.PingRestartWait > 0 && now.Sub(d.lastRecv) > d.opt.PingRestartWait {
		d.escalate(lifecycle.SoftRestart)
	}
	if d.opt.InactiveWait > 0 && now.Sub(d.lastRecv) > d.opt.InactiveWait && now.Sub(d.lastSend) > d.opt.InactiveWait {
		d.escalate(lifecycle.Terminate)
	}

	if f := d.opt.PacketIDFlusher; f != nil {
		if err := f.Flush(now); err != nil {
			d.log.Warn("packet-id persistence flush failed", zap.Error(err))
		}
	}
	return time.Second, true
}

// RunTLS runs each TLS I/O stage once (handshake completion check,
// ciphertext into the send ring, key payload), then yields at most one
// control frame for to_link. It does not repeat the stages within a call;
// progress a stage could make after a later one waits for the next call.
func (d *Driver) RunTLS(now time.Time) ([]byte, bool) {
	if d.tlsio == nil {
		return nil, false
	}

	// TLS handshake completion is observed exactly once.
	if !d.tlsEstablished {
		select {
		case err := <-d.tlsio.HandshakeErr():
			if err != nil {
				d.log.Warn("tls handshake failed", zap.Error(err))
				d.sessionError(now)
				return nil, false
			}
			d.tlsEstablished = true
		default:
		}
	}

	// Move ciphertext the TLS conn produced toward the reliable send ring.
	d.tlsOutPending = append(d.tlsOutPending, d.tlsio.DrainCiphertext()...)
	for len(d.tlsOutPending) > 0 {
		if !d.ctrl.SealOutgoing(wire.ControlV1, d.tlsOutPending[0], now) {
			break
		}
		d.tlsOutPending = d.tlsOutPending[1:]
	}

	// Once the TLS channel is up, exchange key material over it.
	if d.tlsEstablished && !d.sentKeyPayload {
		if err := d.queueKeyPayload(); err != nil {
			d.log.Error("key payload", zap.Error(err))
			d.sessionError(now)
			return nil, false
		}
		d.sentKeyPayload = true
		ks := d.sess.Primary
		if ks.State == session.Start || ks.State == session.PreStart {
			if ks.State == session.PreStart {
				_ = ks.Transition(session.Start)
			}
			_ = ks.Transition(session.SentKey)
		}
	}

	frame, ok, err := d.ctrl.NextWire(now)
	if err != nil {
		d.log.Debug("control frame build failed", zap.Error(err))
		return nil, false
	}
	if ok {
		d.lastSend = now
	}
	return frame, ok
}

// PullControlMessages drains decrypted control-channel plaintext: the
// peer's key-method-2 payload and OCC options string.
func (d *Driver) PullControlMessages(now time.Time) {
	if d.tlsio == nil {
		return
	}
	for _, chunk := range d.tlsio.DrainPlaintext() {
		if err := d.handleKeyPayload(chunk, now); err != nil {
			d.log.Warn("control message rejected", zap.Error(err))
			d.sessionError(now)
			return
		}
	}
}

// RunFragmentHousekeeping evicts expired reassemblies and emits one queued
// outgoing fragment if any are waiting.
func (d *Driver) RunFragmentHousekeeping(now time.Time) ([]byte, bool) {
	if n := d.reasm.Evict(now); n > 0 {
		d.log.Debug("evicted stale reassemblies", zap.Int("count", n))
	}
	if len(d.fragOut) > 0 {
		frame := d.fragOut[0]
		d.fragOut = d.fragOut[1:]
		d.lastSend = now
		return frame, true
	}
	return nil, false
}

// DecryptAndDeliver is the endpoint-read pipeline: verify-mac+decrypt →
// reassemble → decompress → virtual-out.
func (d *Driver) DecryptAndDeliver(wireFrame []byte, now time.Time) ([]byte, error) {
	if err := d.opt.Frame.CheckInbound(len(wireFrame)); err != nil {
		return nil, errs.Transientf("inbound size check", err)
	}
	if len(wireFrame) < 1 {
		return nil, errs.Transientf("inbound packet empty", nil)
	}
	op, keyID := wire.UnpackPrefix(wireFrame[0])
	body := wireFrame[1:]

	if op != wire.DataV1 {
		return nil, d.handleControlPacket(op, body, now)
	}

	ks := d.sess.KeyStateForID(keyID)
	if ks == nil || !ks.IsUsable() {
		return nil, errs.Transientf(fmt.Sprintf("unknown key id %d", keyID), nil)
	}

	var epoch uint32
	hasEpoch := d.opt.LongForm == pktid.Long
	o := 0
	if hasEpoch {
		if len(body) < 8 {
			return nil, errs.Transientf("data packet too short for long packet id", nil)
		}
		epoch = binary.BigEndian.Uint32(body[0:4])
		o = 4
	} else if len(body) < 4 {
		return nil, errs.Transientf("data packet too short for packet id", nil)
	}
	seq := binary.BigEndian.Uint32(body[o : o+4])
	ct := body[o+4:]

	var epochPtr *uint32
	if hasEpoch {
		epochPtr = &epoch
	}
	nonce := crypto.DataNonceSource(epochPtr, seq)
	keyLen := d.opt.Suite.KeyLen()
	plaintext, err := d.opt.Suite.Open(ks.Key.Decrypt[:keyLen], nonce, ct)
	if err != nil {
		d.authFailures++
		if d.opt.TCPMode {
			// Fatal on a stream transport: restart the session.
			d.escalate(lifecycle.SoftRestart)
			return nil, errs.Connectionf("data packet authentication failed on tcp", err)
		}
		return nil, errs.Transientf("data packet authentication failed", err)
	}

	if !d.opt.NoReplay {
		if !ks.RecvReplayWindow.Admit(seq, now, hasEpoch, int64(epoch)) {
			d.replayDrops++
			return nil, errs.Transientf(fmt.Sprintf("replayed packet id %d", seq), nil)
		}
	}
	d.lastRecv = now
	ks.BytesOnKey += int64(len(plaintext))
	ks.PacketsOnKey++
	if f := d.opt.PacketIDFlusher; f != nil {
		_ = f.Touch(seq, epoch, now)
	}

	if d.opt.FragmentSize > 0 {
		whole, done, err := d.reasm.Feed(plaintext, now)
		if err != nil {
			return nil, errs.Transientf("reassembly", err)
		}
		if !done {
			return nil, nil
		}
		plaintext = whole
	}

	if d.opt.Compress {
		if len(plaintext) < 1 {
			return nil, errs.Transientf("missing compression tag", nil)
		}
		if plaintext[0] == compCompressedTag {
			d.compDrops++
			return nil, errs.Transientf("compressed payload not supported", nil)
		}
		if plaintext[0] != compNoOpTag {
			return nil, errs.Transientf("unknown compression tag", nil)
		}
		plaintext = plaintext[1:]
	}

	if len(plaintext) == len(pingMagic) && string(plaintext) == string(pingMagic) {
		return nil, nil
	}
	if len(plaintext) == len(exitMagic) && string(plaintext) == string(exitMagic) {
		d.log.Info("peer sent explicit exit notification")
		d.escalate(lifecycle.SoftRestart)
		return nil, nil
	}
	return plaintext, nil
}

// ExitNotifyPayload seals the explicit-exit-notify datagram through the
// normal send pipeline on the current key, or returns nil when no key ever
// became usable.
func (d *Driver) ExitNotifyPayload() []byte {
	if !d.sess.Primary.IsUsable() {
		return nil
	}
	out, err := d.EncryptForSend(append([]byte(nil), exitMagic...), time.Now())
	if err != nil {
		return nil
	}
	return out
}

// EncryptForSend is the tun-read pipeline: process-ipv4 → compress →
// fragment → encrypt+mac → endpoint-out.
func (d *Driver) EncryptForSend(tunFrame []byte, now time.Time) ([]byte, error) {
	ks := d.sess.Primary
	if !ks.IsUsable() {
		return nil, errs.Transientf("data channel not yet keyed", nil)
	}

	if d.opt.MSSFixLimit > 0 {
		tunFrame = mssfix.Clamp(tunFrame, d.opt.MSSFixLimit)
	}
	if d.opt.Compress {
		tunFrame = append([]byte{compNoOpTag}, tunFrame...)
	}

	if d.opt.FragmentSize > 0 {
		maxPayload := d.opt.Frame.DynamicPayloadSize()
		if d.opt.FragmentSize < maxPayload {
			maxPayload = d.opt.FragmentSize
		}
		id := d.nextFragID
		d.nextFragID++
		pieces := frag.Split(id, tunFrame, maxPayload)
		var first []byte
		for i, p := range pieces {
			sealed, err := d.sealData(ks, p, now)
			if err != nil {
				return nil, err
			}
			if i == 0 {
				first = sealed
			} else {
				d.fragOut = append(d.fragOut, sealed)
			}
		}
		d.lastSend = now
		return first, nil
	}

	out, err := d.sealData(ks, tunFrame, now)
	if err == nil {
		d.lastSend = now
	}
	return out, err
}

// sealData runs the crypto envelope for one data payload on the given key
// slot: packet-id, AEAD/CBC+HMAC seal, opcode prefix, MTU check.
func (d *Driver) sealData(ks *session.KeyState, payload []byte, now time.Time) ([]byte, error) {
	seq, rekeyDue, err := ks.SendPacketID.Next()
	if err != nil {
		return nil, errs.Sessionf("send packet-id exhausted", err)
	}
	if rekeyDue && d.sess.LameDuck == nil {
		if err := d.softReset(now); err != nil {
			d.log.Warn("wrap-triggered soft reset failed", zap.Error(err))
		}
	}

	var epochPtr *uint32
	var epoch uint32
	if d.opt.LongForm == pktid.Long {
		epoch = uint32(now.Unix())
		epochPtr = &epoch
	}
	nonce := crypto.DataNonceSource(epochPtr, seq)

	idLen := 4
	if epochPtr != nil {
		idLen = 8
	}
	out := make([]byte, 1+idLen, 1+idLen+len(payload)+64)
	out[0] = wire.PackPrefix(wire.DataV1, ks.KeyID)
	pktid.Encode(out[1:], d.opt.LongForm, epoch, seq)

	keyLen := d.opt.Suite.KeyLen()
	out = d.opt.Suite.Seal(out, ks.Key.Encrypt[:keyLen], nonce, payload)

	if err := d.opt.Frame.CheckOutput(len(out)); err != nil {
		return nil, errs.Fatalf("output exceeds link mtu", err)
	}
	ks.BytesOnKey += int64(len(payload))
	ks.PacketsOnKey++
	return out, nil
}

// handleControlPacket feeds one inbound control/ACK frame through the
// reliable layer and advances the handshake.
func (d *Driver) handleControlPacket(op wire.Opcode, body []byte, now time.Time) error {
	switch {
	case op.IsHardReset():
		if d.opt.IsServer && !op.IsClientHardReset() {
			return errs.Transientf("server received a server hard-reset opcode", nil)
		}
		if !d.opt.IsServer && !op.IsServerHardReset() {
			return errs.Transientf("client received a client hard-reset opcode", nil)
		}
	case op == wire.ControlV1, op == wire.ACKV1, op == wire.ControlSoftResetV1:
	default:
		return errs.Transientf(fmt.Sprintf("unexpected opcode %v", op), nil)
	}

	released, err := d.ctrl.HandleInbound(op, body, now)
	if err != nil {
		// Control-channel auth failure looks indistinguishable from noise.
		return errs.Transientf("control packet dropped", err)
	}
	d.lastRecv = now

	ks := d.sess.Primary
	if op.IsHardReset() {
		ks.InitiatingOpcode = op
		ks.RemoteSessionID = d.ctrl.RemoteSID
		if d.opt.IsServer && ks.State == session.PreStart {
			// Answer the client's reset with our own before TLS bytes flow.
			if !d.ctrl.SealOutgoing(wire.ControlHardResetServerV2, nil, now) {
				return errs.Sessionf("control ring full answering hard reset", nil)
			}
			_ = ks.Transition(session.Start)
		}
	}
	if !d.opt.IsServer && ks.State == session.PreStart && (op.IsHardReset() || op == wire.ACKV1) {
		// Our hard reset reached the peer.
		_ = ks.Transition(session.Start)
	}
	if op == wire.ControlSoftResetV1 && ks.IsUsable() && d.sess.LameDuck == nil {
		if err := d.softReset(now); err != nil {
			d.log.Warn("peer-initiated soft reset failed", zap.Error(err))
		}
	}

	for _, chunk := range released {
		if len(chunk) == 0 {
			continue
		}
		if !d.tlsio.FeedCiphertext(chunk) {
			return errs.Sessionf("tls pipe closed", nil)
		}
	}
	return nil
}

// queueKeyPayload writes the local key-method-2 payload (randoms, client
// pre-master, OCC options string) into the TLS channel.
func (d *Driver) queueKeyPayload() error {
	p := session.KeyMethod2Payload{
		KeyMethod: 2,
		Options:   d.opt.OCC.CanonicalString(),
	}
	if _, err := crand.Read(p.Random[:]); err != nil {
		return err
	}
	if !d.opt.IsServer {
		p.HasPreMaster = true
		if _, err := crand.Read(p.PreMaster[:]); err != nil {
			return err
		}
	}
	d.localKeySource = p.KeySource()
	d.tlsio.QueuePlaintext(p.Marshal())
	return nil
}

// handleKeyPayload parses the peer's key-method-2 payload, derives the
// data-channel keys, runs the OCC comparison, and activates the slot.
func (d *Driver) handleKeyPayload(chunk []byte, now time.Time) error {
	p, err := session.ParseKeyMethod2Payload(chunk, d.opt.IsServer)
	if err != nil {
		return err
	}
	if p.KeyMethod != 2 {
		return fmt.Errorf("peer: unsupported key method %d", p.KeyMethod)
	}

	ks := d.sess.Primary
	if ks.State == session.Start {
		_ = ks.Transition(session.GotKey)
	} else if ks.State == session.SentKey {
		_ = ks.Transition(session.GotKey)
	}

	var clientSrc, serverSrc crypto.KeySource
	var clientSID, serverSID uint64
	if d.opt.IsServer {
		clientSrc, serverSrc = p.KeySource(), d.localKeySource
		clientSID, serverSID = d.ctrl.RemoteSID, d.ctrl.LocalSID
	} else {
		clientSrc, serverSrc = d.localKeySource, p.KeySource()
		clientSID, serverSID = d.ctrl.LocalSID, d.ctrl.RemoteSID
	}

	kb := crypto.DeriveKeys(clientSrc, serverSrc, clientSID, serverSID)
	enc, dec := kb.DirectionKeys(d.opt.IsServer)
	keyLen := d.opt.Suite.KeyLen()
	if !crypto.WeakKeyCheck(d.opt.Suite.Name(), enc[:keyLen]) || !crypto.WeakKeyCheck(d.opt.Suite.Name(), dec[:keyLen]) {
		return fmt.Errorf("peer: derived key failed weak-key check")
	}
	ks.Key = session.KeyMaterial{Encrypt: enc, Decrypt: dec, Suite: d.opt.Suite}
	ks.RemoteSessionID = d.ctrl.RemoteSID

	if mismatches := d.opt.OCC.Compare(p.Options); len(mismatches) > 0 {
		for _, m := range mismatches {
			d.log.Warn("options consistency mismatch",
				zap.String("field", m.Field),
				zap.String("local", m.Local),
				zap.String("remote", m.Remote))
		}
	}

	if err := ks.Transition(session.Active); err != nil {
		return err
	}
	d.log.Info("data channel established",
		zap.Uint8("key_id", ks.KeyID),
		zap.String("cipher", d.opt.Suite.Name()))
	return nil
}

// softReset rekeys without restarting TLS: the primary retires to
// lame-duck and a fresh exchange begins on the new slot.
func (d *Driver) softReset(now time.Time) error {
	if err := d.sess.Rekey(now, d.opt.TransitionWindow); err != nil {
		return err
	}
	ks := d.sess.Primary
	ks.MustNegotiateBy = now.Add(d.opt.HandshakeWindow)
	_ = ks.Transition(session.PreStart)
	d.ctrl.KeyID = ks.KeyID
	d.sentKeyPayload = false
	if !d.ctrl.SealOutgoing(wire.ControlSoftResetV1, nil, now) {
		return fmt.Errorf("peer: control ring full during soft reset")
	}
	d.log.Info("soft reset: rekeying", zap.Uint8("key_id", ks.KeyID))
	return nil
}

// restartSession tears down and reinitializes the whole session after a
// handshake timeout or fatal TLS error (session-scoped recovery: promote
// nothing, start over).
func (d *Driver) restartSession(now time.Time) {
	if d.tlsio != nil {
		_ = d.tlsio.Close()
	}
	d.sess = session.NewSession(d.opt.ReplayWindowSize, d.opt.ReplayTime)
	d.ctrl = NewControlChannel(d.sess.SessionID, d.opt.TLSAuth)
	d.ctrl.KeyID = d.sess.Primary.KeyID
	d.tlsEstablished = false
	d.sentKeyPayload = false
	d.tlsOutPending = nil
	if err := d.Start(now); err != nil {
		d.log.Error("session restart failed", zap.Error(err))
		d.escalate(lifecycle.SoftRestart)
	}
}

func (d *Driver) sessionError(now time.Time) {
	ks := d.sess.Primary
	if ks.State != session.Error {
		_ = ks.Transition(session.Error)
	}
	if d.sess.LameDuck != nil && d.sess.LameDuck.IsUsable() {
		// Promote the lame-duck back to primary and keep forwarding while a
		// fresh negotiation is attempted.
		d.sess.Primary = d.sess.LameDuck
		d.sess.LameDuck = nil
		d.ctrl.KeyID = d.sess.Primary.KeyID
		return
	}
	d.restartSession(now)
}

func (d *Driver) escalate(c lifecycle.Condition) {
	if d.OnCondition != nil {
		d.OnCondition(c)
	}
}

// Counters reports the transient-drop counters for status output and tests.
func (d *Driver) Counters() (replayDrops, authFailures, compDrops uint64) {
	return d.replayDrops, d.authFailures, d.compDrops
}
