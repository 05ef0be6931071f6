// Package session implements the TLS-driven per-peer session and
// key-negotiation state machine, plus the options consistency check.
package session

import (
	"fmt"
	"math/rand"
	"net"
	"time"

	"motovpn/internal/crypto"
	"motovpn/internal/pktid"
	"motovpn/internal/reliable"
	"motovpn/internal/wire"
)

// State is a key slot's position in the handshake state machine.
type State int

const (
	Undef State = iota
	Initial
	PreStart
	Start
	SentKey
	GotKey
	Active
	Normal
	Error
)

func (s State) String() string {
	switch s {
	case Undef:
		return "UNDEF"
	case Initial:
		return "INITIAL"
	case PreStart:
		return "PRE_START"
	case Start:
		return "START"
	case SentKey:
		return "SENT_KEY"
	case GotKey:
		return "GOT_KEY"
	case Active:
		return "ACTIVE"
	case Normal:
		return "NORMAL"
	case Error:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// validTransitions enumerates the legal single-direction edges; every
// state from Initial through Normal can additionally fall through to Error
// (Undef can only move to Initial).
var validTransitions = map[State]map[State]bool{
	Undef:    {Initial: true},
	Initial:  {PreStart: true, Error: true},
	PreStart: {Start: true, Error: true},
	Start:    {SentKey: true, GotKey: true, Error: true},
	SentKey:  {GotKey: true, Active: true, Error: true},
	GotKey:   {SentKey: true, Active: true, Error: true},
	Active:   {Normal: true, Error: true},
	Normal:   {Error: true},
	Error:    {},
}

// CanTransition reports whether from -> to is a legal single-direction edge.
func CanTransition(from, to State) bool {
	return validTransitions[from][to]
}

// KeyMaterial is the derived data-channel cipher+HMAC subkeys for one
// direction, installed once the key-method-2 exchange completes.
type KeyMaterial struct {
	Encrypt [64]byte
	Decrypt [64]byte
	Suite   crypto.Suite
}

// KeyState is one primary-or-lame-duck slot within a Session.
type KeyState struct {
	State State
	KeyID uint8 // 0..7

	InitiatingOpcode wire.Opcode

	RemoteSessionID uint64
	RemoteEndpoint  net.Addr

	EstablishedAt   time.Time
	MustDieAt       time.Time // lame-duck-only
	MustNegotiateBy time.Time

	Key KeyMaterial

	SendPacketID      *pktid.Send
	RecvReplayWindow  *pktid.ReplayWindow
	ReliableSend      *reliable.SendRing
	ReliableRecv      *reliable.RecvRing

	// PlaintextIn/Out are the TLS-consumer-facing buffers of the in-memory
	// BIO-pair contract: bytes the reliable transport has released
	// wait here for the TLS conn to read, and bytes the TLS conn has
	// written wait here to be chunked into outgoing reliable packets.
	PlaintextIn  [][]byte
	PlaintextOut [][]byte

	PendingACKs []uint32

	BytesOnKey   int64
	PacketsOnKey int64
}

// NewKeyState allocates a slot in INITIAL, with fresh reliability rings and
// replay window sized per config.
func NewKeyState(keyID uint8, replayWindowSize int, replayTime time.Duration) *KeyState {
	return &KeyState{
		State:            Initial,
		KeyID:            keyID,
		SendPacketID:     pktid.NewSend(),
		RecvReplayWindow: pktid.NewReplayWindow(replayWindowSize, replayTime),
		ReliableSend:     reliable.NewSendRing(reliable.DefaultSendCapacity),
		ReliableRecv:     reliable.NewRecvRing(reliable.DefaultRecvCapacity),
	}
}

// Transition moves the slot to `to`, rejecting illegal edges so ACTIVE is
// only ever reached through a legal path.
func (ks *KeyState) Transition(to State) error {
	if !CanTransition(ks.State, to) {
		return fmt.Errorf("session: illegal key-state transition %s -> %s", ks.State, to)
	}
	ks.State = to
	if to == Active {
		ks.EstablishedAt = time.Now()
	}
	return nil
}

// IsUsable reports whether a slot is ready for the data channel, i.e. its
// state is Active or Normal. It checks the state only, not the key material
// or the remote session id.
func (ks *KeyState) IsUsable() bool {
	return ks.State == Active || ks.State == Normal
}

// RekeyDue evaluates the four rekey triggers: key age, bytes, packets,
// and send-counter proximity to wrap.
func (ks *KeyState) RekeyDue(now time.Time, renegSeconds, renegBytes, renegPackets int64) bool {
	if ks.EstablishedAt.IsZero() {
		return false
	}
	if renegSeconds > 0 && now.Sub(ks.EstablishedAt) > time.Duration(renegSeconds)*time.Second {
		return true
	}
	if renegBytes > 0 && ks.BytesOnKey > renegBytes {
		return true
	}
	if renegPackets > 0 && ks.PacketsOnKey > renegPackets {
		return true
	}
	if ks.SendPacketID != nil && ks.SendPacketID.Peek() >= pktid.WrapThreshold {
		return true
	}
	return false
}

// randomSessionID draws a new 64-bit random session id.
func randomSessionID() uint64 {
	return rand.Uint64()
}
