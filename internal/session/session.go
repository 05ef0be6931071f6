package session

import (
	"fmt"
	"net"
	"time"
)

// Session is one of the up to three concurrent peer sessions: ACTIVE,
// UNTRUSTED (candidate), LAME_DUCK (retiring).
type Session struct {
	SessionID uint64

	Primary  *KeyState
	LameDuck *KeyState // nil until a rekey puts the old primary here

	TLSAuthEnabled       bool
	CommonName           string
	UntrustedRemoteEndpoint net.Addr
	VerifyMaxLevel       int
	BurstFlag            bool

	replayWindowSize int
	replayTime       time.Duration
}

// NewSession allocates a session with a fresh random id and an INITIAL
// primary key slot.
func NewSession(replayWindowSize int, replayTime time.Duration) *Session {
	return &Session{
		SessionID:        randomSessionID(),
		Primary:          NewKeyState(0, replayWindowSize, replayTime),
		replayWindowSize: replayWindowSize,
		replayTime:       replayTime,
	}
}

// Rekey moves the current primary to lame-duck (armed with
// must_die_at = now + transitionWindow) and spawns a fresh primary at a
// bumped key id, wrapping at 8 (the key_id field is 3 bits).
func (s *Session) Rekey(now time.Time, transitionWindow time.Duration) error {
	if s.LameDuck != nil {
		return fmt.Errorf("session: rekey while a lame-duck slot is still live")
	}
	old := s.Primary
	old.MustDieAt = now.Add(transitionWindow)
	s.LameDuck = old

	nextKeyID := (old.KeyID + 1) % 8
	s.Primary = NewKeyState(nextKeyID, s.replayWindowSize, s.replayTime)
	return nil
}

// ReapLameDuck frees the lame-duck slot once its must_die_at has passed.
func (s *Session) ReapLameDuck(now time.Time) bool {
	if s.LameDuck == nil {
		return false
	}
	if now.Before(s.LameDuck.MustDieAt) {
		return false
	}
	s.LameDuck = nil
	return true
}

// KeyStateForID returns the slot (primary or lame-duck) matching an
// incoming key_id, or nil if neither matches — used to pick the decrypt key
// for an inbound data packet during a key transition window.
func (s *Session) KeyStateForID(keyID uint8) *KeyState {
	if s.Primary != nil && s.Primary.KeyID == keyID {
		return s.Primary
	}
	if s.LameDuck != nil && s.LameDuck.KeyID == keyID {
		return s.LameDuck
	}
	return nil
}

// Multi is the per-peer aggregate owning the three session slots. Single-session mode disables
// promotion of Untrusted into Active after the first successful handshake.
type Multi struct {
	Active    *Session
	Untrusted *Session
	LameDuck  *Session

	SingleSessionMode bool
	promotedOnce      bool
}

// NewMulti allocates the aggregate with a fresh Active session; Untrusted
// and LameDuck stay nil until a candidate session or a session-level rekey
// creates them.
func NewMulti(replayWindowSize int, replayTime time.Duration, singleSession bool) *Multi {
	return &Multi{
		Active:            NewSession(replayWindowSize, replayTime),
		SingleSessionMode: singleSession,
	}
}

// PromoteUntrusted usurps Active with Untrusted's contents once Untrusted's
// decrypt key becomes usable, and reinitializes Untrusted. Returns false without acting if single-session mode
// has already promoted once.
func (m *Multi) PromoteUntrusted(replayWindowSize int, replayTime time.Duration) bool {
	if m.Untrusted == nil || !m.Untrusted.Primary.IsUsable() {
		return false
	}
	if m.SingleSessionMode && m.promotedOnce {
		return false
	}
	m.Active = m.Untrusted
	m.Untrusted = NewSession(replayWindowSize, replayTime)
	m.promotedOnce = true
	return true
}
