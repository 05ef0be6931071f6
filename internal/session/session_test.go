package session

import (
	"testing"
	"time"
)

func TestKeyStateTransitions(t *testing.T) {
	ks := NewKeyState(0, 64, 15*time.Second)
	if ks.State != Initial {
		t.Fatalf("new key state = %v, want Initial", ks.State)
	}
	if err := ks.Transition(PreStart); err != nil {
		t.Fatal(err)
	}
	if err := ks.Transition(Start); err != nil {
		t.Fatal(err)
	}
	if err := ks.Transition(SentKey); err != nil {
		t.Fatal(err)
	}
	if err := ks.Transition(GotKey); err != nil {
		t.Fatal(err)
	}
	if err := ks.Transition(Active); err != nil {
		t.Fatal(err)
	}
	if ks.EstablishedAt.IsZero() {
		t.Fatal("expected EstablishedAt to be set on reaching Active")
	}
	if !ks.IsUsable() {
		t.Fatal("expected Active state to be usable")
	}
}

func TestKeyStateIllegalTransition(t *testing.T) {
	ks := NewKeyState(0, 64, 15*time.Second)
	if err := ks.Transition(Active); err == nil {
		t.Fatal("expected Initial -> Active to be rejected")
	}
}

func TestKeyStateErrorReachableFromAnyState(t *testing.T) {
	for _, s := range []State{Initial, PreStart, Start, SentKey, GotKey, Active, Normal} {
		if !CanTransition(s, Error) {
			t.Fatalf("expected %v -> Error to be legal", s)
		}
	}
}

func TestRekeyDueOnRenegSeconds(t *testing.T) {
	ks := NewKeyState(0, 64, 15*time.Second)
	ks.Transition(PreStart)
	ks.Transition(Start)
	ks.Transition(SentKey)
	ks.Transition(GotKey)
	ks.Transition(Active)

	if ks.RekeyDue(time.Now(), 3600, 0, 0) {
		t.Fatal("should not be due immediately after establishment")
	}
	future := ks.EstablishedAt.Add(2 * time.Hour)
	if !ks.RekeyDue(future, 3600, 0, 0) {
		t.Fatal("expected rekey due after reneg-seconds elapsed")
	}
}

func TestRekeyDueOnBytesAndPackets(t *testing.T) {
	ks := NewKeyState(0, 64, 15*time.Second)
	ks.Transition(PreStart)
	ks.Transition(Start)
	ks.Transition(SentKey)
	ks.Transition(GotKey)
	ks.Transition(Active)

	ks.BytesOnKey = 1000
	if !ks.RekeyDue(time.Now(), 0, 999, 0) {
		t.Fatal("expected rekey due once bytes exceed threshold")
	}

	ks2 := NewKeyState(0, 64, 15*time.Second)
	ks2.Transition(PreStart)
	ks2.Transition(Start)
	ks2.Transition(SentKey)
	ks2.Transition(GotKey)
	ks2.Transition(Active)
	ks2.PacketsOnKey = 50
	if !ks2.RekeyDue(time.Now(), 0, 0, 49) {
		t.Fatal("expected rekey due once packets exceed threshold")
	}
}

func TestSessionRekeyMovesToLameDuck(t *testing.T) {
	s := NewSession(64, 15*time.Second)
	originalPrimary := s.Primary
	now := time.Now()
	if err := s.Rekey(now, time.Hour); err != nil {
		t.Fatal(err)
	}
	if s.LameDuck != originalPrimary {
		t.Fatal("expected old primary to become lame-duck")
	}
	if s.Primary == originalPrimary {
		t.Fatal("expected a fresh primary after rekey")
	}
	if s.Primary.KeyID != 1 {
		t.Fatalf("key id = %d, want 1", s.Primary.KeyID)
	}
}

func TestSessionRekeyRejectedWithLiveLameDuck(t *testing.T) {
	s := NewSession(64, 15*time.Second)
	now := time.Now()
	if err := s.Rekey(now, time.Hour); err != nil {
		t.Fatal(err)
	}
	if err := s.Rekey(now, time.Hour); err == nil {
		t.Fatal("expected rekey to fail while a lame-duck slot is still live")
	}
}

func TestSessionReapLameDuck(t *testing.T) {
	s := NewSession(64, 15*time.Second)
	now := time.Now()
	s.Rekey(now, time.Millisecond)
	if s.ReapLameDuck(now) {
		t.Fatal("should not reap before must-die-at")
	}
	later := now.Add(time.Second)
	if !s.ReapLameDuck(later) {
		t.Fatal("expected reap after must-die-at has passed")
	}
	if s.LameDuck != nil {
		t.Fatal("expected lame-duck slot cleared")
	}
}

func TestMultiPromoteUntrusted(t *testing.T) {
	m := NewMulti(64, 15*time.Second, false)
	m.Untrusted = NewSession(64, 15*time.Second)
	// Drive the untrusted session's primary to Active to make it usable.
	ks := m.Untrusted.Primary
	ks.Transition(PreStart)
	ks.Transition(Start)
	ks.Transition(SentKey)
	ks.Transition(GotKey)
	ks.Transition(Active)

	promoted := m.Untrusted
	if !m.PromoteUntrusted(64, 15*time.Second) {
		t.Fatal("expected promotion to succeed")
	}
	if m.Active != promoted {
		t.Fatal("expected Active to become the promoted session")
	}
	if m.Untrusted == promoted {
		t.Fatal("expected a fresh Untrusted session after promotion")
	}
}

func TestMultiSingleSessionModeBlocksSecondPromotion(t *testing.T) {
	m := NewMulti(64, 15*time.Second, true)
	m.Untrusted = NewSession(64, 15*time.Second)
	ks := m.Untrusted.Primary
	ks.Transition(PreStart)
	ks.Transition(Start)
	ks.Transition(SentKey)
	ks.Transition(GotKey)
	ks.Transition(Active)
	if !m.PromoteUntrusted(64, 15*time.Second) {
		t.Fatal("expected first promotion to succeed")
	}

	m.Untrusted = NewSession(64, 15*time.Second)
	ks2 := m.Untrusted.Primary
	ks2.Transition(PreStart)
	ks2.Transition(Start)
	ks2.Transition(SentKey)
	ks2.Transition(GotKey)
	ks2.Transition(Active)
	if m.PromoteUntrusted(64, 15*time.Second) {
		t.Fatal("expected single-session mode to block second promotion")
	}
}
