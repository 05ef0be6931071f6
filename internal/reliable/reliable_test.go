package reliable

import (
	"testing"
	"time"
)

func TestSendRingBlocksAtCapacity(t *testing.T) {
	r := NewSendRing(4)
	now := time.Now()
	for i := uint32(1); i <= 4; i++ {
		if !r.Send(i, 4, []byte("x"), now) {
			t.Fatalf("expected send %d to succeed", i)
		}
	}
	if r.Send(5, 4, []byte("x"), now) {
		t.Fatal("expected 5th send to be blocked by full ring")
	}
	r.Ack(1)
	if !r.Send(5, 4, []byte("x"), now) {
		t.Fatal("expected send to succeed after an ack frees a slot")
	}
}

func TestSendRingRetransmitBackoff(t *testing.T) {
	r := NewSendRing(4)
	now := time.Now()
	r.Send(1, 4, []byte("x"), now)

	due := r.DueForRetransmit(now)
	if len(due) != 0 {
		t.Fatalf("expected nothing due immediately, got %d", len(due))
	}

	due = r.DueForRetransmit(now.Add(InitialTimeout + time.Millisecond))
	if len(due) != 1 || due[0].Timeout != InitialTimeout*2 {
		t.Fatalf("expected one retransmit with doubled timeout, got %+v", due)
	}
}

func TestRecvRingInOrderRelease(t *testing.T) {
	r := NewRecvRing(8)
	r.Admit(2, []byte("two"))
	r.Admit(1, []byte("one"))
	r.Admit(3, []byte("three"))

	out := r.Release()
	if len(out) != 3 || string(out[0]) != "one" || string(out[1]) != "two" || string(out[2]) != "three" {
		t.Fatalf("expected in-order release, got %v", out)
	}
}

func TestRecvRingGapBlocksRelease(t *testing.T) {
	r := NewRecvRing(8)
	r.Admit(1, []byte("one"))
	r.Admit(3, []byte("three")) // gap at 2

	out := r.Release()
	if len(out) != 1 || string(out[0]) != "one" {
		t.Fatalf("expected only id 1 released while gap exists, got %v", out)
	}

	r.Admit(2, []byte("two"))
	out = r.Release()
	if len(out) != 2 {
		t.Fatalf("expected gap fill to release ids 2 and 3, got %v", out)
	}
}

func TestRecvRingRejectsTooFarAhead(t *testing.T) {
	r := NewRecvRing(4)
	if r.Admit(100, []byte("x")) {
		t.Fatal("expected admission far ahead of capacity to be rejected")
	}
}

func TestRecvRingACKsCapped(t *testing.T) {
	r := NewRecvRing(16)
	for i := uint32(1); i <= 6; i++ {
		r.Admit(i, []byte("p"))
	}
	acks := r.DrainACKs()
	if len(acks) != MaxACKsPerPacket {
		t.Fatalf("expected at most %d acks, got %d", MaxACKsPerPacket, len(acks))
	}
}
