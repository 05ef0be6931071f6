package stream

import (
	"bytes"
	"testing"
)

func TestEncodeFeedOneRoundTrip(t *testing.T) {
	payload := []byte("hello control channel")
	wire, err := Encode(payload)
	if err != nil {
		t.Fatal(err)
	}
	r := NewReader()
	pkt, state, err := r.FeedOne(wire)
	if err != nil {
		t.Fatal(err)
	}
	if state != Complete {
		t.Fatalf("state = %v, want Complete", state)
	}
	if !bytes.Equal(pkt, payload) {
		t.Fatalf("payload mismatch: got %q want %q", pkt, payload)
	}
}

func TestFeedOnePartialReads(t *testing.T) {
	payload := []byte("0123456789")
	wire, _ := Encode(payload)
	r := NewReader()

	pkt, state, err := r.FeedOne(wire[:1]) // partial length prefix
	if err != nil || pkt != nil || state != ReadingLength {
		t.Fatalf("got %v %v %v", pkt, state, err)
	}
	pkt, state, err = r.FeedOne(wire[1:4]) // rest of length + partial payload
	if err != nil || pkt != nil || state != ReadingPayload {
		t.Fatalf("got %v %v %v", pkt, state, err)
	}
	pkt, state, err = r.FeedOne(wire[4:])
	if err != nil || state != Complete || !bytes.Equal(pkt, payload) {
		t.Fatalf("got %v %v %v", pkt, state, err)
	}
}

func TestFeedOneResidualCarriesToNextPacket(t *testing.T) {
	p1, _ := Encode([]byte("first"))
	p2, _ := Encode([]byte("second"))
	combined := append(append([]byte(nil), p1...), p2...)

	r := NewReader()
	pkt, state, err := r.FeedOne(combined)
	if err != nil {
		t.Fatal(err)
	}
	if state != Residual || string(pkt) != "first" {
		t.Fatalf("got %q %v", pkt, state)
	}
	if !r.HasResidual() {
		t.Fatal("expected residual bytes buffered for second packet")
	}

	pkt, state, err = r.FeedOne(nil)
	if err != nil {
		t.Fatal(err)
	}
	if state != Complete || string(pkt) != "second" {
		t.Fatalf("got %q %v", pkt, state)
	}
}

func TestZeroLengthPacketRejected(t *testing.T) {
	r := NewReader()
	wire := []byte{0x00, 0x00}
	if _, _, err := r.FeedOne(wire); err == nil {
		t.Fatal("expected error for zero-length packet")
	}
}
