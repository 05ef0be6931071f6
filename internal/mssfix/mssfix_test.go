package mssfix

import (
	"encoding/binary"
	"testing"
)

// buildSYN constructs a minimal IPv4/TCP SYN packet with an MSS option.
func buildSYN(mss int) []byte {
	ipHeader := make([]byte, 20)
	ipHeader[0] = 0x45 // version 4, IHL 5
	ipHeader[9] = 6    // protocol TCP
	copy(ipHeader[12:16], []byte{10, 0, 0, 1})
	copy(ipHeader[16:20], []byte{10, 0, 0, 2})

	tcp := make([]byte, 24) // 20-byte base header + 4-byte MSS option
	tcp[12] = 6 << 4        // data offset = 6 words = 24 bytes
	tcp[13] = 0x02          // SYN flag
	tcp[20] = 2             // MSS kind
	tcp[21] = 4             // MSS length
	binary.BigEndian.PutUint16(tcp[22:24], uint16(mss))

	total := append(ipHeader, tcp...)
	binary.BigEndian.PutUint16(total[2:4], uint16(len(total)))
	return total
}

func TestClampLowersOversizedMSS(t *testing.T) {
	pkt := buildSYN(1460)
	out := Clamp(pkt, 1400)
	mss := binary.BigEndian.Uint16(out[20+22 : 20+24])
	if mss != 1400 {
		t.Fatalf("mss = %d, want 1400", mss)
	}
}

func TestClampLeavesSmallerMSSAlone(t *testing.T) {
	pkt := buildSYN(1300)
	out := Clamp(pkt, 1400)
	mss := binary.BigEndian.Uint16(out[20+22 : 20+24])
	if mss != 1300 {
		t.Fatalf("mss = %d, want unchanged 1300", mss)
	}
}

func TestClampIgnoresNonSYN(t *testing.T) {
	pkt := buildSYN(1460)
	pkt[20+13] = 0x10 // ACK only, no SYN
	out := Clamp(pkt, 1400)
	mss := binary.BigEndian.Uint16(out[20+22 : 20+24])
	if mss != 1460 {
		t.Fatalf("expected non-SYN packet left untouched, got mss=%d", mss)
	}
}

func TestClampIgnoresNonTCP(t *testing.T) {
	pkt := buildSYN(1460)
	pkt[9] = 17 // UDP
	out := Clamp(pkt, 1400)
	if &out[0] != &pkt[0] {
		t.Fatal("expected the same backing array for a no-op clamp")
	}
}
