package session

import (
	"bytes"
	"testing"
)

func TestKeyMethod2PayloadRoundTripClient(t *testing.T) {
	p := KeyMethod2Payload{
		KeyMethod:    2,
		HasPreMaster: true,
		Options:      "V4,dev-type tun,link-mtu 1559,tun-mtu 1500,proto udp",
	}
	copy(p.PreMaster[:], bytes.Repeat([]byte{0xAB}, 48))
	copy(p.Random[:], bytes.Repeat([]byte{0xCD}, 64))

	buf := p.Marshal()
	parsed, err := ParseKeyMethod2Payload(buf, true)
	if err != nil {
		t.Fatal(err)
	}
	if parsed.KeyMethod != 2 || parsed.Options != p.Options {
		t.Fatalf("round trip mismatch: %+v", parsed)
	}
	if parsed.PreMaster != p.PreMaster || parsed.Random != p.Random {
		t.Fatal("key material mismatch after round trip")
	}
}

func TestKeyMethod2PayloadRoundTripServer(t *testing.T) {
	p := KeyMethod2Payload{KeyMethod: 2, Options: "V4,dev-type tun,link-mtu 1559,tun-mtu 1500,proto udp"}
	copy(p.Random[:], bytes.Repeat([]byte{0x11}, 64))

	buf := p.Marshal()
	parsed, err := ParseKeyMethod2Payload(buf, false)
	if err != nil {
		t.Fatal(err)
	}
	if parsed.HasPreMaster {
		t.Fatal("server payload should carry no pre-master")
	}
	if parsed.Random != p.Random {
		t.Fatal("random mismatch after round trip")
	}
}

func TestParseKeyMethod2PayloadTooShort(t *testing.T) {
	if _, err := ParseKeyMethod2Payload([]byte{2}, true); err == nil {
		t.Fatal("expected error for truncated payload")
	}
}

func TestCommonNameVerifierEmptyAllowList(t *testing.T) {
	v := CommonNameVerifier(nil)
	if err := v(nil, nil); err != nil {
		t.Fatalf("empty allow-list should accept any cert, got %v", err)
	}
}

func TestCommonNameVerifierRejectsMissingCert(t *testing.T) {
	v := CommonNameVerifier(map[string]bool{"client1": true})
	if err := v(nil, nil); err == nil {
		t.Fatal("expected error with no presented certificate")
	}
}
