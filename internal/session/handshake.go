package session

import (
	"crypto/x509"
	"encoding/binary"
	"fmt"

	"motovpn/internal/crypto"
)

// KeyMethod2Payload is the key-method-2 exchange payload carried inside the
// first reliable control message of a session. The pre-master secret
// is populated only on the client->server leg.
type KeyMethod2Payload struct {
	KeyMethod   uint8
	HasPreMaster bool
	PreMaster   [48]byte
	Random      [64]byte // random1(32) || random2(32), concatenated
	Options     string   // canonical options string for the consistency check
}

// Marshal writes the payload in the classic key_method(1) ||
// [pre_master(48)] || random(64) || options_len(2) || options layout.
func (p KeyMethod2Payload) Marshal() []byte {
	size := 1 + 64 + 2 + len(p.Options)
	if p.HasPreMaster {
		size += 48
	}
	buf := make([]byte, size)
	o := 0
	buf[o] = p.KeyMethod
	o++
	if p.HasPreMaster {
		copy(buf[o:o+48], p.PreMaster[:])
		o += 48
	}
	copy(buf[o:o+64], p.Random[:])
	o += 64
	binary.BigEndian.PutUint16(buf[o:o+2], uint16(len(p.Options)))
	o += 2
	copy(buf[o:], p.Options)
	return buf
}

// ParseKeyMethod2Payload parses a payload marshaled by Marshal. fromClient
// selects whether a pre-master block is expected ahead of the randoms.
func ParseKeyMethod2Payload(buf []byte, fromClient bool) (KeyMethod2Payload, error) {
	var p KeyMethod2Payload
	if len(buf) < 1 {
		return p, fmt.Errorf("session: key-method-2 payload empty")
	}
	p.KeyMethod = buf[0]
	o := 1
	if fromClient {
		if len(buf) < o+48 {
			return p, fmt.Errorf("session: key-method-2 payload too short for pre-master")
		}
		p.HasPreMaster = true
		copy(p.PreMaster[:], buf[o:o+48])
		o += 48
	}
	if len(buf) < o+64 {
		return p, fmt.Errorf("session: key-method-2 payload too short for randoms")
	}
	copy(p.Random[:], buf[o:o+64])
	o += 64
	if len(buf) < o+2 {
		return p, fmt.Errorf("session: key-method-2 payload too short for options length")
	}
	optLen := int(binary.BigEndian.Uint16(buf[o : o+2]))
	o += 2
	if len(buf) < o+optLen {
		return p, fmt.Errorf("session: key-method-2 payload too short for options string")
	}
	p.Options = string(buf[o : o+optLen])
	return p, nil
}

// KeySource extracts the crypto.KeySource half of the payload, for feeding
// into crypto.DeriveKeys.
func (p KeyMethod2Payload) KeySource() crypto.KeySource {
	ks := crypto.KeySource{Random: p.Random}
	if p.HasPreMaster {
		ks.PreMaster = p.PreMaster
	}
	return ks
}

// CertVerifyFunc matches crypto/tls.Config.VerifyPeerCertificate's shape,
// letting a caller plug in --verify-maxlevel / common-name checks without
// this package depending on how certificates are sourced.
type CertVerifyFunc func(rawCerts [][]byte, verifiedChains [][]*x509.Certificate) error

// CommonNameVerifier builds a CertVerifyFunc that accepts only a leaf
// certificate whose subject common name is in allowed, or accepts any name
// when allowed is empty; duplicate-cn policy lives above this, in the
// server multiplex layer.
func CommonNameVerifier(allowed map[string]bool) CertVerifyFunc {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(allowed) == 0 {
			return nil
		}
		if len(rawCerts) == 0 {
			return fmt.Errorf("session: no peer certificate presented")
		}
		leaf, err := x509.ParseCertificate(rawCerts[0])
		if err != nil {
			return fmt.Errorf("session: parse peer certificate: %w", err)
		}
		if !allowed[leaf.Subject.CommonName] {
			return fmt.Errorf("session: common name %q not permitted", leaf.Subject.CommonName)
		}
		return nil
	}
}
