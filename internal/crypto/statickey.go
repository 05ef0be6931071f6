package crypto

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"
)

const (
	staticKeyBegin = "-----BEGIN motovpn static key v1-----"
	staticKeyEnd   = "-----END motovpn static key v1-----"

	// StaticKeyLen is the full pre-shared key material size: four 64-byte
	// blocks (cipher and HMAC keys for each direction).
	StaticKeyLen = 256
)

// StaticKey is the pre-shared key material used for --secret mode and for
// the tls-auth outer HMAC layer. Direction selects which half is the local
// send half: 0 keys send with the first blocks, 1 with the second, and the
// two peers must configure opposite directions.
type StaticKey struct {
	raw [StaticKeyLen]byte
}

// LoadStaticKey reads a hex-armored static key file.
func LoadStaticKey(path string) (*StaticKey, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseStaticKey(string(buf))
}

// ParseStaticKey parses the hex-armored form: a begin marker, hex lines
// totaling StaticKeyLen bytes, an end marker. Comment lines before the
// begin marker are ignored.
func ParseStaticKey(text string) (*StaticKey, error) {
	var hexBody strings.Builder
	in := false
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case line == staticKeyBegin:
			in = true
		case line == staticKeyEnd:
			in = false
		case in:
			hexBody.WriteString(line)
		}
	}
	raw, err := hex.DecodeString(hexBody.String())
	if err != nil {
		return nil, fmt.Errorf("crypto: static key not valid hex: %w", err)
	}
	if len(raw) != StaticKeyLen {
		return nil, fmt.Errorf("crypto: static key is %d bytes, want %d", len(raw), StaticKeyLen)
	}
	k := &StaticKey{}
	copy(k.raw[:], raw)
	return k, nil
}

// GenerateStaticKeyText renders raw key material in the hex-armored file
// format, 32 bytes per line.
func GenerateStaticKeyText(raw []byte) (string, error) {
	if len(raw) != StaticKeyLen {
		return "", fmt.Errorf("crypto: static key material is %d bytes, want %d", len(raw), StaticKeyLen)
	}
	var b strings.Builder
	b.WriteString(staticKeyBegin)
	b.WriteString("\n")
	for off := 0; off < len(raw); off += 32 {
		b.WriteString(hex.EncodeToString(raw[off : off+32]))
		b.WriteString("\n")
	}
	b.WriteString(staticKeyEnd)
	b.WriteString("\n")
	return b.String(), nil
}

// block slices one of the four 64-byte blocks.
func (k *StaticKey) block(i int) []byte {
	return k.raw[i*64 : (i+1)*64]
}

// CipherKeys returns the (send, recv) cipher key blocks for the given local
// direction.
func (k *StaticKey) CipherKeys(direction int) (send, recv []byte) {
	if direction == 0 {
		return k.block(0), k.block(2)
	}
	return k.block(2), k.block(0)
}

// HMACKeys returns the (send, recv) HMAC key blocks for the given local
// direction, truncated to n bytes each for the configured hash.
func (k *StaticKey) HMACKeys(direction int, n int) (send, recv []byte) {
	if direction == 0 {
		return k.block(1)[:n], k.block(3)[:n]
	}
	return k.block(3)[:n], k.block(1)[:n]
}
