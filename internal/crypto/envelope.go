package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"hash"

	"golang.org/x/crypto/chacha20poly1305"
)

// Suite is a pluggable data/control channel cipher, selected by --cipher.
type Suite interface {
	Name() string
	KeyLen() int
	// Seal authenticates and encrypts plaintext in place given a per-packet
	// nonce source (the packet ID doubles as the IV source for IV-less
	// modes), appending the result (and any tag) to dst.
	Seal(dst, key, nonceSource, plaintext []byte) []byte
	// Open authenticates and decrypts, returning the plaintext or an error.
	Open(key, nonceSource, ciphertext []byte) ([]byte, error)
}

// aeadSuite adapts a cipher.AEAD (AES-GCM or ChaCha20-Poly1305) to Suite,
// deriving its nonce deterministically from the packet ID so no explicit IV
// needs to travel on the wire when --no-iv is set.
type aeadSuite struct {
	name    string
	keyLen  int
	newAEAD func(key []byte) (cipher.AEAD, error)
}

func (s aeadSuite) Name() string  { return s.name }
func (s aeadSuite) KeyLen() int   { return s.keyLen }

func (s aeadSuite) nonce(aead cipher.AEAD, nonceSource []byte) []byte {
	n := make([]byte, aead.NonceSize())
	copy(n[len(n)-len(nonceSource):], nonceSource)
	return n
}

func (s aeadSuite) Seal(dst, key, nonceSource, plaintext []byte) []byte {
	aead, err := s.newAEAD(key)
	if err != nil {
		panic(fmt.Sprintf("crypto: bad key for %s: %v", s.name, err))
	}
	return aead.Seal(dst, s.nonce(aead, nonceSource), plaintext, nil)
}

func (s aeadSuite) Open(key, nonceSource, ciphertext []byte) ([]byte, error) {
	aead, err := s.newAEAD(key)
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, s.nonce(aead, nonceSource), ciphertext, nil)
}

func aesGCM(keyLen int) aeadSuite {
	return aeadSuite{
		name:   fmt.Sprintf("aes-%d-gcm", keyLen*8),
		keyLen: keyLen,
		newAEAD: func(key []byte) (cipher.AEAD, error) {
			block, err := aes.NewCipher(key)
			if err != nil {
				return nil, err
			}
			return cipher.NewGCM(block)
		},
	}
}

func chacha20Poly1305Suite() aeadSuite {
	return aeadSuite{
		name:   "chacha20-poly1305",
		keyLen: chacha20poly1305.KeySize,
		newAEAD: func(key []byte) (cipher.AEAD, error) {
			return chacha20poly1305.New(key)
		},
	}
}

// cbcHMACSuite models the classic authenticate-then-decrypt construction:
// AES-CBC with a per-packet IV plus a separate HMAC-SHA256 over the IV and
// ciphertext. It implements Suite by packing [hmac(32) || iv(16) ||
// ciphertext] and is selected for --cipher aes-256-cbc --auth sha256.
type cbcHMACSuite struct {
	cipherKeyLen int
	hmacKeyLen   int
	newHash      func() hash.Hash
}

func (s cbcHMACSuite) Name() string { return "aes-cbc+hmac-sha256" }
func (s cbcHMACSuite) KeyLen() int  { return s.cipherKeyLen + s.hmacKeyLen }

func (s cbcHMACSuite) split(key []byte) (cipherKey, hmacKey []byte) {
	return key[:s.cipherKeyLen], key[s.cipherKeyLen : s.cipherKeyLen+s.hmacKeyLen]
}

// Seal builds the IV from nonceSource (the packet ID, right-aligned in a
// zeroed block) and carries it explicitly on the wire, so Open reads the IV
// from the packet rather than from its own nonceSource argument.
func (s cbcHMACSuite) Seal(dst, key, nonceSource, plaintext []byte) []byte {
	cipherKey, hmacKey := s.split(key)
	block, err := aes.NewCipher(cipherKey)
	if err != nil {
		panic(err)
	}
	iv := make([]byte, aes.BlockSize)
	copy(iv[aes.BlockSize-len(nonceSource):], nonceSource)

	padded := pkcs7Pad(plaintext, aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	body := append(append([]byte(nil), iv...), ciphertext...)
	mac := hmac.New(s.newHash, hmacKey)
	mac.Write(body)
	tag := mac.Sum(nil)

	out := append(dst, tag...)
	out = append(out, body...)
	return out
}

func (s cbcHMACSuite) Open(key, nonceSource, ciphertext []byte) ([]byte, error) {
	cipherKey, hmacKey := s.split(key)
	mac := hmac.New(s.newHash, hmacKey)
	tagLen := mac.Size()
	if len(ciphertext) < tagLen+aes.BlockSize {
		return nil, fmt.Errorf("crypto: ciphertext too short")
	}
	tag, body := ciphertext[:tagLen], ciphertext[tagLen:]
	mac.Write(body)
	if !hmac.Equal(tag, mac.Sum(nil)) {
		return nil, fmt.Errorf("crypto: hmac verification failed")
	}
	iv, ct := body[:aes.BlockSize], body[aes.BlockSize:]
	if len(ct)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("crypto: ciphertext not block-aligned")
	}
	block, err := aes.NewCipher(cipherKey)
	if err != nil {
		return nil, err
	}
	plain := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, ct)
	return pkcs7Unpad(plain)
}

func pkcs7Pad(b []byte, blockSize int) []byte {
	padLen := blockSize - len(b)%blockSize
	padded := make([]byte, len(b)+padLen)
	copy(padded, b)
	for i := len(b); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}
	return padded
}

func pkcs7Unpad(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("crypto: empty plaintext")
	}
	padLen := int(b[len(b)-1])
	if padLen == 0 || padLen > len(b) {
		return nil, fmt.Errorf("crypto: bad padding")
	}
	return b[:len(b)-padLen], nil
}

// SuiteByName resolves a --cipher/--auth pair to a Suite.
func SuiteByName(cipherName, authName string) (Suite, error) {
	switch cipherName {
	case "aes-256-gcm":
		return aesGCM(32), nil
	case "aes-128-gcm":
		return aesGCM(16), nil
	case "chacha20-poly1305":
		return chacha20Poly1305Suite(), nil
	case "aes-256-cbc":
		if authName != "sha256" {
			return nil, fmt.Errorf("crypto: aes-256-cbc requires --auth sha256")
		}
		return cbcHMACSuite{cipherKeyLen: 32, hmacKeyLen: 32, newHash: sha256.New}, nil
	default:
		return nil, fmt.Errorf("crypto: unknown cipher %q", cipherName)
	}
}

// DataNonceSource builds the per-packet nonce-source bytes from the packet
// ID (and optional epoch) for the IV-less cipher modes.
func DataNonceSource(epoch *uint32, seq uint32) []byte {
	if epoch == nil {
		b := make([]byte, 4)
		binary.BigEndian.PutUint32(b, seq)
		return b
	}
	b := make([]byte, 8)
	binary.BigEndian.PutUint32(b[0:4], *epoch)
	binary.BigEndian.PutUint32(b[4:8], seq)
	return b
}
