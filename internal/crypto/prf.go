// Package crypto implements the data-channel key derivation (a TLS-1.0
// style PRF) and the authenticate-then-decrypt / encrypt-then-authenticate
// packet envelope.
package crypto

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
)

// prfChain computes the classic TLS-1.0 P_hash expansion: repeatedly
// HMAC(secret, A(i) || seed) where A(0) = seed, A(i) = HMAC(secret, A(i-1)),
// truncated to n bytes. mac selects the underlying HMAC (MD5 or SHA1).
func prfChain(secret, seed []byte, n int, mac func([]byte, []byte) []byte) []byte {
	out := make([]byte, 0, n+64)
	a := seed
	for len(out) < n {
		a = mac(secret, a)
		out = append(out, mac(secret, append(append([]byte(nil), a...), seed...))...)
	}
	return out[:n]
}

func hmacMD5(key, data []byte) []byte {
	h := hmac.New(md5.New, key)
	h.Write(data)
	return h.Sum(nil)
}

func hmacSHA1(key, data []byte) []byte {
	h := hmac.New(sha1.New, key)
	h.Write(data)
	return h.Sum(nil)
}

// prfMD5SHA1 is the TLS-1.0 PRF: XOR of the MD5-HMAC and SHA1-HMAC chains
// over the same secret/seed, truncated to n bytes.
func prfMD5SHA1(secret, seed []byte, n int) []byte {
	md5Out := prfChain(secret, seed, n, hmacMD5)
	sha1Out := prfChain(secret, seed, n, hmacSHA1)
	out := make([]byte, n)
	for i := range out {
		out[i] = md5Out[i] ^ sha1Out[i]
	}
	return out
}

// KeySource is the 64-byte client or server random plus the 48-byte
// pre-master (client only) exchanged in the key-method-2 payload.
type KeySource struct {
	Random    [64]byte
	PreMaster [48]byte // only populated/used on the client side
}

const (
	masterSecretLen = 48
	// keyBlockLen is sized for two directions of cipher+HMAC keys: 2 *
	// (maxCipherKeyLen + maxHMACKeyLen). 64 bytes per direction covers any
	// cipher/HMAC combination this module supports.
	perDirectionKeyLen = 64
	keyBlockLen        = 2 * perDirectionKeyLen
)

// label || client_seed || server_seed || client_sid || server_sid.
func seedFor(label string, clientRandom, serverRandom [64]byte, clientSID, serverSID uint64) []byte {
	seed := make([]byte, 0, len(label)+64+64+8+8)
	seed = append(seed, label...)
	seed = append(seed, clientRandom[:]...)
	seed = append(seed, serverRandom[:]...)
	seed = appendUint64(seed, clientSID)
	seed = appendUint64(seed, serverSID)
	return seed
}

func appendUint64(b []byte, v uint64) []byte {
	return append(b, byte(v>>56), byte(v>>48), byte(v>>40), byte(v>>32), byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

// KeyBlock holds the derived per-direction cipher+HMAC subkeys: two 64-byte
// blocks, one per role (client=0, server=1).
type KeyBlock struct {
	Role0, Role1 [perDirectionKeyLen]byte
}

// DeriveKeys runs the two-label PRF series: "master secret" yields a
// 48-byte master from the client/server randoms and pre-master, then
// "key expansion" derives the key block from the master and both session
// IDs. Both sides get identical output given identical seeds.
func DeriveKeys(client, server KeySource, clientSID, serverSID uint64) KeyBlock {
	masterSeed := seedFor("master secret", client.Random, server.Random, clientSID, serverSID)
	preMasterAndMasterSecretInput := append(append([]byte(nil), client.PreMaster[:]...), masterSeed...)
	master := prfMD5SHA1(preMasterAndMasterSecretInput, masterSeed, masterSecretLen)

	expansionSeed := seedFor("key expansion", client.Random, server.Random, clientSID, serverSID)
	block := prfMD5SHA1(master, expansionSeed, keyBlockLen)

	var kb KeyBlock
	copy(kb.Role0[:], block[:perDirectionKeyLen])
	copy(kb.Role1[:], block[perDirectionKeyLen:])
	return kb
}

// DirectionKeys selects the local encrypt/decrypt subkey blocks given this
// side's role: the local encrypt key is the block for role `isServer?1:0`,
// decrypt is the block for the opposite role.
func (kb KeyBlock) DirectionKeys(isServer bool) (encrypt, decrypt [perDirectionKeyLen]byte) {
	if isServer {
		return kb.Role1, kb.Role0
	}
	return kb.Role0, kb.Role1
}

// WeakKeyCheck rejects cipher keys matching known weak-key patterns for the
// cipher in use. Only classic block ciphers with documented weak keys (e.g.
// DES) have non-trivial checks; AEAD ciphers used by this module have none,
// so this is a hook that always passes for them.
func WeakKeyCheck(cipherName string, key []byte) bool {
	switch cipherName {
	case "des-cbc":
		return !isDESWeakKey(key)
	default:
		return true
	}
}

// isDESWeakKey reports whether key is byte-for-byte one of the 4 classic DES
// weak keys (with their standard parity bits). Semi-weak keys are not checked.
func isDESWeakKey(key []byte) bool {
	if len(key) != 8 {
		return false
	}
	weak := [][8]byte{
		{0x01, 0x01, 0x01, 0x01, 0x01, 0x01, 0x01, 0x01},
		{0xFE, 0xFE, 0xFE, 0xFE, 0xFE, 0xFE, 0xFE, 0xFE},
		{0xE0, 0xE0, 0xE0, 0xE0, 0xF1, 0xF1, 0xF1, 0xF1},
		{0x1F, 0x1F, 0x1F, 0x1F, 0x0E, 0x0E, 0x0E, 0x0E},
	}
	for _, w := range weak {
		if string(w[:]) == string(key) {
			return true
		}
	}
	return false
}
