package peer

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"motovpn/internal/crypto"
	"motovpn/internal/frame"
	"motovpn/internal/lifecycle"
	"motovpn/internal/session"
	"motovpn/internal/wire"
)

func testFrame() frame.Params {
	return frame.Params{
		LinkMTU: 1600,
		TunMTU:  1400,
		Overhead: frame.Overhead{
			CryptoIVAndHMAC: 32,
			PacketID:        8,
			OpcodeSession:   9,
		},
	}
}

// activateKeys drives both drivers' primary slots to ACTIVE with mirrored
// key material, bypassing the TLS exchange.
func activateKeys(t *testing.T, a, b *Driver, suite crypto.Suite) {
	t.Helper()
	var k1, k2 [64]byte
	for i := range k1 {
		k1[i] = byte(i)
		k2[i] = byte(255 - i)
	}
	for _, d := range []*Driver{a, b} {
		ks := d.sess.Primary
		require.NoError(t, ks.Transition(session.PreStart))
		require.NoError(t, ks.Transition(session.Start))
		require.NoError(t, ks.Transition(session.SentKey))
		require.NoError(t, ks.Transition(session.Active))
	}
	a.sess.Primary.Key = session.KeyMaterial{Encrypt: k1, Decrypt: k2, Suite: suite}
	b.sess.Primary.Key = session.KeyMaterial{Encrypt: k2, Decrypt: k1, Suite: suite}
}

func newTestPair(t *testing.T, mutate func(*Options)) (*Driver, *Driver) {
	t.Helper()
	suite, err := crypto.SuiteByName("aes-256-gcm", "")
	require.NoError(t, err)
	base := Options{
		Frame:            testFrame(),
		Suite:            suite,
		ReplayWindowSize: 64,
		ReplayTime:       15 * time.Second,
		HandshakeWindow:  time.Minute,
		TransitionWindow: time.Hour,
	}
	if mutate != nil {
		mutate(&base)
	}
	a := NewDriver(base)
	b := NewDriver(base)
	activateKeys(t, a, b, suite)
	return a, b
}

func TestDataRoundTripSequentialIDs(t *testing.T) {
	a, b := newTestPair(t, nil)
	now := time.Now()

	for want := uint32(1); want <= 3; want++ {
		payload := bytes.Repeat([]byte{byte(want)}, 100)
		wireFrame, err := a.EncryptForSend(payload, now)
		require.NoError(t, err)

		op, keyID := wire.UnpackPrefix(wireFrame[0])
		assert.Equal(t, wire.DataV1, op)
		assert.Equal(t, uint8(0), keyID)
		assert.Equal(t, want, binary.BigEndian.Uint32(wireFrame[1:5]))

		got, err := b.DecryptAndDeliver(wireFrame, now)
		require.NoError(t, err)
		assert.Equal(t, payload, got)
	}
}

func TestReplayedPacketDroppedOnce(t *testing.T) {
	a, b := newTestPair(t, nil)
	now := time.Now()

	wireFrame, err := a.EncryptForSend([]byte("payload"), now)
	require.NoError(t, err)

	_, err = b.DecryptAndDeliver(wireFrame, now)
	require.NoError(t, err)

	got, err := b.DecryptAndDeliver(wireFrame, now)
	assert.Error(t, err)
	assert.Nil(t, got)
	replays, _, _ := b.Counters()
	assert.Equal(t, uint64(1), replays)
}

func TestFragmentationRoundTrip(t *testing.T) {
	a, b := newTestPair(t, func(o *Options) { o.FragmentSize = 200 })
	now := time.Now()

	payload := bytes.Repeat([]byte{0xAD}, 700)
	first, err := a.EncryptForSend(payload, now)
	require.NoError(t, err)

	frames := [][]byte{first}
	for {
		f, ok := a.RunFragmentHousekeeping(now)
		if !ok {
			break
		}
		frames = append(frames, f)
	}
	require.Greater(t, len(frames), 1, "payload larger than fragment size must split")

	var got []byte
	for _, f := range frames {
		out, err := b.DecryptAndDeliver(f, now)
		require.NoError(t, err)
		if out != nil {
			got = out
		}
	}
	assert.Equal(t, payload, got)
}

func TestLostFragmentNeverDelivers(t *testing.T) {
	a, b := newTestPair(t, func(o *Options) { o.FragmentSize = 200 })
	now := time.Now()

	payload := bytes.Repeat([]byte{0x55}, 700)
	first, err := a.EncryptForSend(payload, now)
	require.NoError(t, err)
	frames := [][]byte{first}
	for {
		f, ok := a.RunFragmentHousekeeping(now)
		if !ok {
			break
		}
		frames = append(frames, f)
	}

	// Drop the last fragment.
	for _, f := range frames[:len(frames)-1] {
		out, err := b.DecryptAndDeliver(f, now)
		require.NoError(t, err)
		assert.Nil(t, out)
	}

	// After the reassembly TTL the partial datagram is evicted.
	later := now.Add(time.Minute)
	b.RunFragmentHousekeeping(later)
	assert.Equal(t, 0, b.reasm.Pending())
}

func TestCompressionTagRoundTrip(t *testing.T) {
	a, b := newTestPair(t, func(o *Options) { o.Compress = true })
	now := time.Now()

	payload := []byte("uncompressed payload")
	wireFrame, err := a.EncryptForSend(payload, now)
	require.NoError(t, err)

	got, err := b.DecryptAndDeliver(wireFrame, now)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestPingSwallowedNotDelivered(t *testing.T) {
	a, b := newTestPair(t, nil)
	now := time.Now()

	wireFrame, err := a.EncryptForSend(append([]byte(nil), pingMagic...), now)
	require.NoError(t, err)

	got, err := b.DecryptAndDeliver(wireFrame, now)
	require.NoError(t, err)
	assert.Nil(t, got, "keepalive payload must never reach the tun")
}

func TestUnknownKeyIDDropped(t *testing.T) {
	a, b := newTestPair(t, nil)
	now := time.Now()

	wireFrame, err := a.EncryptForSend([]byte("payload"), now)
	require.NoError(t, err)
	wireFrame[0] = wire.PackPrefix(wire.DataV1, 5) // no slot has key id 5

	got, err := b.DecryptAndDeliver(wireFrame, now)
	assert.Error(t, err)
	assert.Nil(t, got)
}

func TestAuthFailureTransientOnUDP(t *testing.T) {
	a, b := newTestPair(t, nil)
	now := time.Now()

	wireFrame, err := a.EncryptForSend([]byte("payload"), now)
	require.NoError(t, err)
	wireFrame[len(wireFrame)-1] ^= 0xFF

	_, err = b.DecryptAndDeliver(wireFrame, now)
	assert.Error(t, err)
	_, authFails, _ := b.Counters()
	assert.Equal(t, uint64(1), authFails)
}

func TestAuthFailureEscalatesOnTCP(t *testing.T) {
	a, b := newTestPair(t, func(o *Options) { o.TCPMode = true })
	now := time.Now()

	var got lifecycle.Condition
	b.OnCondition = func(c lifecycle.Condition) { got = c }

	wireFrame, err := a.EncryptForSend([]byte("payload"), now)
	require.NoError(t, err)
	wireFrame[len(wireFrame)-1] ^= 0xFF

	_, err = b.DecryptAndDeliver(wireFrame, now)
	assert.Error(t, err)
	assert.Equal(t, lifecycle.SoftRestart, got)
}

func TestSoftResetRetiresPrimaryToLameDuck(t *testing.T) {
	a, _ := newTestPair(t, nil)
	now := time.Now()

	oldPrimary := a.sess.Primary
	require.NoError(t, a.softReset(now))
	assert.Same(t, oldPrimary, a.sess.LameDuck)
	assert.Equal(t, uint8(1), a.sess.Primary.KeyID)
	assert.Equal(t, uint8(1), a.ctrl.KeyID)
	assert.False(t, now.Add(a.opt.TransitionWindow).Before(a.sess.LameDuck.MustDieAt))
}

func TestLameDuckStillDecryptsAfterRekey(t *testing.T) {
	a, b := newTestPair(t, nil)
	now := time.Now()

	wireFrame, err := a.EncryptForSend([]byte("in flight"), now)
	require.NoError(t, err)

	// b rekeys while the packet is in flight; the old key id must still
	// resolve to the lame-duck slot.
	require.NoError(t, b.sess.Rekey(now, time.Hour))
	got, err := b.DecryptAndDeliver(wireFrame, now)
	require.NoError(t, err)
	assert.Equal(t, []byte("in flight"), got)
}
