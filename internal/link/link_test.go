package link

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTCPFramingRoundTrip(t *testing.T) {
	a, b := net.Pipe()
	ta, tb := NewTCP(a), NewTCP(b)
	defer ta.Close()
	defer tb.Close()

	go func() {
		_ = ta.WritePacket([]byte("first packet"))
		_ = ta.WritePacket([]byte("second"))
	}()

	got, err := tb.ReadPacket()
	require.NoError(t, err)
	assert.Equal(t, []byte("first packet"), got)

	got, err = tb.ReadPacket()
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), got)
}

func TestTCPResidualServedWithoutSecondRead(t *testing.T) {
	a, b := net.Pipe()
	tb := NewTCP(b)
	defer tb.Close()

	// Two framed packets delivered in a single write: the second must be
	// yielded from residual without touching the socket again.
	go func() {
		_, _ = a.Write([]byte{0, 3, 'o', 'n', 'e', 0, 3, 't', 'w', 'o'})
		_ = a.Close()
	}()

	got, err := tb.ReadPacket()
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), got)
	assert.True(t, tb.reader.HasResidual())

	got, err = tb.ReadPacket()
	require.NoError(t, err)
	assert.Equal(t, []byte("two"), got)
}

func TestUDPRoundTrip(t *testing.T) {
	server, err := ListenUDP("127.0.0.1:0")
	require.NoError(t, err)
	defer server.Close()

	client, err := DialUDP("", server.LocalAddr().String())
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.WritePacket([]byte("datagram")))

	buf := make([]byte, 64)
	n, addr, err := server.ReadFromUDP(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte("datagram"), buf[:n])
	assert.NotNil(t, addr)
}
