// Package link provides the endpoint transports the event loop drives: a
// connected UDP socket and a length-framed TCP stream. Both satisfy
// ioloop.Transport.
package link

import (
	"fmt"
	"net"
	"time"

	"motovpn/internal/stream"
)

// maxDatagram bounds a single endpoint read; anything larger than the
// expanded frame size is rejected upstream by the frame check.
const maxDatagram = 65536

// UDP is a connected UDP endpoint carrying one datagram per packet.
type UDP struct {
	conn *net.UDPConn
}

// DialUDP binds local (optional, ":0" when empty) and connects to remote.
func DialUDP(local, remote string) (*UDP, error) {
	raddr, err := net.ResolveUDPAddr("udp4", remote)
	if err != nil {
		return nil, fmt.Errorf("link: resolve remote %q: %w", remote, err)
	}
	var laddr *net.UDPAddr
	if local != "" {
		laddr, err = net.ResolveUDPAddr("udp4", local)
		if err != nil {
			return nil, fmt.Errorf("link: resolve local %q: %w", local, err)
		}
	}
	conn, err := net.DialUDP("udp4", laddr, raddr)
	if err != nil {
		return nil, err
	}
	return &UDP{conn: conn}, nil
}

// ListenUDP binds a server-side unconnected socket; the caller demultiplexes
// sources itself via ReadFrom.
func ListenUDP(local string) (*net.UDPConn, error) {
	laddr, err := net.ResolveUDPAddr("udp4", local)
	if err != nil {
		return nil, fmt.Errorf("link: resolve local %q: %w", local, err)
	}
	return net.ListenUDP("udp4", laddr)
}

func (u *UDP) ReadPacket() ([]byte, error) {
	buf := make([]byte, maxDatagram)
	n, err := u.conn.Read(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func (u *UDP) WritePacket(b []byte) error {
	_, err := u.conn.Write(b)
	return err
}

func (u *UDP) RemoteAddr() net.Addr { return u.conn.RemoteAddr() }

func (u *UDP) Close() error { return u.conn.Close() }

// TCP wraps a stream connection with the u16 length framing of the wire
// protocol, carrying residual bytes across reads so a single read() that
// spanned two packets doesn't stall the second one.
type TCP struct {
	conn   net.Conn
	reader *stream.Reader
}

// DialTCP connects to remote (tcp-client mode).
func DialTCP(remote string, timeout time.Duration) (*TCP, error) {
	conn, err := net.DialTimeout("tcp4", remote, timeout)
	if err != nil {
		return nil, err
	}
	return NewTCP(conn), nil
}

// NewTCP wraps an established connection (either direction).
func NewTCP(conn net.Conn) *TCP {
	return &TCP{conn: conn, reader: stream.NewReader()}
}

// ReadPacket returns the next length-delimited packet, reading from the
// socket only when no residual bytes are pending.
func (t *TCP) ReadPacket() ([]byte, error) {
	for {
		if t.reader.HasResidual() {
			packet, _, err := t.reader.FeedOne(nil)
			if err != nil {
				return nil, err
			}
			if packet != nil {
				return packet, nil
			}
		}
		buf := make([]byte, 4096)
		n, err := t.conn.Read(buf)
		if n > 0 {
			packet, _, ferr := t.reader.FeedOne(buf[:n])
			if ferr != nil {
				return nil, ferr
			}
			if packet != nil {
				return packet, nil
			}
		}
		if err != nil {
			return nil, err
		}
	}
}

func (t *TCP) WritePacket(b []byte) error {
	framed, err := stream.Encode(b)
	if err != nil {
		return err
	}
	_, err = t.conn.Write(framed)
	return err
}

func (t *TCP) RemoteAddr() net.Addr { return t.conn.RemoteAddr() }

func (t *TCP) Close() error { return t.conn.Close() }
