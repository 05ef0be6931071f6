package session

import (
	"crypto/tls"
	"net"
	"sync"
)

// TLSIO drives a crypto/tls.Conn over the reliable control channel instead
// of a raw socket: the TLS library believes it owns a net.Conn, while this
// type shuttles the bytes it reads/writes to and from the session's
// reliable send/recv rings.
type TLSIO struct {
	conn    *tls.Conn
	pipeEnd net.Conn // our side of the net.Pipe; conn owns the other side

	cipherOut chan []byte // bytes conn wrote, waiting to go out over reliable
	cipherIn  chan []byte // bytes received over reliable, waiting for conn to read

	plaintextOut chan []byte // bytes the local app queued to send over TLS
	plaintextIn  chan []byte // bytes the TLS conn has delivered to the app

	handshakeErr chan error
	once         sync.Once
	closed       chan struct{}
}

// NewTLSIO wires a tls.Conn (already configured with the session's
// certificate/verify callback) over a fresh net.Pipe and starts its
// background pumps. isClient selects tls.Client vs tls.Server.
func NewTLSIO(cfg *tls.Config, isClient bool) *TLSIO {
	a, b := net.Pipe()
	var conn *tls.Conn
	if isClient {
		conn = tls.Client(b, cfg)
	} else {
		conn = tls.Server(b, cfg)
	}

	io := &TLSIO{
		conn:         conn,
		pipeEnd:      a,
		cipherOut:    make(chan []byte, 64),
		cipherIn:     make(chan []byte, 64),
		plaintextOut: make(chan []byte, 64),
		plaintextIn:  make(chan []byte, 64),
		handshakeErr: make(chan error, 1),
		closed:       make(chan struct{}),
	}
	go io.pumpCipherOut()
	go io.pumpCipherIn()
	go io.runHandshakeAndApp()
	return io
}

// pumpCipherOut continuously reads the ciphertext net.Pipe side and republishes
// each chunk on cipherOut for the event loop to drain into the reliable
// send ring.
func (io *TLSIO) pumpCipherOut() {
	buf := make([]byte, 4096)
	for {
		n, err := io.pipeEnd.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			select {
			case io.cipherOut <- chunk:
			case <-io.closed:
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// pumpCipherIn writes queued inbound ciphertext (delivered by the reliable
// recv ring) into the net.Pipe side so tls.Conn's Read unblocks.
func (io *TLSIO) pumpCipherIn() {
	for {
		select {
		case chunk := <-io.cipherIn:
			if _, err := io.pipeEnd.Write(chunk); err != nil {
				return
			}
		case <-io.closed:
			return
		}
	}
}

// runHandshakeAndApp performs the TLS handshake, then pumps application
// plaintext in both directions until the conn closes.
func (io *TLSIO) runHandshakeAndApp() {
	err := io.conn.Handshake()
	io.handshakeErr <- err
	if err != nil {
		return
	}
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := io.conn.Read(buf)
			if n > 0 {
				chunk := append([]byte(nil), buf[:n]...)
				select {
				case io.plaintextIn <- chunk:
				case <-io.closed:
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()
	for {
		select {
		case chunk := <-io.plaintextOut:
			if _, err := io.conn.Write(chunk); err != nil {
				return
			}
		case <-io.closed:
			return
		}
	}
}

// HandshakeErr returns a channel that receives exactly one value once the
// TLS handshake completes (nil) or fails (non-nil).
func (io *TLSIO) HandshakeErr() <-chan error { return io.handshakeErr }

// FeedCiphertext hands raw control-channel bytes received from the peer to
// the TLS conn. It blocks while the queue is full and returns false without
// queuing once Close has been called.
func (io *TLSIO) FeedCiphertext(b []byte) bool {
	select {
	case io.cipherIn <- append([]byte(nil), b...):
		return true
	case <-io.closed:
		return false
	}
}

// DrainCiphertext pops as many queued outbound ciphertext chunks as are
// ready, without blocking, for the event loop to push onto the reliable
// send ring.
func (io *TLSIO) DrainCiphertext() [][]byte {
	var out [][]byte
	for {
		select {
		case chunk := <-io.cipherOut:
			out = append(out, chunk)
		default:
			return out
		}
	}
}

// QueuePlaintext enqueues local application bytes (e.g. the key-method-2
// payload) to be sent over the TLS conn.
func (io *TLSIO) QueuePlaintext(b []byte) {
	io.plaintextOut <- append([]byte(nil), b...)
}

// DrainPlaintext pops as many decrypted application byte chunks as are
// ready, without blocking.
func (io *TLSIO) DrainPlaintext() [][]byte {
	var out [][]byte
	for {
		select {
		case chunk := <-io.plaintextIn:
			out = append(out, chunk)
		default:
			return out
		}
	}
}

// Close tears down the pipe and background goroutines.
func (io *TLSIO) Close() error {
	var err error
	io.once.Do(func() {
		close(io.closed)
		err = io.pipeEnd.Close()
	})
	return err
}
