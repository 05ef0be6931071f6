package server

import (
	"fmt"
	"net"
	"sync"
	"time"

	"motovpn/internal/session"
)

// RealAddrKey is the real-address hash table key: { family, ipv4, port }
// RealAddrKey is the real-address hash table key. The data plane is
// IPv4-only, so family is carried just to keep the key self-describing.
type RealAddrKey struct {
	Family string // "udp4" or "tcp4"
	IP     [4]byte
	Port   uint16
}

func RealAddrKeyFromUDP(addr *net.UDPAddr) RealAddrKey {
	var k RealAddrKey
	k.Family = "udp4"
	ip4 := addr.IP.To4()
	copy(k.IP[:], ip4)
	k.Port = uint16(addr.Port)
	return k
}

func RealAddrKeyFromTCP(addr *net.TCPAddr) RealAddrKey {
	var k RealAddrKey
	k.Family = "tcp4"
	ip4 := addr.IP.To4()
	copy(k.IP[:], ip4)
	k.Port = uint16(addr.Port)
	return k
}

// Instance is one connected client's server-side state: its session/key
// multiplex, its deferred TCP write queue, and its schedule entry.
type Instance struct {
	RealAddr    RealAddrKey
	VirtualIPv4 [4]byte
	CommonName  string

	Multi *session.Multi

	mu           sync.Mutex
	deferred     [][]byte // bounded deferred outbound queue (TCP mode only)
	queueLimit   int
	droppedCount uint64

	tcpWriteInterest bool // true iff deferred is nonempty

	WakeupAt time.Time // this instance's next scheduled timer

	closed bool
}

// NewInstance allocates a per-client instance inheriting the listener's
// replay-window size and replay time, single-session mode and deferred
// queue limit.
func NewInstance(real RealAddrKey, replayWindowSize int, replayTime time.Duration, singleSession bool, queueLimit int) *Instance {
	return &Instance{
		RealAddr:   real,
		Multi:      session.NewMulti(replayWindowSize, replayTime, singleSession),
		queueLimit: queueLimit,
	}
}

// EnqueueDeferred appends a frame to the TCP outbound deferred queue,
// dropping the oldest entry (and counting it) on overflow.
func (inst *Instance) EnqueueDeferred(frame []byte) {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.queueLimit > 0 && len(inst.deferred) >= inst.queueLimit {
		inst.deferred = inst.deferred[1:]
		inst.droppedCount++
	}
	inst.deferred = append(inst.deferred, frame)
	inst.tcpWriteInterest = true
}

// DequeueDeferred pops the head of the deferred queue in FIFO order.
func (inst *Instance) DequeueDeferred() ([]byte, bool) {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if len(inst.deferred) == 0 {
		inst.tcpWriteInterest = false
		return nil, false
	}
	frame := inst.deferred[0]
	inst.deferred = inst.deferred[1:]
	inst.tcpWriteInterest = len(inst.deferred) > 0
	return frame, true
}

// WriteInterest reports whether the instance currently wants endpoint-write
// readiness (nonempty deferred queue) or endpoint-read readiness (empty).
func (inst *Instance) WriteInterest() bool {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.tcpWriteInterest
}

// Dropped reports how many deferred frames were dropped for overflow.
func (inst *Instance) Dropped() uint64 {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.droppedCount
}

// QueueLen reports the current deferred queue depth, for tests/metrics.
func (inst *Instance) QueueLen() int {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return len(inst.deferred)
}

// Close marks the instance torn down; a second call leaves it closed and
// returns an error.
func (inst *Instance) Close() error {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.closed {
		return fmt.Errorf("server: instance already closed")
	}
	inst.closed = true
	inst.deferred = nil
	return nil
}

func (inst *Instance) Closed() bool {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.closed
}
