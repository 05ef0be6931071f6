package server

import (
	"fmt"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"motovpn/internal/wire"
)

// Multiplexer owns the two server hash tables: real-address (client
// instance lookup for inbound datagrams) and virtual-address (route
// table for forwarding), plus a per-source new-connection rate limiter
// backed by a go-cache counter window. It keeps no schedule of per-instance
// wakeups; Instance.WakeupAt is not read here.
type Multiplexer struct {
	mu       sync.RWMutex
	byReal   map[RealAddrKey]*Instance
	routes   *RouteTable

	newConnRate *cache.Cache // key: IP string, value: int count, for rate limiting hard-resets

	MaxClients        int
	ClientToClient     bool
	DuplicateCN        bool
	NewConnLimit       int           // max new connections per window from one source
	NewConnWindow      time.Duration
}

// NewMultiplexer constructs an empty multiplex table. newConnWindow/limit
// of zero disables new-connection rate limiting.
func NewMultiplexer(maxClients int, clientToClient, duplicateCN bool, newConnLimit int, newConnWindow time.Duration) *Multiplexer {
	m := &Multiplexer{
		byReal:         make(map[RealAddrKey]*Instance),
		routes:         NewRouteTable(),
		MaxClients:     maxClients,
		ClientToClient: clientToClient,
		DuplicateCN:    duplicateCN,
		NewConnLimit:   newConnLimit,
		NewConnWindow:  newConnWindow,
	}
	if newConnWindow > 0 {
		m.newConnRate = cache.New(newConnWindow, 2*newConnWindow)
	}
	return m
}

// Routes exposes the virtual-address route table for direct use by the
// reaper and the forwarding path.
func (m *Multiplexer) Routes() *RouteTable { return m.routes }

// Lookup resolves the owning instance for an inbound datagram's real
// source address.
func (m *Multiplexer) Lookup(real RealAddrKey) (*Instance, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.byReal[real]
	return inst, ok
}

// rateLimited reports whether a new-connection attempt from sourceKey
// should be rejected for exceeding the configured frequency. An admitted
// attempt bumps the counter (the first sighting sets it, later sightings
// increment it until the window expires); a rejected one leaves it as is.
func (m *Multiplexer) rateLimited(sourceKey string) bool {
	if m.newConnRate == nil || m.NewConnLimit <= 0 {
		return false
	}
	if count, found := m.newConnRate.Get(sourceKey); found && count.(int) >= m.NewConnLimit {
		return true
	} else if found {
		m.newConnRate.Increment(sourceKey, 1)
	} else {
		m.newConnRate.Set(sourceKey, 1, cache.DefaultExpiration)
	}
	return false
}

// CreateClient admits a new instance for an unknown real address, only if
// the first packet is a hard reset, optionally rate limiting how often one
// source may open new connections. Returns an error if the opcode isn't a hard reset, the source is rate
// limited, or the table is at MaxClients.
func (m *Multiplexer) CreateClient(real RealAddrKey, firstByte byte, sourceKey string, replayWindowSize int, replayTime time.Duration, singleSession bool, queueLimit int) (*Instance, error) {
	op, _ := wire.UnpackPrefix(firstByte)
	if !op.IsHardReset() || !op.IsClientHardReset() {
		return nil, fmt.Errorf("server: first packet from unknown source is not a client hard-reset")
	}
	if m.rateLimited(sourceKey) {
		return nil, fmt.Errorf("server: new-connection rate limit exceeded for %s", sourceKey)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.MaxClients > 0 && len(m.byReal) >= m.MaxClients {
		return nil, fmt.Errorf("server: at max-clients limit (%d)", m.MaxClients)
	}
	if existing, ok := m.byReal[real]; ok {
		// TCP: a new accepted connection from the same source preempts any
		// pre-existing instance.
		existing.Close()
		delete(m.byReal, real)
	}
	inst := NewInstance(real, replayWindowSize, replayTime, singleSession, queueLimit)
	m.byReal[real] = inst
	return inst, nil
}

// Remove tears down and forgets an instance, freeing its real-address slot
// and every route it owns.
func (m *Multiplexer) Remove(inst *Instance) {
	m.mu.Lock()
	delete(m.byReal, inst.RealAddr)
	m.mu.Unlock()
	m.routes.Forget(inst)
	inst.Close()
}

// Len reports the current client count.
func (m *Multiplexer) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byReal)
}

// ForwardDecision is the outcome of routing one inbound-from-endpoint
// virtual-side packet.
type ForwardDecision int

const (
	// ForwardToTun means the destination isn't another known client:
	// deliver to the local virtual interface.
	ForwardToTun ForwardDecision = iota
	// ForwardToPeer means the destination virtual address resolves to
	// another client instance: forward to it directly.
	ForwardToPeer
	// ForwardBroadcast means the packet is broadcast/multicast from the
	// virtual side and client-to-client mode is enabled: relay to every
	// other instance.
	ForwardBroadcast
	// ForwardDropNoClientToClient means the packet would broadcast but
	// client-to-client mode is disabled.
	ForwardDropNoClientToClient
)

// RouteDecision decides how to forward a packet with the given destination
// virtual key; it does not take or consider the packet's origin.
func (m *Multiplexer) RouteDecision(destKey string, isBroadcast bool, now time.Time) (ForwardDecision, *Instance) {
	if isBroadcast {
		if !m.ClientToClient {
			return ForwardDropNoClientToClient, nil
		}
		return ForwardBroadcast, nil
	}
	if inst, ok := m.routes.Resolve(destKey, now); ok {
		return ForwardToPeer, inst
	}
	return ForwardToTun, nil
}

// AllInstancesExcept returns every live instance other than origin, for
// client-to-client broadcast relay.
func (m *Multiplexer) AllInstancesExcept(origin *Instance) []*Instance {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Instance, 0, len(m.byReal))
	for _, inst := range m.byReal {
		if inst != origin {
			out = append(out, inst)
		}
	}
	return out
}
