// Package server implements the server-side multiplex engine:
// real-address and virtual-address hash tables, route aging, the TCP
// outbound deferred queue, and the instance reaper.
package server

import (
	"sort"
	"sync"
	"time"
)

// RouteFlag marks a virtual-address route's aging policy.
type RouteFlag int

const (
	// RouteCache routes are invalidated in bulk by bumping the table's
	// cache generation; they are not individually TTL-aged.
	RouteCache RouteFlag = iota
	// RouteAgeable routes expire individually after their TTL elapses
	// since last_reference.
	RouteAgeable
)

// Route is one entry of the virtual-address hash table: which instance
// owns a learned L2/L3 address, and how it ages.
type Route struct {
	Instance      *Instance
	Flag          RouteFlag
	CacheGenAtSet uint64
	LastReference time.Time
	TTL           time.Duration
}

// RouteTable is the virtual-address hash table: key is a MAC or
// IPv4 address rendered as a string by the caller (VirtualKeys and
// VirtualKeyMAC in vaddr.go), value is the owning Instance plus aging
// metadata.
type RouteTable struct {
	mu            sync.RWMutex
	routes        map[string]*Route
	cacheGen      uint64
}

func NewRouteTable() *RouteTable {
	return &RouteTable{routes: make(map[string]*Route)}
}

// Learn records (or refreshes) that key is reachable via inst, with the
// given aging policy. Learning an address for an instance that already
// differs from the current owner re-points the route (address roaming).
func (t *RouteTable) Learn(key string, inst *Instance, flag RouteFlag, ttl time.Duration, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.routes[key] = &Route{
		Instance:      inst,
		Flag:          flag,
		CacheGenAtSet: t.cacheGen,
		LastReference: now,
		TTL:           ttl,
	}
}

// Resolve looks up the owning instance for key, touching last_reference
// for AGEABLE entries and rejecting CACHE entries set before the last
// generation bump.
func (t *RouteTable) Resolve(key string, now time.Time) (*Instance, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.routes[key]
	if !ok {
		return nil, false
	}
	if r.Flag == RouteCache && r.CacheGenAtSet != t.cacheGen {
		delete(t.routes, key)
		return nil, false
	}
	if r.Flag == RouteAgeable && r.TTL > 0 && now.Sub(r.LastReference) > r.TTL {
		delete(t.routes, key)
		return nil, false
	}
	r.LastReference = now
	return r.Instance, true
}

// BumpCacheGeneration atomically invalidates every CACHE route.
func (t *RouteTable) BumpCacheGeneration() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cacheGen++
}

// Forget removes every route owned by inst, used when an instance is torn
// down.
func (t *RouteTable) Forget(inst *Instance) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, r := range t.routes {
		if r.Instance == inst {
			delete(t.routes, k)
		}
	}
}

// bucketSnapshot returns the route keys in sorted order for bucketed
// reaper scanning, so a key keeps its index (and so its bucket) from tick
// to tick while the key set is unchanged; copying avoids holding the lock
// across the reaper's per-bucket work.
func (t *RouteTable) bucketSnapshot() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	keys := make([]string, 0, len(t.routes))
	for k := range t.routes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// evictStale removes keys whose route is now invalid (stale cache
// generation or past TTL) as of now, returning the count evicted.
func (t *RouteTable) evictStale(keys []string, now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, k := range keys {
		r, ok := t.routes[k]
		if !ok {
			continue
		}
		stale := (r.Flag == RouteCache && r.CacheGenAtSet != t.cacheGen) ||
			(r.Flag == RouteAgeable && r.TTL > 0 && now.Sub(r.LastReference) > r.TTL)
		if stale {
			delete(t.routes, k)
			n++
		}
	}
	return n
}
