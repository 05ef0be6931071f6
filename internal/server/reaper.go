package server

import (
	"time"
)

// ReapMaxWakeup bounds how long a full sweep of the virtual-address hash
// may take: every bucket is covered within this many seconds.
const ReapMaxWakeup = 10 * time.Second

// Reaper performs a bucketed periodic scan of the route table, spreading
// the cost of a full sweep across ReapMaxWakeup so no single tick touches
// every route at once.
type Reaper struct {
	routes     *RouteTable
	numBuckets int
	bucketIdx  int
	lastTick   time.Time
	tickEvery  time.Duration
}

// NewReaper builds a reaper that divides each sweep into numBuckets passes,
// one bucket examined per tick, ticking often enough that a full sweep
// completes within ReapMaxWakeup.
func NewReaper(routes *RouteTable, numBuckets int) *Reaper {
	if numBuckets <= 0 {
		numBuckets = 1
	}
	return &Reaper{
		routes:     routes,
		numBuckets: numBuckets,
		tickEvery:  ReapMaxWakeup / time.Duration(numBuckets),
	}
}

// Tick runs one bucket's worth of eviction if the per-bucket interval has
// elapsed, returning the number of routes evicted this call.
func (r *Reaper) Tick(now time.Time) int {
	if !r.lastTick.IsZero() && now.Sub(r.lastTick) < r.tickEvery {
		return 0
	}
	r.lastTick = now

	keys := r.routes.bucketSnapshot()
	if len(keys) == 0 {
		r.bucketIdx = (r.bucketIdx + 1) % r.numBuckets
		return 0
	}
	var bucket []string
	for i, k := range keys {
		if i%r.numBuckets == r.bucketIdx {
			bucket = append(bucket, k)
		}
	}
	r.bucketIdx = (r.bucketIdx + 1) % r.numBuckets
	return r.routes.evictStale(bucket, now)
}
