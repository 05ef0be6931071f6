package shaper

import (
	"math/rand"
	"time"
)

// Jitter returns a random delay in [0, 2^20) microseconds, decorrelating
// peers' select wakeups. The delay has no security role, so math/rand is
// fine here.
func Jitter() time.Duration {
	return time.Duration(rand.Intn(1<<20)) * time.Microsecond
}
