package serverapp

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// admissionLimiter guards control-connection admission per remote address
// with a token bucket, per §4.14: a client hammering the control endpoint
// with bad credentials or repeated reconnects gets RATE_LIMITED/429 instead
// of consuming an allocator slot or a registry entry.
type admissionLimiter struct {
	burst  int
	refill time.Duration

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newAdmissionLimiter(burst int, refill time.Duration) *admissionLimiter {
	return &admissionLimiter{
		burst:    burst,
		refill:   refill,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Allow reports whether a new control connection attempt from addr may
// proceed, consuming one token if so.
func (a *admissionLimiter) Allow(addr string) bool {
	return a.limiterFor(addr).Allow()
}

func (a *admissionLimiter) limiterFor(addr string) *rate.Limiter {
	a.mu.Lock()
	defer a.mu.Unlock()

	l, ok := a.limiters[addr]
	if !ok {
		l = rate.NewLimiter(rate.Every(a.refill), a.burst)
		a.limiters[addr] = l
	}
	return l
}

// sweep drops limiters that have been sitting at full burst for a while, so
// the map does not grow without bound across long-lived deployments with
// many distinct client addresses.
func (a *admissionLimiter) sweep() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for addr, l := range a.limiters {
		if l.Tokens() >= float64(a.burst) {
			delete(a.limiters, addr)
		}
	}
}
