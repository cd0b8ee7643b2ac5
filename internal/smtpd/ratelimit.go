package smtpd

import (
	"sync"
	"time"
)

// rateLimiter counts connection attempts per source IP over a fixed
// window. Unlike the SMTP-level limits, which speak protocol, this runs
// at the gate: an over-rate source is turned away before a session
// starts.
type rateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*rateBucket
	max     int
	window  time.Duration
	stop    chan struct{}
}

type rateBucket struct {
	count       int
	windowStart time.Time
}

// newRateLimiter creates a limiter allowing max connections per window
// from each source. max <= 0 disables limiting.
func newRateLimiter(max int, window time.Duration) *rateLimiter {
	rl := &rateLimiter{
		buckets: make(map[string]*rateBucket),
		max:     max,
		window:  window,
		stop:    make(chan struct{}),
	}
	go rl.cleanup()
	return rl
}

// Allow records a connection attempt from ip and reports whether it stays
// within the configured rate.
func (rl *rateLimiter) Allow(ip string) bool {
	if rl.max <= 0 {
		return true
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	b, ok := rl.buckets[ip]
	if !ok || now.Sub(b.windowStart) > rl.window {
		rl.buckets[ip] = &rateBucket{count: 1, windowStart: now}
		return true
	}

	b.count++
	return b.count <= rl.max
}

// Close stops the cleanup goroutine.
func (rl *rateLimiter) Close() {
	close(rl.stop)
}

// cleanup periodically drops buckets whose window has long passed.
func (rl *rateLimiter) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stop:
			return
		case <-ticker.C:
			rl.mu.Lock()
			now := time.Now()
			for ip, b := range rl.buckets {
				if now.Sub(b.windowStart) > 2*rl.window {
					delete(rl.buckets, ip)
				}
			}
			rl.mu.Unlock()
		}
	}
}
