package process

import (
	"context"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// rateLimiter manages per-peer connection limiting using token buckets.
type rateLimiter struct {
	limiters map[string]*bucketEntry
	mu       sync.Mutex

	connectionsPerSecond float64
	burst                int
	cleanupInterval      time.Duration
	bucketTTL            time.Duration
}

// bucketEntry holds a rate limiter and its last access time
type bucketEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// newRateLimiter creates a new rate limiter with the given configuration
func newRateLimiter(connectionsPerSecond float64, burst int) *rateLimiter {
	return &rateLimiter{
		limiters:             make(map[string]*bucketEntry),
		connectionsPerSecond: connectionsPerSecond,
		burst:                burst,
		cleanupInterval:      15 * time.Minute,
		bucketTTL:            1 * time.Hour,
	}
}

// start kicks off
func (rl *rateLimiter) start(ctx context.Context) {
	go rl.cleanupLoop(ctx)
}

// allow checks if a connection from the given peer should be allowed
func (rl *rateLimiter) allow(peer string) bool {
	return rl.getLimiter(peer).Allow()
}

// getLimiter returns the rate limiter for a given peer, creating one if needed
func (rl *rateLimiter) getLimiter(peer string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	entry, exists := rl.limiters[peer]
	if exists {
		entry.lastAccess = time.Now()
		return entry.limiter
	}

	limiter := rate.NewLimiter(rate.Limit(rl.connectionsPerSecond), rl.burst)

	rl.limiters[peer] = &bucketEntry{
		limiter:    limiter,
		lastAccess: time.Now(),
	}

	return limiter
}

// cleanupLoop periodically removes unused rate limiters
func (rl *rateLimiter) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(rl.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-ctx.Done():
			return
		}
	}
}

func (rl *rateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	for peer, entry := range rl.limiters {
		if now.Sub(entry.lastAccess) > rl.bucketTTL {
			delete(rl.limiters, peer)
		}
	}
}

// limitedListener drops connections from peers that connect faster than
// their bucket refills. Refused connections get a 421 before the close so
// well-behaved clients back off.
type limitedListener struct {
	net.Listener
	limiter *rateLimiter
}

func limitListener(ln net.Listener, limiter *rateLimiter) net.Listener {
	return &limitedListener{Listener: ln, limiter: limiter}
}

func (l *limitedListener) Accept() (net.Conn, error) {
	for {
		conn, err := l.Listener.Accept()
		if err != nil {
			return nil, err
		}

		host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
		if err != nil || l.limiter.allow(host) {
			return conn, nil
		}

		_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
		_, _ = conn.Write([]byte("421 Too busy. Try again later.\r\n"))
		conn.Close()
	}
}
