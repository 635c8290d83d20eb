package ratelimit

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// RateLimiter caps open sockets and failed credential checks per client IP.
type RateLimiter struct {
	connections  map[string]int         // IP -> open socket count
	authFailures map[string][]time.Time // IP -> failed credential checks in the last minute
	mu           sync.RWMutex
	maxConns     int
	maxAuth      int
	now          func() time.Time
}

func New(maxConns, maxAuthFailures int) *RateLimiter {
	return &RateLimiter{
		connections:  make(map[string]int),
		authFailures: make(map[string][]time.Time),
		maxConns:     maxConns,
		maxAuth:      maxAuthFailures,
		now:          time.Now,
	}
}

// Run drops expired auth failures every minute until ctx is done.
func (rl *RateLimiter) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.cleanup()
		}
	}
}

func (rl *RateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-time.Minute)
	for ip, attempts := range rl.authFailures {
		valid := recent(attempts, cutoff)
		if len(valid) == 0 {
			delete(rl.authFailures, ip)
		} else {
			rl.authFailures[ip] = valid
		}
	}
}

func (rl *RateLimiter) CanConnect(ip string) bool {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return rl.connections[ip] < rl.maxConns
}

func (rl *RateLimiter) AddConnection(ip string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.connections[ip]++
}

func (rl *RateLimiter) RemoveConnection(ip string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.connections[ip]--
	if rl.connections[ip] <= 0 {
		delete(rl.connections, ip)
	}
}

// CanAuth reports whether ip is still allowed to present a credential.
func (rl *RateLimiter) CanAuth(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	valid := recent(rl.authFailures[ip], rl.now().Add(-time.Minute))
	rl.authFailures[ip] = valid
	return len(valid) < rl.maxAuth
}

func (rl *RateLimiter) RecordAuthFailure(ip string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.authFailures[ip] = append(rl.authFailures[ip], rl.now())
}

func recent(attempts []time.Time, cutoff time.Time) []time.Time {
	var valid []time.Time
	for _, t := range attempts {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	return valid
}

func GetClientIP(r *http.Request) string {
	// Check X-Forwarded-For header (for reverse proxies)
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
