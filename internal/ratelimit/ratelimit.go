// Package ratelimit limits how often a client address may open new lobby
// connections.
package ratelimit

import (
	"sync"
	"time"
)

// IPLimiter tracks connection attempts per IP within a sliding window.
// A limiter with a non-positive max admits everything.
type IPLimiter struct {
	mu      sync.Mutex
	entries map[string][]time.Time
	max     int
	window  time.Duration
	now     func() time.Time
}

// NewIPLimiter creates an IPLimiter allowing max connections per window.
func NewIPLimiter(max int, window time.Duration) *IPLimiter {
	return &IPLimiter{
		entries: make(map[string][]time.Time),
		max:     max,
		window:  window,
		now:     time.Now,
	}
}

// Enabled reports whether the limiter refuses anything at all.
func (l *IPLimiter) Enabled() bool {
	return l.max > 0
}

// Window returns the sliding window length.
func (l *IPLimiter) Window() time.Duration {
	return l.window
}

// Allow reports whether ip may connect now and records the attempt if so.
func (l *IPLimiter) Allow(ip string) bool {
	if !l.Enabled() {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	valid := live(l.entries[ip], now.Add(-l.window))
	if len(valid) >= l.max {
		l.entries[ip] = valid
		return false
	}
	l.entries[ip] = append(valid, now)
	return true
}

// Prune forgets addresses with no attempts inside the window and returns
// how many were dropped.
func (l *IPLimiter) Prune() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-l.window)
	dropped := 0
	for ip, stamps := range l.entries {
		valid := live(stamps, cutoff)
		if len(valid) == 0 {
			delete(l.entries, ip)
			dropped++
			continue
		}
		l.entries[ip] = valid
	}
	return dropped
}

// Len returns the number of tracked addresses.
func (l *IPLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// live filters stamps in place, keeping those after cutoff.
func live(stamps []time.Time, cutoff time.Time) []time.Time {
	valid := stamps[:0]
	for _, t := range stamps {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	return valid
}
