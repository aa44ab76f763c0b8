// Package gateway hosts the WebSocket endpoints for devices and observers
// and wires the registry, correlator, session managers and broadcast hub
// together.
package gateway

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// ConnLimiter is the admission gate for new device connections: a bounded
// sliding window of admission timestamps per connection identity, checked
// once at handshake time (not per message).
type ConnLimiter struct {
	window time.Duration
	max    int

	mu      sync.Mutex
	windows map[string][]time.Time
}

// NewConnLimiter creates a sliding-window limiter. max <= 0 disables it.
func NewConnLimiter(window time.Duration, max int) *ConnLimiter {
	cl := &ConnLimiter{
		window:  window,
		max:     max,
		windows: make(map[string][]time.Time),
	}
	if max > 0 {
		go cl.cleanupLoop()
	}
	return cl
}

// Allow records an admission attempt for key and reports whether it fits in
// the window. The timestamp list is pruned on every call.
func (cl *ConnLimiter) Allow(key string) bool {
	if cl.max <= 0 {
		return true
	}
	now := time.Now()
	cutoff := now.Add(-cl.window)

	cl.mu.Lock()
	defer cl.mu.Unlock()

	times := cl.windows[key]
	kept := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= cl.max {
		cl.windows[key] = kept
		slog.Warn("connection rate limited", "key", key, "in_window", len(kept))
		return false
	}
	cl.windows[key] = append(kept, now)
	return true
}

func (cl *ConnLimiter) cleanupLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		cutoff := time.Now().Add(-cl.window)
		cl.mu.Lock()
		for key, times := range cl.windows {
			if len(times) == 0 || !times[len(times)-1].After(cutoff) {
				delete(cl.windows, key)
			}
		}
		cl.mu.Unlock()
	}
}

// APILimiter throttles the HTTP surface with one token bucket per caller.
// Buckets are created lazily and evicted again after ten minutes of
// inactivity so one-off callers do not accumulate.
type APILimiter struct {
	rate    rate.Limit
	burst   int
	clients sync.Map // key → *apiClient
}

type apiClient struct {
	bucket   *rate.Limiter
	lastSeen atomic.Int64 // unix nanos
}

// NewAPILimiter converts requests-per-minute and burst into a limiter.
// rpm <= 0 disables throttling.
func NewAPILimiter(rpm, burst int) *APILimiter {
	if burst <= 0 {
		burst = 5
	}
	al := &APILimiter{burst: burst}
	if rpm > 0 {
		al.rate = rate.Limit(float64(rpm) / 60.0)
		go al.evictLoop()
	}
	return al
}

// Allow reports whether one more request from key fits its bucket.
func (al *APILimiter) Allow(key string) bool {
	if al.rate == 0 {
		return true
	}
	v, ok := al.clients.Load(key)
	if !ok {
		v, _ = al.clients.LoadOrStore(key, &apiClient{bucket: rate.NewLimiter(al.rate, al.burst)})
	}
	c := v.(*apiClient)
	c.lastSeen.Store(time.Now().UnixNano())
	if !c.bucket.Allow() {
		slog.Warn("api rate limited", "key", key)
		return false
	}
	return true
}

func (al *APILimiter) evictLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		cutoff := time.Now().Add(-10 * time.Minute).UnixNano()
		al.clients.Range(func(key, v any) bool {
			if v.(*apiClient).lastSeen.Load() < cutoff {
				al.clients.Delete(key)
			}
			return true
		})
	}
}
