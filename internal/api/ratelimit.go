package api

import (
	"net"
	"net/http"
	"sync"
	"time"
)

// RateLimiter caps mutating requests per client address per minute
// ARCHITECTURAL DISCOVERY: Per-client windows with periodic cleanup keep a
// misbehaving kiosk from flooding the write-through store
type RateLimiter struct {
	mu          sync.Mutex
	clients     map[string]*clientWindow
	limit       int
	window      time.Duration
	lastCleanup time.Time
	now         func() time.Time
}

type clientWindow struct {
	count       int
	windowStart time.Time
}

// NewRateLimiter allows limit requests per client per minute. A limit of 0
// disables limiting.
func NewRateLimiter(limit int) *RateLimiter {
	return &RateLimiter{
		clients: make(map[string]*clientWindow),
		limit:   limit,
		window:  time.Minute,
		now:     time.Now,
	}
}

// Allow reports whether the client may make another request
func (rl *RateLimiter) Allow(clientID string) bool {
	if rl == nil || rl.limit <= 0 {
		return true
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	// FUNCTIONAL DISCOVERY: Entries idle for 5 windows are dropped so the map
	// does not grow with every address ever seen
	if now.Sub(rl.lastCleanup) > 5*rl.window {
		for id, w := range rl.clients {
			if now.Sub(w.windowStart) > 5*rl.window {
				delete(rl.clients, id)
			}
		}
		rl.lastCleanup = now
	}

	w, ok := rl.clients[clientID]
	if !ok || now.Sub(w.windowStart) >= rl.window {
		rl.clients[clientID] = &clientWindow{count: 1, windowStart: now}
		return true
	}
	if w.count >= rl.limit {
		return false
	}
	w.count++
	return true
}

// rateLimitMiddleware applies the limiter to every method except GET and HEAD
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			if !s.limiter.Allow(clientAddr(r)) {
				s.sendError(w, "Too many requests, slow down", http.StatusTooManyRequests)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
