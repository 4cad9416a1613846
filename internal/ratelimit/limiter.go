// Package ratelimit bounds how often a client may trigger identification.
// It replaces the bare process-wide map pattern with an injectable, capacity-
// bounded store so it can be tested and cannot grow without limit.
package ratelimit

import (
	"sync"
	"time"
)

type window struct {
	start time.Time
	count int
}

// Limiter is a fixed-window counter keyed by client. At most capacity clients
// are tracked; expired windows are evicted on insert and, if the table is
// still full, the stalest window is evicted to make room. Safe for concurrent
// use.
type Limiter struct {
	mu       sync.Mutex
	limit    int
	interval time.Duration
	capacity int
	clients  map[string]*window
	now      func() time.Time
}

// New constructs a Limiter permitting limit requests per interval per client,
// tracking at most capacity clients.
func New(limit int, interval time.Duration, capacity int) *Limiter {
	if limit <= 0 {
		limit = 1
	}
	if interval <= 0 {
		interval = time.Minute
	}
	if capacity <= 0 {
		capacity = 1024
	}
	return &Limiter{
		limit:    limit,
		interval: interval,
		capacity: capacity,
		clients:  make(map[string]*window),
		now:      time.Now,
	}
}

// Allow reports whether the client may proceed, consuming one slot if so.
func (l *Limiter) Allow(client string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w, ok := l.clients[client]
	if ok && now.Sub(w.start) >= l.interval {
		// Window rolled over; start fresh.
		w.start = now
		w.count = 0
	}
	if !ok {
		if len(l.clients) >= l.capacity {
			l.evict(now)
		}
		w = &window{start: now}
		l.clients[client] = w
	}
	if w.count >= l.limit {
		return false
	}
	w.count++
	return true
}

// Len reports how many clients are currently tracked.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}

// evict drops every expired window, and if nothing expired, the stalest one.
// Called with the lock held.
func (l *Limiter) evict(now time.Time) {
	var (
		stalestKey string
		stalest    time.Time
		dropped    bool
	)
	for key, w := range l.clients {
		if now.Sub(w.start) >= l.interval {
			delete(l.clients, key)
			dropped = true
			continue
		}
		if stalestKey == "" || w.start.Before(stalest) {
			stalestKey = key
			stalest = w.start
		}
	}
	if !dropped && stalestKey != "" {
		delete(l.clients, stalestKey)
	}
}
