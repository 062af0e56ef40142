// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// Ratelimit - per-connection windowed counters and per-IP accept limiting.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Window counts messages inside a rolling window and rejects the message
// that crosses the ceiling. The counter resets when the window boundary
// passes, so the first message of a fresh window is always allowed.
// A ceiling of zero or less disables the limit.
type Window struct {
	mu       sync.Mutex
	ceiling  int
	interval time.Duration
	start    time.Time
	count    int
}

// NewWindow creates a counter allowing ceiling messages per interval.
func NewWindow(ceiling int, interval time.Duration) *Window {
	return &Window{ceiling: ceiling, interval: interval}
}

// Allow records one message at now and reports whether it is within the
// ceiling. Exactly the boundary-crossing message is rejected, not earlier.
func (w *Window) Allow(now time.Time) bool {
	if w.ceiling <= 0 {
		return true
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.start.IsZero() || now.Sub(w.start) >= w.interval {
		w.start = now
		w.count = 0
	}
	w.count++
	return w.count <= w.ceiling
}

// PerIP hands out one token-bucket limiter per client IP, used to throttle
// connection accepts. Entries idle longer than the sweep age are dropped.
type PerIP struct {
	mu        sync.Mutex
	limiters  map[string]*perIPEntry
	limit     rate.Limit
	burst     int
	sweepAge  time.Duration
	lastSweep time.Time
}

type perIPEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewPerIP creates a per-IP limiter allowing one accept per interval with the
// given burst.
func NewPerIP(interval time.Duration, burst int) *PerIP {
	return &PerIP{
		limiters: make(map[string]*perIPEntry),
		limit:    rate.Every(interval),
		burst:    burst,
		sweepAge: 10 * interval,
	}
}

// Allow reports whether a new connection from ip may be accepted now.
func (p *PerIP) Allow(ip string) bool {
	now := time.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	if now.Sub(p.lastSweep) > p.sweepAge {
		for key, e := range p.limiters {
			if now.Sub(e.lastSeen) > p.sweepAge {
				delete(p.limiters, key)
			}
		}
		p.lastSweep = now
	}

	e, ok := p.limiters[ip]
	if !ok {
		e = &perIPEntry{limiter: rate.NewLimiter(p.limit, p.burst)}
		p.limiters[ip] = e
	}
	e.lastSeen = now
	return e.limiter.Allow()
}
