/* SPDX-License-Identifier: GPL-2.0
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

package mesh

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Token-bucket parameters for inbound envelope flooding (SPEC_FULL.md
// §4.5.6). Chosen generously relative to a dozen-node flood-relay mesh: a
// busy relay node legitimately forwards bursts of traffic on behalf of
// every peer it's connected to.
const (
	envelopesPerSecond rate.Limit = 20
	envelopeBurst                 = 5

	rateLimiterIdleGC = time.Second
)

type rateLimiterEntry struct {
	limiter      *rate.Limiter
	lastSeenNano atomic.Int64
}

// RateLimiter is a per-PeerID token bucket. Its map/mutex/sweep shape is
// adapted directly from the teacher's ratelimiter.Ratelimiter (originally
// keyed by IPv4/IPv6 address for UDP handshake flood protection, re-keyed
// here to PeerID for BLE envelope flood protection ahead of the codec,
// SPEC_FULL.md §2 C6); the per-entry bucket itself is golang.org/x/time/rate
// rather than the teacher's hand-rolled nanosecond arithmetic, since the
// rest of the pack already depends on x/time and a token bucket is exactly
// what rate.Limiter is for.
type RateLimiter struct {
	mu    sync.RWMutex
	stop  chan struct{}
	table map[PeerID]*rateLimiterEntry
}

func NewRateLimiter() *RateLimiter {
	r := &RateLimiter{
		stop:  make(chan struct{}),
		table: make(map[PeerID]*rateLimiterEntry),
	}
	go r.gcLoop()
	return r
}

func (r *RateLimiter) gcLoop() {
	ticker := time.NewTicker(rateLimiterIdleGC)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

func (r *RateLimiter) sweep() {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := time.Now().Add(-rateLimiterIdleGC).UnixNano()
	for id, e := range r.table {
		if e.lastSeenNano.Load() < cutoff {
			delete(r.table, id)
		}
	}
}

// Allow reports whether an envelope from peer may proceed to the codec.
// Never blocks.
func (r *RateLimiter) Allow(peer PeerID) bool {
	r.mu.RLock()
	entry := r.table[peer]
	r.mu.RUnlock()

	if entry == nil {
		entry = &rateLimiterEntry{limiter: rate.NewLimiter(envelopesPerSecond, envelopeBurst)}
		r.mu.Lock()
		if existing, ok := r.table[peer]; ok {
			entry = existing
		} else {
			r.table[peer] = entry
		}
		r.mu.Unlock()
	}

	entry.lastSeenNano.Store(time.Now().UnixNano())
	return entry.limiter.Allow()
}

// Forget drops peer's bucket, called when a peer's connection goes down.
func (r *RateLimiter) Forget(peer PeerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.table, peer)
}

func (r *RateLimiter) Close() {
	close(r.stop)
}
