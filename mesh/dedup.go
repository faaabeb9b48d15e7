/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

package mesh

import (
	"bytes"
	"sync"
	"time"

	"github.com/google/btree"
)

const (
	// DuplicateCacheTTL is spec.md §3's DuplicateCache invariant: entries
	// older than this must be gone after the next write or scheduled sweep.
	DuplicateCacheTTL = 300 * time.Second

	// DuplicateCacheSoftCap is spec.md §4.3's soft capacity bound; beyond
	// it the oldest entries are evicted first.
	DuplicateCacheSoftCap = 1000
)

type dedupEntry struct {
	expiresAt int64 // unix nano; insertion time + TTL
	id        MessageID
}

// dedupEntryLess orders entries by expiry time, tie-broken on id bytes so
// the ordering is total. Because every entry carries the same TTL, ordering
// by expiresAt is equivalent to ordering by insertion time — the ascending
// end of the tree is always the oldest entry, which is exactly what
// capacity eviction and the periodic sweep both need (SPEC_FULL.md §4.3).
func dedupEntryLess(a, b dedupEntry) bool {
	if a.expiresAt != b.expiresAt {
		return a.expiresAt < b.expiresAt
	}
	return bytes.Compare(a.id[:], b.id[:]) < 0
}

// DuplicateCache is the time-expiring set of recently-seen message IDs
// (spec.md §4.3). The teacher's own pack never wires github.com/google/btree
// despite depending on it; here it gives mark_processed and prune an
// ordered index instead of the O(n) scan a bare map would require (see
// SPEC_FULL.md DOMAIN STACK).
type DuplicateCache struct {
	mu      sync.Mutex
	entries map[MessageID]int64 // id -> expiresAt, for O(1) is_duplicate/refresh
	order   *btree.BTreeG[dedupEntry]
}

func NewDuplicateCache() *DuplicateCache {
	return &DuplicateCache{
		entries: make(map[MessageID]int64),
		order:   btree.NewG(32, dedupEntryLess),
	}
}

// IsDuplicate is a pure lookup; it does not mutate or sweep.
func (c *DuplicateCache) IsDuplicate(id MessageID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[id]
	return ok
}

// MarkProcessed inserts id with the current timestamp, refreshing it (and
// its position in the ordered index) if already present, then sweeps
// expired entries and, if still over the soft cap, evicts the oldest
// remaining entries (spec.md §4.3).
func (c *DuplicateCache) MarkProcessed(id MessageID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	expiresAt := now.Add(DuplicateCacheTTL).UnixNano()

	if old, ok := c.entries[id]; ok {
		c.order.Delete(dedupEntry{expiresAt: old, id: id})
	}
	c.entries[id] = expiresAt
	c.order.ReplaceOrInsert(dedupEntry{expiresAt: expiresAt, id: id})

	c.pruneLocked(now)
	c.evictOverCapLocked()
}

// CheckAndMark atomically combines IsDuplicate and MarkProcessed into a
// single locked operation: it reports whether id was already present and,
// regardless of the answer, marks it processed before returning. The
// receive path (mesh/engine.go) uses this instead of the two separate calls
// so that two envelopes carrying the same message_id arriving back-to-back
// on different connections can never both be judged "not a duplicate" —
// spec.md §8 property "a duplicate arriving strictly after the first copy
// ... is never delivered or re-relayed" requires the check and the mark to
// be indivisible, not just each individually safe.
func (c *DuplicateCache) CheckAndMark(id MessageID) (wasDuplicate bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	_, wasDuplicate = c.entries[id]

	expiresAt := now.Add(DuplicateCacheTTL).UnixNano()
	if old, ok := c.entries[id]; ok {
		c.order.Delete(dedupEntry{expiresAt: old, id: id})
	}
	c.entries[id] = expiresAt
	c.order.ReplaceOrInsert(dedupEntry{expiresAt: expiresAt, id: id})

	c.pruneLocked(now)
	c.evictOverCapLocked()
	return wasDuplicate
}

// Prune explicitly sweeps all entries older than DuplicateCacheTTL.
func (c *DuplicateCache) Prune() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked(time.Now())
}

func (c *DuplicateCache) pruneLocked(now time.Time) {
	cutoff := now.UnixNano()
	for {
		min, ok := c.order.Min()
		if !ok || min.expiresAt > cutoff {
			return
		}
		c.order.DeleteMin()
		delete(c.entries, min.id)
	}
}

func (c *DuplicateCache) evictOverCapLocked() {
	for len(c.entries) > DuplicateCacheSoftCap {
		min, ok := c.order.DeleteMin()
		if !ok {
			return
		}
		delete(c.entries, min.id)
	}
}

func (c *DuplicateCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *DuplicateCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[MessageID]int64)
	c.order = btree.NewG(32, dedupEntryLess)
}

// Snapshot returns the id->expiresAt map for Storage.StoreDuplicateCache
// (spec.md §4.3 restart durability).
func (c *DuplicateCache) Snapshot() map[MessageID]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[MessageID]int64, len(c.entries))
	for k, v := range c.entries {
		out[k] = v
	}
	return out
}

// LoadSnapshot restores a previously-persisted cache, discarding entries
// already expired at load time (spec.md §4.3 restart durability invariant).
func (c *DuplicateCache) LoadSnapshot(entries map[MessageID]int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now().UnixNano()
	c.entries = make(map[MessageID]int64)
	c.order = btree.NewG(32, dedupEntryLess)
	for id, expiresAt := range entries {
		if expiresAt <= now {
			continue
		}
		c.entries[id] = expiresAt
		c.order.ReplaceOrInsert(dedupEntry{expiresAt: expiresAt, id: id})
	}
	c.evictOverCapLocked()
}
