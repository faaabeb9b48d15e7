/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

package mesh

import (
	"sync"
	"time"
)

// PeerCrypto is the sum type SPEC_FULL.md §9 / spec.md §9 Design Notes
// calls for in place of per-field null sentinels on public_key/shared_secret:
// its variants enforce shared ⇔ pub by construction instead of by convention.
type PeerCrypto struct {
	kind   peerCryptoKind
	pub    PublicKey
	shared [32]byte
}

type peerCryptoKind uint8

const (
	peerCryptoNone peerCryptoKind = iota
	peerCryptoPub
	peerCryptoKeyed
)

func (c PeerCrypto) HasPublicKey() bool { return c.kind != peerCryptoNone }
func (c PeerCrypto) HasSharedSecret() bool { return c.kind == peerCryptoKeyed }

func (c PeerCrypto) PublicKey() (PublicKey, bool) {
	if c.kind == peerCryptoNone {
		return PublicKey{}, false
	}
	return c.pub, true
}

func (c PeerCrypto) SharedSecret() ([32]byte, bool) {
	if c.kind != peerCryptoKeyed {
		return [32]byte{}, false
	}
	return c.shared, true
}

// Peer is a snapshot of one entry of the PeerTable (spec.md §3 Peer record).
// External code only ever receives copies of Peer, never a pointer into the
// table itself — spec.md §9's "owned PeerTable struct ... external code
// receives immutable snapshots".
type Peer struct {
	ID        PeerID
	Crypto    PeerCrypto
	Connected bool
	Verified  bool
	RSSI      int
	LastSeen  time.Time
}

type peerEntry struct {
	id        PeerID
	crypto    PeerCrypto
	connected bool
	verified  bool
	rssi      int
	lastSeen  time.Time
}

func (e *peerEntry) snapshot() Peer {
	return Peer{
		ID:        e.id,
		Crypto:    e.crypto,
		Connected: e.connected,
		Verified:  e.verified,
		RSSI:      e.rssi,
		LastSeen:  e.lastSeen,
	}
}

// PeerTable is the authoritative in-memory directory of peers, spec.md §4.4.
// Access is protected by a single RWMutex, the same "peers struct {
// sync.RWMutex; keyMap map[...]*Peer }" shape the teacher uses in
// device.Device — adapted here from a map keyed by static public key to one
// keyed by the transport-layer PeerID, since a mesh peer may be known to us
// before any key exchange has happened at all.
type PeerTable struct {
	mu      sync.RWMutex
	byID    map[PeerID]*peerEntry
	bySender map[SenderID]PeerID // populated once a public key is bound
}

func NewPeerTable() *PeerTable {
	return &PeerTable{
		byID:     make(map[PeerID]*peerEntry),
		bySender: make(map[SenderID]PeerID),
	}
}

// UpsertDiscovered creates or updates the liveness fields for a
// transport-discovered peer (spec.md §4.4).
func (t *PeerTable) UpsertDiscovered(id PeerID, rssi int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.byID[id]
	if !ok {
		e = &peerEntry{id: id}
		t.byID[id] = e
	}
	e.rssi = rssi
	e.lastSeen = time.Now()
}

// BindPublicKey binds peer_pub to id, computing and storing the shared
// secret via identity.Agree. Per spec.md §4.4: a repeat call with the same
// key is a no-op; a conflicting key replaces the binding and clears
// verified (it must become false again).
func (t *PeerTable) BindPublicKey(id PeerID, identity *Identity, peerPub PublicKey) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.byID[id]
	if !ok {
		e = &peerEntry{id: id}
		t.byID[id] = e
	}

	if existing, has := e.crypto.PublicKey(); has {
		if existing == peerPub {
			return // no-op: identical key already bound
		}
		// conflicting key: invalidate the old sender_id mapping and verified state
		delete(t.bySender, DeriveSenderID(existing))
		e.verified = false
	}

	shared := identity.Agree(peerPub)
	e.crypto = PeerCrypto{kind: peerCryptoKeyed, pub: peerPub, shared: shared}
	t.bySender[DeriveSenderID(peerPub)] = id
}

func (t *PeerTable) SetConnected(id PeerID, connected bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.byID[id]
	if !ok {
		e = &peerEntry{id: id}
		t.byID[id] = e
	}
	e.connected = connected
	if connected {
		e.lastSeen = time.Now()
	}
}

// SetVerified flips the in-memory trust flag for id. A peer can only be
// marked verified if it already has a bound public key (spec.md §3
// invariant). This does not touch Storage — persisting the decision is
// Engine.VerifyPeer's job, once it has a SenderID to key the record by.
func (t *PeerTable) SetVerified(id PeerID, verified bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.byID[id]
	if !ok {
		return false
	}
	if verified && !e.crypto.HasPublicKey() {
		return false
	}
	e.verified = verified
	return true
}

// Remove deletes a peer record entirely. Called only on explicit user
// command, never on mere disconnect (spec.md §3 Lifecycles).
func (t *PeerTable) Remove(id PeerID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.byID[id]; ok {
		if pub, has := e.crypto.PublicKey(); has {
			delete(t.bySender, DeriveSenderID(pub))
		}
		delete(t.byID, id)
	}
}

func (t *PeerTable) Get(id PeerID) (Peer, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.byID[id]
	if !ok {
		return Peer{}, false
	}
	return e.snapshot(), true
}

// LookupBySenderID scans entries whose bound public key hashes to sid
// (spec.md §4.4) — implemented as a direct index lookup rather than a scan,
// since the index is maintained incrementally by BindPublicKey/Remove.
func (t *PeerTable) LookupBySenderID(sid SenderID) (PeerID, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	id, ok := t.bySender[sid]
	return id, ok
}

func (t *PeerTable) Snapshot() []Peer {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Peer, 0, len(t.byID))
	for _, e := range t.byID {
		out = append(out, e.snapshot())
	}
	return out
}

func (t *PeerTable) ConnectedCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, e := range t.byID {
		if e.connected {
			n++
		}
	}
	return n
}

func (t *PeerTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byID)
}
