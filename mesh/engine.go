/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

package mesh

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// floodTTL is the hop budget a freshly originated message is given
// (spec.md §3 MessageEnvelope.ttl default).
const floodTTL = 10

// sendTimeout bounds a single per-peer Transport.Send call during a flood
// or retry attempt, so one unresponsive connection can never stall the
// others (spec.md §5: per-peer sends are independent and awaited
// separately).
const sendTimeout = 5 * time.Second

// tickInterval drives both the duplicate-cache sweep and the retry queue,
// per SPEC_FULL.md REDESIGN FLAGS §3.
const tickInterval = time.Second

// RelayTrace is the observability record SPEC_FULL.md §4.7 emits each time
// the engine forwards someone else's envelope onward.
type RelayTrace struct {
	MessageID MessageID
	From      PeerID
	TTL       uint8
	RelayedTo []PeerID
}

// Engine is C5, the MessageEngine of spec.md §4.5: it owns the send path,
// the receive/relay path, and the retry queue, and is the only thing in
// this package that touches more than one of PeerTable/DuplicateCache/
// RateLimiter/RetryQueue within a single logical operation.
//
// Unlike the teacher's device.Device, which serializes state transitions
// through one giant RWMutex plus a handful of explicitly "unprotected,
// self-synchronizing" substructures (see device/device.go's own comment to
// that effect), every substructure here is self-synchronizing and Engine
// itself holds no lock at all: cross-component ordering that matters (the
// duplicate check-then-mark around DuplicateCache.CheckAndMark) is pushed
// down into the substructure that can make it atomic cheaply, and
// everything else is safe to call concurrently by construction. This is
// the "coarse mutex held for the duration of each engine operation"
// alternative SPEC_FULL.md §5 allows, taken to its natural conclusion: the
// mutex is simply distributed to where the invariant actually lives.
type Engine struct {
	log      Logger
	identity *Identity
	storage  Storage
	transport Transport

	peers   *PeerTable
	dedup   *DuplicateCache
	limiter *RateLimiter
	retry   *RetryQueue
	history *MessageHistory

	ownSender SenderID

	counters engineCounters

	cbMu        sync.RWMutex
	onReceived  func(Message)
	onStatus    func(MessageID, Status)
	onRelay     func(RelayTrace)

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewEngine wires together the five components plus the rate limiter and
// history cache, mirroring NewDevice's role of assembling peer table,
// cookie checker, and rate limiter into one handle (device/device.go).
func NewEngine(identity *Identity, storage Storage, transport Transport, log Logger) *Engine {
	if log == nil {
		log = NopLogger{}
	}
	return &Engine{
		log:       log,
		identity:  identity,
		storage:   storage,
		transport: transport,
		peers:     NewPeerTable(),
		dedup:     NewDuplicateCache(),
		limiter:   NewRateLimiter(),
		retry:     NewRetryQueue(),
		history:   NewMessageHistory(),
		ownSender: DeriveSenderID(identity.PublicKey()),
		stopCh:    make(chan struct{}),
	}
}

// Peers exposes the peer directory so callers can discover, connect, and
// bind keys — spec.md §4.4's operations are all public on *PeerTable
// already; Engine does not wrap them redundantly.
func (e *Engine) Peers() *PeerTable { return e.peers }

// Stats returns a point-in-time snapshot of both the accumulated counters
// and the live peer/retry state (SPEC_FULL.md §3 EngineStats).
func (e *Engine) Stats() EngineStats {
	stats := e.counters.snapshot()
	stats.PeersKnown = e.peers.Len()
	stats.PeersConnected = e.peers.ConnectedCount()
	stats.RetryQueueDepth = e.retry.Len()
	return stats
}

// OnMessageReceived registers the callback fired once per successfully
// decrypted inbound message. Invoked inline on the goroutine that delivered
// the envelope to OnBytes, never while any engine-internal lock is held
// (spec.md §5).
func (e *Engine) OnMessageReceived(cb func(Message)) {
	e.cbMu.Lock()
	defer e.cbMu.Unlock()
	e.onReceived = cb
}

// OnMessageStatus registers the callback fired whenever a previously sent
// message's delivery status resolves (delivered or failed).
func (e *Engine) OnMessageStatus(cb func(MessageID, Status)) {
	e.cbMu.Lock()
	defer e.cbMu.Unlock()
	e.onStatus = cb
}

// OnRelay registers an optional observability callback for forwarded
// traffic (SPEC_FULL.md §4.7); nil by default.
func (e *Engine) OnRelay(cb func(RelayTrace)) {
	e.cbMu.Lock()
	defer e.cbMu.Unlock()
	e.onRelay = cb
}

// Start restores the duplicate cache from Storage and begins the 1s tick
// that drives cache pruning and retry delivery (spec.md §4.3 restart
// durability, SPEC_FULL.md REDESIGN FLAGS §3).
func (e *Engine) Start() error {
	if snap, err := e.storage.LoadDuplicateCache(); err != nil {
		return fmt.Errorf("mesh: loading duplicate cache: %w", err)
	} else if snap != nil {
		e.dedup.LoadSnapshot(snap)
	}

	e.wg.Add(1)
	go e.tickLoop()
	return nil
}

// Close stops the tick loop, persists the duplicate cache one last time,
// and releases the rate limiter's background goroutine. It does not touch
// the retry queue, which is memory-only by design (spec.md §4.5.4).
func (e *Engine) Close() error {
	e.stopOnce.Do(func() { close(e.stopCh) })
	e.wg.Wait()
	e.limiter.Close()
	if err := e.storage.StoreDuplicateCache(e.dedup.Snapshot()); err != nil {
		return fmt.Errorf("mesh: persisting duplicate cache: %w", err)
	}
	return nil
}

func (e *Engine) tickLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.dedup.Prune()
			e.runDueRetries()
		}
	}
}

// Messages returns the cached history for one sender, newest last. The
// in-process MessageHistory is the fast path; on a cold cache (first call
// after a restart, before anything has been appended for this sender) it
// falls back to Storage.LoadMessages and seeds the cache from the result,
// so persisted history actually survives a restart rather than sitting
// unread on disk (spec.md §6.2).
func (e *Engine) Messages(sender SenderID) []Message {
	if cached := e.history.Snapshot(sender); len(cached) > 0 {
		return cached
	}
	stored, err := e.storage.LoadMessages(sender)
	if err != nil || len(stored) == 0 {
		return nil
	}
	for _, msg := range stored {
		e.history.Append(msg)
	}
	return e.history.Snapshot(sender)
}

// ---- Peer binding and trust (spec.md §4.4, §4.2, §6.4) ----

// BindPeer binds peerPub to id and restores any trust decision persisted
// for that identity in an earlier session (SPEC_FULL.md §4.5.7). A peer's
// sender_id — the key Storage.LoadTrust is keyed by — only becomes known to
// the engine once its public key is bound, so bind time is the earliest
// point a persisted verified=true can be reapplied; Engine.Start cannot do
// this itself since the PeerTable is empty until peers are (re)bound.
func (e *Engine) BindPeer(id PeerID, peerPub PublicKey) error {
	e.peers.BindPublicKey(id, e.identity, peerPub)

	verified, err := e.storage.LoadTrust(DeriveSenderID(peerPub))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if verified {
		e.peers.SetVerified(id, true)
	}
	return nil
}

// VerifyPeer implements spec.md §6.4's verify_peer: the atomic "look up the
// bound public key, constant-time compare the scanned fingerprint, flip
// verified only on match, persist the decision" composite that defeats the
// MITM of spec.md §8 Scenario F. A mismatch leaves the peer's verified flag
// untouched and persists nothing — there is no trust decision to record.
func (e *Engine) VerifyPeer(id PeerID, scannedFingerprint string) (bool, error) {
	peer, ok := e.peers.Get(id)
	if !ok {
		return false, ErrUnknownPeer
	}
	pub, ok := peer.Crypto.PublicKey()
	if !ok {
		return false, ErrNoSharedSecret
	}
	if !VerifyFingerprint(scannedFingerprint, pub) {
		return false, nil
	}

	e.peers.SetVerified(id, true)
	if err := e.storage.StoreTrust(DeriveSenderID(pub), true); err != nil {
		return true, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return true, nil
}

// ---- Send path (spec.md §4.5.1) ----

func randomMessageID() (MessageID, error) {
	var id MessageID
	_, err := rand.Read(id[:])
	return id, err
}

// SendMessage implements spec.md §4.5.1 end to end: it validates, resolves
// the recipient's shared secret, encrypts, serializes, persists the
// pending record, and returns immediately once the record is durable.
// Delivery is then attempted against every currently connected peer in the
// background (floodSend); the caller learns the outcome later through
// OnMessageStatus, exactly as the teacher's SendKeepalive/RoutineNonce
// split enqueues work without making the sender block on the wire.
func (e *Engine) SendMessage(ctx context.Context, recipient PeerID, text string) (Message, error) {
	if err := validateText(text); err != nil {
		return Message{}, err
	}

	peer, ok := e.peers.Get(recipient)
	if !ok {
		return Message{}, ErrUnknownPeer
	}
	shared, ok := peer.Crypto.SharedSecret()
	if !ok {
		return Message{}, ErrNoSharedSecret
	}
	peerPub, _ := peer.Crypto.PublicKey()
	recipientSender := DeriveSenderID(peerPub)

	id, err := randomMessageID()
	if err != nil {
		return Message{}, fmt.Errorf("mesh: generating message id: %w", err)
	}

	sealed, err := Encrypt([]byte(text), shared)
	if err != nil {
		return Message{}, fmt.Errorf("mesh: encrypting message: %w", err)
	}

	timestamp := time.Now().UnixMilli()
	env := &Envelope{
		Version:     EnvelopeVersion,
		MessageID:   id,
		SenderID:    e.ownSender,
		RecipientID: recipientSender,
		Timestamp:   uint64(timestamp),
		TTL:         floodTTL,
		Nonce:       sealed.Nonce[:],
		Tag:         sealed.Tag[:],
		Ciphertext:  sealed.Ciphertext,
	}
	wire, err := Serialize(env)
	if err != nil {
		return Message{}, fmt.Errorf("mesh: serializing envelope: %w", err)
	}

	msg := Message{
		ID:        id,
		PeerID:    recipient,
		Sender:    recipientSender,
		Text:      text,
		Timestamp: timestamp,
		Direction: DirectionSent,
		Status:    StatusPending,
	}
	if err := e.storage.StoreMessage(msg); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	e.history.Append(msg)
	atomic.AddUint64(&e.counters.sent, 1)

	targets := e.transport.ConnectedPeers()
	e.wg.Add(1)
	go e.floodSend(id, wire, targets)

	return msg, nil
}

// floodSend transmits wire to every peer in targets concurrently and
// independently (spec.md §5), never holding any engine lock across the
// Transport.Send calls. The outcome is folded back in through
// finalizeSend once every attempt has either succeeded or timed out.
func (e *Engine) floodSend(id MessageID, wire []byte, targets []PeerID) {
	defer e.wg.Done()

	var delivered int32
	var inner sync.WaitGroup
	for _, p := range targets {
		inner.Add(1)
		go func(p PeerID) {
			defer inner.Done()
			ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
			defer cancel()
			if err := e.transport.Send(ctx, p, wire); err != nil {
				e.log.Errorf("mesh: send to %s failed: %v", p, err)
				return
			}
			atomic.AddInt32(&delivered, 1)
		}(p)
	}
	inner.Wait()

	e.finalizeSend(id, wire, delivered > 0)
}

func (e *Engine) finalizeSend(id MessageID, wire []byte, delivered bool) {
	if delivered {
		e.history.UpdateStatus(id, StatusDelivered)
		e.emitStatus(id, StatusDelivered)
		return
	}
	atomic.AddUint64(&e.counters.sendFailures, 1)
	e.retry.Enqueue(id, wire)
}

// runDueRetries is invoked once per tick from tickLoop; it fans the due
// entries out to their own goroutines exactly like floodSend so a stuck
// connection on one retry can never delay another (spec.md §4.5.4).
func (e *Engine) runDueRetries() {
	now := time.Now()
	for _, id := range e.retry.DueNow(now) {
		wire, ok := e.retry.Envelope(id)
		if !ok {
			continue
		}
		targets := e.transport.ConnectedPeers()
		e.wg.Add(1)
		go e.retryAttempt(id, wire, targets)
	}
}

func (e *Engine) retryAttempt(id MessageID, wire []byte, targets []PeerID) {
	defer e.wg.Done()

	var delivered int32
	var inner sync.WaitGroup
	for _, p := range targets {
		inner.Add(1)
		go func(p PeerID) {
			defer inner.Done()
			ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
			defer cancel()
			if err := e.transport.Send(ctx, p, wire); err == nil {
				atomic.AddInt32(&delivered, 1)
			}
		}(p)
	}
	inner.Wait()

	if delivered > 0 {
		e.retry.Remove(id)
		e.history.UpdateStatus(id, StatusDelivered)
		e.emitStatus(id, StatusDelivered)
		return
	}

	if _, exhausted := e.retry.RecordFailure(id); exhausted {
		e.history.UpdateStatus(id, StatusFailed)
		e.emitStatus(id, StatusFailed)
	}
}

// emitStatus invokes the status callback synchronously on the caller's
// goroutine (no engine lock is held here; cbMu is already released). A
// spawned goroutine per call would let the scheduler reorder two status
// updates relative to each other; calling inline keeps them in the order
// finalizeSend/retryAttempt actually resolved them.
func (e *Engine) emitStatus(id MessageID, status Status) {
	e.cbMu.RLock()
	cb := e.onStatus
	e.cbMu.RUnlock()
	if cb == nil {
		return
	}
	cb(id, status)
}

// ---- Receive path (spec.md §4.5.2) ----

// OnDiscovered satisfies TransportEvents: a scan hit for a previously
// unknown or already-known peer, recorded for liveness/RSSI only.
func (e *Engine) OnDiscovered(peer PeerID, rssi int) {
	e.peers.UpsertDiscovered(peer, rssi)
}

// OnStateChange satisfies TransportEvents: a connection came up or went
// down. Disconnect never removes the peer record (spec.md §3 Lifecycles);
// only an explicit Peers().Remove does.
func (e *Engine) OnStateChange(peer PeerID, connected bool) {
	e.peers.SetConnected(peer, connected)
	if !connected {
		e.limiter.Forget(peer)
	}
}

// OnBytes satisfies TransportEvents and is the entire receive path of
// spec.md §4.5.2: rate limit, decode, dedup, attempt delivery, relay.
// Every step after the rate-limit check that fails is a silent discard
// (spec.md §7); nothing here ever panics or blocks on Transport I/O.
func (e *Engine) OnBytes(from PeerID, data []byte) {
	if !e.limiter.Allow(from) {
		atomic.AddUint64(&e.counters.ratelimited, 1)
		return
	}

	env, err := Deserialize(data)
	if err != nil {
		atomic.AddUint64(&e.counters.codecErrs, 1)
		e.log.Debugf("mesh: discarding malformed envelope from %s: %v", from, err)
		return
	}

	if wasDuplicate := e.dedup.CheckAndMark(env.MessageID); wasDuplicate {
		atomic.AddUint64(&e.counters.duplicates, 1)
		return
	}

	addressedToUs := env.RecipientID == e.ownSender
	if addressedToUs {
		e.attemptDeliver(from, env)
	}

	// Tie-break: a message addressed to us is still relayed if ttl permits
	// (DESIGN.md, Open Question decision 2): the mesh has no
	// way to know whether another copy of this node's identity exists
	// downstream, so delivery and relay are independent decisions.
	if env.TTL > 0 {
		e.relay(from, env)
	}
}

func (e *Engine) attemptDeliver(from PeerID, env *Envelope) {
	// spec.md §4.5.2 step 5: prefer the envelope's own sender_id; fall back
	// to the transport-supplied inbound peer_id when it names no known peer.
	senderPeerID, ok := e.peers.LookupBySenderID(env.SenderID)
	if !ok {
		senderPeerID = from
	}
	peer, ok := e.peers.Get(senderPeerID)
	if !ok {
		return
	}
	shared, ok := peer.Crypto.SharedSecret()
	if !ok {
		return
	}

	var nonce [AEADNonceSize]byte
	var tag [AEADTagSize]byte
	copy(nonce[:], env.Nonce)
	copy(tag[:], env.Tag)

	plaintext, ok := Decrypt(env.Ciphertext, nonce, tag, shared)
	if !ok {
		return
	}

	msg := Message{
		ID:        env.MessageID,
		PeerID:    from,
		Sender:    env.SenderID,
		Text:      string(plaintext),
		Timestamp: int64(env.Timestamp),
		Direction: DirectionReceived,
		Status:    StatusDelivered,
	}
	if err := e.storage.StoreMessage(msg); err != nil {
		e.log.Errorf("mesh: persisting received message: %v", err)
	}
	e.history.Append(msg)
	atomic.AddUint64(&e.counters.received, 1)

	e.cbMu.RLock()
	cb := e.onReceived
	e.cbMu.RUnlock()
	if cb != nil {
		// Invoked inline, not in a spawned goroutine: OnBytes is driven one
		// envelope at a time per Transport (spec.md §5), so calling cb here
		// keeps arrival order intact for a given sender. A goroutine-per-call
		// would hand ordering to the scheduler and violate spec.md §5's
		// per-(sender, local node) ordering guarantee.
		cb(msg)
	}
}

// relay re-serializes env with ttl-1 and floods it to every connected peer
// except the one it arrived from (spec.md §4.5.3). A structurally invalid
// envelope can never reach here (Deserialize already validated it), so the
// re-validation REDESIGN FLAGS §2 calls for is this call site's existence
// itself: relay only ever runs on an envelope that parsed cleanly.
func (e *Engine) relay(from PeerID, env *Envelope) {
	relayed := &Envelope{
		Version:     env.Version,
		MessageID:   env.MessageID,
		SenderID:    env.SenderID,
		RecipientID: env.RecipientID,
		Timestamp:   env.Timestamp,
		TTL:         env.TTL - 1,
		Nonce:       env.Nonce,
		Tag:         env.Tag,
		Ciphertext:  env.Ciphertext,
	}
	wire, err := Serialize(relayed)
	if err != nil {
		e.log.Errorf("mesh: re-serializing envelope for relay: %v", err)
		return
	}

	var targets []PeerID
	for _, p := range e.transport.ConnectedPeers() {
		if p != from {
			targets = append(targets, p)
		}
	}
	if len(targets) == 0 {
		return
	}

	atomic.AddUint64(&e.counters.relayed, 1)
	e.wg.Add(1)
	go e.relaySend(env.MessageID, from, relayed.TTL, wire, targets)
}

func (e *Engine) relaySend(id MessageID, from PeerID, ttl uint8, wire []byte, targets []PeerID) {
	defer e.wg.Done()

	var reached []PeerID
	var mu sync.Mutex
	var inner sync.WaitGroup
	for _, p := range targets {
		inner.Add(1)
		go func(p PeerID) {
			defer inner.Done()
			ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
			defer cancel()
			if err := e.transport.Send(ctx, p, wire); err == nil {
				mu.Lock()
				reached = append(reached, p)
				mu.Unlock()
			}
		}(p)
	}
	inner.Wait()

	e.cbMu.RLock()
	cb := e.onRelay
	e.cbMu.RUnlock()
	if cb != nil {
		go cb(RelayTrace{MessageID: id, From: from, TTL: ttl, RelayedTo: reached})
	}
}
