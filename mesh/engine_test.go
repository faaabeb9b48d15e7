/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

package mesh_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"meshline.dev/core/mesh"
	"meshline.dev/core/meshtransport"
)

// memStore is a small in-memory mesh.Storage, map-backed rather than a pure
// no-op, so tests can exercise restart-durability behavior (trust reload,
// message history restore) without touching disk.
type memStore struct {
	mu       sync.Mutex
	pub      []byte
	priv     []byte
	messages map[mesh.SenderID][]mesh.Message
	dup      map[mesh.MessageID]int64
	trust    map[mesh.SenderID]bool
}

func newMemStore() *memStore {
	return &memStore{
		messages: make(map[mesh.SenderID][]mesh.Message),
		dup:      make(map[mesh.MessageID]int64),
		trust:    make(map[mesh.SenderID]bool),
	}
}

func (s *memStore) StoreIdentity(pub, priv []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pub = append([]byte(nil), pub...)
	s.priv = append([]byte(nil), priv...)
	return nil
}

func (s *memStore) LoadIdentity() ([]byte, []byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pub == nil {
		return nil, nil, false, nil
	}
	return s.pub, s.priv, true, nil
}

func (s *memStore) StoreMessage(msg mesh.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[msg.Sender] = append(s.messages[msg.Sender], msg)
	return nil
}

func (s *memStore) LoadMessages(sender mesh.SenderID) ([]mesh.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]mesh.Message, len(s.messages[sender]))
	copy(out, s.messages[sender])
	return out, nil
}

func (s *memStore) StoreDuplicateCache(entries map[mesh.MessageID]int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dup = make(map[mesh.MessageID]int64, len(entries))
	for k, v := range entries {
		s.dup[k] = v
	}
	return nil
}

func (s *memStore) LoadDuplicateCache() (map[mesh.MessageID]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[mesh.MessageID]int64, len(s.dup))
	for k, v := range s.dup {
		out[k] = v
	}
	return out, nil
}

func (s *memStore) StoreTrust(sender mesh.SenderID, verified bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trust[sender] = verified
	return nil
}

func (s *memStore) LoadTrust(sender mesh.SenderID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.trust[sender], nil
}

func newTestNode(t *testing.T, hub *meshtransport.Hub, id mesh.PeerID, store mesh.Storage) (*mesh.Engine, *mesh.Identity, *meshtransport.LoopbackTransport) {
	t.Helper()
	identity, err := mesh.LoadOrCreateIdentity(store)
	if err != nil {
		t.Fatalf("LoadOrCreateIdentity: %v", err)
	}
	transport := meshtransport.NewLoopbackTransport(hub, id, nil)
	engine := mesh.NewEngine(identity, store, transport, mesh.NopLogger{})
	transport.SetEvents(engine)
	if err := engine.Start(); err != nil {
		t.Fatalf("Engine.Start: %v", err)
	}
	t.Cleanup(func() {
		engine.Close()
		transport.Close()
	})
	return engine, identity, transport
}

func TestSendMessageDeliversAcrossTwoNodes(t *testing.T) {
	hub := meshtransport.NewHub()
	engineA, identityA, transportA := newTestNode(t, hub, "node-a", newMemStore())
	engineB, identityB, _ := newTestNode(t, hub, "node-b", newMemStore())

	if err := engineA.BindPeer("node-b", identityB.PublicKey()); err != nil {
		t.Fatalf("BindPeer A->B: %v", err)
	}
	if err := engineB.BindPeer("node-a", identityA.PublicKey()); err != nil {
		t.Fatalf("BindPeer B->A: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := transportA.Connect(ctx, "node-b"); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	received := make(chan mesh.Message, 1)
	engineB.OnMessageReceived(func(m mesh.Message) { received <- m })

	status := make(chan mesh.Status, 1)
	engineA.OnMessageStatus(func(id mesh.MessageID, s mesh.Status) { status <- s })

	msg, err := engineA.SendMessage(context.Background(), "node-b", "hello mesh")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if msg.Status != mesh.StatusPending {
		t.Fatalf("SendMessage returned status %v, want pending", msg.Status)
	}

	select {
	case got := <-received:
		if got.Text != "hello mesh" {
			t.Fatalf("got text %q, want %q", got.Text, "hello mesh")
		}
		if got.Sender != mesh.DeriveSenderID(identityA.PublicKey()) {
			t.Fatal("received message's Sender does not match the originator's sender id")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("message was never delivered")
	}

	select {
	case s := <-status:
		if s != mesh.StatusDelivered {
			t.Fatalf("got status %v, want delivered", s)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("send status was never resolved")
	}
}

// TestDuplicateRelayIsNotRedelivered builds a small triangle — A connected
// to both B and C, C also connected to B — so B genuinely receives the
// same envelope twice: once directly from A, once relayed through C. Only
// the first copy should ever reach B's OnMessageReceived callback.
func TestDuplicateRelayIsNotRedelivered(t *testing.T) {
	hub := meshtransport.NewHub()
	engineA, identityA, transportA := newTestNode(t, hub, "node-a", newMemStore())
	engineB, identityB, _ := newTestNode(t, hub, "node-b", newMemStore())
	_, _, transportC := newTestNode(t, hub, "node-c", newMemStore())

	if err := engineA.BindPeer("node-b", identityB.PublicKey()); err != nil {
		t.Fatalf("BindPeer A->B: %v", err)
	}
	if err := engineB.BindPeer("node-a", identityA.PublicKey()); err != nil {
		t.Fatalf("BindPeer B->A: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := transportA.Connect(ctx, "node-b"); err != nil {
		t.Fatalf("Connect A-B: %v", err)
	}
	if err := transportA.Connect(ctx, "node-c"); err != nil {
		t.Fatalf("Connect A-C: %v", err)
	}
	if err := transportC.Connect(ctx, "node-b"); err != nil {
		t.Fatalf("Connect C-B: %v", err)
	}

	count := make(chan struct{}, 8)
	engineB.OnMessageReceived(func(mesh.Message) { count <- struct{}{} })

	if _, err := engineA.SendMessage(context.Background(), "node-b", "only once"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	select {
	case <-count:
	case <-time.After(2 * time.Second):
		t.Fatal("first copy was never delivered")
	}

	select {
	case <-count:
		t.Fatal("message was delivered a second time")
	case <-time.After(500 * time.Millisecond):
	}
}

func TestSendToUnknownPeerFails(t *testing.T) {
	hub := meshtransport.NewHub()
	engineA, _, _ := newTestNode(t, hub, "node-a", newMemStore())

	_, err := engineA.SendMessage(context.Background(), "ghost", "hello")
	if err != mesh.ErrUnknownPeer {
		t.Fatalf("got %v, want ErrUnknownPeer", err)
	}
}

func TestSendEmptyMessageFails(t *testing.T) {
	hub := meshtransport.NewHub()
	engineA, _, _ := newTestNode(t, hub, "node-a", newMemStore())
	_, identityB, _ := newTestNode(t, hub, "node-b", newMemStore())
	if err := engineA.BindPeer("node-b", identityB.PublicKey()); err != nil {
		t.Fatalf("BindPeer: %v", err)
	}

	if _, err := engineA.SendMessage(context.Background(), "node-b", ""); err != mesh.ErrEmptyMessage {
		t.Fatalf("got %v, want ErrEmptyMessage", err)
	}
}

// TestVerifyPeerDefeatsImpersonation is spec.md §8 Scenario F end to end: A
// binds what it believes is B's key (really the attacker M's), scans B's
// true fingerprint out of band, and VerifyPeer must refuse to mark the
// connection verified.
func TestVerifyPeerDefeatsImpersonation(t *testing.T) {
	hub := meshtransport.NewHub()
	engineA, _, _ := newTestNode(t, hub, "node-a", newMemStore())
	_, identityB, _ := newTestNode(t, hub, "node-b", newMemStore())
	_, identityM, _ := newTestNode(t, hub, "node-m", newMemStore())

	// A thinks it is binding B's key, but the attacker substituted its own.
	if err := engineA.BindPeer("node-b", identityM.PublicKey()); err != nil {
		t.Fatalf("BindPeer: %v", err)
	}

	trueFingerprint := mesh.Fingerprint(identityB.PublicKey())
	ok, err := engineA.VerifyPeer("node-b", trueFingerprint)
	if err != nil {
		t.Fatalf("VerifyPeer: %v", err)
	}
	if ok {
		t.Fatal("VerifyPeer succeeded against an impersonated key")
	}

	peer, found := engineA.Peers().Get("node-b")
	if !found {
		t.Fatal("peer vanished")
	}
	if peer.Verified {
		t.Fatal("peer was marked verified despite a fingerprint mismatch")
	}
}

// TestVerifyPeerPersistsAndReloadsTrust checks the other half of spec.md
// §4.2/§6.4: a correct verification is persisted via Storage.StoreTrust,
// and a later BindPeer call against the same Storage (simulating a fresh
// process after a restart) restores verified=true without a second scan.
func TestVerifyPeerPersistsAndReloadsTrust(t *testing.T) {
	hub := meshtransport.NewHub()
	store := newMemStore()
	engineA, _, _ := newTestNode(t, hub, "node-a", store)
	_, identityB, _ := newTestNode(t, hub, "node-b", newMemStore())

	if err := engineA.BindPeer("node-b", identityB.PublicKey()); err != nil {
		t.Fatalf("BindPeer: %v", err)
	}
	ok, err := engineA.VerifyPeer("node-b", mesh.Fingerprint(identityB.PublicKey()))
	if err != nil {
		t.Fatalf("VerifyPeer: %v", err)
	}
	if !ok {
		t.Fatal("VerifyPeer rejected a genuine fingerprint match")
	}

	// Simulate restart: a brand new Engine over the same Storage, with a
	// fresh (empty) PeerTable, rebinding the same peer.
	transport := meshtransport.NewLoopbackTransport(hub, "node-a-restarted", nil)
	restarted := mesh.NewEngine(mustIdentity(t, store), store, transport, mesh.NopLogger{})
	transport.SetEvents(restarted)
	if err := restarted.Start(); err != nil {
		t.Fatalf("Engine.Start: %v", err)
	}
	defer func() {
		restarted.Close()
		transport.Close()
	}()

	if err := restarted.BindPeer("node-b", identityB.PublicKey()); err != nil {
		t.Fatalf("BindPeer after restart: %v", err)
	}
	peer, found := restarted.Peers().Get("node-b")
	if !found {
		t.Fatal("peer vanished after restart")
	}
	if !peer.Verified {
		t.Fatal("persisted trust was not restored on rebind after restart")
	}
}

func mustIdentity(t *testing.T, store mesh.Storage) *mesh.Identity {
	t.Helper()
	identity, err := mesh.LoadOrCreateIdentity(store)
	if err != nil {
		t.Fatalf("LoadOrCreateIdentity: %v", err)
	}
	return identity
}
