/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

// Package meshtransport provides an in-process reference implementation of
// mesh.Transport, for tests and the cmd/meshnode demo. It is grounded on
// conn/bindtest.ChannelBind: the same channel-pair-per-link shape, a
// closeSignal channel to unblock any pending receive on Close, and a Hub
// standing in for bindtest's paired [2]conn.Bind — generalized from one
// fixed pair to any number of registered nodes, since a mesh has more than
// two participants.
//
// Real BLE radios are out of scope (spec.md §1); this package exists only
// so mesh.Engine can be exercised without one.
package meshtransport

import (
	"context"
	"fmt"
	"math/rand"
	"sync"

	"meshline.dev/core/mesh"
)

type inboxEntry struct {
	from mesh.PeerID
	data []byte
}

// Hub is the shared medium every LoopbackTransport registers with — the
// generalization of bindtest's hard-coded two-endpoint wiring to N nodes.
type Hub struct {
	mu    sync.RWMutex
	nodes map[mesh.PeerID]*LoopbackTransport
}

func NewHub() *Hub {
	return &Hub{nodes: make(map[mesh.PeerID]*LoopbackTransport)}
}

func (h *Hub) register(t *LoopbackTransport) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nodes[t.id] = t
}

func (h *Hub) unregister(id mesh.PeerID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.nodes, id)
}

func (h *Hub) lookup(id mesh.PeerID) (*LoopbackTransport, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	t, ok := h.nodes[id]
	return t, ok
}

// peerIDs returns every registered id other than exclude, for StartScan's
// simulated discovery sweep.
func (h *Hub) peerIDs(exclude mesh.PeerID) []mesh.PeerID {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]mesh.PeerID, 0, len(h.nodes))
	for id := range h.nodes {
		if id != exclude {
			out = append(out, id)
		}
	}
	return out
}

// LoopbackTransport is one node's mesh.Transport handle onto a Hub.
type LoopbackTransport struct {
	id  mesh.PeerID
	hub *Hub

	eventsMu sync.RWMutex
	events   mesh.TransportEvents

	mu        sync.RWMutex
	connected map[mesh.PeerID]bool

	inbox       chan inboxEntry
	closeSignal chan struct{}
	closeOnce   sync.Once
}

// NewLoopbackTransport registers id on hub and starts the goroutine that
// delivers inbound bytes to events.OnBytes, matching the receive-goroutine
// pattern of bindtest's makeReceiveFunc.
func NewLoopbackTransport(hub *Hub, id mesh.PeerID, events mesh.TransportEvents) *LoopbackTransport {
	t := &LoopbackTransport{
		id:          id,
		hub:         hub,
		events:      events,
		connected:   make(map[mesh.PeerID]bool),
		inbox:       make(chan inboxEntry, 256),
		closeSignal: make(chan struct{}),
	}
	hub.register(t)
	go t.deliverLoop()
	return t
}

// SetEvents binds the event sink after construction, so a caller can wire
// mesh.NewEngine(transport) and transport.SetEvents(engine) in either
// order without a circular constructor dependency.
func (t *LoopbackTransport) SetEvents(events mesh.TransportEvents) {
	t.eventsMu.Lock()
	defer t.eventsMu.Unlock()
	t.events = events
}

func (t *LoopbackTransport) getEvents() mesh.TransportEvents {
	t.eventsMu.RLock()
	defer t.eventsMu.RUnlock()
	return t.events
}

func (t *LoopbackTransport) deliverLoop() {
	for {
		select {
		case <-t.closeSignal:
			return
		case entry := <-t.inbox:
			if events := t.getEvents(); events != nil {
				events.OnBytes(entry.from, entry.data)
			}
		}
	}
}

// StartScan simulates a BLE discovery sweep by announcing every other
// registered node to events.OnDiscovered with a synthetic RSSI.
func (t *LoopbackTransport) StartScan() error {
	events := t.getEvents()
	if events == nil {
		return nil
	}
	for _, id := range t.hub.peerIDs(t.id) {
		events.OnDiscovered(id, -40-rand.Intn(60))
	}
	return nil
}

func (t *LoopbackTransport) StopScan() error { return nil }

func (t *LoopbackTransport) Connect(ctx context.Context, peer mesh.PeerID) error {
	peerT, ok := t.hub.lookup(peer)
	if !ok {
		return fmt.Errorf("meshtransport: peer %s not registered", peer)
	}

	t.setConnected(peer, true)
	peerT.setConnected(t.id, true)

	if events := t.getEvents(); events != nil {
		events.OnStateChange(peer, true)
	}
	if events := peerT.getEvents(); events != nil {
		events.OnStateChange(t.id, true)
	}
	return nil
}

func (t *LoopbackTransport) Disconnect(ctx context.Context, peer mesh.PeerID) error {
	t.setConnected(peer, false)
	if events := t.getEvents(); events != nil {
		events.OnStateChange(peer, false)
	}
	if peerT, ok := t.hub.lookup(peer); ok {
		peerT.setConnected(t.id, false)
		if events := peerT.getEvents(); events != nil {
			events.OnStateChange(t.id, false)
		}
	}
	return nil
}

func (t *LoopbackTransport) Send(ctx context.Context, peer mesh.PeerID, data []byte) error {
	peerT, ok := t.hub.lookup(peer)
	if !ok {
		return fmt.Errorf("meshtransport: peer %s not registered", peer)
	}
	if !t.isConnected(peer) {
		return fmt.Errorf("meshtransport: not connected to %s", peer)
	}

	cp := make([]byte, len(data))
	copy(cp, data)

	select {
	case peerT.inbox <- inboxEntry{from: t.id, data: cp}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-t.closeSignal:
		return fmt.Errorf("meshtransport: transport closed")
	}
}

func (t *LoopbackTransport) ConnectedPeers() []mesh.PeerID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]mesh.PeerID, 0, len(t.connected))
	for id, ok := range t.connected {
		if ok {
			out = append(out, id)
		}
	}
	return out
}

func (t *LoopbackTransport) setConnected(peer mesh.PeerID, connected bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connected[peer] = connected
}

func (t *LoopbackTransport) isConnected(peer mesh.PeerID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connected[peer]
}

// Close unregisters the transport from its hub and unblocks any pending
// Send/receive, mirroring ChannelBind.Close's closeSignal idiom.
func (t *LoopbackTransport) Close() error {
	t.closeOnce.Do(func() { close(t.closeSignal) })
	t.hub.unregister(t.id)
	return nil
}
