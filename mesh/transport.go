/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

package mesh

import "context"

// Transport is the narrow contract spec.md §6.1 requires from a BLE
// library. It plays the role the teacher's conn.Bind/conn.Endpoint pair
// plays for a UDP socket: the engine never touches a radio, it only ever
// calls through this interface and receives callbacks from it.
//
// The engine assumes Transport delivers whole envelope byte sequences
// atomically — one Send call corresponds to one OnBytes call at the
// destination (spec.md §6.1) — so no fragmentation/reassembly lives here.
type Transport interface {
	StartScan() error
	StopScan() error

	// Connect and Disconnect are given a context carrying the caller's
	// deadline; the transport is expected to honor spec.md §5's 3s internal
	// connect timeout on top of (not instead of) whatever the context allows.
	Connect(ctx context.Context, peer PeerID) error
	Disconnect(ctx context.Context, peer PeerID) error

	// Send writes raw envelope bytes to peer's RX endpoint. No ACK is
	// required or assumed at this layer.
	Send(ctx context.Context, peer PeerID, data []byte) error

	ConnectedPeers() []PeerID
}

// TransportEvents is the set of callback sinks spec.md §6.1 requires a
// Transport implementation to drive. The engine implements this interface
// and the transport is expected to invoke it from whatever goroutine it
// runs its own I/O on — PeerTable, DuplicateCache, RateLimiter and the
// retry queue each carry their own lock (mesh/engine.go), so these methods
// are safe to call concurrently from any number of transport goroutines.
type TransportEvents interface {
	OnDiscovered(peer PeerID, rssi int)
	OnStateChange(peer PeerID, connected bool)
	OnBytes(peer PeerID, data []byte)
}
