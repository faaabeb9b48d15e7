/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

package mesh

import "sync/atomic"

// EngineStats is the read-only observability snapshot SPEC_FULL.md §4.7
// adds for operators and tests; none of its counters feed back into engine
// behavior. Modeled on the teacher's device.Device exposing peer handshake
// counters through the IPC "get" verb for wg(8) show.
//
// PeersKnown, PeersConnected, and RetryQueueDepth are not accumulated
// counters; Engine.Stats derives them fresh from PeerTable and RetryQueue on
// every call.
type EngineStats struct {
	MessagesSent      uint64
	MessagesReceived  uint64
	MessagesRelayed   uint64
	DuplicatesDropped uint64
	CodecErrors       uint64
	RateLimited       uint64
	SendFailures      uint64
	PeersKnown        int
	PeersConnected    int
	RetryQueueDepth   int
}

type engineCounters struct {
	sent, received, relayed       uint64
	duplicates, codecErrs, ratelimited, sendFailures uint64
}

func (c *engineCounters) snapshot() EngineStats {
	return EngineStats{
		MessagesSent:      atomic.LoadUint64(&c.sent),
		MessagesReceived:  atomic.LoadUint64(&c.received),
		MessagesRelayed:   atomic.LoadUint64(&c.relayed),
		DuplicatesDropped: atomic.LoadUint64(&c.duplicates),
		CodecErrors:       atomic.LoadUint64(&c.codecErrs),
		RateLimited:       atomic.LoadUint64(&c.ratelimited),
		SendFailures:      atomic.LoadUint64(&c.sendFailures),
	}
}
