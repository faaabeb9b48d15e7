/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

package mesh

import "sync"

// MessageHistory is the in-process, per-sender message log backing
// Engine.Messages. It exists alongside Storage (not instead of it): Storage
// is the durable record spec.md §6.2 requires, this is the fast read-back
// path an interactive UI wants without a round trip through the storage
// interface on every redraw. Same self-synchronizing shape as PeerTable.
type MessageHistory struct {
	mu     sync.RWMutex
	byID   map[SenderID][]Message
	offset map[MessageID]int // message id -> index within its sender's slice
	owner  map[MessageID]SenderID
}

func NewMessageHistory() *MessageHistory {
	return &MessageHistory{
		byID:   make(map[SenderID][]Message),
		offset: make(map[MessageID]int),
		owner:  make(map[MessageID]SenderID),
	}
}

func (h *MessageHistory) Append(msg Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.byID[msg.Sender] = append(h.byID[msg.Sender], msg)
	h.offset[msg.ID] = len(h.byID[msg.Sender]) - 1
	h.owner[msg.ID] = msg.Sender
}

// UpdateStatus rewrites the stored status for a previously-appended
// message, used as retry outcomes resolve asynchronously after SendMessage
// has already returned the pending record.
func (h *MessageHistory) UpdateStatus(id MessageID, status Status) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	sender, ok := h.owner[id]
	if !ok {
		return false
	}
	idx, ok := h.offset[id]
	if !ok || idx >= len(h.byID[sender]) {
		return false
	}
	h.byID[sender][idx].Status = status
	return true
}

func (h *MessageHistory) Snapshot(sender SenderID) []Message {
	h.mu.RLock()
	defer h.mu.RUnlock()
	src := h.byID[sender]
	out := make([]Message, len(src))
	copy(out, src)
	return out
}
