/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

// Package meshstore provides a JSON-file-backed implementation of
// mesh.Storage, for the cmd/meshnode demo and for tests that want real
// on-disk round trips. Grounded on wgcfg.Config.ToUAPI's discipline of
// serializing the whole of a device's state in one pass rather than
// patching individual fields in place (wgcfg/writer.go) — adapted from a
// flat key=value UAPI wire format to JSON, since Storage persists
// structured per-peer and per-message records rather than one flat
// configuration block.
package meshstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"meshline.dev/core/mesh"
)

type onDiskState struct {
	PublicKey  []byte                  `json:"public_key,omitempty"`
	PrivateKey []byte                  `json:"private_key,omitempty"`
	Messages   map[string][]diskMessage `json:"messages,omitempty"`
	Duplicates map[string]int64        `json:"duplicates,omitempty"`
	Trust      map[string]bool         `json:"trust,omitempty"`
}

type diskMessage struct {
	ID        string `json:"id"`
	PeerID    string `json:"peer_id"`
	Sender    string `json:"sender"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
	Direction uint8  `json:"direction"`
	Status    uint8  `json:"status"`
}

// FileStore is a mesh.Storage backed by a single JSON file, rewritten
// atomically (temp file + rename) on every mutation — the same
// write-whole-state-at-once shape as ToUAPI, just to a file instead of a
// socket.
type FileStore struct {
	mu   sync.Mutex
	path string
	state onDiskState
}

func Open(path string) (*FileStore, error) {
	fs := &FileStore{path: path, state: onDiskState{
		Messages:   make(map[string][]diskMessage),
		Duplicates: make(map[string]int64),
		Trust:      make(map[string]bool),
	}}

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fs, nil
		}
		return nil, fmt.Errorf("meshstore: reading %s: %w", path, err)
	}
	if len(raw) == 0 {
		return fs, nil
	}
	if err := json.Unmarshal(raw, &fs.state); err != nil {
		return nil, fmt.Errorf("meshstore: parsing %s: %w", path, err)
	}
	if fs.state.Messages == nil {
		fs.state.Messages = make(map[string][]diskMessage)
	}
	if fs.state.Duplicates == nil {
		fs.state.Duplicates = make(map[string]int64)
	}
	if fs.state.Trust == nil {
		fs.state.Trust = make(map[string]bool)
	}
	return fs, nil
}

func (fs *FileStore) flushLocked() error {
	raw, err := json.MarshalIndent(fs.state, "", "  ")
	if err != nil {
		return fmt.Errorf("meshstore: encoding state: %w", err)
	}

	dir := filepath.Dir(fs.path)
	tmp, err := os.CreateTemp(dir, ".meshstore-*")
	if err != nil {
		return fmt.Errorf("meshstore: creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("meshstore: writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("meshstore: closing temp file: %w", err)
	}
	if err := os.Rename(tmpName, fs.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("meshstore: renaming temp file into place: %w", err)
	}
	return nil
}

func (fs *FileStore) StoreIdentity(pub, priv []byte) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.state.PublicKey = append([]byte(nil), pub...)
	fs.state.PrivateKey = append([]byte(nil), priv...)
	return fs.flushLocked()
}

func (fs *FileStore) LoadIdentity() (pub, priv []byte, ok bool, err error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.state.PublicKey == nil || fs.state.PrivateKey == nil {
		return nil, nil, false, nil
	}
	return fs.state.PublicKey, fs.state.PrivateKey, true, nil
}

func (fs *FileStore) StoreMessage(msg mesh.Message) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	key := msg.Sender.String()
	dm := diskMessage{
		ID:        msg.ID.String(),
		PeerID:    string(msg.PeerID),
		Sender:    key,
		Text:      msg.Text,
		Timestamp: msg.Timestamp,
		Direction: uint8(msg.Direction),
		Status:    uint8(msg.Status),
	}
	list := fs.state.Messages[key]
	for i, existing := range list {
		if existing.ID == dm.ID {
			list[i] = dm
			fs.state.Messages[key] = list
			return fs.flushLocked()
		}
	}
	fs.state.Messages[key] = append(list, dm)
	return fs.flushLocked()
}

func (fs *FileStore) LoadMessages(peer mesh.SenderID) ([]mesh.Message, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	list := fs.state.Messages[peer.String()]
	out := make([]mesh.Message, 0, len(list))
	for _, dm := range list {
		var id mesh.MessageID
		if b, err := decodeHex(dm.ID); err == nil {
			copy(id[:], b)
		}
		out = append(out, mesh.Message{
			ID:        id,
			PeerID:    mesh.PeerID(dm.PeerID),
			Sender:    peer,
			Text:      dm.Text,
			Timestamp: dm.Timestamp,
			Direction: mesh.Direction(dm.Direction),
			Status:    mesh.Status(dm.Status),
		})
	}
	return out, nil
}

func (fs *FileStore) StoreDuplicateCache(entries map[mesh.MessageID]int64) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.state.Duplicates = make(map[string]int64, len(entries))
	for id, expiresAt := range entries {
		fs.state.Duplicates[id.String()] = expiresAt
	}
	return fs.flushLocked()
}

func (fs *FileStore) LoadDuplicateCache() (map[mesh.MessageID]int64, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	out := make(map[mesh.MessageID]int64, len(fs.state.Duplicates))
	for hexID, expiresAt := range fs.state.Duplicates {
		var id mesh.MessageID
		if b, err := decodeHex(hexID); err == nil {
			copy(id[:], b)
		}
		out[id] = expiresAt
	}
	return out, nil
}

func (fs *FileStore) StoreTrust(peer mesh.SenderID, verified bool) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.state.Trust[peer.String()] = verified
	return fs.flushLocked()
}

func (fs *FileStore) LoadTrust(peer mesh.SenderID) (bool, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.state.Trust[peer.String()], nil
}
