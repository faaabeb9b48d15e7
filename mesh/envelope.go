/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

package mesh

import (
	"encoding/binary"
	"encoding/hex"
)

// Wire constants. Field order and sizes are bit-exact with SPEC_FULL.md §3
// MessageEnvelope: every multi-byte integer is big-endian, matching the
// teacher's own transport header convention in device/send.go (PutUint32/
// PutUint64 on BigEndian there is little-endian for its own historical
// reasons; here we commit to network byte order throughout, per spec).
const (
	EnvelopeVersion = 1

	messageIDSize   = 16 // UUID v4, wire form
	senderIDSize    = 8
	recipientIDSize = 8

	maxNonceLen   = 1024
	maxTagLen     = 1024
	maxPayloadLen = 10 << 20 // 10 MiB

	envelopeHeaderSize = 1 + messageIDSize + senderIDSize + recipientIDSize + 8 + 1 + 2 + 2 + 4
)

// SenderID is the 8-byte content-addressed peer identifier: the first 8
// bytes of SHA-512(public key). See mesh/identity.go for the derivation;
// REDESIGN FLAGS §1 in SPEC_FULL.md resolves the source ambiguity (SHA-512
// vs SHA-256) in favor of SHA-512, matching the fingerprint hash.
type SenderID [senderIDSize]byte

func (s SenderID) String() string { return hex.EncodeToString(s[:]) }

// MessageID is a random 128-bit identifier, UUID v4 in wire form.
type MessageID [messageIDSize]byte

func (m MessageID) String() string { return hex.EncodeToString(m[:]) }

// Envelope is the in-memory form of the wire record described in
// SPEC_FULL.md §3. It is ephemeral: constructed for one send or relay and
// discarded after transmission.
type Envelope struct {
	Version     uint8
	MessageID   MessageID
	SenderID    SenderID
	RecipientID SenderID
	Timestamp   uint64 // ms since Unix epoch
	TTL         uint8
	Nonce       []byte
	Tag         []byte
	Ciphertext  []byte
}

// validateEnvelope checks the structural invariants spec.md §3 places on
// MessageEnvelope. It is used both before Serialize (to reject malformed
// construction) and, per REDESIGN FLAGS §2, as the re-validation gate run
// on a received-but-undecryptable envelope before it is relayed further.
func validateEnvelope(e *Envelope) error {
	if e.Version != EnvelopeVersion {
		return newCodecError(codecErrUnsupportedVersion, "version must be 1")
	}
	if len(e.Nonce) > maxNonceLen {
		return newCodecError(codecErrFieldTooLarge, "nonce exceeds 1024 bytes")
	}
	if len(e.Tag) > maxTagLen {
		return newCodecError(codecErrFieldTooLarge, "tag exceeds 1024 bytes")
	}
	if len(e.Ciphertext) > maxPayloadLen {
		return newCodecError(codecErrFieldTooLarge, "payload exceeds 10 MiB")
	}
	return nil
}

// Serialize converts e into its wire-exact byte form. It fails only if e
// violates the structural invariants above; ttl is a uint8 so it is always
// in range by construction.
func Serialize(e *Envelope) ([]byte, error) {
	if err := validateEnvelope(e); err != nil {
		return nil, err
	}

	total := envelopeHeaderSize + len(e.Nonce) + len(e.Tag) + len(e.Ciphertext)
	buf := make([]byte, total)

	off := 0
	buf[off] = e.Version
	off++
	copy(buf[off:], e.MessageID[:])
	off += messageIDSize
	copy(buf[off:], e.SenderID[:])
	off += senderIDSize
	copy(buf[off:], e.RecipientID[:])
	off += recipientIDSize
	binary.BigEndian.PutUint64(buf[off:], e.Timestamp)
	off += 8
	buf[off] = e.TTL
	off++
	binary.BigEndian.PutUint16(buf[off:], uint16(len(e.Nonce)))
	off += 2
	copy(buf[off:], e.Nonce)
	off += len(e.Nonce)
	binary.BigEndian.PutUint16(buf[off:], uint16(len(e.Tag)))
	off += 2
	copy(buf[off:], e.Tag)
	off += len(e.Tag)
	binary.BigEndian.PutUint32(buf[off:], uint32(len(e.Ciphertext)))
	off += 4
	copy(buf[off:], e.Ciphertext)
	off += len(e.Ciphertext)

	return buf, nil
}

// Deserialize parses b into an Envelope, failing with one of the codec
// error kinds in SPEC_FULL.md §7 on any malformed input. Callers on the
// receive path must treat every error here as silent-discard, per spec.md §7.
func Deserialize(b []byte) (*Envelope, error) {
	if len(b) < envelopeHeaderSize {
		return nil, newCodecError(codecErrShortHeader, "input shorter than fixed header")
	}

	e := &Envelope{}
	off := 0

	e.Version = b[off]
	off++
	if e.Version != EnvelopeVersion {
		return nil, newCodecError(codecErrUnsupportedVersion, "unsupported version byte")
	}

	copy(e.MessageID[:], b[off:off+messageIDSize])
	off += messageIDSize
	copy(e.SenderID[:], b[off:off+senderIDSize])
	off += senderIDSize
	copy(e.RecipientID[:], b[off:off+recipientIDSize])
	off += recipientIDSize

	e.Timestamp = binary.BigEndian.Uint64(b[off:])
	off += 8

	e.TTL = b[off]
	off++

	nonceLen := int(binary.BigEndian.Uint16(b[off:]))
	off += 2
	if nonceLen > maxNonceLen {
		return nil, newCodecError(codecErrFieldTooLarge, "nonce_len exceeds 1024")
	}
	if off+nonceLen > len(b) {
		return nil, newCodecError(codecErrLengthOverrun, "nonce overruns input")
	}
	e.Nonce = append([]byte(nil), b[off:off+nonceLen]...)
	off += nonceLen

	if off+2 > len(b) {
		return nil, newCodecError(codecErrShortHeader, "truncated before tag_len")
	}
	tagLen := int(binary.BigEndian.Uint16(b[off:]))
	off += 2
	if tagLen > maxTagLen {
		return nil, newCodecError(codecErrFieldTooLarge, "tag_len exceeds 1024")
	}
	if off+tagLen > len(b) {
		return nil, newCodecError(codecErrLengthOverrun, "tag overruns input")
	}
	e.Tag = append([]byte(nil), b[off:off+tagLen]...)
	off += tagLen

	if off+4 > len(b) {
		return nil, newCodecError(codecErrShortHeader, "truncated before payload_len")
	}
	payloadLen := int(binary.BigEndian.Uint32(b[off:]))
	off += 4
	if payloadLen > maxPayloadLen {
		return nil, newCodecError(codecErrFieldTooLarge, "payload_len exceeds 10 MiB")
	}
	if off+payloadLen > len(b) {
		return nil, newCodecError(codecErrLengthOverrun, "payload overruns input")
	}
	e.Ciphertext = append([]byte(nil), b[off:off+payloadLen]...)
	off += payloadLen

	if off != len(b) {
		return nil, newCodecError(codecErrLengthMismatch, "trailing bytes after payload")
	}

	return e, nil
}
