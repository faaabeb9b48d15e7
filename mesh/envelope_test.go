/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

package mesh

import (
	"bytes"
	"testing"
)

func sampleEnvelope() *Envelope {
	var id MessageID
	var sender, recipient SenderID
	for i := range id {
		id[i] = byte(i)
	}
	for i := range sender {
		sender[i] = byte(0x10 + i)
	}
	for i := range recipient {
		recipient[i] = byte(0x20 + i)
	}
	return &Envelope{
		Version:     EnvelopeVersion,
		MessageID:   id,
		SenderID:    sender,
		RecipientID: recipient,
		Timestamp:   1700000000000,
		TTL:         10,
		Nonce:       bytes.Repeat([]byte{0xAA}, 24),
		Tag:         bytes.Repeat([]byte{0xBB}, 16),
		Ciphertext:  []byte("hello, mesh"),
	}
}

func TestSerializeDeserializeRoundTrip(t *testing.T) {
	want := sampleEnvelope()
	wire, err := Serialize(want)
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}

	got, err := Deserialize(wire)
	if err != nil {
		t.Fatalf("Deserialize: %v", err)
	}

	if got.Version != want.Version || got.MessageID != want.MessageID ||
		got.SenderID != want.SenderID || got.RecipientID != want.RecipientID ||
		got.Timestamp != want.Timestamp || got.TTL != want.TTL {
		t.Fatalf("round trip changed fixed fields: got %+v, want %+v", got, want)
	}
	if !bytes.Equal(got.Nonce, want.Nonce) || !bytes.Equal(got.Tag, want.Tag) || !bytes.Equal(got.Ciphertext, want.Ciphertext) {
		t.Fatal("round trip changed variable-length fields")
	}
}

func TestDeserializeRejectsShortHeader(t *testing.T) {
	_, err := Deserialize([]byte{1, 2, 3})
	ce, ok := err.(*codecError)
	if !ok {
		t.Fatalf("expected *codecError, got %T (%v)", err, err)
	}
	if ce.kind != codecErrShortHeader {
		t.Fatalf("got kind %v, want %v", ce.kind, codecErrShortHeader)
	}
}

func TestDeserializeRejectsBadVersion(t *testing.T) {
	env := sampleEnvelope()
	wire, err := Serialize(env)
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	wire[0] = 0xFF

	_, err = Deserialize(wire)
	ce, ok := err.(*codecError)
	if !ok || ce.kind != codecErrUnsupportedVersion {
		t.Fatalf("got %v, want unsupported_version", err)
	}
}

func TestDeserializeRejectsTrailingBytes(t *testing.T) {
	env := sampleEnvelope()
	wire, err := Serialize(env)
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	wire = append(wire, 0x00)

	_, err = Deserialize(wire)
	ce, ok := err.(*codecError)
	if !ok || ce.kind != codecErrLengthMismatch {
		t.Fatalf("got %v, want length_mismatch", err)
	}
}

func TestDeserializeRejectsLengthOverrun(t *testing.T) {
	env := sampleEnvelope()
	env.Nonce = env.Nonce[:1]
	wire, err := Serialize(env)
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}

	// nonce_len is the uint16 immediately after the fixed 42-byte prefix
	// (version + message_id + sender_id + recipient_id + timestamp + ttl).
	const nonceLenOffset = 1 + messageIDSize + senderIDSize + recipientIDSize + 8 + 1
	wire[nonceLenOffset] = 0
	wire[nonceLenOffset+1] = 200 // claim far more than actually follows

	_, err = Deserialize(wire)
	ce, ok := err.(*codecError)
	if !ok || ce.kind != codecErrLengthOverrun {
		t.Fatalf("got %v, want length_overrun", err)
	}
}

func TestSerializeRejectsOversizedCiphertext(t *testing.T) {
	env := sampleEnvelope()
	env.Ciphertext = make([]byte, maxPayloadLen+1)

	_, err := Serialize(env)
	ce, ok := err.(*codecError)
	if !ok || ce.kind != codecErrFieldTooLarge {
		t.Fatalf("got %v, want field_too_large", err)
	}
}
