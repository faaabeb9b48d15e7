/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

package mesh

import (
	"crypto/rand"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/curve25519"
)

const (
	PrivateKeySize = 32
	PublicKeySize  = 32

	// FingerprintLen is the number of hex characters rendered for
	// out-of-band (QR) verification: the first 32 hex chars (16 bytes) of
	// SHA-512(public key).
	FingerprintLen = 32
)

// PrivateKey and PublicKey are Curve25519 identity key material. Unlike the
// teacher's NoisePrivateKey/NoisePublicKey (which exist per active Noise
// session and are discarded on rekey), a mesh Identity's keys are long-lived:
// generated once, persisted, and never rotated without explicit user action
// (spec.md §3, Identity) — there is no per-message forward secrecy here
// (spec.md §1 Non-goals), so no key-rotation machinery is carried over.
type PrivateKey [PrivateKeySize]byte
type PublicKey [PublicKeySize]byte

func (k PrivateKey) IsZero() bool {
	var zero PrivateKey
	return subtle.ConstantTimeCompare(k[:], zero[:]) == 1
}

// GeneratePrivateKey draws a fresh Curve25519 scalar from the OS RNG and
// clamps it per the standard Curve25519 clamping rule, exactly as the
// teacher's GeneratePrivateKey does for Noise static keys.
func GeneratePrivateKey() (PrivateKey, error) {
	var key PrivateKey
	if _, err := rand.Read(key[:]); err != nil {
		return key, err
	}
	key[0] &= 248
	key[31] &= 127
	key[31] |= 64
	return key, nil
}

// PublicKey computes the Curve25519 public point for sk.
func (sk PrivateKey) PublicKey() PublicKey {
	var pk PublicKey
	curve25519.ScalarBaseMult((*[PublicKeySize]byte)(&pk), (*[PrivateKeySize]byte)(&sk))
	return pk
}

// SharedSecret performs Curve25519 scalar multiplication between sk and a
// peer's public key. agree(priv_A, pub_B) == agree(priv_B, pub_A) by the
// Diffie-Hellman commutativity property (spec.md §8 property 5).
func (sk PrivateKey) SharedSecret(peerPub PublicKey) [32]byte {
	var ss [32]byte
	curve25519.ScalarMult(&ss, (*[PrivateKeySize]byte)(&sk), (*[PublicKeySize]byte)(&peerPub))
	return ss
}

// Identity is the long-lived asymmetric keypair described in spec.md §3. It
// is created once per device (on absence of persisted keys), loaded from
// Storage thereafter, and lives for the process lifetime.
type Identity struct {
	private PrivateKey
	public  PublicKey
}

// LoadOrCreateIdentity loads a persisted identity via store, or generates
// and persists a new one if none exists. Idempotent after the first
// successful call, matching the Crypto.init() contract in spec.md §4.2.
func LoadOrCreateIdentity(store Storage) (*Identity, error) {
	if pub, priv, ok, err := store.LoadIdentity(); err != nil {
		return nil, err
	} else if ok {
		var id Identity
		copy(id.public[:], pub)
		copy(id.private[:], priv)
		return &id, nil
	}

	priv, err := GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	id := &Identity{private: priv, public: priv.PublicKey()}
	if err := store.StoreIdentity(id.public[:], id.private[:]); err != nil {
		return nil, err
	}
	return id, nil
}

func (id *Identity) PublicKey() PublicKey { return id.public }

// Agree derives the 32-byte shared secret this identity would obtain with
// peerPub.
func (id *Identity) Agree(peerPub PublicKey) [32]byte {
	return id.private.SharedSecret(peerPub)
}

// Fingerprint is the first 32 hex characters of SHA-512(pub), rendered for
// QR-code out-of-band verification (spec.md §4.2, §GLOSSARY).
func Fingerprint(pub PublicKey) string {
	sum := sha512.Sum512(pub[:])
	return hex.EncodeToString(sum[:])[:FingerprintLen]
}

// DeriveSenderID computes the 8-byte content-addressed identifier used on
// the wire: the first 8 bytes of SHA-512(pub), i.e. the same hash Fingerprint
// uses, truncated differently. See SPEC_FULL.md REDESIGN FLAGS §1: both
// derivations share one hash so the two can never disagree.
func DeriveSenderID(pub PublicKey) SenderID {
	sum := sha512.Sum512(pub[:])
	var id SenderID
	copy(id[:], sum[:senderIDSize])
	return id
}

// VerifyFingerprint implements spec.md §4.2's verify_fingerprint: a
// case-insensitive, whitespace-trimmed, constant-time comparison of a
// scanned fingerprint string against the true fingerprint of peerPub.
func VerifyFingerprint(scanned string, peerPub PublicKey) bool {
	want := Fingerprint(peerPub)
	got := strings.ToLower(strings.TrimSpace(scanned))
	if len(got) != len(want) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}
