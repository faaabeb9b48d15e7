/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

package mesh

import "testing"

func TestBindPublicKeyIsIdempotentForSameKey(t *testing.T) {
	identity := &Identity{}
	priv, _ := GeneratePrivateKey()
	identity.private = priv
	identity.public = priv.PublicKey()

	peerPriv, _ := GeneratePrivateKey()
	peerPub := peerPriv.PublicKey()

	pt := NewPeerTable()
	pt.BindPublicKey("peer-1", identity, peerPub)
	pt.SetVerified("peer-1", true)
	pt.BindPublicKey("peer-1", identity, peerPub) // identical key: must not disturb state

	peer, ok := pt.Get("peer-1")
	if !ok {
		t.Fatal("peer vanished after a repeat bind")
	}
	if !peer.Verified {
		t.Fatal("repeat bind with the same key cleared verified")
	}
}

func TestBindPublicKeyConflictClearsVerified(t *testing.T) {
	identity := &Identity{}
	priv, _ := GeneratePrivateKey()
	identity.private = priv
	identity.public = priv.PublicKey()

	firstPriv, _ := GeneratePrivateKey()
	secondPriv, _ := GeneratePrivateKey()

	pt := NewPeerTable()
	pt.BindPublicKey("peer-1", identity, firstPriv.PublicKey())
	pt.SetVerified("peer-1", true)

	pt.BindPublicKey("peer-1", identity, secondPriv.PublicKey())

	peer, ok := pt.Get("peer-1")
	if !ok {
		t.Fatal("peer vanished after a conflicting bind")
	}
	if peer.Verified {
		t.Fatal("conflicting bind did not clear verified")
	}
	if pub, ok := peer.Crypto.PublicKey(); !ok || pub != secondPriv.PublicKey() {
		t.Fatal("conflicting bind did not replace the stored public key")
	}
}

func TestSetVerifiedRequiresBoundKey(t *testing.T) {
	pt := NewPeerTable()
	pt.UpsertDiscovered("peer-1", -50)

	if pt.SetVerified("peer-1", true) {
		t.Fatal("SetVerified succeeded on a peer with no bound public key")
	}
}

func TestLookupBySenderIDTracksRebinding(t *testing.T) {
	identity := &Identity{}
	priv, _ := GeneratePrivateKey()
	identity.private = priv
	identity.public = priv.PublicKey()

	firstPriv, _ := GeneratePrivateKey()
	secondPriv, _ := GeneratePrivateKey()

	pt := NewPeerTable()
	pt.BindPublicKey("peer-1", identity, firstPriv.PublicKey())
	firstSender := DeriveSenderID(firstPriv.PublicKey())

	if id, ok := pt.LookupBySenderID(firstSender); !ok || id != "peer-1" {
		t.Fatal("LookupBySenderID did not find the freshly bound key")
	}

	pt.BindPublicKey("peer-1", identity, secondPriv.PublicKey())
	if _, ok := pt.LookupBySenderID(firstSender); ok {
		t.Fatal("LookupBySenderID still resolves the stale sender id after rebinding")
	}
	secondSender := DeriveSenderID(secondPriv.PublicKey())
	if id, ok := pt.LookupBySenderID(secondSender); !ok || id != "peer-1" {
		t.Fatal("LookupBySenderID did not pick up the new binding")
	}
}

func TestRemoveClearsSenderIndex(t *testing.T) {
	identity := &Identity{}
	priv, _ := GeneratePrivateKey()
	identity.private = priv
	identity.public = priv.PublicKey()

	peerPriv, _ := GeneratePrivateKey()
	pt := NewPeerTable()
	pt.BindPublicKey("peer-1", identity, peerPriv.PublicKey())
	pt.Remove("peer-1")

	if _, ok := pt.Get("peer-1"); ok {
		t.Fatal("peer still present after Remove")
	}
	if _, ok := pt.LookupBySenderID(DeriveSenderID(peerPriv.PublicKey())); ok {
		t.Fatal("sender index still resolves a removed peer")
	}
}
