/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

package mesh

import "errors"

// Input errors: surfaced synchronously to the caller of the send API.
var (
	ErrEmptyMessage   = errors.New("mesh: message text is empty")
	ErrTooLong        = errors.New("mesh: message text exceeds 500 scalar values")
	ErrUnknownPeer    = errors.New("mesh: unknown peer")
	ErrNoSharedSecret = errors.New("mesh: key exchange with peer is not complete")
)

// Storage errors: surfaced on the send path, logged-and-continued on receive.
var ErrStorage = errors.New("mesh: storage operation failed")

// Device-level errors, mirroring the teacher's own sentinel style
// (device.Device rejecting operations on a closed or over-capacity device).
var (
	ErrEngineClosed = errors.New("mesh: engine is closed")
	ErrTooManyPeers = errors.New("mesh: peer table at capacity")
)

// codec error kinds (never surfaced to the application; logged for observability).
type codecErrorKind string

const (
	codecErrShortHeader         codecErrorKind = "short_header"
	codecErrUnsupportedVersion  codecErrorKind = "unsupported_version"
	codecErrLengthOverrun       codecErrorKind = "length_overrun"
	codecErrLengthMismatch      codecErrorKind = "length_mismatch"
	codecErrInvalidTTL          codecErrorKind = "invalid_ttl"
	codecErrFieldTooLarge       codecErrorKind = "field_too_large"
)

type codecError struct {
	kind codecErrorKind
	msg  string
}

func (e *codecError) Error() string { return "mesh: codec: " + string(e.kind) + ": " + e.msg }

func newCodecError(kind codecErrorKind, msg string) error {
	return &codecError{kind: kind, msg: msg}
}
