// Package contentlimits enforces the pre-accept size bounds shared by
// SyncBroker and OfflineReplayer (spec §6 Content limits): title,
// draft, and message content are all rejected before they ever reach
// VersionEngine or KeyVault.
package contentlimits

import (
	"errors"
	"strings"
	"unicode/utf8"
)

const (
	MaxTitleChars = 255
	MaxBodyWords  = 14000
	MaxBodyChars  = 100000

	// MaxCiphertextBytes bounds an already-encrypted blob (draft ciphertext
	// arrives client-encrypted and the server can't count its plaintext
	// words). It equals MaxBodyChars, with no extra allowance for AEAD
	// overhead or base64/JSON framing, following the original
	// draft_update_handler.py, which reuses MAX_DRAFT_CHARS as the
	// ciphertext bound directly.
	MaxCiphertextBytes = MaxBodyChars
)

var ErrTooLong = errors.New("contentlimits: content exceeds a size bound")

// ValidateTitle bounds a plaintext chat title (spec §6: "Title ≤ 255
// chars").
func ValidateTitle(title string) error {
	if utf8.RuneCountInString(title) > MaxTitleChars {
		return ErrTooLong
	}
	return nil
}

// ValidateBodyText bounds plaintext draft/message content (spec §6:
// "Draft ≤ 14 000 words and ≤ 100 000 chars ... Message content subject
// to the same draft bounds").
func ValidateBodyText(text string) error {
	if utf8.RuneCountInString(text) > MaxBodyChars {
		return ErrTooLong
	}
	if len(strings.Fields(text)) > MaxBodyWords {
		return ErrTooLong
	}
	return nil
}

// ValidateCiphertext bounds an opaque already-encrypted blob when the
// server cannot see the plaintext it was derived from (spec §6: "server
// MAY also enforce ciphertext size").
func ValidateCiphertext(b []byte) error {
	if len(b) > MaxCiphertextBytes {
		return ErrTooLong
	}
	return nil
}
