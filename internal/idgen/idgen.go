// Package idgen provides random, prefixed identifiers for escrow records.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

// Prefixes for the record kinds the engine mints.
const (
	PrefixEscrow    = "esc_"
	PrefixDispute   = "dsp_"
	PrefixEvidence  = "evd_"
	PrefixMilestone = "mil_"
	PrefixEvent     = "evt_"
)

// New returns a random (v4) UUID string.
func New() string {
	return uuid.NewString()
}

// WithPrefix returns prefix followed by the 32 hex digits of a v4 UUID,
// e.g. "esc_3f2a9c...".
func WithPrefix(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Escrow mints an escrow id.
func Escrow() string { return WithPrefix(PrefixEscrow) }

// Dispute mints a dispute id.
func Dispute() string { return WithPrefix(PrefixDispute) }

// Evidence mints an evidence id.
func Evidence() string { return WithPrefix(PrefixEvidence) }

// Milestone mints a milestone id.
func Milestone() string { return WithPrefix(PrefixMilestone) }

// HasPrefix reports whether id was minted with prefix and carries a
// well-formed UUID body.
func HasPrefix(id, prefix string) bool {
	if !strings.HasPrefix(id, prefix) {
		return false
	}
	_, err := uuid.Parse(strings.TrimPrefix(id, prefix))
	return err == nil
}

// Hex generates a random hex string of the given byte length.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}
