// Package idgen generates record ids and gateway references.
package idgen

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/google/uuid"
)

// Reference prefixes. A reference is the cross-system idempotency key, so it
// is generated once and reused verbatim on every retry.
const (
	PrefixCheckout   = "chk_"
	PrefixWithdrawal = "wd_"
	PrefixRelease    = "rel_"
	PrefixDebit      = "dbt_"
	PrefixCredit     = "crd_"
)

// New returns a random UUID string for record primary keys.
func New() string {
	return uuid.NewString()
}

// WithPrefix generates a random reference with a prefix (e.g. "chk_", "wd_").
// Result is prefix + 24 hex chars (12 random bytes).
func WithPrefix(prefix string) string {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return prefix + hex.EncodeToString(b)
}
