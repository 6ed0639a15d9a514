// Package anonymize derives day-rotating, one-way tokens from raw session
// and student identifiers so no raw identifier is ever stored or transmitted.
//
// A random secret seed is generated and persisted on first run; each UTC
// calendar day a salt is derived from the seed and the date, and tokens are
// HMAC-SHA256 of the raw identifier under that day's salt. The same raw id
// yields a stable token within one day and an unlinkable token the next.
package anonymize

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/classkit/beacon/pkg/storage"
)

const seedMetaKey = "anonymize_seed"

const seedLen = 32

// Anonymizer computes anonymization tokens. The persisted seed is the only
// state this layer owns.
type Anonymizer struct {
	seed []byte
}

// New loads the secret seed from the store, generating and persisting one on
// first run.
func New(store storage.Store) (*Anonymizer, error) {
	seed, err := store.GetMeta(seedMetaKey)
	if err != nil {
		if !storage.IsNotFound(err) {
			return nil, fmt.Errorf("failed to load anonymization seed: %w", err)
		}
		seed = make([]byte, seedLen)
		if _, err := rand.Read(seed); err != nil {
			return nil, fmt.Errorf("failed to generate anonymization seed: %w", err)
		}
		if err := store.PutMeta(seedMetaKey, seed); err != nil {
			return nil, fmt.Errorf("failed to persist anonymization seed: %w", err)
		}
	}
	return &Anonymizer{seed: seed}, nil
}

// NewWithSeed builds an anonymizer from a fixed seed. Tests use this to get
// deterministic tokens.
func NewWithSeed(seed []byte) *Anonymizer {
	return &Anonymizer{seed: seed}
}

// Hash returns the token standing in for rawID on the given date. The date's
// UTC calendar day selects the salt.
func (a *Anonymizer) Hash(rawID string, date time.Time) string {
	salt := a.dailySalt(date)
	mac := hmac.New(sha256.New, salt)
	mac.Write([]byte(rawID))
	return hex.EncodeToString(mac.Sum(nil))
}

// dailySalt derives the salt for a calendar day from the seed.
func (a *Anonymizer) dailySalt(date time.Time) []byte {
	day := date.UTC().Format("2006-01-02")
	mac := hmac.New(sha256.New, a.seed)
	mac.Write([]byte(day))
	return mac.Sum(nil)
}
