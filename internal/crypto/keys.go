// Package crypto derives conversation keys and encrypts message content.
//
// The key for a conversation is a pure function of the sorted participant
// IDs plus an application-wide salt, so both parties compute the same key
// without any exchange round trip. The threat model is "no plaintext in
// transit or at rest for a passive database observer", not protection from
// the platform operator.
package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// DefaultSalt is the application-wide derivation salt. Deployments override
// it via config; changing it invalidates every existing conversation key.
const DefaultSalt = "NdoloCompanions-E2E-Encryption-2024"

// KeySize is the derived key length in bytes (AES-256).
const KeySize = 32

// minStoredKeyLen is the plausibility floor for a persisted key: anything
// shorter is treated as corrupt and regenerated.
const minStoredKeyLen = 32

// DeriveConversationKey returns the hex form of the 256-bit key for the
// given participant pair. The input order does not matter.
func DeriveConversationKey(participantIDs []string, salt string) string {
	ids := append([]string(nil), participantIDs...)
	sort.Strings(ids)
	sum := sha256.Sum256([]byte(strings.Join(ids, "-") + salt))
	return hex.EncodeToString(sum[:])
}

// ValidStoredKey reports whether a persisted key is plausibly usable.
// It does not prove the key decrypts anything; callers pair this with a
// decrypt check and regenerate on failure.
func ValidStoredKey(key string) bool {
	if len(key) < minStoredKeyLen {
		return false
	}
	_, err := keyBytes(key)
	return err == nil
}

// keyBytes turns the hex key form into raw AES key material.
func keyBytes(key string) ([]byte, error) {
	b, err := hex.DecodeString(key)
	if err != nil {
		return nil, err
	}
	if len(b) != KeySize {
		// Non-standard length: stretch through the hash so legacy keys of
		// any length still yield usable material.
		sum := sha256.Sum256([]byte(key))
		return sum[:], nil
	}
	return b, nil
}

// DeriveLocalKey produces the key for the local snapshot cache from a
// client-instance fingerprint. Distinct from conversation keys on purpose:
// the cache is readable only on this device.
func DeriveLocalKey(fingerprint, salt string) string {
	sum := sha256.Sum256([]byte(fingerprint + "|local|" + salt))
	return hex.EncodeToString(sum[:])
}
