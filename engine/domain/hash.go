package domain

import (
	"crypto/sha256"
	"encoding/hex"
)

// HashBytes truncates a sha256 digest to a 128-bit fingerprint. sha256
// (truncated) is used instead of md5 to avoid reaching for a known-weak
// hash purely for a non-cryptographic fingerprint.
func HashBytes(b []byte) Hash128 {
	sum := sha256.Sum256(b)
	var h Hash128
	copy(h[:], sum[:16])
	return h
}

// ParseHash128 parses the lowercase hex form produced by Hash128.String.
func ParseHash128(s string) (Hash128, error) {
	var h Hash128
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, err
	}
	copy(h[:], b)
	return h, nil
}
