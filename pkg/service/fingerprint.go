package service

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
)

var fingerprintPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// Fingerprint returns the SHA-256 hex digest of content.
func Fingerprint(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// ValidateFingerprint checks that fp is a lowercase hex SHA-256 digest.
func ValidateFingerprint(fp string) error {
	if !fingerprintPattern.MatchString(fp) {
		return ErrInvalidFingerprint
	}
	return nil
}
