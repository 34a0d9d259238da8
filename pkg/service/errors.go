package service

import "github.com/pkg/errors"

// Validation errors are returned to the submitter before any task exists.
var (
	ErrInvalidFingerprint  = errors.New("fingerprint must be 64 lowercase hex characters")
	ErrMissingArtifact     = errors.New("artifact content and file name are required")
	ErrFingerprintMismatch = errors.New("fingerprint does not match artifact content")
)

// IsValidationError reports whether err was caused by invalid submission input.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidFingerprint) ||
		errors.Is(err, ErrMissingArtifact) ||
		errors.Is(err, ErrFingerprintMismatch)
}
