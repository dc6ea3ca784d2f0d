package repository

import "errors"

var (
	// ErrNotFound is returned when no record matches.
	ErrNotFound = errors.New("record not found")

	// ErrDuplicateActiveRecord means the uniqueness constraint on
	// subject_id rejected a write that the upsert should have absorbed.
	// Callers may retry.
	ErrDuplicateActiveRecord = errors.New("duplicate active biometric record")
)
