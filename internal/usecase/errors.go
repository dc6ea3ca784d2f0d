package usecase

import (
	"errors"
	"fmt"
	"strings"

	"github.com/example/snoutid/internal/quality"
)

var (
	// ErrSubjectNotFound means the animal profile does not exist.
	ErrSubjectNotFound = errors.New("subject not found")
	// ErrPermissionDenied means the caller does not own the subject.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrBiometryNotFound means the subject has no stored signature.
	ErrBiometryNotFound = errors.New("biometry not found")
	// ErrDuplicateActiveRecord means a concurrent registration for the same
	// subject won twice in a row.
	ErrDuplicateActiveRecord = errors.New("concurrent registration for subject, retry")
	// ErrInvalidParameter wraps malformed search parameters.
	ErrInvalidParameter = errors.New("invalid parameter")
)

// ImageDecodeError reports an upload that is not a readable image.
type ImageDecodeError struct {
	Issues []string
}

func (e *ImageDecodeError) Error() string {
	return "invalid image: " + strings.Join(e.Issues, "; ")
}

// QualityTooLowError reports a photo rejected by the registration gate.
type QualityTooLowError struct {
	Score  int
	Issues []quality.Issue
}

func (e *QualityTooLowError) Error() string {
	return fmt.Sprintf("image quality too low (%d/100): %s", e.Score, strings.Join(e.Messages(), "; "))
}

// Messages lists the human readable issue descriptions.
func (e *QualityTooLowError) Messages() []string {
	out := make([]string, 0, len(e.Issues))
	for _, issue := range e.Issues {
		out = append(out, issue.Message)
	}
	return out
}

// EmbeddingGenerationError reports that no signature could be computed.
type EmbeddingGenerationError struct {
	Issues []string
}

func (e *EmbeddingGenerationError) Error() string {
	return "embedding generation failed: " + strings.Join(e.Issues, "; ")
}

// StorageError wraps a persistence fault.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage failure during %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}
