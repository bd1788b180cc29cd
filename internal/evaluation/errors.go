package evaluation

import (
	"errors"
	"fmt"
	"strings"

	"github.com/noah-isme/gema-grader/pkg/ai"
)

var (
	// ErrNotFound is the base error for missing submissions, exams, evaluations or questions.
	ErrNotFound = errors.New("not found")
	// ErrConflict is the base error for duplicate evaluation requests, duplicate overrides
	// and state changes the current status does not allow.
	ErrConflict = errors.New("conflict")
)

// ValidationError reports malformed pipeline input. It is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// ContractViolation reports grader output that failed structural or business checks.
// The raw payload is kept for audit logging.
type ContractViolation struct {
	Problems []string
	Raw      []byte
}

func (e *ContractViolation) Error() string {
	return "grader output violates contract: " + strings.Join(e.Problems, "; ")
}

// ProviderError is re-exported so callers can classify errors from one place.
type ProviderError = ai.ProviderError

// IsPermanent reports whether a pipeline error should skip retries and go straight
// to the dead-letter list.
func IsPermanent(err error) bool {
	var validationErr *ValidationError
	if errors.As(err, &validationErr) {
		return true
	}
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict)
}
