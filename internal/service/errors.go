package service

import (
	"errors"
	"fmt"
)

// Validation codes surfaced to the user
const (
	CodeInvalidTarget = "INVALID_TARGET"
	CodeMissingEmail  = "MISSING_EMAIL"
	CodeInvalidInput  = "INVALID_INPUT"
)

// ValidationError is a rejected request. No state was changed and no event emitted.
type ValidationError struct {
	Code    string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func newValidationError(code, format string, args ...any) *ValidationError {
	return &ValidationError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// StorageError is a failed persist. The store kept its previous state; the caller may retry.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s: storage unavailable: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// AsValidation returns the ValidationError in err's chain, if any.
func AsValidation(err error) (*ValidationError, bool) {
	var verr *ValidationError
	if errors.As(err, &verr) {
		return verr, true
	}
	return nil, false
}

// AsStorage returns the StorageError in err's chain, if any.
func AsStorage(err error) (*StorageError, bool) {
	var serr *StorageError
	if errors.As(err, &serr) {
		return serr, true
	}
	return nil, false
}
