package project

import (
	"errors"
	"fmt"

	"github.com/hugo-lorenzo-mato/specflow-orchestrator/internal/core"
)

var (
	ErrProjectNotFound      = errors.New("project not found")
	ErrProjectAlreadyExists = errors.New("project already registered")
	ErrProjectOffline       = errors.New("project directory not accessible")
	ErrInvalidPath          = errors.New("invalid project path")
	ErrRegistryCorrupted    = errors.New("registry file corrupted")
	ErrNoDefaultProject     = errors.New("no default project configured")
	ErrRegistryClosed       = errors.New("registry is closed")
)

// RegistryError records which registry operation failed and, for
// validation, which project it was about.
type RegistryError struct {
	Op        string
	ProjectID string
	Path      string
	Reason    string
	Err       error
}

func (e *RegistryError) Error() string {
	msg := "registry " + e.Op + " failed"
	if e.ProjectID != "" {
		msg += fmt.Sprintf(" for %s (%s)", e.ProjectID, e.Path)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += fmt.Sprintf(": %v", e.Err)
	}
	return msg
}

func (e *RegistryError) Unwrap() error {
	return e.Err
}

// NewRegistryError wraps err with the failed operation.
func NewRegistryError(op string, err error) *RegistryError {
	return &RegistryError{Op: op, Err: err}
}

// NewValidationError reports that project id failed its health check.
func NewValidationError(id, path, reason string, err error) *RegistryError {
	return &RegistryError{Op: "validate", ProjectID: id, Path: path, Reason: reason, Err: err}
}

// Category maps registry failures onto the domain error categories used by
// the API and the CLI exit path.
func Category(err error) core.ErrorCategory {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrProjectNotFound), errors.Is(err, ErrNoDefaultProject):
		return core.ErrCatNotFound
	case errors.Is(err, ErrProjectAlreadyExists):
		return core.ErrCatConflict
	case errors.Is(err, ErrInvalidPath):
		return core.ErrCatValidation
	case errors.Is(err, ErrProjectOffline), errors.Is(err, ErrRegistryCorrupted), errors.Is(err, ErrRegistryClosed):
		return core.ErrCatState
	default:
		return core.GetCategory(err)
	}
}
