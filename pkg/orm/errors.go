package orm

import (
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"
)

var (
	// ErrSessionUnavailable is returned when a model operation runs without a
	// session in its context. It always means the session middleware (or a
	// DB.Scope call) is missing.
	ErrSessionUnavailable = errors.New("orm: database session not available in context")

	// ErrInvalidField matches *InvalidFieldError.
	ErrInvalidField = errors.New("orm: invalid field")

	// ErrNotFound matches *NotFoundError.
	ErrNotFound = errors.New("orm: not found")

	// ErrIntegrity matches *IntegrityError.
	ErrIntegrity = errors.New("orm: integrity constraint violated")

	// ErrNotPersisted is returned by Delete for an instance that was never saved.
	ErrNotPersisted = errors.New("orm: instance has no identity")

	// ErrInvalidValue is returned when a value cannot be stored in a field.
	ErrInvalidValue = errors.New("orm: invalid value")

	// ErrSessionClosed is returned when a closed session is used.
	ErrSessionClosed = errors.New("orm: session closed")
)

// InvalidFieldError reports a predicate or assignment naming a field the
// model does not declare.
type InvalidFieldError struct {
	Model string
	Field string
}

func (e *InvalidFieldError) Error() string {
	return fmt.Sprintf("orm: %s has no field %q", e.Model, e.Field)
}

func (e *InvalidFieldError) Is(target error) bool {
	return target == ErrInvalidField
}

// NotFoundError is returned by the lookups that fail loudly.
type NotFoundError struct {
	Model string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found.", e.Model)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// IntegrityError wraps a constraint violation reported by the backend.
type IntegrityError struct {
	Model      string
	Constraint string
	Err        error
}

func (e *IntegrityError) Error() string {
	if e.Constraint != "" {
		return fmt.Sprintf("orm: %s: constraint %s violated: %v", e.Model, e.Constraint, e.Err)
	}
	return fmt.Sprintf("orm: %s: constraint violated: %v", e.Model, e.Err)
}

func (e *IntegrityError) Unwrap() error {
	return e.Err
}

func (e *IntegrityError) Is(target error) bool {
	return target == ErrIntegrity
}

// integrity class of SQLSTATE codes
const pqIntegrityClass = "23"

var integrityMessages = []string{
	"UNIQUE constraint failed",
	"FOREIGN KEY constraint failed",
	"NOT NULL constraint failed",
	"Duplicate entry",
	"violates unique constraint",
	"violates foreign key constraint",
}

// translateError converts backend constraint violations into *IntegrityError
// and leaves every other error untouched.
func translateError(model string, err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		if pqErr.Code.Class() == pqIntegrityClass {
			return &IntegrityError{Model: model, Constraint: pqErr.Constraint, Err: err}
		}
		return err
	}
	msg := err.Error()
	for _, m := range integrityMessages {
		if strings.Contains(msg, m) {
			return &IntegrityError{Model: model, Err: err}
		}
	}
	return err
}
