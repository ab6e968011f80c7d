// Package errors defines the resolution error taxonomy and its HTTP mapping.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
)

// HTTPConvertible is implemented by every error in this package
type HTTPConvertible interface {
	error
	ToHTTPError() *httperror.HTTPError
}

// ValidationError is a missing or malformed natural key or request field.
// Raised before any lock is taken.
type ValidationError struct {
	Field   string
	Message string
}

func NewValidationError(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("field '%s': %s", e.Field, e.Message)
}

func (e *ValidationError) ToHTTPError() *httperror.HTTPError {
	return httperror.NewHTTPError(http.StatusBadRequest, e.Error()).AddMetaValue("field", e.Field)
}

// NotFoundError is a missing subject, candidate, or entry
type NotFoundError struct {
	Entity string
	ID     string
}

func NewNotFoundError(entity, id string) *NotFoundError {
	return &NotFoundError{Entity: entity, ID: id}
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

func (e *NotFoundError) ToHTTPError() *httperror.HTTPError {
	return httperror.NewHTTPError(http.StatusNotFound, e.Error()).AddMetaValue("entity", e.Entity).AddMetaValue("id", e.ID)
}

// AlreadyMergedError signals an idempotent no-op: the loser already resolves to the winner.
type AlreadyMergedError struct {
	LoserID  string
	WinnerID string
}

func NewAlreadyMergedError(loserID, winnerID string) *AlreadyMergedError {
	return &AlreadyMergedError{LoserID: loserID, WinnerID: winnerID}
}

func (e *AlreadyMergedError) Error() string {
	return fmt.Sprintf("subject %s is already merged into %s", e.LoserID, e.WinnerID)
}

func (e *AlreadyMergedError) ToHTTPError() *httperror.HTTPError {
	return httperror.NewHTTPError(http.StatusOK, e.Error()).AddMetaValue("winner_id", e.WinnerID)
}

// ConflictError is a protection rule violation. Reason is shown to reviewers as is.
type ConflictError struct {
	Reason string
	Meta   map[string]any
}

func NewConflictError(reason string) *ConflictError {
	return &ConflictError{Reason: reason, Meta: map[string]any{}}
}

func (e *ConflictError) With(key string, value any) *ConflictError {
	e.Meta[key] = value
	return e
}

func (e *ConflictError) Error() string {
	return e.Reason
}

func (e *ConflictError) ToHTTPError() *httperror.HTTPError {
	he := httperror.NewHTTPError(http.StatusConflict, e.Reason)
	for k, v := range e.Meta {
		he = he.AddMetaValue(k, v)
	}
	return he
}

// LockTimeoutError is a transient failure to acquire a guard lock
type LockTimeoutError struct {
	Key      string
	Attempts int
}

func NewLockTimeoutError(key string, attempts int) *LockTimeoutError {
	return &LockTimeoutError{Key: key, Attempts: attempts}
}

func (e *LockTimeoutError) Error() string {
	return fmt.Sprintf("timed out acquiring lock %s after %d attempt(s)", e.Key, e.Attempts)
}

func (e *LockTimeoutError) ToHTTPError() *httperror.HTTPError {
	return httperror.NewHTTPError(http.StatusServiceUnavailable, "resource busy, retry later").AddMetaValue("attempts", e.Attempts)
}

// IntegrityError is a constraint violation in the middle of a merge. The enclosing
// transaction is always rolled back.
type IntegrityError struct {
	Op  string
	Err error
}

func NewIntegrityError(op string, err error) *IntegrityError {
	return &IntegrityError{Op: op, Err: err}
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity violation during %s: %v", e.Op, e.Err)
}

func (e *IntegrityError) Unwrap() error {
	return e.Err
}

func (e *IntegrityError) ToHTTPError() *httperror.HTTPError {
	return httperror.NewHTTPError(http.StatusInternalServerError, "integrity violation during "+e.Op)
}

func IsValidation(err error) bool {
	var target *ValidationError
	return stderrors.As(err, &target)
}

func IsNotFound(err error) bool {
	var target *NotFoundError
	return stderrors.As(err, &target)
}

func IsAlreadyMerged(err error) bool {
	var target *AlreadyMergedError
	return stderrors.As(err, &target)
}

func IsConflict(err error) bool {
	var target *ConflictError
	return stderrors.As(err, &target)
}

func IsLockTimeout(err error) bool {
	var target *LockTimeoutError
	return stderrors.As(err, &target)
}

func IsIntegrity(err error) bool {
	var target *IntegrityError
	return stderrors.As(err, &target)
}

// ToHTTPError converts any error from this package to an httperror; other errors
// are returned unchanged.
func ToHTTPError(err error) error {
	var convertible HTTPConvertible
	if stderrors.As(err, &convertible) {
		return convertible.ToHTTPError()
	}
	return err
}
