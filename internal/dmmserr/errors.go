// Package dmmserr defines the error kinds shared across the sync core.
//
// Components return plain errors wrapping one of these sentinels; the MCP
// layer maps the chain to a wire tag via Kind. This mirrors the sentinel
// style of the storage layer (ErrNotFound et al.) rather than typed errors.
package dmmserr

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates a named entity (collection, document, branch)
	// does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates a create of a unique name that already exists.
	ErrAlreadyExists = errors.New("already exists")

	// ErrValidation indicates malformed input: empty name, unknown
	// resolution, invalid filter.
	ErrValidation = errors.New("validation error")

	// ErrConflict indicates the VCS reported conflicts requiring user
	// resolution, or an operation that would lose local changes.
	ErrConflict = errors.New("conflict")

	// ErrExternalCommand indicates the external store or VCS failed.
	ErrExternalCommand = errors.New("external command failed")

	// ErrExternalTimeout indicates an external call exceeded its timeout.
	ErrExternalTimeout = errors.New("external command timeout")

	// ErrMigrationRequired indicates legacy on-disk state is readable only
	// after migration.
	ErrMigrationRequired = errors.New("schema migration required")

	// ErrInternal indicates an invariant violation, e.g. a pending op
	// missing during commit cleanup.
	ErrInternal = errors.New("internal error")
)

// Kind returns the wire tag for err's innermost known sentinel, or
// "internal" when the chain carries none.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrAlreadyExists):
		return "already_exists"
	case errors.Is(err, ErrValidation):
		return "validation_error"
	case errors.Is(err, ErrConflict):
		return "conflict_error"
	case errors.Is(err, ErrExternalTimeout):
		return "external_command_timeout"
	case errors.Is(err, ErrExternalCommand):
		return "external_command_failed"
	case errors.Is(err, ErrMigrationRequired):
		return "schema_migration_required"
	default:
		return "internal"
	}
}

// NotFoundf wraps ErrNotFound with a formatted message.
func NotFoundf(format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, ErrNotFound)...)
}

// Validationf wraps ErrValidation with a formatted message.
func Validationf(format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, ErrValidation)...)
}
