/*
errors.go - Centralized error types for the engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Transport packages wrap these with context; the API maps them to HTTP
  status codes.

ERROR CATEGORIES:
  1. Fetch errors - bulk snapshot failed (surfaced as widget error state)
  2. Feed errors - subscription dropped (surfaced as "stale")
  3. Usage errors - missing owner, closed binding, unknown widget

Parse failures on numbers and dates are deliberately absent: they are
coerced at the boundary (coerce.go) and never become errors.

SEE ALSO:
  - loader.go: produces FetchError state
  - feed.go: reconnects on ErrSubscriptionClosed
*/
package generic

import (
	"errors"
	"fmt"
	"net/http"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrFetchFailed is returned when the bulk snapshot could not be fetched.
	ErrFetchFailed = errors.New("snapshot fetch failed")

	// ErrStaleGeneration is returned when a load completes after a newer load
	// (or a teardown) superseded it. The result has been discarded.
	ErrStaleGeneration = errors.New("stale load discarded")

	// ErrSubscriptionClosed is reported by a subscription whose stream ended
	// on the source side.
	ErrSubscriptionClosed = errors.New("subscription closed")

	// ErrOwnerRequired is returned when binding to an empty owner reference.
	ErrOwnerRequired = errors.New("owner reference required")

	// ErrBindingClosed is returned when using a binding after Close.
	ErrBindingClosed = errors.New("binding closed")

	// ErrUnknownWidget is returned when a widget name is not in the catalogue.
	ErrUnknownWidget = errors.New("unknown widget")

	// ErrMissingID is returned when a boundary record carries no identity.
	ErrMissingID = errors.New("record has no id")

	// ErrRecordNotFound is returned by stores when a key does not exist.
	ErrRecordNotFound = errors.New("record not found")

	// ErrDuplicateKey is returned by stores when inserting an existing key.
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrUnknownField is returned when a widget definition references a field
	// the schema does not expose.
	ErrUnknownField = errors.New("unknown field")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// FetchError describes a failed snapshot request in human-readable form.
type FetchError struct {
	StatusCode int    // 0 for transport errors
	Message    string // server-provided message, if any
	Err        error  // underlying transport error, if any
}

func (e *FetchError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Message != "":
		return fmt.Sprintf("failed to load records (%d): %s", e.StatusCode, e.Message)
	case e.StatusCode != 0:
		return fmt.Sprintf("failed to load records: %s", http.StatusText(e.StatusCode))
	case e.Err != nil:
		return fmt.Sprintf("failed to load records: %v", e.Err)
	default:
		return "failed to load records"
	}
}

func (e *FetchError) Unwrap() error {
	return ErrFetchFailed
}

// DefinitionError reports an invalid widget definition.
type DefinitionError struct {
	Widget string
	Field  string
	Reason string
}

func (e *DefinitionError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("widget %q: field %q: %s", e.Widget, e.Field, e.Reason)
	}
	return fmt.Sprintf("widget %q: %s", e.Widget, e.Reason)
}

func (e *DefinitionError) Unwrap() error {
	return ErrUnknownField
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid caller input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrOwnerRequired) ||
		errors.Is(err, ErrUnknownField) ||
		errors.Is(err, ErrMissingID) ||
		errors.Is(err, ErrDuplicateKey)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrUnknownWidget) ||
		errors.Is(err, ErrRecordNotFound)
}
