package source

import (
	"errors"
	"fmt"
)

// ErrMessageGone marks a UID the server no longer has (expunged between
// SEARCH and FETCH). Such messages count as processed.
var ErrMessageGone = errors.New("message no longer in mailbox")

// AuthError indicates that the server rejected the credentials.
type AuthError struct {
	Username string
	Err      error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth error for %s: %v", e.Username, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// NetworkError indicates a dial, TLS or timeout failure.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error during %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// NotFoundError indicates a missing folder.
type NotFoundError struct {
	Folder string
	Err    error
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("folder %q not found: %v", e.Folder, e.Err)
}

func (e *NotFoundError) Unwrap() error { return e.Err }

// SearchError indicates the server failed a SEARCH command.
type SearchError struct {
	Err error
}

func (e *SearchError) Error() string { return fmt.Sprintf("search failed: %v", e.Err) }

func (e *SearchError) Unwrap() error { return e.Err }

// FetchError is a per-message fetch failure.
type FetchError struct {
	UID uint32
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetching uid %d: %v", e.UID, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// ParseError indicates a message whose MIME structure cannot be read.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string { return fmt.Sprintf("parse error: %v", e.Err) }

func (e *ParseError) Unwrap() error { return e.Err }

// ExtractionError is a per-message structured-extraction failure.
type ExtractionError struct {
	EmailID int64
	Err     error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extracting email %d: %v", e.EmailID, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// PersistenceError indicates that a write to the store failed.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persisting %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// IsAuthError reports whether err (or any error in its chain) is an AuthError.
func IsAuthError(err error) bool {
	var target *AuthError
	return errors.As(err, &target)
}

// IsNetworkError reports whether err wraps a NetworkError.
func IsNetworkError(err error) bool {
	var target *NetworkError
	return errors.As(err, &target)
}

// IsNotFound reports whether err wraps a NotFoundError.
func IsNotFound(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target)
}

// IsSearchError reports whether err wraps a SearchError.
func IsSearchError(err error) bool {
	var target *SearchError
	return errors.As(err, &target)
}

// IsParseError reports whether err wraps a ParseError.
func IsParseError(err error) bool {
	var target *ParseError
	return errors.As(err, &target)
}

// IsPersistenceError reports whether err wraps a PersistenceError.
func IsPersistenceError(err error) bool {
	var target *PersistenceError
	return errors.As(err, &target)
}

// Fatal reports whether err must end the run rather than one message.
func Fatal(err error) bool {
	return IsAuthError(err) || IsNetworkError(err) || IsNotFound(err) ||
		IsPersistenceError(err)
}
