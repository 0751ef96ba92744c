package remote

import (
	"encoding/json"
	"errors"
	"fmt"
)

// NetworkError represents a transport-level failure: the server was
// unreachable, the connection dropped, or the request timed out.
//
// Network errors are retryable. The sync engine backs off and retries;
// they surface to callers only once the retry ceiling is exhausted.
type NetworkError struct {
	// Op describes the attempted operation, e.g. "select entries".
	Op string

	// Timeout is set when the failure was a deadline rather than a
	// refused or dropped connection.
	Timeout bool

	// Err is the underlying transport error.
	Err error
}

// Error implements the error interface.
func (e *NetworkError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("network timeout during %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("network error during %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying transport error.
func (e *NetworkError) Unwrap() error { return e.Err }

// IsNetworkError reports whether err is (or wraps) a NetworkError.
func IsNetworkError(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}

// MutationRejected represents a server-side validation failure for one
// mutation. Rejections are permanent: the mutation is not retried, and
// the original payload rides along so the caller can correct and
// resubmit it.
type MutationRejected struct {
	MutationID string
	Table      string
	RowID      string
	Status     int
	Reason     string
	Payload    json.RawMessage
}

// Error implements the error interface.
func (e *MutationRejected) Error() string {
	return fmt.Sprintf("mutation %s rejected by server (%d): %s", e.MutationID, e.Status, e.Reason)
}

// IsMutationRejected reports whether err is (or wraps) a MutationRejected.
func IsMutationRejected(err error) bool {
	var mr *MutationRejected
	return errors.As(err, &mr)
}

// SchemaDriftError represents an unexpected server row shape. The row is
// skipped and logged; sync continues for the rest of the batch.
type SchemaDriftError struct {
	Table  string
	RowID  string
	Reason string
}

// Error implements the error interface.
func (e *SchemaDriftError) Error() string {
	if e.RowID != "" {
		return fmt.Sprintf("schema drift in %s row %s: %s", e.Table, e.RowID, e.Reason)
	}
	return fmt.Sprintf("schema drift in %s: %s", e.Table, e.Reason)
}

// IsSchemaDrift reports whether err is (or wraps) a SchemaDriftError.
func IsSchemaDrift(err error) bool {
	var sd *SchemaDriftError
	return errors.As(err, &sd)
}
