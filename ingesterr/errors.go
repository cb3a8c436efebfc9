package ingesterr

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingTable is returned when an ingest request does not name a table.
	ErrMissingTable = errors.New("table name is required")

	// ErrInvalidRequest is returned when a request envelope cannot be read.
	ErrInvalidRequest = errors.New("invalid request")
)

// DecodeKind classifies a DecodeError.
type DecodeKind string

const (
	DecodeMalformed DecodeKind = "malformed"
	DecodeEmpty     DecodeKind = "empty"
)

// DecodeError indicates that the request body is not a usable Arrow IPC stream.
type DecodeError struct {
	Kind DecodeKind
	Err  error
}

func (e *DecodeError) Error() string {
	if e.Kind == DecodeEmpty {
		return "decode: stream contains no record batch"
	}
	return fmt.Sprintf("decode: malformed arrow stream: %v", e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// CatalogKind classifies a CatalogError.
type CatalogKind string

const (
	CatalogUnavailable   CatalogKind = "unavailable"
	CatalogRequestFailed CatalogKind = "request_failed"
	CatalogConflict      CatalogKind = "conflict"
)

// CatalogError indicates that a catalog call failed.
// Status is the HTTP status for request failures, zero otherwise.
type CatalogError struct {
	Kind   CatalogKind
	Op     string
	Status int
	Err    error
}

func (e *CatalogError) Error() string {
	switch e.Kind {
	case CatalogRequestFailed:
		if e.Err != nil {
			return fmt.Sprintf("catalog %s failed with status %d: %v", e.Op, e.Status, e.Err)
		}
		return fmt.Sprintf("catalog %s failed with status %d", e.Op, e.Status)
	case CatalogConflict:
		return fmt.Sprintf("catalog %s conflict: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("catalog %s unavailable: %v", e.Op, e.Err)
	}
}

func (e *CatalogError) Unwrap() error {
	return e.Err
}

// WriteKind classifies a WriteError.
type WriteKind string

const (
	WriteCommitConflict WriteKind = "commit_conflict"
	WriteStorageFailure WriteKind = "storage_failure"
)

// WriteError indicates that data could not be written or committed.
type WriteError struct {
	Kind     WriteKind
	Table    string
	Attempts int
	Err      error
}

func (e *WriteError) Error() string {
	if e.Kind == WriteCommitConflict {
		return fmt.Sprintf("commit to %s failed after %d attempts: %v", e.Table, e.Attempts, e.Err)
	}
	return fmt.Sprintf("write to %s failed: %v", e.Table, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

// SchemaMismatchError indicates that a batch does not match the schema of an
// existing table under the strict schema policy.
type SchemaMismatchError struct {
	Table  string
	Reason string
}

func (e *SchemaMismatchError) Error() string {
	return fmt.Sprintf("schema mismatch for %s: %s", e.Table, e.Reason)
}
