package engine

import (
	"errors"
	"fmt"

	"github.com/ssargent/skalddb/pkg/codec"
	"github.com/ssargent/skalddb/pkg/connector"
)

var (
	ErrDuplicateKey       = errors.New("duplicate key")
	ErrNotFound           = errors.New("not found")
	ErrIntegrityViolation = errors.New("integrity violation")
	ErrTableExists        = errors.New("table exists")
	ErrUnknownTable       = errors.New("unknown table")
	ErrTransactionClosed  = errors.New("transaction closed")
	ErrDatabaseClosed     = errors.New("database closed")
	ErrCommitFailed       = errors.New("commit failed")

	// ErrKeyMismatch is returned by Update when the record's key differs
	// from the key being updated.
	ErrKeyMismatch = errors.New("key mismatch")
)

// Errors raised by lower layers, re-exported so callers need one import.
var (
	ErrMalformedRecord      = codec.ErrMalformedRecord
	ErrSchemaMismatch       = codec.ErrSchemaMismatch
	ErrSegmentExists        = connector.ErrSegmentExists
	ErrSegmentNotFound      = connector.ErrSegmentNotFound
	ErrOutOfRange           = connector.ErrOutOfRange
	ErrIOFailure            = connector.ErrIOFailure
	ErrConnectorClosed      = connector.ErrConnectorClosed
	ErrConnectorUnavailable = connector.ErrConnectorUnavailable
)

// CommitError is returned by Transaction.Commit. It matches ErrCommitFailed
// and, through Unwrap, the underlying cause.
type CommitError struct {
	Tx    string
	Cause error
}

func (e *CommitError) Error() string {
	return fmt.Sprintf("commit failed: tx %s: %v", e.Tx, e.Cause)
}

func (e *CommitError) Unwrap() error { return e.Cause }

func (e *CommitError) Is(target error) bool { return target == ErrCommitFailed }
