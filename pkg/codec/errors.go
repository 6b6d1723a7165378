package codec

import "errors"

var (
	// ErrMalformedRecord is returned when encoded bytes do not match the
	// layout they claim to have (truncated, trailing bytes, bad tags, bad checksum)
	// or when a row handed to the encoder is not well formed.
	ErrMalformedRecord = errors.New("malformed record")

	// ErrSchemaMismatch is returned when a stored record disagrees with the
	// current schema in field count, order or type.
	ErrSchemaMismatch = errors.New("schema mismatch")

	// ErrInvalidSchema is returned by the schema builder.
	ErrInvalidSchema = errors.New("invalid schema")
)
