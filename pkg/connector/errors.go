package connector

import "errors"

var (
	ErrSegmentExists      = errors.New("segment exists")
	ErrSegmentNotFound    = errors.New("segment not found")
	ErrInvalidSegmentName = errors.New("invalid segment name")
	ErrOutOfRange         = errors.New("out of range")

	// ErrIOFailure is returned when the medium rejected a batch. Durable
	// state is unchanged.
	ErrIOFailure = errors.New("io failure")

	ErrConnectorClosed = errors.New("connector closed")

	// ErrConnectorUnavailable is returned when a target cannot be reached or
	// created.
	ErrConnectorUnavailable = errors.New("connector unavailable")

	// ErrCorruptFrame marks a batch frame that fails its header or checksum
	// checks.
	ErrCorruptFrame = errors.New("corrupt batch frame")
)
