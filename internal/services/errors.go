package services

import "errors"

var (
	// ErrOracleUnavailable is returned when the completion service errors,
	// times out or returns nothing.
	ErrOracleUnavailable = errors.New("completion oracle unavailable")

	// ErrExtractionParse marks oracle output that was not a JSON object. The
	// extractor recovers from it locally; it only shows up in logs.
	ErrExtractionParse = errors.New("extraction output is not a JSON object")

	// ErrPersistence wraps failures of the persistence provider.
	ErrPersistence = errors.New("persistence failure")

	// ErrTransport wraps outbound messaging failures.
	ErrTransport = errors.New("transport failure")
)
