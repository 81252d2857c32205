package middleware

import "errors"

var (
	// ErrUnexpectedOutcome indicates the environment answered with an
	// outcome variant incompatible with the request. This is a protocol
	// bug, not a user error.
	ErrUnexpectedOutcome = errors.New("middleware: unexpected outcome variant")

	// ErrConversion indicates a query answer could not be parsed into the
	// requested integer width, or that a gas price or value does not fit
	// in 256 bits.
	ErrConversion = errors.New("middleware: malformed query return")

	// ErrUnknownFilter indicates a filter id that was never installed on
	// this client.
	ErrUnknownFilter = errors.New("middleware: unknown filter")
)
