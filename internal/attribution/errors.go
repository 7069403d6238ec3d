package attribution

import "errors"

var (
	// ErrNotAttributed means the service answered but found no ad click.
	ErrNotAttributed = errors.New("install not attributed")
	// ErrAttemptsExhausted means every attempt was spent on retriable errors.
	ErrAttemptsExhausted = errors.New("acquisition attempts exhausted")
	// ErrTransport is a non-retriable transport failure.
	ErrTransport = errors.New("attribution transport error")
	// ErrMalformedResponse is a response body of the wrong shape.
	ErrMalformedResponse = errors.New("malformed attribution response")
	// ErrUnexpectedStatus is a non-2xx answer without a retriable error code.
	ErrUnexpectedStatus = errors.New("unexpected attribution response status")
	// ErrAcquisitionInFlight is returned when another sequence holds the guard.
	ErrAcquisitionInFlight = errors.New("acquisition already in flight")
)
