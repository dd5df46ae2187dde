package transaction

import "errors"

var (
	// ErrTimeout is returned when no final response arrived in time
	ErrTimeout = errors.New("transaction timeout")

	// ErrTerminated is returned when the transaction ended without a final response
	ErrTerminated = errors.New("transaction terminated")

	// ErrTransportFailure is returned when the request could not be sent
	ErrTransportFailure = errors.New("transport failure")

	// ErrInvalidRequest is returned for requests the engine refuses to send
	ErrInvalidRequest = errors.New("invalid request")
)

// IsTimeout reports whether err means "no response"
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrTerminated)
}
