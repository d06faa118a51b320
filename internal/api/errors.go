package api

import "errors"

// Error kinds. Every error returned by this package and by the coordinators
// built on it wraps exactly one of these, so callers can branch with errors.Is
// while still seeing the underlying cause.
var (
	// ErrValidation is returned when a precondition fails locally. No request
	// was sent.
	ErrValidation = errors.New("validation error")

	// ErrNetwork is returned when the request could not be delivered or the
	// response could not be read.
	ErrNetwork = errors.New("network error")

	// ErrServer is returned for non-2xx responses and success:false envelopes.
	ErrServer = errors.New("server error")

	// ErrProtocol is returned when a success envelope is missing or has
	// malformed payload fields.
	ErrProtocol = errors.New("protocol error")

	// ErrStream is returned when a streamed response fails part way through.
	ErrStream = errors.New("stream error")
)

// ServerError carries the message from a success:false envelope.
type ServerError struct {
	Status  int
	Message string
}

func (e *ServerError) Error() string {
	if e.Message == "" {
		return "request failed"
	}
	return e.Message
}

// Is lets errors.Is(err, ErrServer) match a bare *ServerError.
func (e *ServerError) Is(target error) bool {
	return target == ErrServer
}
