package communication

import "errors"

var (
	ErrServerStartFailed  = errors.New("failed to start server")
	ErrClientCreateFailed = errors.New("failed to create client")

	// Serialization errors
	ErrMalformedMessage = errors.New("malformed wire message")
	ErrUnsupportedType  = errors.New("type does not implement WireMessage")
)
