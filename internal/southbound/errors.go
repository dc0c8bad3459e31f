package southbound

import "errors"

var (
	// ErrMissingDependency is returned by New when a required collaborator
	// is nil.
	ErrMissingDependency = errors.New("southbound: missing dependency")

	// ErrUnsupportedTransport is returned for commands to a device the
	// transport cannot reach.
	ErrUnsupportedTransport = errors.New("southbound: unsupported transport")

	// ErrPublish is returned when a command could not be published.
	ErrPublish = errors.New("southbound: publish failed")

	// ErrInvalidPayload is returned for device messages that are not a
	// non-empty JSON object.
	ErrInvalidPayload = errors.New("southbound: invalid payload")
)
