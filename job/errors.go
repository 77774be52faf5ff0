package job

import "errors"

var (
	// ErrInvalidEnvelope is returned by Validate when an envelope
	// breaks an invariant.
	ErrInvalidEnvelope = errors.New("job: invalid envelope")

	// ErrUnknownType is returned when no handler is registered for a
	// job type.
	ErrUnknownType = errors.New("job: unknown job type")
)
