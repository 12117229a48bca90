package dstreams

import "errors"

// Configuration errors are fatal: they indicate a misbuilt pipeline and must
// surface before the graph starts ticking. None of them are retried or
// silently corrected.
var (
	// ErrZeroTimeConflict is returned when a graph is initialized twice with
	// different zero times.
	ErrZeroTimeConflict = errors.New("zero time already set to a different value")

	// ErrContextConflict is returned when a stream is bound to two different
	// contexts.
	ErrContextConflict = errors.New("stream already bound to a different context")

	// ErrGraphConflict is returned when a stream is bound to two different
	// graphs.
	ErrGraphConflict = errors.New("stream already bound to a different graph")

	// ErrAlreadyInitialized is returned by configuration mutators invoked
	// after the lifecycle protocol has run.
	ErrAlreadyInitialized = errors.New("stream already initialized, configuration is frozen")

	// ErrNotInitialized is returned when evaluation is attempted on a stream
	// that never went through graph initialization.
	ErrNotInitialized = errors.New("stream not initialized")

	// ErrInvalidConfiguration is the base of all Validate failures.
	ErrInvalidConfiguration = errors.New("invalid stream configuration")

	// ErrIllegalCapture is returned when a stream object is serialized
	// outside an authorized graph checkpoint pass. The usual cause is a user
	// closure accidentally capturing the stream itself instead of the data
	// it needs.
	ErrIllegalCapture = errors.New("stream object serialized outside a graph checkpoint (likely captured in a closure - capture the values you need, not the stream)")

	// ErrCheckpointMismatch is returned when a checkpoint snapshot does not
	// line up with the rebuilt graph structure.
	ErrCheckpointMismatch = errors.New("checkpoint snapshot does not match graph structure")
)
