package gantry

import "errors"

var (
	// ErrAlreadyStarted when Start is called on a container that is already running.
	ErrAlreadyStarted = errors.New("container already started")

	// ErrNotStarted when an operation requires a running container.
	ErrNotStarted = errors.New("container not started")

	// ErrNotFound when a container or image does not exist in the engine.
	ErrNotFound = errors.New("not found")
)
