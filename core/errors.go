package core

import "errors"

var (
	// ErrSessionNotFound is returned by a SessionStore when no session matches
	// the given id or query.
	ErrSessionNotFound = errors.New("session not found")

	// ErrInvalidVersion is returned when a store operation names a version
	// outside 1..Session.Version.
	ErrInvalidVersion = errors.New("invalid session version")

	// ErrInvalidRequest is returned when a generation request fails validation.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrContractViolation marks a producer that broke the event lifecycle
	// (Started, zero or more Item, exactly one terminal event).
	ErrContractViolation = errors.New("producer contract violation")

	// ErrInvalidLabel is returned when feedback carries a label other than
	// LabelGood or LabelBad.
	ErrInvalidLabel = errors.New("invalid feedback label")
)
