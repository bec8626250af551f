package outsourcing

import "errors"

var (
	// ErrNotFound is returned for unknown collaboration or tracker ids.
	ErrNotFound = errors.New("not found")
	// ErrCollaborationNotActive rejects new sends on a withdrawn collaboration.
	ErrCollaborationNotActive = errors.New("collaboration is not active")
	// ErrConflictingTransition is returned when a concurrent write moved the
	// record into a state the requested milestone cannot follow.
	ErrConflictingTransition = errors.New("conflicting transition")
	// ErrMirrorUnreachable marks a propagation failure. The local write has
	// already committed when this is reported.
	ErrMirrorUnreachable = errors.New("counterpart store unreachable")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrInvalidInput      = errors.New("invalid input")
	// ErrNotParty is returned when the caller is on neither side of the
	// collaboration or claims the wrong side.
	ErrNotParty = errors.New("caller is not a party to this collaboration")

	// ErrStaleVersion is returned by TrackerRepository.Update when the row
	// changed since it was read.
	ErrStaleVersion = errors.New("stale tracker version")
	// ErrDuplicate is returned by repositories on a unique-key collision.
	ErrDuplicate = errors.New("duplicate record")
)
