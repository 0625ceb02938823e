package triage

import "errors"

var (
	// ErrNotFound means no state record exists for the given ID.
	ErrNotFound = errors.New("state not found")

	// ErrNotReady means the record has no draft to act on yet.
	ErrNotReady = errors.New("draft not ready for approval")

	// ErrAlreadyFinal means another decision already landed on this record.
	ErrAlreadyFinal = errors.New("approval already decided")

	// ErrBadToken means the presented approval token does not match.
	ErrBadToken = errors.New("invalid approval token")

	// ErrBadCommand means a comment looked like a slash command but did not
	// match the grammar.
	ErrBadCommand = errors.New("malformed command")
)
