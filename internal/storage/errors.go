package storage

import "errors"

// ErrAlreadyDecided is returned when a guarded status write finds the
// candidate already carries a terminal decision for this cycle.
var ErrAlreadyDecided = errors.New("candidate already has a decision recorded")

// ErrCandidateNotFound is returned when no row matches the trade id.
var ErrCandidateNotFound = errors.New("candidate not found")

// ErrNoKnownPrice is returned when no prior price has been recorded for a
// ticker/strike pair.
var ErrNoKnownPrice = errors.New("no previously recorded price")
