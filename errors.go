package main

import "errors"

// Logical conflicts surfaced by the matching engine. These are non-fatal
// notices for the user; the state machine does not transition on them.
var (
	ErrSelfMatch            = errors.New("self_match")
	ErrAlreadyPending       = errors.New("already_pending")
	ErrAlreadyMatched       = errors.New("already_matched")
	ErrNoSuchPendingRequest = errors.New("no_such_pending_request")
)

// Validation errors: recovered locally, re-prompt the same state.
var (
	ErrBioTooLong = errors.New("bio_too_long")
	ErrUnknownTag = errors.New("unknown_tag")
)

// Store errors.
var (
	ErrProfileNotFound = errors.New("profile_not_found")
	ErrAccountNotFound = errors.New("account_not_found")
	ErrEmailExists     = errors.New("email_exists")
)

// ErrAsymmetricMatch is a contract failure: the matches relation was
// observed asymmetric. It must never occur under the pair-locking
// discipline; when detected it is surfaced, never silently repaired.
var ErrAsymmetricMatch = errors.New("asymmetric_match_state")
