package app

import "errors"

var (
	// ErrIdentityFailure wraps any identity store problem. It is shown to users
	// only as a generic submission failure.
	ErrIdentityFailure = errors.New("identity could not be resolved")

	// ErrStorageFailure wraps review persistence and catalog lookup problems.
	ErrStorageFailure = errors.New("review could not be saved")

	ErrInvalidDisplayName = errors.New("display name must be 1-100 characters")

	ErrInvalidBookID     = errors.New("invalid book id")
	ErrInvalidStatus     = errors.New("status must be approved or rejected")
	ErrReviewNotFound    = errors.New("review not found")
	ErrInvalidTransition = errors.New("invalid status transition")

	ErrSessionRequired = errors.New("session required")
)
