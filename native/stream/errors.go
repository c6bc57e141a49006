package stream

import "errors"

var (
	// ErrInvalidEmployee is returned when the employee identifier is empty
	// or matches the employer.
	ErrInvalidEmployee = errors.New("stream: invalid employee")
	// ErrInvalidAmount is returned when the principal is missing or not
	// strictly positive.
	ErrInvalidAmount = errors.New("stream: principal must be greater than zero")
	// ErrInvalidDuration is returned when the duration falls outside the
	// one-day to one-year window.
	ErrInvalidDuration = errors.New("stream: duration out of range")
	// ErrNotFound is returned when the referenced stream does not exist.
	ErrNotFound = errors.New("stream: not found")
	// ErrStreamInactive is returned for operations that require live
	// vesting on a cancelled stream.
	ErrStreamInactive = errors.New("stream: inactive")
	// ErrInsufficientVested is returned when a withdrawal exceeds the
	// vested, unwithdrawn balance.
	ErrInsufficientVested = errors.New("stream: amount exceeds vested balance")
)
