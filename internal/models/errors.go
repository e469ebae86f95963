package models

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidInput      = errors.New("invalid input")
	ErrAlreadyTaken      = errors.New("ride already taken")
	ErrInvalidOTP        = errors.New("invalid OTP")
	ErrInvalidTransition = errors.New("invalid ride transition")
)

// TakenError is the "already taken" outcome of a lost accept race.
type TakenError struct {
	RideID     string
	AcceptedBy string
}

func (e *TakenError) Error() string {
	if e.AcceptedBy == "" {
		return "ride " + e.RideID + " already taken"
	}
	return "ride " + e.RideID + " already taken by " + e.AcceptedBy
}

func (e *TakenError) Unwrap() error { return ErrAlreadyTaken }
